// Package persistence saves what a node needs to come back with the same
// identity: its sealed vault, its exported identity and its credentials.
package persistence

import (
	"context"
	"errors"
	"sync"

	"github.com/TheusHen/hopsec/hopsec/vault"
)

// ErrNotFound is returned by Load when nothing was saved yet.
var ErrNotFound = errors.New("persistence: no saved state")

// State is the durable part of a node. Vault holds the passphrase-sealed
// export of the node's vault; nothing here is secret in the clear.
type State struct {
	Identity    []byte          `json:"identity"`
	IdentityKey vault.KeyHandle `json:"identity_key"`
	Vault       []byte          `json:"vault"`
	Credentials [][]byte        `json:"credentials,omitempty"`
}

// Store loads and saves a node's State.
type Store interface {
	// Load returns ErrNotFound when nothing was saved yet.
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, s *State) error
}

func (s *State) clone() *State {
	out := &State{
		Identity:    append([]byte(nil), s.Identity...),
		IdentityKey: s.IdentityKey,
		Vault:       append([]byte(nil), s.Vault...),
	}
	for _, c := range s.Credentials {
		out.Credentials = append(out.Credentials, append([]byte(nil), c...))
	}
	return out
}

// Memory keeps the state in process.
type Memory struct {
	mu    sync.Mutex
	state *State
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Load(ctx context.Context) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, ErrNotFound
	}
	return m.state.clone(), nil
}

func (m *Memory) Save(ctx context.Context, s *State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.state = s.clone()
	m.mu.Unlock()
	return nil
}
