package directory

import (
	"sort"
	"sync"

	"github.com/TheusHen/hopsec/hopsec/identity"
)

// Memory is an in-memory Resolver.
// It is useful for tests, examples and embedding in applications.
type Memory struct {
	mu         sync.RWMutex
	identities map[identity.Identifier]*identity.Identity
}

var _ Resolver = (*Memory)(nil)

// NewMemory returns an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{identities: map[identity.Identifier]*identity.Identity{}}
}

// Announce stores ident when it extends the known history. A history that
// neither extends nor is extended by the known one fails with ErrForkedHistory.
func (m *Memory) Announce(ident *identity.Identity) error {
	if ident == nil {
		return ErrNilAnnouncement
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	known, ok := m.identities[ident.ID()]
	switch {
	case !ok, ident.Extends(known):
		m.identities[ident.ID()] = ident
		return nil
	case known.Extends(ident):
		return nil
	default:
		return ErrForkedHistory
	}
}

// Lookup returns the latest announced history of id.
func (m *Memory) Lookup(id identity.Identifier) (*identity.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ident, ok := m.identities[id]
	if !ok {
		return nil, ErrNotFound
	}
	return ident, nil
}

// List returns known identities ordered by identifier.
func (m *Memory) List() ([]*identity.Identity, error) {
	m.mu.RLock()
	out := make([]*identity.Identity, 0, len(m.identities))
	for _, ident := range m.identities {
		out = append(out, ident)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID().String() < out[j].ID().String() })
	return out, nil
}
