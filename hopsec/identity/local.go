package identity

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TheusHen/hopsec/hopsec/vault"
)

// ErrStaleKey is returned when signing with a key that has been rotated out.
var ErrStaleKey = errors.New("identity: key is not the current key")

// Local is an identity whose current private key is held in a vault.
// It is safe for concurrent use; rotations are serialized.
type Local struct {
	v   vault.Vault
	now func() time.Time

	mu    sync.RWMutex
	ident *Identity
	key   vault.KeyHandle
}

// Create generates a persistent Ed25519 key and a genesis change for it.
func Create(v vault.Vault) (*Local, error) {
	key, err := v.GeneratePersistent(vault.Ed25519)
	if err != nil {
		return nil, err
	}
	pub, err := v.PublicKey(key)
	if err != nil {
		return nil, err
	}
	genesis := Change{Index: 0, PublicKey: pub, CreatedAt: time.Now().Unix()}
	sig, err := v.Sign(key, genesis.SigningBytes())
	if err != nil {
		return nil, err
	}
	genesis.Signature = sig
	ident, err := FromHistory(ChangeHistory{genesis})
	if err != nil {
		return nil, err
	}
	return &Local{v: v, now: time.Now, ident: ident, key: key}, nil
}

// Load binds an exported identity to the vault key that controls it.
func Load(v vault.Vault, exportedIdentity []byte, key vault.KeyHandle) (*Local, error) {
	ident, err := Import(exportedIdentity)
	if err != nil {
		return nil, err
	}
	pub, err := v.PublicKey(key)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(pub, ident.CurrentKey()) {
		return nil, ErrStaleKey
	}
	return &Local{v: v, now: time.Now, ident: ident, key: key}, nil
}

// Identity returns the current verified snapshot.
func (l *Local) Identity() *Identity {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ident
}

// ID is the identity's identifier.
func (l *Local) ID() Identifier { return l.Identity().ID() }

// Key returns the vault handle of the current key.
func (l *Local) Key() vault.KeyHandle {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.key
}

// Vault holds the identity's keys.
func (l *Local) Vault() vault.Vault { return l.v }

// Sign signs message with the current key and returns the signature and the key index used.
func (l *Local) Sign(message []byte) ([]byte, int, error) {
	l.mu.RLock()
	key, index := l.key, l.ident.CurrentIndex()
	l.mu.RUnlock()
	sig, err := l.v.Sign(key, message)
	if err != nil {
		return nil, 0, err
	}
	return sig, index, nil
}

// Rotate appends a change introducing next, signed by current.
// It fails with ErrStaleKey when current is not the latest key of the history.
func (l *Local) Rotate(current, next vault.KeyHandle) error {
	curPub, err := l.v.PublicKey(current)
	if err != nil {
		return err
	}
	nextPub, err := l.v.PublicKey(next)
	if err != nil {
		return err
	}
	if alg, err := l.v.Algorithm(next); err != nil || alg != vault.Ed25519 {
		return fmt.Errorf("%w: next key must be ed25519", ErrBadKey)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !bytes.Equal(curPub, l.ident.CurrentKey()) {
		return ErrStaleKey
	}
	last := l.ident.history[len(l.ident.history)-1]
	prevHash := last.Hash()
	change := Change{
		Index:        uint32(len(l.ident.history)),
		PublicKey:    nextPub,
		PreviousHash: prevHash[:],
		CreatedAt:    l.now().Unix(),
	}
	sig, err := l.v.Sign(current, change.SigningBytes())
	if err != nil {
		return err
	}
	change.Signature = sig

	history := append(l.ident.history.clone(), change)
	ident, err := FromHistory(history)
	if err != nil {
		return err
	}
	l.ident = ident
	l.key = next
	return nil
}

// RotateKey generates a fresh persistent key and rotates to it.
// The previous key stays in the vault.
func (l *Local) RotateKey() (vault.KeyHandle, error) {
	next, err := l.v.GeneratePersistent(vault.Ed25519)
	if err != nil {
		return "", err
	}
	if err := l.Rotate(l.Key(), next); err != nil {
		_ = l.v.Delete(next)
		return "", err
	}
	return next, nil
}

// Export serializes the public change history. Keys stay in the vault.
func (l *Local) Export() ([]byte, error) {
	return l.Identity().Export()
}
