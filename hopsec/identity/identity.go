package identity

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrIndexOutOfRange is returned when a key index is past the history.
var ErrIndexOutOfRange = errors.New("identity: key index out of range")

// Identity is a verified, immutable snapshot of an identity's change history.
type Identity struct {
	id      Identifier
	history ChangeHistory
}

// FromHistory verifies h and returns the identity it describes.
func FromHistory(h ChangeHistory) (*Identity, error) {
	id, err := h.Verify()
	if err != nil {
		return nil, err
	}
	return &Identity{id: id, history: h.clone()}, nil
}

// ID is fixed by the genesis key and survives every rotation.
func (i *Identity) ID() Identifier { return i.id }

// History returns a copy of the change history.
func (i *Identity) History() ChangeHistory { return i.history.clone() }

// Len is the number of entries in the change history.
func (i *Identity) Len() int { return len(i.history) }

// KeyAt returns the public key introduced by change index.
func (i *Identity) KeyAt(index int) (ed25519.PublicKey, error) {
	if index < 0 || index >= len(i.history) {
		return nil, ErrIndexOutOfRange
	}
	return append(ed25519.PublicKey(nil), i.history[index].PublicKey...), nil
}

// CurrentKey returns the active public key.
func (i *Identity) CurrentKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), i.history[len(i.history)-1].PublicKey...)
}

// CurrentIndex is the change index of the active key.
func (i *Identity) CurrentIndex() int { return len(i.history) - 1 }

// VerifySignature checks sig over message against the key at index.
func (i *Identity) VerifySignature(index int, message, sig []byte) bool {
	key, err := i.KeyAt(index)
	if err != nil {
		return false
	}
	return ed25519.Verify(key, message, sig)
}

// Extends reports whether other's history is a prefix of i's history.
// Every identity extends itself.
func (i *Identity) Extends(other *Identity) bool {
	if other == nil || i.id != other.id || len(other.history) > len(i.history) {
		return false
	}
	for n := range other.history {
		a, b := i.history[n].Hash(), other.history[n].Hash()
		if !bytes.Equal(a[:], b[:]) {
			return false
		}
	}
	return true
}

// Equal reports whether both identities carry the same history.
func (i *Identity) Equal(other *Identity) bool {
	return other != nil && len(i.history) == len(other.history) && i.Extends(other)
}

type exported struct {
	Identifier Identifier    `json:"identifier"`
	History    ChangeHistory `json:"history"`
}

// Export serializes the change history.
func (i *Identity) Export() ([]byte, error) {
	return json.Marshal(exported{Identifier: i.id, History: i.history})
}

// Import parses and verifies an exported change history.
func Import(data []byte) (*Identity, error) {
	var e exported
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("identity: decode: %w", err)
	}
	ident, err := FromHistory(e.History)
	if err != nil {
		return nil, err
	}
	if ident.id != e.Identifier {
		return nil, fmt.Errorf("%w: claimed %s, history proves %s", ErrInvalidIdentifier, e.Identifier, ident.id)
	}
	return ident, nil
}
