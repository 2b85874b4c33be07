package identity

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

var (
	ErrEmptyHistory = errors.New("identity: empty change history")
	ErrBrokenChain  = errors.New("identity: broken change history")
	ErrBadSignature = errors.New("identity: change signature does not verify")
	ErrBadKey       = errors.New("identity: invalid public key in change history")
)

const changeDomain = "hopsec/identity/change/v1"

// Change is one entry of an identity's change history.
// Entry 0 is self-signed by its own key; every later entry is signed by the key of entry Index-1.
type Change struct {
	Index        uint32 `json:"index"`
	PublicKey    []byte `json:"public_key"`
	PreviousHash []byte `json:"previous_hash,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	Signature    []byte `json:"signature"`
}

// SigningBytes is the message signed for this change.
func (c Change) SigningBytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(changeDomain)
	var tmp [8]byte
	binary.BigEndian.PutUint32(tmp[:4], c.Index)
	buf.Write(tmp[:4])
	binary.BigEndian.PutUint16(tmp[:2], uint16(len(c.PublicKey)))
	buf.Write(tmp[:2])
	buf.Write(c.PublicKey)
	buf.WriteByte(byte(len(c.PreviousHash)))
	buf.Write(c.PreviousHash)
	binary.BigEndian.PutUint64(tmp[:], uint64(c.CreatedAt))
	buf.Write(tmp[:])
	return buf.Bytes()
}

// Hash commits to the whole entry including its signature.
func (c Change) Hash() [32]byte {
	h, _ := blake2b.New256(nil)
	h.Write(c.SigningBytes())
	h.Write(c.Signature)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (c Change) clone() Change {
	c.PublicKey = append([]byte(nil), c.PublicKey...)
	c.PreviousHash = append([]byte(nil), c.PreviousHash...)
	c.Signature = append([]byte(nil), c.Signature...)
	return c
}

// ChangeHistory is the append-only, positionally indexed key history of an identity.
type ChangeHistory []Change

// Verify walks the history once from genesis and returns the identifier it proves.
func (h ChangeHistory) Verify() (Identifier, error) {
	if len(h) == 0 {
		return Identifier{}, ErrEmptyHistory
	}
	var prev *Change
	for i := range h {
		c := &h[i]
		if c.Index != uint32(i) {
			return Identifier{}, fmt.Errorf("%w: entry %d has index %d", ErrBrokenChain, i, c.Index)
		}
		if len(c.PublicKey) != ed25519.PublicKeySize {
			return Identifier{}, fmt.Errorf("%w: entry %d", ErrBadKey, i)
		}
		signer := c.PublicKey
		if prev == nil {
			if len(c.PreviousHash) != 0 {
				return Identifier{}, fmt.Errorf("%w: genesis references a previous entry", ErrBrokenChain)
			}
		} else {
			ph := prev.Hash()
			if !bytes.Equal(c.PreviousHash, ph[:]) {
				return Identifier{}, fmt.Errorf("%w: entry %d does not commit to entry %d", ErrBrokenChain, i, i-1)
			}
			signer = prev.PublicKey
		}
		if !ed25519.Verify(ed25519.PublicKey(signer), c.SigningBytes(), c.Signature) {
			return Identifier{}, fmt.Errorf("%w: entry %d", ErrBadSignature, i)
		}
		prev = c
	}
	return IdentifierFromPublicKey(h[0].PublicKey), nil
}

func (h ChangeHistory) clone() ChangeHistory {
	out := make(ChangeHistory, len(h))
	for i, c := range h {
		out[i] = c.clone()
	}
	return out
}
