package identity

import (
	"errors"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

const identifierPrefix = "I"

// ErrInvalidIdentifier is returned for text that is not a base58 identifier.
var ErrInvalidIdentifier = errors.New("identity: invalid identifier")

// Identifier is the stable name of an identity.
// It is defined as: Identifier = BLAKE2b-256(genesis public key).
type Identifier [32]byte

// IdentifierFromPublicKey hashes a genesis public key into an identifier.
func IdentifierFromPublicKey(publicKey []byte) Identifier {
	return Identifier(blake2b.Sum256(publicKey))
}

// ParseIdentifier reverses Identifier.String.
func ParseIdentifier(s string) (Identifier, error) {
	if len(s) <= len(identifierPrefix) || s[:len(identifierPrefix)] != identifierPrefix {
		return Identifier{}, ErrInvalidIdentifier
	}
	b, err := base58.Decode(s[len(identifierPrefix):])
	if err != nil || len(b) != len(Identifier{}) {
		return Identifier{}, ErrInvalidIdentifier
	}
	var id Identifier
	copy(id[:], b)
	return id, nil
}

// String renders the identifier as base58.
func (id Identifier) String() string {
	return identifierPrefix + base58.Encode(id[:])
}

func (id Identifier) IsZero() bool {
	return id == Identifier{}
}

func (id Identifier) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *Identifier) UnmarshalText(text []byte) error {
	parsed, err := ParseIdentifier(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
