package directory

import (
	"errors"

	"github.com/TheusHen/hopsec/hopsec/identity"
)

var (
	ErrNotFound        = errors.New("directory: identity not found")
	ErrForkedHistory   = errors.New("directory: announced history forks the known history")
	ErrNilAnnouncement = errors.New("directory: nil identity")
)

// Resolver maps identifiers to their latest known verified change history.
// Implementations can be backed by a shared store, a gossip layer, a bootstrap list, etc.
type Resolver interface {
	// Announce records ident. A history that is a prefix of the known one is ignored;
	// a history that diverges from the known one is refused with ErrForkedHistory.
	Announce(ident *identity.Identity) error
	Lookup(id identity.Identifier) (*identity.Identity, error)
	List() ([]*identity.Identity, error)
}
