package routing

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// TransportType tags an address with the medium that resolves it.
type TransportType uint8

const (
	// Local addresses name workers registered with the local router.
	Local TransportType = 0
	// Memory addresses name in-process links.
	Memory TransportType = 1
	// QUIC addresses hold a host:port reachable over QUIC.
	QUIC TransportType = 2
)

func (t TransportType) String() string {
	switch t {
	case Local:
		return "local"
	case Memory:
		return "memory"
	case QUIC:
		return "quic"
	default:
		return "transport(" + strconv.Itoa(int(t)) + ")"
	}
}

// ErrInvalidAddress is returned for text that is not an address.
var ErrInvalidAddress = errors.New("routing: invalid address")

// MaxAddressLength bounds the value of a single address.
const MaxAddressLength = 1<<16 - 1

// Address is an opaque, transport-tagged identifier. Only the worker or transport
// matching the tag interprets Value.
type Address struct {
	Transport TransportType
	Value     string
}

// LocalAddress returns a local worker address.
func LocalAddress(value string) Address {
	return Address{Transport: Local, Value: value}
}

// RandomAddress returns a fresh local address starting with prefix.
func RandomAddress(prefix string) Address {
	return LocalAddress(prefix + strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// ParseAddress parses "tag#value" or a bare local worker name.
func ParseAddress(s string) (Address, error) {
	if s == "" {
		return Address{}, ErrInvalidAddress
	}
	tag, value, found := strings.Cut(s, "#")
	if !found {
		return LocalAddress(s), nil
	}
	n, err := strconv.ParseUint(tag, 10, 8)
	if err != nil || value == "" || len(value) > MaxAddressLength {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return Address{Transport: TransportType(n), Value: value}, nil
}

// IsLocal reports whether the address names a worker on this router.
func (a Address) IsLocal() bool { return a.Transport == Local }

func (a Address) IsZero() bool { return a == Address{} }

// String renders local addresses bare and others as "<transport>#<value>".
func (a Address) String() string {
	if a.Transport == Local {
		return a.Value
	}
	return strconv.Itoa(int(a.Transport)) + "#" + a.Value
}

func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
