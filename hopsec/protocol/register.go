package protocol

import (
	"fmt"

	"github.com/TheusHen/hopsec/hopsec/routing"
)

// MaxAliasLength bounds a forwarder alias.
const MaxAliasLength = 255

// Register asks a forwarding service for a forwarder. An empty alias requests
// a random address.
type Register struct {
	Alias string
}

// Registered answers a Register.
type Registered struct {
	// ForwardingRoute reaches the forwarder from the registrant.
	ForwardingRoute routing.Route
	// RemoteAddress is the forwarder's address at the service node.
	RemoteAddress routing.Address
}

// EncodeRegister serializes a forwarder registration request.
func EncodeRegister(r Register) ([]byte, error) {
	if len(r.Alias) > MaxAliasLength {
		return nil, fmt.Errorf("%w: alias too long", ErrMalformed)
	}
	return EncodeFrame(Frame{Type: MessageTypeRegister, Payload: []byte(r.Alias)})
}

func DecodeRegister(b []byte) (Register, error) {
	f, err := DecodeFrame(b)
	if err != nil {
		return Register{}, err
	}
	if f.Type != MessageTypeRegister {
		return Register{}, fmt.Errorf("%w: expected %s, got %s", ErrInvalidType, MessageTypeRegister, f.Type)
	}
	if len(f.Payload) > MaxAliasLength {
		return Register{}, fmt.Errorf("%w: alias too long", ErrMalformed)
	}
	return Register{Alias: string(f.Payload)}, nil
}

// EncodeRegistered serializes the service's answer to a registration.
func EncodeRegistered(r Registered) ([]byte, error) {
	b, err := appendRoute(nil, r.ForwardingRoute)
	if err != nil {
		return nil, err
	}
	if b, err = appendRoute(b, routing.Route{r.RemoteAddress}); err != nil {
		return nil, err
	}
	return EncodeFrame(Frame{Type: MessageTypeRegistered, Payload: b})
}

func DecodeRegistered(b []byte) (Registered, error) {
	f, err := DecodeFrame(b)
	if err != nil {
		return Registered{}, err
	}
	if f.Type != MessageTypeRegistered {
		return Registered{}, fmt.Errorf("%w: expected %s, got %s", ErrInvalidType, MessageTypeRegistered, f.Type)
	}
	d := decoder{b: f.Payload}
	fwd := d.route()
	remote := d.route()
	if err := d.finish(); err != nil {
		return Registered{}, err
	}
	if len(remote) != 1 {
		return Registered{}, fmt.Errorf("%w: registered without remote address", ErrMalformed)
	}
	return Registered{ForwardingRoute: fwd, RemoteAddress: remote[0]}, nil
}
