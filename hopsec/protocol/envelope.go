package protocol

import (
	"fmt"

	"github.com/TheusHen/hopsec/hopsec/routing"
)

// MaxRouteLength bounds the number of addresses in an encoded route.
const MaxRouteLength = 255

// Envelope is the routing envelope moved across links and channels.
// Format:
//
//	onward route, return route: 1 byte count, then per address
//	    1 byte transport, 2 bytes length, value
//	4 bytes payload length, payload
type Envelope struct {
	OnwardRoute routing.Route
	ReturnRoute routing.Route
	Payload     []byte
}

func appendRoute(b []byte, r routing.Route) ([]byte, error) {
	if len(r) > MaxRouteLength {
		return nil, fmt.Errorf("%w: route of %d addresses", ErrMalformed, len(r))
	}
	b = append(b, byte(len(r)))
	for _, a := range r {
		if len(a.Value) > routing.MaxAddressLength {
			return nil, fmt.Errorf("%w: address too long", ErrMalformed)
		}
		b = append(b, byte(a.Transport))
		b = appendU16(b, uint16(len(a.Value)))
		b = append(b, a.Value...)
	}
	return b, nil
}

func (d *decoder) route() routing.Route {
	n := int(d.u8())
	if d.err != nil || n == 0 {
		return nil
	}
	r := make(routing.Route, 0, n)
	for i := 0; i < n; i++ {
		t := routing.TransportType(d.u8())
		v := d.take(int(d.u16()))
		if d.err != nil {
			return nil
		}
		r = append(r, routing.Address{Transport: t, Value: string(v)})
	}
	return r
}

func routeSize(r routing.Route) int {
	n := 1
	for _, a := range r {
		n += 3 + len(a.Value)
	}
	return n
}

// EnvelopeSize is the encoded length of e.
func EnvelopeSize(e Envelope) int {
	return routeSize(e.OnwardRoute) + routeSize(e.ReturnRoute) + 4 + len(e.Payload)
}

// EncodeEnvelope serializes e. Payloads above MaxFramePayload fail with ErrFrameTooLarge.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	if len(e.Payload) > MaxFramePayload {
		return nil, ErrFrameTooLarge
	}
	b := make([]byte, 0, 64+len(e.Payload))
	b, err := appendRoute(b, e.OnwardRoute)
	if err != nil {
		return nil, err
	}
	if b, err = appendRoute(b, e.ReturnRoute); err != nil {
		return nil, err
	}
	return appendBytes32(b, e.Payload), nil
}

// DecodeEnvelope parses an envelope produced by EncodeEnvelope.
func DecodeEnvelope(b []byte) (Envelope, error) {
	d := decoder{b: b}
	e := Envelope{
		OnwardRoute: d.route(),
		ReturnRoute: d.route(),
		Payload:     d.bytes32(),
	}
	if err := d.finish(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
