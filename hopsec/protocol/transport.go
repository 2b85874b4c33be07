package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	// TagSize is the size of the AEAD authentication tag.
	TagSize = 16
	// TransportOverhead is what a transport frame adds to an inner body:
	// nonce, inner kind and tag.
	TransportOverhead = 8 + 1 + TagSize
	// MaxInnerBody is the largest inner body that still fits one frame.
	MaxInnerBody = MaxFramePayload - TransportOverhead
)

// TransportFrame carries one encrypted message of an established channel.
// Format: 8 bytes nonce (big endian) followed by ciphertext and tag.
type TransportFrame struct {
	Nonce      uint64
	Ciphertext []byte
}

// EncodeTransport serializes f.
func EncodeTransport(f TransportFrame) []byte {
	b := make([]byte, 8+len(f.Ciphertext))
	binary.BigEndian.PutUint64(b, f.Nonce)
	copy(b[8:], f.Ciphertext)
	return b
}

// DecodeTransport parses a transport frame, rejecting ones too short to hold a tag.
func DecodeTransport(b []byte) (TransportFrame, error) {
	if len(b) < 8+TagSize {
		return TransportFrame{}, fmt.Errorf("%w: transport frame of %d bytes", ErrMalformed, len(b))
	}
	return TransportFrame{
		Nonce:      binary.BigEndian.Uint64(b),
		Ciphertext: append([]byte(nil), b[8:]...),
	}, nil
}

// EncodeInner prefixes a transport plaintext with its kind.
func EncodeInner(kind InnerKind, body []byte) []byte {
	out := make([]byte, 1+len(body))
	out[0] = byte(kind)
	copy(out[1:], body)
	return out
}

// DecodeInner splits a transport plaintext into its kind and body.
func DecodeInner(b []byte) (InnerKind, []byte, error) {
	if len(b) == 0 {
		return 0, nil, fmt.Errorf("%w: empty plaintext", ErrMalformed)
	}
	kind := InnerKind(b[0])
	switch kind {
	case InnerPayload, InnerClose:
		return kind, b[1:], nil
	default:
		return 0, nil, fmt.Errorf("%w: plaintext kind %d", ErrMalformed, kind)
	}
}
