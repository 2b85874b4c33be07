package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/TheusHen/hopsec/hopsec/routing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := Frame{Type: MessageTypeTransport, Payload: []byte("ok")}
	if err := WriteFrame(&buf, in); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	// A second frame in the same stream must not be consumed by the first read.
	if err := WriteFrame(&buf, Frame{Type: MessageTypeHandshake1}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	out, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if out.Type != in.Type || !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("frame mismatch")
	}
	second, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame second: %v", err)
	}
	if second.Type != MessageTypeHandshake1 || len(second.Payload) != 0 {
		t.Fatalf("second frame mismatch")
	}
}

func TestFrameRejectsBadInput(t *testing.T) {
	if _, err := EncodeFrame(Frame{Type: 0}); !errors.Is(err, ErrInvalidType) {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}
	if _, err := EncodeFrame(Frame{Type: MessageTypeTransport, Payload: make([]byte, MaxFramePayload+1)}); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	b, _ := EncodeFrame(Frame{Type: MessageTypeTransport, Payload: []byte("abc")})
	if _, err := DecodeFrame(b[:len(b)-1]); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for truncated frame, got %v", err)
	}
	if _, err := DecodeFrame(append(b, 0)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for trailing byte, got %v", err)
	}
	b[0] = 99
	if _, err := DecodeFrame(b); !errors.Is(err, ErrInvalidType) {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}
}

func TestHandshakeMessageShapes(t *testing.T) {
	eph := bytes.Repeat([]byte{7}, EphemeralKeySize)
	cases := []HandshakeMessage{
		{Type: MessageTypeHandshake1, Ephemeral: eph},
		{Type: MessageTypeHandshake2, Ephemeral: eph, Encrypted: []byte("proof")},
		{Type: MessageTypeHandshake3, Encrypted: []byte("proof")},
	}
	for _, in := range cases {
		b, err := EncodeHandshake(in)
		if err != nil {
			t.Fatalf("EncodeHandshake(%s): %v", in.Type, err)
		}
		out, err := DecodeHandshake(b)
		if err != nil {
			t.Fatalf("DecodeHandshake(%s): %v", in.Type, err)
		}
		if out.Type != in.Type || !bytes.Equal(out.Ephemeral, in.Ephemeral) || !bytes.Equal(out.Encrypted, in.Encrypted) {
			t.Fatalf("%s round trip mismatch", in.Type)
		}
	}

	bad := []HandshakeMessage{
		{Type: MessageTypeHandshake1},
		{Type: MessageTypeHandshake1, Ephemeral: eph, Encrypted: []byte("x")},
		{Type: MessageTypeHandshake2, Ephemeral: eph},
		{Type: MessageTypeHandshake3, Ephemeral: eph, Encrypted: []byte("x")},
	}
	for _, m := range bad {
		if _, err := EncodeHandshake(m); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: expected ErrMalformed, got %v", m.Type, err)
		}
	}
	if _, err := EncodeHandshake(HandshakeMessage{Type: MessageTypeTransport}); !errors.Is(err, ErrInvalidType) {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}

	b, _ := EncodeHandshake(cases[1])
	for cut := 0; cut < len(b); cut++ {
		if _, err := DecodeHandshake(b[:cut]); err == nil {
			t.Fatalf("truncated message at %d decoded", cut)
		}
	}
}

func TestTransportFrame(t *testing.T) {
	in := TransportFrame{Nonce: 1<<40 + 3, Ciphertext: bytes.Repeat([]byte{1}, TagSize+5)}
	out, err := DecodeTransport(EncodeTransport(in))
	if err != nil {
		t.Fatalf("DecodeTransport: %v", err)
	}
	if out.Nonce != in.Nonce || !bytes.Equal(out.Ciphertext, in.Ciphertext) {
		t.Fatalf("transport frame mismatch")
	}
	if _, err := DecodeTransport(make([]byte, 8+TagSize-1)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestInner(t *testing.T) {
	kind, body, err := DecodeInner(EncodeInner(InnerClose, nil))
	if err != nil || kind != InnerClose || len(body) != 0 {
		t.Fatalf("DecodeInner close: kind=%d body=%q err=%v", kind, body, err)
	}
	if _, _, err := DecodeInner([]byte{9}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	in := Envelope{
		OnwardRoute: routing.NewRoute(routing.Address{Transport: routing.QUIC, Value: "10.0.0.1:4000"}, routing.LocalAddress("api")),
		ReturnRoute: routing.NewRoute(routing.LocalAddress("app")),
		Payload:     []byte("payload"),
	}
	b, err := EncodeEnvelope(in)
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	if got := EnvelopeSize(in); got != len(b) {
		t.Fatalf("EnvelopeSize = %d, encoded %d bytes", got, len(b))
	}
	out, err := DecodeEnvelope(b)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if !out.OnwardRoute.Equal(in.OnwardRoute) || !out.ReturnRoute.Equal(in.ReturnRoute) || !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("envelope mismatch: %+v", out)
	}

	for cut := 0; cut < len(b); cut++ {
		if _, err := DecodeEnvelope(b[:cut]); err == nil {
			t.Fatalf("truncated envelope at %d decoded", cut)
		}
	}
	if _, err := DecodeEnvelope(append(b, 1)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for trailing data, got %v", err)
	}
}

func TestProofRoundTrip(t *testing.T) {
	in := IdentityProof{
		Identity:    []byte(`{"history":[]}`),
		Signature:   bytes.Repeat([]byte{2}, 64),
		Credentials: [][]byte{[]byte("c1"), []byte("c2")},
	}
	b, err := EncodeProof(in)
	if err != nil {
		t.Fatalf("EncodeProof: %v", err)
	}
	out, err := DecodeProof(b)
	if err != nil {
		t.Fatalf("DecodeProof: %v", err)
	}
	if !bytes.Equal(out.Identity, in.Identity) || !bytes.Equal(out.Signature, in.Signature) || len(out.Credentials) != 2 {
		t.Fatalf("proof mismatch")
	}
	if _, err := EncodeProof(IdentityProof{Credentials: make([][]byte, MaxCredentials+1)}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	empty, _ := EncodeProof(IdentityProof{})
	if _, err := DecodeProof(empty); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for empty proof, got %v", err)
	}
}

func TestRegisterMessages(t *testing.T) {
	b, err := EncodeRegister(Register{Alias: "printer"})
	if err != nil {
		t.Fatalf("EncodeRegister: %v", err)
	}
	r, err := DecodeRegister(b)
	if err != nil || r.Alias != "printer" {
		t.Fatalf("DecodeRegister: %+v %v", r, err)
	}

	in := Registered{
		ForwardingRoute: routing.NewRoute(routing.Address{Transport: routing.QUIC, Value: "relay:4000"}, routing.LocalAddress("printer")),
		RemoteAddress:   routing.LocalAddress("printer"),
	}
	b, err = EncodeRegistered(in)
	if err != nil {
		t.Fatalf("EncodeRegistered: %v", err)
	}
	out, err := DecodeRegistered(b)
	if err != nil {
		t.Fatalf("DecodeRegistered: %v", err)
	}
	if !out.ForwardingRoute.Equal(in.ForwardingRoute) || out.RemoteAddress != in.RemoteAddress {
		t.Fatalf("registered mismatch: %+v", out)
	}
	if _, err := DecodeRegister(b); !errors.Is(err, ErrInvalidType) {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}
}
