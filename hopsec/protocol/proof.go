package protocol

import "fmt"

// MaxCredentials bounds the credentials presented in one proof.
const MaxCredentials = 16

// IdentityProof is the encrypted payload of handshake messages 2 and 3.
// It binds an identity to the running handshake transcript.
type IdentityProof struct {
	// Identity is the exported change history of the prover.
	Identity []byte
	// Signature is made with the prover's current identity key over the
	// proof label and the transcript hash.
	Signature   []byte
	Credentials [][]byte
}

// EncodeProof serializes an identity proof for the encrypted part of messages 2 and 3.
func EncodeProof(p IdentityProof) ([]byte, error) {
	if len(p.Credentials) > MaxCredentials {
		return nil, fmt.Errorf("%w: %d credentials", ErrMalformed, len(p.Credentials))
	}
	if len(p.Signature) > 0xffff {
		return nil, fmt.Errorf("%w: signature too long", ErrMalformed)
	}
	b := appendBytes32(nil, p.Identity)
	b = appendU16(b, uint16(len(p.Signature)))
	b = append(b, p.Signature...)
	b = append(b, byte(len(p.Credentials)))
	for _, c := range p.Credentials {
		b = appendBytes32(b, c)
	}
	if len(b) > MaxFramePayload {
		return nil, ErrFrameTooLarge
	}
	return b, nil
}

// DecodeProof parses a proof produced by EncodeProof.
func DecodeProof(b []byte) (IdentityProof, error) {
	d := decoder{b: b}
	var p IdentityProof
	p.Identity = d.bytes32()
	if sig := d.take(int(d.u16())); sig != nil {
		p.Signature = append([]byte(nil), sig...)
	}
	n := int(d.u8())
	if n > MaxCredentials {
		return IdentityProof{}, fmt.Errorf("%w: %d credentials", ErrMalformed, n)
	}
	for i := 0; i < n && d.err == nil; i++ {
		p.Credentials = append(p.Credentials, d.bytes32())
	}
	if err := d.finish(); err != nil {
		return IdentityProof{}, err
	}
	if len(p.Identity) == 0 || len(p.Signature) == 0 {
		return IdentityProof{}, fmt.Errorf("%w: incomplete identity proof", ErrMalformed)
	}
	return p, nil
}
