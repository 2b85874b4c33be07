package protocol

import (
	"fmt"
)

// EphemeralKeySize is the size of an X25519 public key.
const EphemeralKeySize = 32

// HandshakeMessage is one of the three handshake messages.
// Format:
//
//	1 byte: type
//	2 bytes: ephemeral key length, then the key (messages 1 and 2)
//	4 bytes: encrypted payload length, then the payload (messages 2 and 3)
type HandshakeMessage struct {
	Type      MessageType
	Ephemeral []byte
	Encrypted []byte
}

func (m HandshakeMessage) validate() error {
	switch m.Type {
	case MessageTypeHandshake1:
		if len(m.Ephemeral) != EphemeralKeySize || len(m.Encrypted) != 0 {
			return fmt.Errorf("%w: handshake message 1 shape", ErrMalformed)
		}
	case MessageTypeHandshake2:
		if len(m.Ephemeral) != EphemeralKeySize || len(m.Encrypted) == 0 {
			return fmt.Errorf("%w: handshake message 2 shape", ErrMalformed)
		}
	case MessageTypeHandshake3:
		if len(m.Ephemeral) != 0 || len(m.Encrypted) == 0 {
			return fmt.Errorf("%w: handshake message 3 shape", ErrMalformed)
		}
	default:
		return ErrInvalidType
	}
	return nil
}

// EncodeHandshake serializes m: type, ephemeral key, encrypted part.
func EncodeHandshake(m HandshakeMessage) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	if len(m.Encrypted) > MaxFramePayload {
		return nil, ErrFrameTooLarge
	}
	b := make([]byte, 0, 1+2+len(m.Ephemeral)+4+len(m.Encrypted))
	b = append(b, byte(m.Type))
	b = appendU16(b, uint16(len(m.Ephemeral)))
	b = append(b, m.Ephemeral...)
	return appendBytes32(b, m.Encrypted), nil
}

// DecodeHandshake parses any of the three handshake messages and checks the
// fields its type requires.
func DecodeHandshake(b []byte) (HandshakeMessage, error) {
	d := decoder{b: b}
	var m HandshakeMessage
	m.Type = MessageType(d.u8())
	n := d.u16()
	if eph := d.take(int(n)); eph != nil {
		m.Ephemeral = append([]byte(nil), eph...)
	}
	m.Encrypted = d.bytes32()
	if err := d.finish(); err != nil {
		return HandshakeMessage{}, err
	}
	if len(m.Encrypted) == 0 {
		m.Encrypted = nil
	}
	if err := m.validate(); err != nil {
		return HandshakeMessage{}, err
	}
	return m, nil
}
