package protocol

// MessageType is the first byte of every frame.
type MessageType uint8

const (
	MessageTypeHandshake1 MessageType = 1
	MessageTypeHandshake2 MessageType = 2
	MessageTypeHandshake3 MessageType = 3
	MessageTypeTransport  MessageType = 4
	// MessageTypeRegister and MessageTypeRegistered carry forwarder registration.
	MessageTypeRegister   MessageType = 5
	MessageTypeRegistered MessageType = 6
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeHandshake1:
		return "HANDSHAKE1"
	case MessageTypeHandshake2:
		return "HANDSHAKE2"
	case MessageTypeHandshake3:
		return "HANDSHAKE3"
	case MessageTypeTransport:
		return "TRANSPORT"
	case MessageTypeRegister:
		return "REGISTER"
	case MessageTypeRegistered:
		return "REGISTERED"
	default:
		return "UNKNOWN"
	}
}

func (t MessageType) valid() bool {
	return t >= MessageTypeHandshake1 && t <= MessageTypeRegistered
}

// InnerKind tags the plaintext of a transport frame.
type InnerKind uint8

const (
	InnerPayload InnerKind = 1
	InnerClose   InnerKind = 2
)
