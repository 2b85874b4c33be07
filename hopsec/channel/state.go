package channel

import "fmt"

// Role is the side a channel end took in the handshake.
type Role uint8

const (
	Initiator Role = iota + 1
	Responder
)

func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	default:
		return "unknown"
	}
}

// State is a channel end's position in its lifecycle.
type State uint8

const (
	Uninitialized State = iota
	SentMsg1
	AwaitingMsg1
	ReceivedMsg2
	SentMsg2
	SentMsg3
	ReceivedMsg3
	Established
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case SentMsg1:
		return "sent_msg1"
	case AwaitingMsg1:
		return "awaiting_msg1"
	case ReceivedMsg2:
		return "received_msg2"
	case SentMsg2:
		return "sent_msg2"
	case SentMsg3:
		return "sent_msg3"
	case ReceivedMsg3:
		return "received_msg3"
	case Established:
		return "established"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

type event uint8

const (
	evSendMsg1 event = iota + 1
	evListen
	evRecvMsg1
	evRecvMsg2
	evSendMsg3
	evRecvMsg3
	evSplit
	evClose
)

func (e event) String() string {
	return [...]string{"", "send_msg1", "listen", "recv_msg1", "recv_msg2", "send_msg3", "recv_msg3", "split", "close"}[e]
}

type transitionKey struct {
	role  Role
	from  State
	event event
}

// transitions is the complete handshake state machine. Any (role, state, event)
// not listed is a protocol violation. Failures move to Closed from any state.
var transitions = map[transitionKey]State{
	{Initiator, Uninitialized, evSendMsg1}: SentMsg1,
	{Initiator, SentMsg1, evRecvMsg2}:      ReceivedMsg2,
	{Initiator, ReceivedMsg2, evSendMsg3}:  SentMsg3,
	{Initiator, SentMsg3, evSplit}:         Established,
	{Initiator, Established, evClose}:      Closed,

	{Responder, Uninitialized, evListen}:  AwaitingMsg1,
	{Responder, AwaitingMsg1, evRecvMsg1}: SentMsg2,
	{Responder, SentMsg2, evRecvMsg3}:     ReceivedMsg3,
	{Responder, ReceivedMsg3, evSplit}:    Established,
	{Responder, Established, evClose}:     Closed,
}

func nextState(role Role, from State, ev event) (State, error) {
	to, ok := transitions[transitionKey{role, from, ev}]
	if !ok {
		return from, fmt.Errorf("%w: %s cannot %s in state %s", ErrProtocolViolation, role, ev, from)
	}
	return to, nil
}
