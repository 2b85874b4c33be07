package routing

// LocalInfo carries metadata attached by local workers. It never leaves the
// process, so a remote peer cannot forge it.
type LocalInfo map[string]any

// Message is the unit the router moves between workers.
type Message struct {
	// OnwardRoute is what remains of the path after the receiving worker.
	OnwardRoute Route
	// ReturnRoute accumulates the addresses the message has traversed.
	ReturnRoute Route
	Payload     []byte
	// Destination is the address the message was delivered to.
	Destination Address
	LocalInfo   LocalInfo
}

// NewMessage builds a message for onward with an empty return route.
func NewMessage(onward Route, payload []byte) *Message {
	return &Message{OnwardRoute: onward.Clone(), Payload: payload}
}

// ReplyRoute is the route that leads back to the sender.
func (m *Message) ReplyRoute() Route {
	return m.ReturnRoute.Reverse()
}

// Clone copies routes and local info. The payload is shared.
func (m *Message) Clone() *Message {
	out := &Message{
		OnwardRoute: m.OnwardRoute.Clone(),
		ReturnRoute: m.ReturnRoute.Clone(),
		Payload:     m.Payload,
		Destination: m.Destination,
	}
	if m.LocalInfo != nil {
		out.LocalInfo = make(LocalInfo, len(m.LocalInfo))
		for k, v := range m.LocalInfo {
			out.LocalInfo[k] = v
		}
	}
	return out
}

// Info returns a local info value.
func (m *Message) Info(key string) (any, bool) {
	if m.LocalInfo == nil {
		return nil, false
	}
	v, ok := m.LocalInfo[key]
	return v, ok
}

// SetInfo attaches a local info value.
func (m *Message) SetInfo(key string, v any) {
	if m.LocalInfo == nil {
		m.LocalInfo = LocalInfo{}
	}
	m.LocalInfo[key] = v
}
