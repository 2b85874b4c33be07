package routing

import (
	"strings"
)

// Route is an ordered list of addresses describing a forwarding path.
// Route methods never modify their receiver.
type Route []Address

// NewRoute builds a route from addrs in order.
func NewRoute(addrs ...Address) Route {
	return append(Route(nil), addrs...)
}

// ParseRoute parses addresses separated by "=>", optionally in the brackets
// String adds.
func ParseRoute(s string) (Route, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		s = s[1 : len(s)-1]
	}
	var r Route
	for _, part := range strings.Split(s, "=>") {
		a, err := ParseAddress(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		r = append(r, a)
	}
	return r, nil
}

// Next returns the head of the route.
func (r Route) Next() (Address, bool) {
	if len(r) == 0 {
		return Address{}, false
	}
	return r[0], true
}

// Append returns a new route with addrs after r.
func (r Route) Append(addrs ...Address) Route {
	out := make(Route, 0, len(r)+len(addrs))
	out = append(out, r...)
	return append(out, addrs...)
}

// Concat returns r followed by other.
func (r Route) Concat(other Route) Route {
	return r.Append(other...)
}

// Prepend returns a new route with addrs before r.
func (r Route) Prepend(addrs ...Address) Route {
	out := make(Route, 0, len(r)+len(addrs))
	out = append(out, addrs...)
	return append(out, r...)
}

// Reverse returns the addresses of r in reverse order.
func (r Route) Reverse() Route {
	out := make(Route, len(r))
	for i, a := range r {
		out[len(r)-1-i] = a
	}
	return out
}

// WithoutLast drops the final address.
func (r Route) WithoutLast() Route {
	if len(r) == 0 {
		return nil
	}
	return NewRoute(r[:len(r)-1]...)
}

func (r Route) Clone() Route {
	if r == nil {
		return nil
	}
	return NewRoute(r...)
}

// Equal reports whether both routes hold the same addresses in the same order.
func (r Route) Equal(other Route) bool {
	if len(r) != len(other) {
		return false
	}
	for i := range r {
		if r[i] != other[i] {
			return false
		}
	}
	return true
}

// String renders the route as "[a => b]"; ParseRoute accepts it back.
func (r Route) String() string {
	parts := make([]string, len(r))
	for i, a := range r {
		parts[i] = a.String()
	}
	return "[" + strings.Join(parts, " => ") + "]"
}
