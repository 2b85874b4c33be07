package forwarder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TheusHen/hopsec/hopsec/protocol"
	"github.com/TheusHen/hopsec/hopsec/routing"
)

const (
	// MaxConnectTime bounds a registration.
	MaxConnectTime = 5 * time.Second
	// MaxRecoveryTime bounds a re-registration after the relay was lost.
	MaxRecoveryTime = 10 * time.Second
)

// ErrRegisterTimeout reports a service that did not answer within the time bound.
var ErrRegisterTimeout = errors.New("forwarder: registration timed out")

// Remote is a forwarder registered at a relay on behalf of this node.
type Remote struct {
	router *routing.Router

	mu           sync.Mutex
	serviceRoute routing.Route
	alias        string
	info         protocol.Registered
}

// Register asks the forwarding service at serviceRoute for a forwarder. An
// empty alias gets a random forwarder address.
func Register(ctx context.Context, r *routing.Router, serviceRoute routing.Route, alias string) (*Remote, error) {
	ctx, cancel := context.WithTimeout(ctx, MaxConnectTime)
	defer cancel()
	info, err := register(ctx, r, serviceRoute, alias)
	if err != nil {
		return nil, err
	}
	return &Remote{router: r, serviceRoute: serviceRoute.Clone(), alias: alias, info: info}, nil
}

func register(ctx context.Context, r *routing.Router, serviceRoute routing.Route, alias string) (protocol.Registered, error) {
	if len(serviceRoute) == 0 {
		return protocol.Registered{}, routing.ErrEmptyRoute
	}
	req, err := protocol.EncodeRegister(protocol.Register{Alias: alias})
	if err != nil {
		return protocol.Registered{}, err
	}
	client, err := r.NewContext(routing.RandomAddress("fwd_client_"))
	if err != nil {
		return protocol.Registered{}, err
	}
	defer client.Stop()

	if err := client.Send(serviceRoute, req); err != nil {
		return protocol.Registered{}, err
	}
	for {
		msg, err := client.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return protocol.Registered{}, ErrRegisterTimeout
			}
			return protocol.Registered{}, err
		}
		resp, err := protocol.DecodeRegistered(msg.Payload)
		if err != nil {
			r.Logger().Debug("ignoring unexpected registration reply", "err", err)
			continue
		}
		// The service knows only the forwarder's own address; the route to it
		// is the service route with the service swapped for the forwarder.
		resp.ForwardingRoute = serviceRoute[:len(serviceRoute)-1].Append(resp.RemoteAddress)
		return resp, nil
	}
}

// ForwardingRoute reaches the forwarder from this node.
func (m *Remote) ForwardingRoute() routing.Route {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info.ForwardingRoute.Clone()
}

// RemoteAddress is the forwarder's address on the relay node.
func (m *Remote) RemoteAddress() routing.Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info.RemoteAddress
}

// Recover registers the same forwarder again, through newServiceRoute when it
// is not empty. A forwarder that got a random address keeps it.
func (m *Remote) Recover(ctx context.Context, newServiceRoute routing.Route) error {
	ctx, cancel := context.WithTimeout(ctx, MaxRecoveryTime)
	defer cancel()

	m.mu.Lock()
	route := m.serviceRoute
	if len(newServiceRoute) > 0 {
		route = newServiceRoute.Clone()
	}
	alias := m.alias
	if alias == "" {
		alias = m.info.RemoteAddress.Value
	}
	m.mu.Unlock()

	info, err := register(ctx, m.router, route, alias)
	if err != nil {
		return fmt.Errorf("forwarder: recover %s: %w", alias, err)
	}
	m.mu.Lock()
	m.serviceRoute = route
	m.info = info
	m.mu.Unlock()
	return nil
}
