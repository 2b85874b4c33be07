// Package forwarder lets a node that cannot be dialed receive messages through
// a relay node.
//
// A registrant sends a Register message to the relay's Service. The service
// starts a forwarder worker that remembers the route back to the registrant.
// Anything routed through the forwarder is sent along that route, followed by
// the rest of the message's onward route.
package forwarder

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/TheusHen/hopsec/hopsec/metrics"
	"github.com/TheusHen/hopsec/hopsec/protocol"
	"github.com/TheusHen/hopsec/hopsec/routing"
)

// DefaultServiceAddress is where a forwarding service listens by default.
var DefaultServiceAddress = routing.LocalAddress("forwarding_service")

// ErrInvalidAlias is returned for an alias that collides with the service itself.
var ErrInvalidAlias = errors.New("forwarder: invalid alias")

// ServiceOptions configures StartService.
type ServiceOptions struct {
	Address routing.Address
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Info describes a live forwarder.
type Info struct {
	Address routing.Address `json:"address"`
	Route   routing.Route   `json:"route"`
	Static  bool            `json:"static"`
}

// Service registers forwarders on behalf of remote workers.
type Service struct {
	router  *routing.Router
	addr    routing.Address
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	forwarders map[routing.Address]*forwarder
}

// StartService starts a forwarding service on r.
func StartService(r *routing.Router, opts ServiceOptions) (*Service, error) {
	if opts.Address.IsZero() {
		opts.Address = DefaultServiceAddress
	}
	logger := opts.Logger
	if logger == nil {
		logger = r.Logger()
	}
	m := opts.Metrics
	if m == nil {
		m = r.Metrics()
	}
	s := &Service{
		router:     r,
		addr:       opts.Address,
		logger:     logger.With("service", opts.Address.String()),
		metrics:    m,
		forwarders: make(map[routing.Address]*forwarder),
	}
	if _, err := r.Start(s, s.addr); err != nil {
		return nil, err
	}
	return s, nil
}

// Address is where registrations are sent.
func (s *Service) Address() routing.Address { return s.addr }

// HandleMessage handles one registration request.
func (s *Service) HandleMessage(ctx *routing.Context, msg *routing.Message) error {
	req, err := protocol.DecodeRegister(msg.Payload)
	if err != nil {
		s.logger.Debug("dropping malformed registration", "err", err)
		return nil
	}
	reply := msg.ReplyRoute()
	if len(reply) == 0 {
		return nil
	}
	// The registrant's own address is the last hop; the forwarder stops short of it.
	route := reply[:len(reply)-1].Clone()

	static := req.Alias != ""
	addr := routing.RandomAddress("fwd_")
	if static {
		addr = routing.LocalAddress(req.Alias)
		if addr == s.addr {
			s.logger.Warn("rejecting alias of the service itself", "alias", req.Alias)
			return ErrInvalidAlias
		}
		s.replace(addr)
	}

	fwd := &forwarder{
		addr:   addr,
		route:  route,
		static: static,
		logger: s.logger.With("forwarder", addr.String()),
		onStop: s.remove,
	}
	if _, err := s.router.Start(fwd, addr); err != nil {
		s.logger.Warn("cannot start forwarder", "addr", addr.String(), "err", err)
		return err
	}
	s.mu.Lock()
	s.forwarders[addr] = fwd
	s.mu.Unlock()
	s.metrics.IncrementForwarders()
	s.logger.Info("forwarder registered", "addr", addr.String(), "route", route.String())

	out, err := protocol.EncodeRegistered(protocol.Registered{
		ForwardingRoute: routing.NewRoute(addr),
		RemoteAddress:   addr,
	})
	if err != nil {
		return err
	}
	return ctx.Reply(msg, out)
}

// replace stops the forwarder currently registered under addr, if any.
func (s *Service) replace(addr routing.Address) {
	s.mu.Lock()
	_, ok := s.forwarders[addr]
	delete(s.forwarders, addr)
	s.mu.Unlock()
	if ok {
		_ = s.router.Stop(addr)
		s.logger.Debug("replacing forwarder", "addr", addr.String())
	}
}

func (s *Service) remove(f *forwarder) {
	s.mu.Lock()
	if s.forwarders[f.addr] == f {
		delete(s.forwarders, f.addr)
	}
	s.mu.Unlock()
}

// Forwarders lists the live forwarders ordered by address.
func (s *Service) Forwarders() []Info {
	s.mu.Lock()
	out := make([]Info, 0, len(s.forwarders))
	for _, f := range s.forwarders {
		out = append(out, Info{Address: f.addr, Route: f.route.Clone(), Static: f.static})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address.String() < out[j].Address.String() })
	return out
}

// Shutdown stops every forwarder with the service.
func (s *Service) Shutdown(*routing.Context) error {
	s.mu.Lock()
	addrs := make([]routing.Address, 0, len(s.forwarders))
	for a := range s.forwarders {
		addrs = append(addrs, a)
	}
	s.forwarders = make(map[routing.Address]*forwarder)
	s.mu.Unlock()
	for _, a := range addrs {
		_ = s.router.Stop(a)
	}
	return nil
}

// Stop deregisters the service and its forwarders.
func (s *Service) Stop() error {
	return s.router.Stop(s.addr)
}
