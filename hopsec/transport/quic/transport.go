package quic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/TheusHen/hopsec/hopsec/metrics"
	"github.com/TheusHen/hopsec/hopsec/routing"
	"github.com/TheusHen/hopsec/hopsec/transport"
)

// TransportAddress is the local worker resolving QUIC-tagged addresses.
var TransportAddress = routing.LocalAddress("quic_transport")

// ErrTransportClosed is returned once Close has run.
var ErrTransportClosed = errors.New("quic: transport closed")

// Address returns the routing address of a QUIC peer at hostport.
func Address(hostport string) routing.Address {
	return routing.Address{Transport: routing.QUIC, Value: hostport}
}

// Options configures NewTransport.
type Options struct {
	Link LinkOptions
	// SendTimeout is passed to every connection worker.
	SendTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Transport is the router's worker for routing.QUIC addresses.
//
// A message whose route starts with a QUIC address is sent through the
// connection to that peer. The first message to a new peer starts a dial in
// the background; messages for that peer queue in order until it completes,
// so a slow or unreachable peer never holds up traffic to others. Inbound
// connections accepted by Listen become connection workers too; their replies
// travel back over the same link.
type Transport struct {
	router *routing.Router
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	conns     map[string]*transport.Connection
	inbound   map[*transport.Connection]struct{}
	pending   map[string][]*routing.Message
	listeners []*Listener
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTransport starts the transport worker and binds routing.QUIC to it.
func NewTransport(r *routing.Router, opts Options) (*Transport, error) {
	if opts.Logger == nil {
		opts.Logger = r.Logger()
	}
	if opts.Metrics == nil {
		opts.Metrics = r.Metrics()
	}
	if opts.Link.Logger == nil {
		opts.Link.Logger = opts.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		router:  r,
		opts:    opts,
		logger:  opts.Logger.With("transport", "quic"),
		conns:   make(map[string]*transport.Connection),
		inbound: make(map[*transport.Connection]struct{}),
		pending: make(map[string][]*routing.Message),
		ctx:     ctx,
		cancel:  cancel,
	}
	if _, err := r.Start(t, TransportAddress); err != nil {
		cancel()
		return nil, err
	}
	if err := r.RegisterTransport(routing.QUIC, TransportAddress); err != nil {
		_ = r.Stop(TransportAddress)
		cancel()
		return nil, err
	}
	return t, nil
}

// HandleMessage sends msg through the connection named by its head, or queues
// it behind the dial to that peer.
func (t *Transport) HandleMessage(_ *routing.Context, msg *routing.Message) error {
	head, ok := msg.OnwardRoute.Next()
	if !ok || head.Transport != routing.QUIC {
		t.opts.Metrics.IncrementDropped(routing.DropUnknownAddress)
		return fmt.Errorf("%w: %s", routing.ErrUnknownAddress, msg.OnwardRoute)
	}
	hostport := head.Value
	if _, _, err := net.SplitHostPort(hostport); err != nil {
		t.opts.Metrics.IncrementDropped(routing.DropUnknownAddress)
		return fmt.Errorf("%w: %v", routing.ErrInvalidAddress, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	if q, dialing := t.pending[hostport]; dialing {
		t.pending[hostport] = append(q, msg)
		t.mu.Unlock()
		return nil
	}
	if c, ok := t.conns[hostport]; ok {
		t.mu.Unlock()
		return t.forward(c, msg)
	}
	t.pending[hostport] = []*routing.Message{msg}
	t.wg.Add(1)
	t.mu.Unlock()

	go t.dial(hostport)
	return nil
}

// dial connects to hostport and flushes the messages queued behind it.
func (t *Transport) dial(hostport string) {
	defer t.wg.Done()
	conn, err := t.Resolve(t.ctx, hostport)
	if err != nil {
		t.mu.Lock()
		dropped := len(t.pending[hostport])
		delete(t.pending, hostport)
		t.mu.Unlock()
		t.logger.Warn("cannot reach peer", "peer", hostport, "dropped", dropped, "err", err)
		for i := 0; i < dropped; i++ {
			t.opts.Metrics.IncrementDropped("unreachable")
		}
		return
	}
	for {
		t.mu.Lock()
		queued := t.pending[hostport]
		if len(queued) == 0 {
			delete(t.pending, hostport)
			t.mu.Unlock()
			return
		}
		// The key stays so later messages keep queueing until the flush ends.
		t.pending[hostport] = nil
		t.mu.Unlock()
		for _, msg := range queued {
			if err := t.forward(conn, msg); err != nil {
				t.logger.Debug("cannot forward queued message", "peer", hostport, "err", err)
			}
		}
	}
}

func (t *Transport) forward(conn *transport.Connection, msg *routing.Message) error {
	return t.router.Send(&routing.Message{
		OnwardRoute: msg.OnwardRoute[1:].Prepend(conn.Address()),
		ReturnRoute: msg.ReturnRoute,
		Payload:     msg.Payload,
		LocalInfo:   msg.LocalInfo,
	})
}

// Resolve returns the connection to hostport, dialing it if none is open.
func (t *Transport) Resolve(ctx context.Context, hostport string) (*transport.Connection, error) {
	if _, _, err := net.SplitHostPort(hostport); err != nil {
		return nil, fmt.Errorf("%w: %v", routing.ErrInvalidAddress, err)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	if c, ok := t.conns[hostport]; ok {
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	link, err := Dial(ctx, hostport, t.opts.Link)
	if err != nil {
		return nil, err
	}
	conn, err := transport.Attach(t.router, link, transport.Options{
		SendTimeout: t.opts.SendTimeout,
		Logger:      t.opts.Logger,
		Metrics:     t.opts.Metrics,
		OnClose: func(c *transport.Connection) {
			t.mu.Lock()
			if t.conns[hostport] == c {
				delete(t.conns, hostport)
			}
			t.mu.Unlock()
		},
	})
	if err != nil {
		_ = link.Close()
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		_ = conn.Close()
		return nil, ErrTransportClosed
	}
	if existing, ok := t.conns[hostport]; ok {
		_ = conn.Close()
		return existing, nil
	}
	t.conns[hostport] = conn
	t.logger.Debug("connected", "peer", hostport, "worker", conn.Address().String())
	return conn, nil
}

// Connect opens (or reuses) the connection to hostport and returns the route
// prefix reaching it.
func (t *Transport) Connect(ctx context.Context, hostport string) (routing.Route, error) {
	conn, err := t.Resolve(ctx, hostport)
	if err != nil {
		return nil, err
	}
	return routing.NewRoute(conn.Address()), nil
}

// Listen accepts inbound QUIC connections on addr until the transport closes.
func (t *Transport) Listen(addr string) (*Listener, error) {
	ln, err := Listen(addr, t.opts.Link)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = ln.Close()
		return nil, ErrTransportClosed
	}
	t.listeners = append(t.listeners, ln)
	t.mu.Unlock()

	t.logger.Info("listening", "addr", ln.Addr().String())
	t.wg.Add(1)
	go t.acceptLoop(ln)
	return ln, nil
}

func (t *Transport) acceptLoop(ln *Listener) {
	defer t.wg.Done()
	for {
		link, err := ln.Accept(t.ctx)
		if err != nil {
			return
		}
		conn, err := transport.Attach(t.router, link, transport.Options{
			SendTimeout: t.opts.SendTimeout,
			Logger:      t.opts.Logger,
			Metrics:     t.opts.Metrics,
			OnClose: func(c *transport.Connection) {
				t.mu.Lock()
				delete(t.inbound, c)
				t.mu.Unlock()
			},
		})
		if err != nil {
			t.logger.Warn("cannot attach inbound link", "err", err)
			_ = link.Close()
			continue
		}
		t.mu.Lock()
		t.inbound[conn] = struct{}{}
		t.mu.Unlock()
		t.logger.Debug("accepted", "worker", conn.Address().String())
	}
}

// Connections returns the number of open outbound and inbound connections.
func (t *Transport) Connections() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns) + len(t.inbound)
}

func (t *Transport) Shutdown(*routing.Context) error {
	return t.Close()
}

// Close stops listening and closes every connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	listeners := t.listeners
	conns := make([]*transport.Connection, 0, len(t.conns)+len(t.inbound))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	for c := range t.inbound {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	t.cancel()
	var errs []error
	for _, ln := range listeners {
		if err := ln.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	t.wg.Wait()
	for _, c := range conns {
		_ = c.Close()
	}
	_ = t.router.Stop(TransportAddress)
	return errors.Join(errs...)
}
