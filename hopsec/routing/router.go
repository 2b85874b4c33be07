package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/TheusHen/hopsec/hopsec/metrics"
)

var (
	ErrUnknownAddress = errors.New("routing: unknown address")
	ErrEmptyRoute     = errors.New("routing: empty onward route")
	ErrAddressInUse   = errors.New("routing: address already registered")
	ErrRouterClosed   = errors.New("routing: router is shut down")
	ErrNoTransport    = errors.New("routing: no transport registered")
)

// Drop reasons reported to metrics.
const (
	DropUnknownAddress = "unknown_address"
	DropNoTransport    = "no_transport"
	DropWorkerStopped  = "worker_stopped"
)

// Options configures NewRouter. Zero values take the defaults.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Shards is the number of routing table shards. Zero uses a default.
	Shards int
}

// Router owns the routing table and runs one goroutine per worker.
type Router struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	table   *table

	// regMu serializes registration so multi-address workers appear atomically.
	regMu   sync.Mutex
	records map[*record]struct{}
	closed  bool

	tmu        sync.RWMutex
	transports map[TransportType]Address

	group errgroup.Group
}

// NewRouter returns a running router with no workers.
func NewRouter(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:     logger,
		metrics:    opts.Metrics,
		table:      newTable(opts.Shards),
		records:    make(map[*record]struct{}),
		transports: make(map[TransportType]Address),
	}
}

// Logger is the router's logger, shared with workers that have none.
func (r *Router) Logger() *slog.Logger { return r.logger }

// Metrics may be nil.
func (r *Router) Metrics() *metrics.Metrics { return r.metrics }

func (r *Router) register(w Worker, detached bool, addrs []Address) (*record, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: no address given", ErrInvalidAddress)
	}
	for _, a := range addrs {
		if !a.IsLocal() || a.Value == "" {
			return nil, fmt.Errorf("%w: %s is not a local address", ErrInvalidAddress, a)
		}
	}

	r.regMu.Lock()
	defer r.regMu.Unlock()
	if r.closed {
		return nil, ErrRouterClosed
	}
	seen := make(map[Address]struct{}, len(addrs))
	for _, a := range addrs {
		if _, dup := seen[a]; dup || r.table.contains(a) {
			return nil, fmt.Errorf("%w: %s", ErrAddressInUse, a)
		}
		seen[a] = struct{}{}
	}

	wctx, cancel := context.WithCancel(context.Background())
	rec := &record{
		addrs:    append([]Address(nil), addrs...),
		worker:   w,
		mailbox:  NewMailbox(),
		detached: detached,
		done:     make(chan struct{}),
	}
	rec.ctx = &Context{
		router: r,
		rec:    rec,
		addrs:  rec.addrs,
		ctx:    wctx,
		cancel: cancel,
		logger: r.logger.With("worker", addrs[0].String()),
	}
	for _, a := range addrs {
		r.table.insert(a, rec)
	}
	r.records[rec] = struct{}{}
	r.metrics.AddWorkers(1)
	return rec, nil
}

// Start registers w under addrs and starts its goroutine. If w implements
// Initializer it is initialized before Start returns; a failed initialization
// deregisters the worker.
func (r *Router) Start(w Worker, addrs ...Address) (*Context, error) {
	rec, err := r.register(w, false, addrs)
	if err != nil {
		return nil, err
	}
	if in, ok := w.(Initializer); ok {
		if err := in.Initialize(rec.ctx); err != nil {
			r.deregister(rec)
			close(rec.done)
			return nil, fmt.Errorf("routing: initialize %s: %w", addrs[0], err)
		}
	}
	r.group.Go(func() error {
		r.run(rec)
		return nil
	})
	r.logger.Debug("worker started", "addr", addrs[0].String())
	return rec.ctx, nil
}

// NewContext registers a detached context. A zero address picks a random one.
func (r *Router) NewContext(addr Address) (*Context, error) {
	if addr.IsZero() {
		addr = RandomAddress("app_")
	}
	rec, err := r.register(nil, true, []Address{addr})
	if err != nil {
		return nil, err
	}
	close(rec.done)
	return rec.ctx, nil
}

func (r *Router) run(rec *record) {
	defer close(rec.done)
	for {
		msg, err := rec.mailbox.Pop(rec.ctx.ctx)
		if err != nil {
			break
		}
		if err := rec.worker.HandleMessage(rec.ctx, msg); err != nil {
			rec.ctx.logger.Debug("message handling failed", "err", err)
		}
	}
	if s, ok := rec.worker.(Shutdowner); ok {
		if err := s.Shutdown(rec.ctx); err != nil {
			rec.ctx.logger.Warn("worker shutdown failed", "err", err)
		}
	}
}

// deregister removes rec from the table and drops its queued messages.
func (r *Router) deregister(rec *record) bool {
	r.regMu.Lock()
	if _, ok := r.records[rec]; !ok {
		r.regMu.Unlock()
		return false
	}
	delete(r.records, rec)
	for _, a := range rec.addrs {
		r.table.remove(a)
	}
	r.regMu.Unlock()

	rec.ctx.cancel()
	for range rec.mailbox.Close() {
		r.metrics.IncrementDropped(DropWorkerStopped)
	}
	r.metrics.AddWorkers(-1)
	return true
}

// Stop stops the worker owning addr. It does not wait for the worker goroutine;
// Shutdown does.
func (r *Router) Stop(addr Address) error {
	rec, ok := r.table.lookup(addr)
	if !ok || !r.deregister(rec) {
		return fmt.Errorf("%w: %s", ErrUnknownAddress, addr)
	}
	r.logger.Debug("worker stopped", "addr", addr.String())
	return nil
}

// RegisterTransport routes every address tagged t to the local worker at addr.
func (r *Router) RegisterTransport(t TransportType, addr Address) error {
	if t == Local {
		return fmt.Errorf("%w: local addresses cannot be bound to a transport", ErrInvalidAddress)
	}
	r.tmu.Lock()
	defer r.tmu.Unlock()
	if cur, ok := r.transports[t]; ok && cur != addr {
		return fmt.Errorf("%w: transport %s", ErrAddressInUse, t)
	}
	r.transports[t] = addr
	return nil
}

// Send delivers msg to the head of its onward route.
//
// A local head is removed from the onward route and the message is queued in
// the owning worker's mailbox. A head tagged with another transport is handed
// unchanged to the worker registered for that transport.
func (r *Router) Send(msg *Message) error {
	head, ok := msg.OnwardRoute.Next()
	if !ok {
		r.metrics.IncrementDropped(DropUnknownAddress)
		return ErrEmptyRoute
	}

	next := msg.Clone()
	target := head
	if head.IsLocal() {
		next.OnwardRoute = next.OnwardRoute[1:]
	} else {
		r.tmu.RLock()
		taddr, ok := r.transports[head.Transport]
		r.tmu.RUnlock()
		if !ok {
			r.metrics.IncrementDropped(DropNoTransport)
			return fmt.Errorf("%w: %s", ErrNoTransport, head.Transport)
		}
		target = taddr
	}
	next.Destination = target

	rec, ok := r.table.lookup(target)
	if !ok || !rec.mailbox.Push(next) {
		r.metrics.IncrementDropped(DropUnknownAddress)
		r.logger.Debug("dropping message", "addr", target.String(), "reason", DropUnknownAddress)
		return fmt.Errorf("%w: %s", ErrUnknownAddress, target)
	}
	r.metrics.IncrementRouted()
	return nil
}

// WorkerInfo describes a registered worker.
type WorkerInfo struct {
	Addresses []Address `json:"addresses"`
	Detached  bool      `json:"detached"`
	Queued    int       `json:"queued"`
}

// Workers lists registered workers ordered by primary address.
func (r *Router) Workers() []WorkerInfo {
	r.regMu.Lock()
	out := make([]WorkerInfo, 0, len(r.records))
	for rec := range r.records {
		out = append(out, WorkerInfo{
			Addresses: append([]Address(nil), rec.addrs...),
			Detached:  rec.detached,
			Queued:    rec.mailbox.Len(),
		})
	}
	r.regMu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Addresses[0].String() < out[j].Addresses[0].String()
	})
	return out
}

// Shutdown stops every worker and waits for their goroutines until ctx is done.
func (r *Router) Shutdown(ctx context.Context) error {
	r.regMu.Lock()
	r.closed = true
	recs := make([]*record, 0, len(r.records))
	for rec := range r.records {
		recs = append(recs, rec)
	}
	r.regMu.Unlock()

	for _, rec := range recs {
		r.deregister(rec)
	}

	done := make(chan struct{})
	go func() {
		_ = r.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
