package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/TheusHen/hopsec/hopsec/metrics"
	"github.com/TheusHen/hopsec/hopsec/protocol"
	"github.com/TheusHen/hopsec/hopsec/routing"
)

const DefaultSendTimeout = 5 * time.Second

// Options configures Attach.
type Options struct {
	// Address of the connection worker. Zero picks a random one.
	Address routing.Address
	// SendTimeout bounds the retries of one outbound message.
	SendTimeout time.Duration
	// OnClose runs once the connection has stopped.
	OnClose func(*Connection)
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Connection is the worker bridging a Link and a router.
//
// Messages routed to its address leave through the link with the rest of
// their onward route. Envelopes arriving from the link get the connection's
// address appended to their return route and are routed locally, so replies
// find their way back across the link.
type Connection struct {
	router  *routing.Router
	link    Link
	addr    routing.Address
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

// Attach starts a connection worker for link and its reader.
func Attach(r *routing.Router, link Link, opts Options) (*Connection, error) {
	if opts.Address.IsZero() {
		opts.Address = routing.RandomAddress("conn_")
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = r.Logger()
	}
	m := opts.Metrics
	if m == nil {
		m = r.Metrics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		router:  r,
		link:    link,
		addr:    opts.Address,
		opts:    opts,
		logger:  logger.With("connection", opts.Address.String()),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if _, err := r.Start(c, c.addr); err != nil {
		cancel()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

// Address is the connection worker's address; routes prepend it to cross the link.
func (c *Connection) Address() routing.Address { return c.addr }

// HandleMessage encodes msg as an envelope and sends it over the link.
func (c *Connection) HandleMessage(_ *routing.Context, msg *routing.Message) error {
	b, err := protocol.EncodeEnvelope(protocol.Envelope{
		OnwardRoute: msg.OnwardRoute,
		ReturnRoute: msg.ReturnRoute,
		Payload:     msg.Payload,
	})
	if err != nil {
		c.metrics.IncrementDropped("encode")
		return err
	}
	if err := c.send(b); err != nil {
		c.logger.Warn("link send failed", "err", err)
		if errors.Is(err, ErrLinkClosed) {
			c.shutdown()
		}
		return err
	}
	c.metrics.AddTransportBytes("out", len(b))
	return nil
}

// send retries transient link errors with exponential backoff.
func (c *Connection) send(b []byte) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.SendTimeout)
	defer cancel()
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = time.Second
	return backoff.Retry(func() error {
		err := c.link.Send(ctx, b)
		if errors.Is(err, ErrLinkClosed) || errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

func (c *Connection) Shutdown(*routing.Context) error {
	c.shutdown()
	return nil
}

func (c *Connection) readLoop() {
	defer c.shutdown()
	for {
		b, err := c.link.Receive(c.ctx)
		if err != nil {
			if !errors.Is(err, ErrLinkClosed) && c.ctx.Err() == nil {
				c.logger.Warn("link receive failed", "err", err)
			}
			return
		}
		c.metrics.AddTransportBytes("in", len(b))
		env, err := protocol.DecodeEnvelope(b)
		if err != nil {
			c.logger.Debug("dropping malformed envelope", "err", err)
			c.metrics.IncrementDropped("malformed")
			continue
		}
		msg := &routing.Message{
			OnwardRoute: env.OnwardRoute,
			ReturnRoute: env.ReturnRoute.Append(c.addr),
			Payload:     env.Payload,
		}
		if err := c.router.Send(msg); err != nil {
			c.logger.Debug("cannot route inbound message", "route", msg.OnwardRoute.String(), "err", err)
		}
	}
}

// shutdown closes the link and deregisters the worker. It is idempotent.
func (c *Connection) shutdown() {
	c.once.Do(func() {
		c.cancel()
		if err := c.link.Close(); err != nil {
			c.logger.Debug("link close failed", "err", err)
		}
		_ = c.router.Stop(c.addr)
		c.logger.Debug("connection closed")
		close(c.done)
		if c.opts.OnClose != nil {
			c.opts.OnClose(c)
		}
	})
}

// Close stops the connection and closes its link.
func (c *Connection) Close() error {
	c.shutdown()
	return nil
}

// Done is closed once the connection stopped.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) String() string {
	return fmt.Sprintf("connection(%s)", c.addr)
}
