package channel

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/TheusHen/hopsec/hopsec/protocol"
	"github.com/TheusHen/hopsec/hopsec/routing"
)

// Listener is a worker that answers handshake starts. Each valid message 1
// spawns a responder channel end; established ends are handed out by Accept.
type Listener struct {
	router   *routing.Router
	addr     routing.Address
	opts     Options
	limiter  *routeLimiter
	logger   *slog.Logger
	accepted chan *Channel
	done     chan struct{}
}

// Listen registers a listener at addr.
func Listen(r *routing.Router, addr routing.Address, opts Options) (*Listener, error) {
	if opts.Identity == nil {
		return nil, errors.New("channel: options need an identity")
	}
	opts = opts.withDefaults()
	l := &Listener{
		router:   r,
		addr:     addr,
		opts:     opts,
		limiter:  newRouteLimiter(opts.HandshakeRate, opts.HandshakeBurst),
		logger:   opts.Logger.With("listener", addr.String()),
		accepted: make(chan *Channel, opts.Backlog),
		done:     make(chan struct{}),
	}
	if _, err := r.Start(l, addr); err != nil {
		return nil, err
	}
	return l, nil
}

// Address is where initiators send message 1.
func (l *Listener) Address() routing.Address { return l.addr }

// HandleMessage starts a responder for every rate-permitted message 1 and
// drops all other traffic.
func (l *Listener) HandleMessage(_ *routing.Context, msg *routing.Message) error {
	if len(msg.Payload) == 0 || protocol.MessageType(msg.Payload[0]) != protocol.MessageTypeHandshake1 {
		l.logger.Debug("dropping non-handshake message")
		return nil
	}
	if len(msg.ReturnRoute) == 0 {
		l.logger.Debug("dropping handshake without return route")
		return nil
	}
	// Limit per path: the first address is the initiator's fresh decryptor.
	path := msg.ReturnRoute[1:].String()
	if !l.limiter.allow(path, time.Now()) {
		l.opts.Metrics.IncrementHandshake(Responder.String(), "rate_limited")
		l.logger.Debug("handshake rate limited", "path", path)
		return ErrRateLimited
	}

	hs, err := NewHandshake(Responder, l.opts)
	if err != nil {
		return err
	}
	ch := newChannel(l.router, Responder)
	w := newEndpoint(ch, hs, l.opts)
	w.first = msg
	w.listener = l
	if _, err := l.router.Start(w, ch.enc, ch.dec); err != nil {
		l.logger.Debug("handshake rejected", "route", msg.ReturnRoute.String(), "err", err)
		return err
	}
	return nil
}

func (l *Listener) Shutdown(*routing.Context) error {
	close(l.done)
	return nil
}

// deliver queues an established channel for Accept. It reports false when the backlog is full.
func (l *Listener) deliver(ch *Channel) bool {
	select {
	case l.accepted <- ch:
		return true
	default:
		return false
	}
}

// Accept waits for the next established channel.
func (l *Listener) Accept(ctx context.Context) (*Channel, error) {
	select {
	case ch := <-l.accepted:
		return ch, nil
	case <-l.done:
		select {
		case ch := <-l.accepted:
			return ch, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the listener. Established channels stay open.
func (l *Listener) Close() error {
	return l.router.Stop(l.addr)
}

// Done is closed once the listener stopped.
func (l *Listener) Done() <-chan struct{} { return l.done }
