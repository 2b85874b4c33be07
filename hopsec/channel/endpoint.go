package channel

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/TheusHen/hopsec/hopsec/protocol"
	"github.com/TheusHen/hopsec/hopsec/routing"
)

type control uint8

const (
	controlTick control = iota + 1
	controlClose
	controlAbort
)

func controlMessage(dec routing.Address, c control) *routing.Message {
	return &routing.Message{
		OnwardRoute: routing.NewRoute(dec),
		LocalInfo:   routing.LocalInfo{infoControl: c},
	}
}

// endpoint is the worker behind one channel end. It owns the handshake, the
// session and both channel addresses; all of its state is touched only from
// its own HandleMessage calls.
type endpoint struct {
	ch     *Channel
	opts   Options
	hs     *Handshake
	sess   *Session
	logger *slog.Logger

	// route leads an initiator to the listener; first is a responder's message 1.
	route    routing.Route
	first    *routing.Message
	listener *Listener

	handshakeDeadline time.Time
	stepDeadline      time.Time
	lastActivity      time.Time
	timer             *time.Timer

	stopping bool
	torn     bool
}

func newEndpoint(ch *Channel, hs *Handshake, opts Options) *endpoint {
	return &endpoint{
		ch:   ch,
		opts: opts,
		hs:   hs,
		logger: opts.Logger.With(
			"role", ch.role.String(),
			"encryptor", ch.enc.String(),
		),
	}
}

func (w *endpoint) Initialize(ctx *routing.Context) error {
	now := time.Now()
	w.handshakeDeadline = now.Add(w.opts.HandshakeTimeout)
	w.stepDeadline = now.Add(w.opts.StepTimeout)

	var (
		out []byte
		err error
	)
	if w.ch.role == Initiator {
		out, err = w.hs.Start()
		if err == nil {
			err = w.sendHandshake(ctx, w.route, out)
		}
	} else {
		w.ch.remote = w.first.ReplyRoute()
		out, err = w.hs.Step(w.first.Payload)
		if err == nil {
			err = w.sendHandshake(ctx, w.ch.remote, out)
		}
		w.first = nil
	}
	w.ch.setState(w.hs.State())
	if err != nil {
		w.hs.Abort(err)
		w.teardown(err)
		return err
	}
	w.arm()
	return nil
}

func (w *endpoint) sendHandshake(ctx *routing.Context, route routing.Route, out []byte) error {
	if err := ctx.SendFrom(w.ch.dec, route, out); err != nil {
		return classify(ErrTransport, err)
	}
	return nil
}

func (w *endpoint) HandleMessage(ctx *routing.Context, msg *routing.Message) error {
	if w.stopping {
		return nil
	}
	if c, ok := msg.Info(infoControl); ok {
		if c, ok := c.(control); ok {
			return w.handleControl(ctx, c)
		}
	}
	if msg.Destination == w.ch.enc {
		return w.handleOutbound(ctx, msg)
	}
	return w.handleInbound(ctx, msg)
}

func (w *endpoint) Shutdown(*routing.Context) error {
	w.teardown(ErrClosed)
	return nil
}

func (w *endpoint) handleControl(ctx *routing.Context, c control) error {
	switch c {
	case controlTick:
		now := time.Now()
		if w.sess == nil {
			if now.After(w.handshakeDeadline) || now.After(w.stepDeadline) {
				return w.stop(ctx, fmt.Errorf("%w: handshake in state %s", ErrTimeout, w.hs.State()))
			}
		} else if now.Sub(w.lastActivity) >= w.opts.IdleTimeout {
			w.logger.Info("secure channel idle", "idle", w.opts.IdleTimeout)
			w.sendClose(ctx)
			return w.stop(ctx, fmt.Errorf("%w: idle", ErrTimeout))
		}
		w.arm()
	case controlClose:
		if w.sess == nil {
			return w.stop(ctx, fmt.Errorf("%w: closed during handshake", ErrCancelled))
		}
		w.sendClose(ctx)
		return w.stop(ctx, nil)
	case controlAbort:
		if w.sess != nil {
			w.sendClose(ctx)
		}
		return w.stop(ctx, ErrCancelled)
	}
	return nil
}

func (w *endpoint) handleInbound(ctx *routing.Context, msg *routing.Message) error {
	if len(msg.Payload) == 0 {
		return nil
	}
	switch protocol.MessageType(msg.Payload[0]) {
	case protocol.MessageTypeHandshake1, protocol.MessageTypeHandshake2, protocol.MessageTypeHandshake3:
		return w.handleHandshake(ctx, msg)
	case protocol.MessageTypeTransport:
		return w.handleTransport(ctx, msg)
	default:
		w.logger.Debug("dropping unknown channel message", "type", msg.Payload[0])
		return nil
	}
}

func (w *endpoint) handleHandshake(ctx *routing.Context, msg *routing.Message) error {
	if w.sess != nil {
		w.logger.Debug("dropping handshake message on established channel")
		return nil
	}
	out, err := w.hs.Step(msg.Payload)
	w.ch.setState(w.hs.State())
	if err != nil {
		return w.stop(ctx, err)
	}
	if w.ch.role == Initiator {
		w.ch.remote = msg.ReplyRoute()
		if err := w.sendHandshake(ctx, w.ch.remote, out); err != nil {
			return w.stop(ctx, err)
		}
	}
	if w.hs.State() == Established {
		return w.established(ctx)
	}
	w.stepDeadline = time.Now().Add(w.opts.StepTimeout)
	w.arm()
	return nil
}

func (w *endpoint) established(ctx *routing.Context) error {
	w.sess = w.hs.Session()
	w.lastActivity = time.Now()

	w.ch.peer = w.hs.Peer()
	w.ch.creds = w.hs.PeerCredentials()
	w.ch.attrs = w.hs.PeerAttributes()
	w.ch.established = true
	w.ch.setState(Established)

	w.logger = w.logger.With("peer", w.ch.peer.ID().String())
	w.logger.Info("secure channel established")
	w.opts.Metrics.IncrementHandshake(w.ch.role.String(), "established")
	w.opts.Metrics.AddSecureChannels(1)

	if w.listener != nil && !w.listener.deliver(w.ch) {
		w.logger.Warn("accept backlog full, closing channel")
		w.sendClose(ctx)
		return w.stop(ctx, fmt.Errorf("%w: accept backlog full", ErrClosed))
	}
	if w.opts.OnEstablished != nil {
		w.opts.OnEstablished(w.ch)
	}
	w.ch.markReady()
	w.arm()
	return nil
}

func (w *endpoint) handleTransport(ctx *routing.Context, msg *routing.Message) error {
	if w.sess == nil {
		w.logger.Debug("dropping transport frame before establishment")
		return nil
	}
	f, err := protocol.DecodeFrame(msg.Payload)
	if err != nil {
		w.logger.Debug("dropping malformed transport frame", "err", err)
		return nil
	}
	plain, err := w.sess.Decrypt(f.Payload)
	switch {
	case errors.Is(err, ErrReplay):
		w.opts.Metrics.IncrementReplays()
		if w.sess.Replays() > w.opts.ReplayThreshold {
			w.logger.Warn("replayed frame dropped", "replays", w.sess.Replays(), "err", err)
		} else {
			w.logger.Debug("replayed frame dropped", "err", err)
		}
		return nil
	case err != nil:
		w.opts.Metrics.IncrementDecryptFailures()
		if w.sess.Closed() {
			w.logger.Warn("too many decrypt failures", "failures", w.sess.Failures())
			return w.stop(ctx, err)
		}
		w.logger.Debug("dropping frame", "err", err)
		return nil
	}
	w.lastActivity = time.Now()

	kind, body, err := protocol.DecodeInner(plain)
	if err != nil {
		w.logger.Debug("dropping malformed plaintext", "err", err)
		return nil
	}
	if kind == protocol.InnerClose {
		w.logger.Info("secure channel closed by peer")
		return w.stop(ctx, nil)
	}
	env, err := protocol.DecodeEnvelope(body)
	if err != nil {
		w.logger.Debug("dropping malformed envelope", "err", err)
		return nil
	}

	out := &routing.Message{
		OnwardRoute: env.OnwardRoute,
		ReturnRoute: env.ReturnRoute.Append(w.ch.enc),
		Payload:     env.Payload,
		LocalInfo: routing.LocalInfo{
			InfoPeerIdentity:    w.ch.peer.ID(),
			InfoPeerCredentials: w.ch.creds,
			InfoEncryptor:       w.ch.enc,
		},
	}
	if len(out.OnwardRoute) == 0 {
		out.Destination = w.ch.enc
		if !w.ch.inbox.Push(out) {
			w.opts.Metrics.IncrementDropped(routing.DropWorkerStopped)
		}
		return nil
	}
	if err := ctx.SendMessage(out); err != nil {
		w.logger.Debug("cannot route decrypted message", "route", out.OnwardRoute.String(), "err", err)
	}
	return nil
}

func (w *endpoint) handleOutbound(ctx *routing.Context, msg *routing.Message) error {
	if w.sess == nil {
		w.logger.Debug("dropping message sent before establishment")
		return ErrNotEstablished
	}
	env, err := protocol.EncodeEnvelope(protocol.Envelope{
		OnwardRoute: msg.OnwardRoute,
		ReturnRoute: msg.ReturnRoute,
		Payload:     msg.Payload,
	})
	if err != nil {
		w.logger.Warn("cannot encode outbound message", "err", err)
		return err
	}
	if err := w.sendInner(ctx, protocol.InnerPayload, env); err != nil {
		if errors.Is(err, ErrNonceExhausted) {
			return w.stop(ctx, err)
		}
		w.logger.Warn("cannot send outbound message", "err", err)
		return err
	}
	w.lastActivity = time.Now()
	return nil
}

func (w *endpoint) sendInner(ctx *routing.Context, kind protocol.InnerKind, body []byte) error {
	if len(body) > protocol.MaxInnerBody {
		return fmt.Errorf("%w: inner body of %d bytes", protocol.ErrFrameTooLarge, len(body))
	}
	frame, err := w.sess.Encrypt(protocol.EncodeInner(kind, body))
	if err != nil {
		return err
	}
	out, err := protocol.EncodeFrame(protocol.Frame{Type: protocol.MessageTypeTransport, Payload: frame})
	if err != nil {
		return err
	}
	return ctx.SendFrom(w.ch.dec, w.ch.remote, out)
}

// sendClose tells the peer to tear its end down. Best effort.
func (w *endpoint) sendClose(ctx *routing.Context) {
	if err := w.sendInner(ctx, protocol.InnerClose, nil); err != nil {
		w.logger.Debug("cannot notify peer of close", "err", err)
	}
}

// stop records err and deregisters the worker; Shutdown then tears everything down.
func (w *endpoint) stop(ctx *routing.Context, err error) error {
	w.stopping = true
	if err != nil && w.sess == nil {
		w.hs.Abort(err)
	}
	w.setErr(err)
	if stopErr := ctx.Stop(); stopErr != nil {
		w.teardown(err)
	}
	return err
}

func (w *endpoint) setErr(err error) {
	w.ch.mu.Lock()
	if w.ch.err == nil {
		w.ch.err = err
	}
	w.ch.mu.Unlock()
}

func (w *endpoint) teardown(err error) {
	if w.torn {
		return
	}
	w.torn = true
	if w.timer != nil {
		w.timer.Stop()
	}
	if w.sess != nil {
		w.sess.Close()
		w.opts.Metrics.AddSecureChannels(-1)
		w.logger.Debug("secure channel closed")
	} else {
		if w.hs.State() != Closed {
			w.hs.Abort(err)
		}
		cause := w.hs.Err()
		if cause == nil {
			cause = err
		}
		w.setErr(cause)
		w.opts.Metrics.IncrementHandshake(w.ch.role.String(), string(reasonOf(cause)))
		w.logger.Debug("handshake failed", "err", cause)
	}
	w.ch.finish(err)
}

// arm schedules a tick at the nearest pending deadline.
func (w *endpoint) arm() {
	var next time.Time
	if w.sess == nil {
		next = w.handshakeDeadline
		if w.stepDeadline.Before(next) {
			next = w.stepDeadline
		}
	} else {
		next = w.lastActivity.Add(w.opts.IdleTimeout)
	}
	d := time.Until(next)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	if w.timer == nil {
		dec, r := w.ch.dec, w.ch.router
		w.timer = time.AfterFunc(d, func() {
			_ = r.Send(controlMessage(dec, controlTick))
		})
		return
	}
	w.timer.Reset(d)
}
