// Package quic carries hopsec routing envelopes over QUIC.
package quic

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	q "github.com/quic-go/quic-go"

	"github.com/TheusHen/hopsec/hopsec/transport"
)

const (
	DefaultDialTimeout       = 5 * time.Second
	DefaultCompressThreshold = 1024
	DefaultKeepAlive         = 15 * time.Second
	DefaultIdleTimeout       = time.Minute

	acceptBacklog = 32
)

// ErrListenerClosed is returned by Accept after Close.
var ErrListenerClosed = errors.New("quic: listener closed")

// LinkOptions tunes links on both sides.
type LinkOptions struct {
	// CompressThreshold is the message size from which LZ4 is tried.
	// Negative disables compression.
	CompressThreshold int
	// DialTimeout bounds Dial including retries.
	DialTimeout time.Duration
	KeepAlive   time.Duration
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

func (o LinkOptions) withDefaults() LinkOptions {
	if o.CompressThreshold == 0 {
		o.CompressThreshold = DefaultCompressThreshold
	}
	if o.CompressThreshold < 0 {
		o.CompressThreshold = 0
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = DefaultKeepAlive
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func (o LinkOptions) quicConfig() *q.Config {
	return &q.Config{
		KeepAlivePeriod: o.KeepAlive,
		MaxIdleTimeout:  o.IdleTimeout,
	}
}

// Listener accepts QUIC connections and hands out one Link per connection.
type Listener struct {
	inner *q.Listener
	opts  LinkOptions
	links chan transport.Link

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Listen accepts QUIC connections on addr. Each becomes a link once its
// peer opens the stream.
func Listen(addr string, opts LinkOptions) (*Listener, error) {
	opts = opts.withDefaults()
	tlsConf, err := tlsConfig()
	if err != nil {
		return nil, err
	}
	ln, err := q.ListenAddr(addr, tlsConf, opts.quicConfig())
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		inner:  ln,
		opts:   opts,
		links:  make(chan transport.Link, acceptBacklog),
		ctx:    ctx,
		cancel: cancel,
	}
	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.inner.Accept(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				l.opts.Logger.Warn("quic accept failed", "err", err)
			}
			return
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.acceptStream(conn)
		}()
	}
}

// acceptStream waits for the dialer's stream; its hello frame makes it visible.
func (l *Listener) acceptStream(conn *q.Conn) {
	ctx, cancel := context.WithTimeout(l.ctx, l.opts.DialTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		l.opts.Logger.Debug("quic stream not opened", "remote", conn.RemoteAddr().String(), "err", err)
		_ = conn.CloseWithError(0, "no stream")
		return
	}
	link := newStreamLink(conn, stream, l.opts.CompressThreshold)
	select {
	case l.links <- link:
	case <-l.ctx.Done():
		_ = link.Close()
	}
}

// Accept returns the link of the next inbound connection.
func (l *Listener) Accept(ctx context.Context) (transport.Link, error) {
	select {
	case link := <-l.links:
		return link, nil
	case <-l.ctx.Done():
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) Addr() net.Addr { return l.inner.Addr() }

// Close stops accepting and closes links not yet returned by Accept.
func (l *Listener) Close() error {
	l.cancel()
	err := l.inner.Close()
	l.wg.Wait()
	for {
		select {
		case link := <-l.links:
			_ = link.Close()
		default:
			return err
		}
	}
}

// Dial connects to addr, retrying with exponential backoff until
// opts.DialTimeout or ctx ends, and opens the link's stream.
func Dial(ctx context.Context, addr string, opts LinkOptions) (transport.Link, error) {
	opts = opts.withDefaults()
	tlsConf, err := tlsConfig()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second

	var link *streamLink
	err = backoff.Retry(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout/2)
		defer cancel()
		conn, err := q.DialAddr(attemptCtx, addr, tlsConf, opts.quicConfig())
		if err != nil {
			opts.Logger.Debug("quic dial failed", "addr", addr, "err", err)
			return err
		}
		stream, err := conn.OpenStreamSync(attemptCtx)
		if err != nil {
			_ = conn.CloseWithError(0, "no stream")
			return err
		}
		link = newStreamLink(conn, stream, opts.CompressThreshold)
		if err := link.writeFrame(flagHello, nil); err != nil {
			_ = link.Close()
			return err
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, err
	}
	return link, nil
}
