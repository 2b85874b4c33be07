package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/TheusHen/hopsec/hopsec/credential"
	"github.com/TheusHen/hopsec/hopsec/identity"
	"github.com/TheusHen/hopsec/hopsec/protocol"
	"github.com/TheusHen/hopsec/hopsec/routing"
)

// Local info keys set on every message a channel delivers.
const (
	// InfoPeerIdentity holds the authenticated peer's identity.Identifier.
	InfoPeerIdentity = "hopsec.channel.peer_identity"
	// InfoPeerCredentials holds the peer's accepted []*credential.Credential.
	InfoPeerCredentials = "hopsec.channel.peer_credentials"
	// InfoEncryptor holds the routing.Address of the receiving channel's encryptor.
	InfoEncryptor = "hopsec.channel.encryptor"

	infoControl = "hopsec.channel.control"
)

// Channel is one end of a secure channel.
//
// Messages sent to the Encryptor address are encrypted and delivered through
// the peer's end, which resumes their onward route there. Messages arriving
// from the peer with nothing left to route land in Receive.
type Channel struct {
	router *routing.Router
	role   Role
	enc    routing.Address
	dec    routing.Address
	inbox  *routing.Mailbox

	state atomic.Uint32

	// Written by the worker before ready is closed.
	established bool
	remote      routing.Route
	peer        *identity.Identity
	creds       []*credential.Credential
	attrs       map[string]string

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	mu  sync.Mutex
	err error
}

func newChannel(r *routing.Router, role Role) *Channel {
	return &Channel{
		router: r,
		role:   role,
		enc:    routing.RandomAddress("enc_"),
		dec:    routing.RandomAddress("dec_"),
		inbox:  routing.NewMailbox(),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Create starts the handshake towards the listener at route and waits until the
// channel is established, fails or ctx is done.
// Failures are returned as *EstablishError.
func Create(ctx context.Context, r *routing.Router, route routing.Route, opts Options) (*Channel, error) {
	if len(route) == 0 {
		return nil, &EstablishError{Reason: ReasonProtocol, Err: routing.ErrEmptyRoute}
	}
	opts = opts.withDefaults()
	hs, err := NewHandshake(Initiator, opts)
	if err != nil {
		return nil, establishError(err)
	}
	ch := newChannel(r, Initiator)
	w := newEndpoint(ch, hs, opts)
	w.route = route.Clone()
	if _, err := r.Start(w, ch.enc, ch.dec); err != nil {
		hs.Abort(err)
		return nil, establishError(err)
	}

	select {
	case <-ch.ready:
	case <-ctx.Done():
		if err := r.Send(controlMessage(ch.dec, controlAbort)); err == nil {
			<-ch.done
		}
		return nil, &EstablishError{Reason: ReasonCancelled, Err: ctx.Err()}
	}
	if !ch.established {
		return nil, establishError(ch.Err())
	}
	return ch, nil
}

// Role reports whether this end initiated the handshake.
func (c *Channel) Role() Role { return c.role }

// Encryptor is the address local workers route through to reach the peer.
func (c *Channel) Encryptor() routing.Address { return c.enc }

// Decryptor is the address the peer's messages arrive at.
func (c *Channel) Decryptor() routing.Address { return c.dec }

// State is the current lifecycle state.
func (c *Channel) State() State { return State(c.state.Load()) }

func (c *Channel) setState(s State) { c.state.Store(uint32(s)) }

// PeerIdentity returns the authenticated peer, or nil before establishment.
func (c *Channel) PeerIdentity() *identity.Identity {
	if !c.isReady() {
		return nil
	}
	return c.peer
}

// PeerCredentials are the peer's accepted credentials, or nil before establishment.
func (c *Channel) PeerCredentials() []*credential.Credential {
	if !c.isReady() {
		return nil
	}
	return c.creds
}

// PeerAttributes are the merged attributes of the peer's accepted credentials.
func (c *Channel) PeerAttributes() map[string]string {
	if !c.isReady() {
		return nil
	}
	out := make(map[string]string, len(c.attrs))
	for k, v := range c.attrs {
		out[k] = v
	}
	return out
}

// RemoteRoute is the route from this end to the peer's decryptor.
func (c *Channel) RemoteRoute() routing.Route {
	if !c.isReady() {
		return nil
	}
	return c.remote.Clone()
}

func (c *Channel) isReady() bool {
	select {
	case <-c.ready:
		return c.established
	default:
		return false
	}
}

// Send delivers payload to the peer's Receive.
func (c *Channel) Send(payload []byte) error {
	return c.SendTo(nil, payload)
}

// SendTo delivers payload along route on the peer's side.
// Messages that cannot fit one encrypted frame fail with protocol.ErrFrameTooLarge.
func (c *Channel) SendTo(route routing.Route, payload []byte) error {
	if c.State() != Established {
		if c.State() == Closed {
			return ErrClosed
		}
		return ErrNotEstablished
	}
	size := protocol.EnvelopeSize(protocol.Envelope{OnwardRoute: route, Payload: payload})
	if size > protocol.MaxInnerBody {
		return fmt.Errorf("%w: envelope of %d bytes", protocol.ErrFrameTooLarge, size)
	}
	return c.router.Send(&routing.Message{
		OnwardRoute: routing.NewRoute(c.enc).Concat(route),
		Payload:     payload,
	})
}

// Receive waits for the next message the peer addressed to this end.
// The message's ReplyRoute leads back to the peer's sender.
func (c *Channel) Receive(ctx context.Context) (*routing.Message, error) {
	msg, err := c.inbox.Pop(ctx)
	if errors.Is(err, routing.ErrMailboxClosed) {
		return nil, ErrClosed
	}
	return msg, err
}

// Close tears the channel down, notifying the peer when established, and waits
// until every key is destroyed.
func (c *Channel) Close() error {
	if err := c.router.Send(controlMessage(c.dec, controlClose)); err != nil {
		select {
		case <-c.done:
			return nil
		default:
			return err
		}
	}
	<-c.done
	return nil
}

// Done is closed once the channel is closed.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err reports why the channel closed. A clean close reports ErrClosed.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// finish moves the channel to Closed and wakes every waiter.
func (c *Channel) finish(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.setState(Closed)
	c.inbox.Close()
	c.markReady()
	close(c.done)
}

func (c *Channel) markReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}
