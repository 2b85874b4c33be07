package routing

import (
	"context"
	"errors"
	"log/slog"
)

var (
	ErrNotDetached = errors.New("routing: context is driven by a worker")
	ErrNotOwner    = errors.New("routing: address not owned by this context")
)

// Worker handles the messages delivered to its addresses.
// HandleMessage is never called concurrently for the same worker.
type Worker interface {
	HandleMessage(ctx *Context, msg *Message) error
}

// Initializer is implemented by workers that need to run before their first message.
type Initializer interface {
	Initialize(ctx *Context) error
}

// Shutdowner is implemented by workers that release resources when stopped.
type Shutdowner interface {
	Shutdown(ctx *Context) error
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx *Context, msg *Message) error

func (f WorkerFunc) HandleMessage(ctx *Context, msg *Message) error { return f(ctx, msg) }

// Context is a worker's handle on the router. A detached context has no worker;
// its owner polls messages with Receive.
type Context struct {
	router *Router
	rec    *record
	addrs  []Address
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// Address is the primary address of the context.
func (c *Context) Address() Address { return c.addrs[0] }

// Addresses are the addresses the worker was started with.
func (c *Context) Addresses() []Address { return append([]Address(nil), c.addrs...) }

func (c *Context) Router() *Router { return c.router }

func (c *Context) Logger() *slog.Logger { return c.logger }

// Context is cancelled when the worker stops.
func (c *Context) Context() context.Context { return c.ctx }

func (c *Context) owns(a Address) bool {
	for _, own := range c.addrs {
		if own == a {
			return true
		}
	}
	return false
}

// Send sends payload along route with a return route of the primary address.
func (c *Context) Send(route Route, payload []byte) error {
	return c.SendFrom(c.Address(), route, payload)
}

// SendFrom sends payload with a return route of from, which must be owned by c.
func (c *Context) SendFrom(from Address, route Route, payload []byte) error {
	if !c.owns(from) {
		return ErrNotOwner
	}
	return c.router.Send(&Message{
		OnwardRoute: route.Clone(),
		ReturnRoute: NewRoute(from),
		Payload:     payload,
	})
}

// SendMessage hands msg to the router as is.
func (c *Context) SendMessage(msg *Message) error {
	return c.router.Send(msg)
}

// Forward passes msg to the next hop of its onward route, recording the
// address it was received on in the return route.
func (c *Context) Forward(msg *Message) error {
	via := msg.Destination
	if via.IsZero() {
		via = c.Address()
	}
	next := msg.Clone()
	next.ReturnRoute = next.ReturnRoute.Append(via)
	return c.router.Send(next)
}

// Reply sends payload back along msg's return route, from the address msg arrived at.
func (c *Context) Reply(msg *Message, payload []byte) error {
	from := msg.Destination
	if !c.owns(from) {
		from = c.Address()
	}
	return c.SendFrom(from, msg.ReplyRoute(), payload)
}

// Receive waits for the next message of a detached context.
func (c *Context) Receive(ctx context.Context) (*Message, error) {
	if !c.rec.detached {
		return nil, ErrNotDetached
	}
	return c.rec.mailbox.Pop(ctx)
}

// Stop deregisters every address of c and stops its worker.
func (c *Context) Stop() error {
	return c.router.Stop(c.Address())
}
