// Package transport moves routing envelopes between nodes.
//
// A Link carries opaque byte messages; a Connection attaches a Link to a
// router so routes can cross it.
package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrLinkClosed is returned by every operation on a closed link.
var ErrLinkClosed = errors.New("transport: link closed")

// Link is a bidirectional, message-oriented, ordered byte pipe.
type Link interface {
	Send(ctx context.Context, b []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// pipeBuffer is the number of messages a pipe end holds before Send blocks.
const pipeBuffer = 64

type pipeEnd struct {
	in    chan []byte
	out   chan []byte
	state *pipeState
}

type pipeState struct {
	once   sync.Once
	closed chan struct{}
}

// Pipe returns two connected in-memory links. Nothing sent is lost or
// reordered; closing either end closes both.
func Pipe() (Link, Link) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	st := &pipeState{closed: make(chan struct{})}
	return &pipeEnd{in: ba, out: ab, state: st}, &pipeEnd{in: ab, out: ba, state: st}
}

func (p *pipeEnd) Send(ctx context.Context, b []byte) error {
	select {
	case <-p.state.closed:
		return ErrLinkClosed
	default:
	}
	msg := append([]byte(nil), b...)
	select {
	case p.out <- msg:
		return nil
	case <-p.state.closed:
		return ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.in:
		return b, nil
	default:
	}
	select {
	case b := <-p.in:
		return b, nil
	case <-p.state.closed:
		return nil, ErrLinkClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.state.once.Do(func() { close(p.state.closed) })
	return nil
}
