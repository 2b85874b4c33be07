package routing

import (
	"context"
	"errors"
	"sync"
)

// ErrMailboxClosed is returned by Pop once the mailbox is closed and drained.
var ErrMailboxClosed = errors.New("routing: mailbox closed")

// Mailbox is an unbounded FIFO queue with a single consumer.
type Mailbox struct {
	mu     sync.Mutex
	queue  []*Message
	closed bool
	notify chan struct{}
}

// NewMailbox returns an empty, open mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{notify: make(chan struct{}, 1)}
}

// Push enqueues m. It reports false when the mailbox is closed.
func (mb *Mailbox) Push(m *Message) bool {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return false
	}
	mb.queue = append(mb.queue, m)
	mb.mu.Unlock()
	select {
	case mb.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop blocks until a message is available, the mailbox is closed or ctx is done.
// Messages queued before Close are not returned after it.
func (mb *Mailbox) Pop(ctx context.Context) (*Message, error) {
	for {
		mb.mu.Lock()
		if mb.closed {
			mb.mu.Unlock()
			return nil, ErrMailboxClosed
		}
		if len(mb.queue) > 0 {
			m := mb.queue[0]
			mb.queue[0] = nil
			mb.queue = mb.queue[1:]
			mb.mu.Unlock()
			return m, nil
		}
		mb.mu.Unlock()

		select {
		case <-mb.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close rejects further pushes and returns the messages still queued.
func (mb *Mailbox) Close() []*Message {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return nil
	}
	mb.closed = true
	rest := mb.queue
	mb.queue = nil
	select {
	case mb.notify <- struct{}{}:
	default:
	}
	return rest
}

func (mb *Mailbox) Len() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.queue)
}
