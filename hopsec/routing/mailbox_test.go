package routing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxOrderAndClose(t *testing.T) {
	mb := NewMailbox()
	for i := 0; i < 3; i++ {
		require.True(t, mb.Push(&Message{Payload: []byte{byte(i)}}))
	}
	assert.Equal(t, 3, mb.Len())

	m, err := mb.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, m.Payload)

	rest := mb.Close()
	assert.Len(t, rest, 2)
	assert.False(t, mb.Push(&Message{}))
	_, err = mb.Pop(context.Background())
	assert.ErrorIs(t, err, ErrMailboxClosed)
}

func TestMailboxPopBlocksUntilPush(t *testing.T) {
	mb := NewMailbox()
	got := make(chan *Message, 1)
	go func() {
		m, _ := mb.Pop(context.Background())
		got <- m
	}()
	time.Sleep(10 * time.Millisecond)
	mb.Push(&Message{Payload: []byte("late")})
	select {
	case m := <-got:
		assert.Equal(t, []byte("late"), m.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("Pop did not wake up")
	}
}

func TestMailboxPopHonorsContext(t *testing.T) {
	mb := NewMailbox()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := mb.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
