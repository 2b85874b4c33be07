package transport

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/TheusHen/hopsec/hopsec/channel"
	"github.com/TheusHen/hopsec/hopsec/identity"
	"github.com/TheusHen/hopsec/hopsec/routing"
	"github.com/TheusHen/hopsec/hopsec/vault"
)

func newRouter(t *testing.T) *routing.Router {
	t.Helper()
	r := routing.NewRouter(routing.Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

func timeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPipeDeliversInOrder(t *testing.T) {
	a, b := Pipe()
	ctx := timeout(t)
	for i := 0; i < 10; i++ {
		if err := a.Send(ctx, []byte{byte(i)}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	for i := 0; i < 10; i++ {
		got, err := b.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if !bytes.Equal(got, []byte{byte(i)}) {
			t.Fatalf("message %d: got %v", i, got)
		}
	}
}

func TestPipeCopiesAndCloses(t *testing.T) {
	a, b := Pipe()
	ctx := timeout(t)
	buf := []byte("original")
	if err := a.Send(ctx, buf); err != nil {
		t.Fatalf("Send: %v", err)
	}
	buf[0] = 'X'
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// queued messages survive the close
	got, err := b.Receive(ctx)
	if err != nil || string(got) != "original" {
		t.Fatalf("Receive after close: %q %v", got, err)
	}
	if _, err := b.Receive(ctx); !errors.Is(err, ErrLinkClosed) {
		t.Fatalf("expected ErrLinkClosed, got %v", err)
	}
	if err := a.Send(ctx, []byte("x")); !errors.Is(err, ErrLinkClosed) {
		t.Fatalf("expected ErrLinkClosed on send, got %v", err)
	}
}

func TestPipeReceiveHonoursContext(t *testing.T) {
	_, b := Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

// connectRouters joins two routers with a pipe and returns both connections.
func connectRouters(t *testing.T, ra, rb *routing.Router) (*Connection, *Connection) {
	t.Helper()
	la, lb := Pipe()
	ca, err := Attach(ra, la, Options{})
	if err != nil {
		t.Fatalf("Attach a: %v", err)
	}
	cb, err := Attach(rb, lb, Options{})
	if err != nil {
		t.Fatalf("Attach b: %v", err)
	}
	return ca, cb
}

func TestConnectionRoutesAcrossLink(t *testing.T) {
	ra, rb := newRouter(t), newRouter(t)
	ca, _ := connectRouters(t, ra, rb)

	echo := routing.LocalAddress("echo")
	if _, err := rb.Start(routing.WorkerFunc(func(ctx *routing.Context, msg *routing.Message) error {
		return ctx.Reply(msg, append([]byte("echo: "), msg.Payload...))
	}), echo); err != nil {
		t.Fatalf("Start echo: %v", err)
	}

	client, err := ra.NewContext(routing.LocalAddress("client"))
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	if err := client.Send(routing.NewRoute(ca.Address(), echo), []byte("hi")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	reply, err := client.Receive(timeout(t))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(reply.Payload) != "echo: hi" {
		t.Fatalf("unexpected reply %q", reply.Payload)
	}
	want := routing.NewRoute(echo, ca.Address())
	if !reply.ReturnRoute.Equal(want) {
		t.Fatalf("return route %s, want %s", reply.ReturnRoute, want)
	}
}

func TestConnectionStopsWhenLinkCloses(t *testing.T) {
	ra, rb := newRouter(t), newRouter(t)
	ca, cb := connectRouters(t, ra, rb)
	closed := make(chan struct{})
	go func() {
		<-cb.Done()
		close(closed)
	}()

	if err := ca.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("remote connection did not notice the closed link")
	}
	if err := ra.Send(routing.NewMessage(routing.NewRoute(ca.Address()), nil)); !errors.Is(err, routing.ErrUnknownAddress) {
		t.Fatalf("expected ErrUnknownAddress after close, got %v", err)
	}
}

func TestSecureChannelOverLink(t *testing.T) {
	ra, rb := newRouter(t), newRouter(t)
	ca, _ := connectRouters(t, ra, rb)

	alice, err := identity.Create(vault.NewSoftware())
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	bob, err := identity.Create(vault.NewSoftware())
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	listenAt := routing.LocalAddress("api")
	l, err := channel.Listen(rb, listenAt, channel.Options{Identity: bob})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ch, err := channel.Create(timeout(t), ra, routing.NewRoute(ca.Address(), listenAt), channel.Options{Identity: alice})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	peer, err := l.Accept(timeout(t))
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if ch.PeerIdentity().ID() != bob.ID() || peer.PeerIdentity().ID() != alice.ID() {
		t.Fatalf("peers not authenticated")
	}

	if err := ch.Send([]byte("across the link")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg, err := peer.Receive(timeout(t))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(msg.Payload) != "across the link" {
		t.Fatalf("unexpected payload %q", msg.Payload)
	}
}
