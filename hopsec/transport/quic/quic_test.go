package quic

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/TheusHen/hopsec/hopsec/routing"
)

func timeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

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

func listen(t *testing.T, opts LinkOptions) *Listener {
	t.Helper()
	ln, err := Listen("127.0.0.1:0", opts)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func TestLinkRoundTrip(t *testing.T) {
	ctx := timeout(t)
	ln := listen(t, LinkOptions{})

	client, err := Dial(ctx, ln.Addr().String(), LinkOptions{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()
	server, err := ln.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer server.Close()

	for _, msg := range [][]byte{[]byte("ping"), {}, bytes.Repeat([]byte{7}, 70000)} {
		if err := client.Send(ctx, msg); err != nil {
			t.Fatalf("Send: %v", err)
		}
		got, err := server.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if !bytes.Equal(got, msg) {
			t.Fatalf("got %d bytes, want %d", len(got), len(msg))
		}
	}
	if err := server.Send(ctx, []byte("pong")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := client.Receive(ctx)
	if err != nil || string(got) != "pong" {
		t.Fatalf("Receive: %q %v", got, err)
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	in := bytes.Repeat([]byte("hopsec "), 1000)
	packed, err := compress(in)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if len(packed) >= len(in) {
		t.Fatalf("compressed %d >= %d", len(packed), len(in))
	}
	out, err := decompress(packed)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Fatalf("round trip mismatch")
	}
}

func TestLinkClosedByPeer(t *testing.T) {
	ctx := timeout(t)
	ln := listen(t, LinkOptions{})
	client, err := Dial(ctx, ln.Addr().String(), LinkOptions{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	server, err := ln.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	_ = client.Close()
	if _, err := server.Receive(ctx); err == nil {
		t.Fatalf("expected an error after the peer closed")
	}
}

func TestDialUnreachable(t *testing.T) {
	ctx := timeout(t)
	start := time.Now()
	_, err := Dial(ctx, "127.0.0.1:1", LinkOptions{DialTimeout: 300 * time.Millisecond})
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("dial did not honour its timeout")
	}
}

func TestTransportRoutesBetweenRouters(t *testing.T) {
	ra, rb := newRouter(t), newRouter(t)
	ta, err := NewTransport(ra, Options{})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	defer ta.Close()
	tb, err := NewTransport(rb, Options{})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	defer tb.Close()
	ln, err := tb.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

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

	peer := Address(ln.Addr().String())
	for i := 0; i < 3; i++ {
		if err := client.Send(routing.NewRoute(peer, echo), []byte("hi")); err != nil {
			t.Fatalf("Send: %v", err)
		}
		reply, err := client.Receive(timeout(t))
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if string(reply.Payload) != "echo: hi" {
			t.Fatalf("unexpected reply %q", reply.Payload)
		}
	}
	if n := ta.Connections(); n != 1 {
		t.Fatalf("expected one cached connection, got %d", n)
	}
	if n := tb.Connections(); n != 1 {
		t.Fatalf("expected one inbound connection, got %d", n)
	}
}

func TestUnreachablePeerDoesNotBlockOthers(t *testing.T) {
	ra, rb := newRouter(t), newRouter(t)
	ta, err := NewTransport(ra, Options{Link: LinkOptions{DialTimeout: 3 * time.Second}})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	defer ta.Close()
	tb, err := NewTransport(rb, Options{})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	defer tb.Close()
	ln, err := tb.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	echo := routing.LocalAddress("echo")
	if _, err := rb.Start(routing.WorkerFunc(func(ctx *routing.Context, msg *routing.Message) error {
		return ctx.Reply(msg, msg.Payload)
	}), echo); err != nil {
		t.Fatalf("Start echo: %v", err)
	}

	// A bound UDP socket that never answers keeps the dial pending.
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer silent.Close()

	client, err := ra.NewContext(routing.LocalAddress("client"))
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	if err := client.Send(routing.NewRoute(Address(silent.LocalAddr().String()), echo), []byte("lost")); err != nil {
		t.Fatalf("Send to silent peer: %v", err)
	}

	start := time.Now()
	for _, p := range []string{"one", "two", "three"} {
		if err := client.Send(routing.NewRoute(Address(ln.Addr().String()), echo), []byte(p)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	for _, want := range []string{"one", "two", "three"} {
		reply, err := client.Receive(timeout(t))
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if string(reply.Payload) != want {
			t.Fatalf("got %q, want %q", reply.Payload, want)
		}
	}
	if elapsed := time.Since(start); elapsed >= 3*time.Second {
		t.Fatalf("replies waited %v for the silent peer's dial", elapsed)
	}
}

func TestAddressParsesFromMultiaddr(t *testing.T) {
	route, err := routing.RouteFromMultiaddr("/ip4/127.0.0.1/udp/4000/quic-v1/worker/api")
	if err != nil {
		t.Fatalf("RouteFromMultiaddr: %v", err)
	}
	want := routing.NewRoute(Address("127.0.0.1:4000"), routing.LocalAddress("api"))
	if !route.Equal(want) {
		t.Fatalf("got %s, want %s", route, want)
	}
}
