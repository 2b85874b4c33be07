package channel

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/hopsec/hopsec/protocol"
)

func establishedSessions(t testing.TB, opts Options) (initiator, responder *Session) {
	t.Helper()
	initOpts, respOpts := opts, opts
	initOpts.Identity = newLocal(t)
	respOpts.Identity = newLocal(t)
	p := newHandshakePair(t, initOpts, respOpts)
	p.run(t)
	return p.init.Session(), p.resp.Session()
}

func TestSessionRoundTripSizes(t *testing.T) {
	a, b := establishedSessions(t, Options{})
	sizes := []int{0, 1, 15, 16, 17, 255, 256, 4096, 65535, 65536, protocol.MaxFramePayload - 64}
	for _, n := range sizes {
		pt := bytes.Repeat([]byte{byte(n)}, n)
		frame, err := a.Encrypt(pt)
		require.NoError(t, err, "size %d", n)
		require.Len(t, frame, 8+n+protocol.TagSize)

		got, err := b.Decrypt(frame)
		require.NoError(t, err, "size %d", n)
		require.True(t, bytes.Equal(pt, got), "size %d", n)

		_, err = b.Decrypt(frame)
		require.ErrorIs(t, err, ErrReplay, "size %d", n)
	}
	assert.Equal(t, len(sizes), b.Replays())
}

func TestSessionNoncesIncrease(t *testing.T) {
	a, _ := establishedSessions(t, Options{})
	var last uint64
	for i := 0; i < 5; i++ {
		frame, err := a.Encrypt([]byte("x"))
		require.NoError(t, err)
		f, err := protocol.DecodeTransport(frame)
		require.NoError(t, err)
		if i > 0 {
			require.Greater(t, f.Nonce, last)
		}
		last = f.Nonce
	}
}

func TestSessionForgeryDoesNotAdvanceWindow(t *testing.T) {
	a, b := establishedSessions(t, Options{})
	first, _ := a.Encrypt([]byte("one"))
	second, _ := a.Encrypt([]byte("two"))

	// A forged frame claiming a far-ahead nonce fails and changes nothing.
	forged := append([]byte(nil), second...)
	forged[0] = 0x7f
	_, err := b.Decrypt(forged)
	require.ErrorIs(t, err, ErrCrypto)
	assert.Equal(t, 1, b.Failures())

	got, err := b.Decrypt(first)
	require.NoError(t, err)
	assert.Equal(t, "one", string(got))
	assert.Equal(t, 0, b.Failures())
	got, err = b.Decrypt(second)
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))
}

func TestSessionStrictOrdering(t *testing.T) {
	a, b := establishedSessions(t, Options{ReplayWindow: 0})
	first, _ := a.Encrypt([]byte("one"))
	second, _ := a.Encrypt([]byte("two"))

	_, err := b.Decrypt(second)
	require.NoError(t, err)
	_, err = b.Decrypt(first)
	require.ErrorIs(t, err, ErrReplay)
}

func TestSessionReorderingWindow(t *testing.T) {
	a, b := establishedSessions(t, Options{ReplayWindow: 8})
	frames := make([][]byte, 12)
	for i := range frames {
		frames[i], _ = a.Encrypt([]byte{byte(i)})
	}

	_, err := b.Decrypt(frames[10])
	require.NoError(t, err)
	// within the window, late but fresh
	got, err := b.Decrypt(frames[5])
	require.NoError(t, err)
	assert.Equal(t, []byte{5}, got)
	_, err = b.Decrypt(frames[5])
	require.ErrorIs(t, err, ErrReplay)
	// too old
	_, err = b.Decrypt(frames[1])
	require.ErrorIs(t, err, ErrReplay)
	_, err = b.Decrypt(frames[11])
	require.NoError(t, err)
}

func TestSessionClosesAfterConsecutiveFailures(t *testing.T) {
	a, b := establishedSessions(t, Options{MaxFailures: 3})
	frame, _ := a.Encrypt([]byte("payload"))
	bad := append([]byte(nil), frame...)
	bad[len(bad)-1] ^= 1

	for i := 0; i < 2; i++ {
		_, err := b.Decrypt(bad)
		require.ErrorIs(t, err, ErrCrypto)
		require.False(t, b.Closed())
	}
	_, err := b.Decrypt(bad)
	require.ErrorIs(t, err, ErrCrypto)
	require.True(t, b.Closed())

	_, err = b.Decrypt(frame)
	require.ErrorIs(t, err, ErrClosed)
	_, err = b.Encrypt(nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestSessionMalformedFrame(t *testing.T) {
	_, b := establishedSessions(t, Options{})
	_, err := b.Decrypt([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, 0, b.Failures())
}

func TestSessionNonceExhausted(t *testing.T) {
	a, _ := establishedSessions(t, Options{})
	a.sendNonce = math.MaxUint64 - 1
	_, err := a.Encrypt([]byte("last"))
	require.NoError(t, err)
	_, err = a.Encrypt([]byte("one too many"))
	require.ErrorIs(t, err, ErrNonceExhausted)
}

func BenchmarkSessionEncryptDecrypt1K(b *testing.B) {
	enc, dec := establishedSessions(b, Options{ReplayWindow: 64})
	pt := make([]byte, 1024)
	b.SetBytes(int64(len(pt)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		frame, _ := enc.Encrypt(pt)
		if _, err := dec.Decrypt(frame); err != nil {
			b.Fatal(err)
		}
	}
}
