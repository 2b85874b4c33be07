package channel

import (
	"errors"
	"fmt"
	"math"

	"github.com/TheusHen/hopsec/hopsec/protocol"
	"github.com/TheusHen/hopsec/hopsec/vault"
)

// Session is the transport phase of an established channel: one key per
// direction, a send counter and a receive replay window.
//
// Session is owned by a single channel worker and is not safe for concurrent use.
type Session struct {
	v       vault.Vault
	role    Role
	sendKey vault.KeyHandle
	recvKey vault.KeyHandle
	ad      []byte

	sendNonce   uint64
	window      *replayWindow
	failures    int
	maxFailures int
	replays     int
	closed      bool
}

func newSession(v vault.Vault, role Role, send, recv vault.KeyHandle, ad []byte, opts Options) *Session {
	return &Session{
		v:           v,
		role:        role,
		sendKey:     send,
		recvKey:     recv,
		ad:          append([]byte(nil), ad...),
		window:      newReplayWindow(opts.ReplayWindow),
		maxFailures: opts.MaxFailures,
	}
}

// Role is the handshake role this session was derived for.
func (s *Session) Role() Role { return s.role }

// Encrypt seals plaintext under the next send nonce and returns the encoded transport frame.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if s.sendNonce == math.MaxUint64 {
		return nil, ErrNonceExhausted
	}
	n := s.sendNonce
	ct, err := s.v.Encrypt(s.sendKey, n, s.ad, plaintext)
	if err != nil {
		return nil, classify(ErrCrypto, err)
	}
	s.sendNonce++
	return protocol.EncodeTransport(protocol.TransportFrame{Nonce: n, Ciphertext: ct}), nil
}

// Decrypt opens an encoded transport frame.
//
// Replayed or stale nonces fail with ErrReplay and leave the session untouched.
// Authentication failures fail with ErrCrypto; after MaxFailures consecutive
// ones the session closes itself.
func (s *Session) Decrypt(frame []byte) ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}
	f, err := protocol.DecodeTransport(frame)
	if err != nil {
		return nil, classify(ErrProtocolViolation, err)
	}
	if !s.window.check(f.Nonce) {
		s.replays++
		return nil, fmt.Errorf("%w: nonce %d", ErrReplay, f.Nonce)
	}
	pt, err := s.v.Decrypt(s.recvKey, f.Nonce, s.ad, f.Ciphertext)
	if err != nil {
		s.failures++
		if s.failures >= s.maxFailures {
			s.Close()
		}
		if errors.Is(err, vault.ErrKeyNotFound) {
			return nil, ErrClosed
		}
		return nil, classify(ErrCrypto, err)
	}
	s.window.accept(f.Nonce)
	s.failures = 0
	return pt, nil
}

// Failures is the number of consecutive authentication failures.
func (s *Session) Failures() int { return s.failures }

// Replays is the number of frames rejected as replays.
func (s *Session) Replays() int { return s.replays }

// Closed reports whether the transport keys are gone.
func (s *Session) Closed() bool { return s.closed }

// Close deletes both transport keys. It is idempotent.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	_ = s.v.Delete(s.sendKey)
	_ = s.v.Delete(s.recvKey)
}
