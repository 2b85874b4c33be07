package channel

import (
	"log/slog"
	"time"

	"github.com/TheusHen/hopsec/hopsec/credential"
	"github.com/TheusHen/hopsec/hopsec/directory"
	"github.com/TheusHen/hopsec/hopsec/identity"
	"github.com/TheusHen/hopsec/hopsec/metrics"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultStepTimeout      = 5 * time.Second
	DefaultIdleTimeout      = 10 * time.Minute
	DefaultReplayWindow     = 64
	DefaultMaxFailures      = 8
	DefaultReplayThreshold  = 16
	DefaultBacklog          = 64
	DefaultHandshakeRate    = 20
	DefaultHandshakeBurst   = 40
)

// Options configures one end of a secure channel.
type Options struct {
	// Identity proves who this end is. Required.
	Identity *identity.Local
	// Credentials are presented to the peer during the handshake.
	Credentials []*credential.Credential

	// TrustPeer decides which peer identifiers are accepted. Nil accepts any
	// peer that proves its identity.
	TrustPeer credential.TrustPolicy
	// CredentialVerifier checks the peer's credentials.
	CredentialVerifier credential.Verifier
	// RequiredAttributes must all be present, with equal values, in the
	// attributes of the peer's accepted credentials.
	RequiredAttributes map[string]string
	// Directory resolves credential issuers and records authenticated peers.
	Directory directory.Resolver

	HandshakeTimeout time.Duration
	StepTimeout      time.Duration
	IdleTimeout      time.Duration
	// ReplayWindow is the number of out-of-order nonces tolerated; 0 demands
	// strictly increasing nonces.
	ReplayWindow int
	// MaxFailures consecutive decrypt failures close the channel.
	MaxFailures int
	// ReplayThreshold replays are tolerated silently before each further one is logged.
	ReplayThreshold int

	// Backlog bounds the established channels waiting in Listener.Accept.
	Backlog int
	// HandshakeRate and HandshakeBurst limit, per return path, how many
	// handshakes a listener starts per second.
	HandshakeRate  float64
	HandshakeBurst int

	// OnEstablished is called from the channel worker once the channel is established.
	OnEstablished func(*Channel)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = DefaultStepTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.ReplayWindow < 0 {
		o.ReplayWindow = 0
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = DefaultMaxFailures
	}
	if o.ReplayThreshold <= 0 {
		o.ReplayThreshold = DefaultReplayThreshold
	}
	if o.Backlog <= 0 {
		o.Backlog = DefaultBacklog
	}
	if o.HandshakeRate <= 0 {
		o.HandshakeRate = DefaultHandshakeRate
	}
	if o.HandshakeBurst <= 0 {
		o.HandshakeBurst = DefaultHandshakeBurst
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
