package hopsec

import (
	"context"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"github.com/TheusHen/hopsec/hopsec/channel"
	"github.com/TheusHen/hopsec/hopsec/config"
	"github.com/TheusHen/hopsec/hopsec/credential"
	"github.com/TheusHen/hopsec/hopsec/forwarder"
	"github.com/TheusHen/hopsec/hopsec/identity"
	"github.com/TheusHen/hopsec/hopsec/routing"
)

// RelayOptions describes a forwarder registered for this node at a relay.
type RelayOptions struct {
	// Relay routes to the relay's secure channel listener. When empty the
	// forwarding service at Service is reached directly and the registration
	// is not recovered.
	Relay routing.Route
	// Service routes to the forwarding service. Behind Relay it is resolved
	// on the relay and defaults to forwarder.DefaultServiceAddress.
	Service routing.Route
	Alias   string
	// Authorized, when set, is the only identity accepted for the relay.
	Authorized *identity.Identifier
}

func relayOptions(f config.ForwarderConfig) (RelayOptions, error) {
	opts := RelayOptions{Alias: f.Alias}
	var err error
	if f.Service != "" {
		if opts.Service, err = ParseRoute(f.Service); err != nil {
			return RelayOptions{}, err
		}
	}
	if f.Relay != "" {
		if opts.Relay, err = ParseRoute(f.Relay); err != nil {
			return RelayOptions{}, err
		}
	}
	if f.Authorized != "" {
		id, err := identity.ParseIdentifier(f.Authorized)
		if err != nil {
			return RelayOptions{}, fmt.Errorf("%w: authorized identifier %q: %v", config.ErrInvalid, f.Authorized, err)
		}
		opts.Authorized = &id
	}
	return opts, nil
}

// relayLink is a registered forwarder and, behind a relay, the secure channel
// carrying it.
type relayLink struct {
	opts   RelayOptions
	remote *forwarder.Remote

	mu sync.Mutex
	ch *channel.Channel
}

func (l *relayLink) channel() *channel.Channel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ch
}

func (l *relayLink) setChannel(ch *channel.Channel) {
	l.mu.Lock()
	l.ch = ch
	l.mu.Unlock()
}

func (l *relayLink) serviceRoute(ch *channel.Channel) routing.Route {
	return routing.NewRoute(ch.Encryptor()).Concat(l.opts.Service)
}

// RegisterForwarder registers a forwarder for this node. Behind a relay the
// registration runs through a secure channel, and a lost channel is rebuilt
// and the forwarder registered again until the node closes.
func (n *Node) RegisterForwarder(ctx context.Context, opts RelayOptions) (*forwarder.Remote, error) {
	if len(opts.Relay) == 0 {
		if opts.Authorized != nil {
			return nil, fmt.Errorf("%w: authorized relay without a relay route", config.ErrInvalid)
		}
		if err := n.ensureTransports(opts.Service); err != nil {
			return nil, err
		}
		remote, err := forwarder.Register(ctx, n.router, opts.Service, opts.Alias)
		if err != nil {
			return nil, err
		}
		if !n.addRelay(&relayLink{opts: opts, remote: remote}) {
			return nil, ErrClosed
		}
		n.logger.Info("forwarder registered", "route", remote.ForwardingRoute().String())
		return remote, nil
	}

	if len(opts.Service) == 0 {
		opts.Service = routing.NewRoute(forwarder.DefaultServiceAddress)
	}
	link := &relayLink{opts: opts}
	ch, err := n.openRelayChannel(ctx, opts)
	if err != nil {
		return nil, err
	}
	remote, err := forwarder.Register(ctx, n.router, link.serviceRoute(ch), opts.Alias)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	link.remote = remote
	link.ch = ch
	if !n.addRelay(link) {
		_ = ch.Close()
		return nil, ErrClosed
	}
	n.logger.Info("forwarder registered",
		"route", remote.ForwardingRoute().String(),
		"relay", ch.PeerIdentity().ID().String())
	return remote, nil
}

// RemoteForwarders are the forwarders this node registered.
func (n *Node) RemoteForwarders() []*forwarder.Remote {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*forwarder.Remote, 0, len(n.relays))
	for _, l := range n.relays {
		out = append(out, l.remote)
	}
	return out
}

// addRelay records link and starts its recovery loop when it has a channel.
func (n *Node) addRelay(link *relayLink) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	n.relays = append(n.relays, link)
	if link.ch != nil {
		n.wg.Add(1)
		go n.keepRelay(link)
	}
	return true
}

func (n *Node) openRelayChannel(ctx context.Context, opts RelayOptions) (*channel.Channel, error) {
	if err := n.ensureTransports(opts.Relay); err != nil {
		return nil, err
	}
	chOpts, err := n.ChannelOptions()
	if err != nil {
		return nil, err
	}
	if opts.Authorized != nil {
		chOpts.TrustPeer = credential.TrustIssuers(*opts.Authorized)
	}
	ctx, cancel := context.WithTimeout(ctx, forwarder.MaxConnectTime)
	defer cancel()
	return channel.Create(ctx, n.router, opts.Relay, chOpts)
}

// keepRelay waits for the relay channel to close and recovers the forwarder,
// retrying with backoff until it succeeds or the node closes.
func (n *Node) keepRelay(link *relayLink) {
	defer n.wg.Done()
	for {
		ch := link.channel()
		select {
		case <-n.ctx.Done():
			return
		case <-ch.Done():
		}
		if n.ctx.Err() != nil {
			return
		}
		n.logger.Warn("relay channel lost", "relay", link.opts.Relay.String(), "err", ch.Err())

		policy := backoff.NewExponentialBackOff()
		policy.MaxElapsedTime = 0
		err := backoff.Retry(func() error {
			err := n.recoverRelay(link)
			if err != nil && n.ctx.Err() == nil {
				n.logger.Warn("forwarder recovery failed", "relay", link.opts.Relay.String(), "err", err)
			}
			return err
		}, backoff.WithContext(policy, n.ctx))
		if err != nil {
			return
		}
	}
}

func (n *Node) recoverRelay(link *relayLink) error {
	ctx, cancel := context.WithTimeout(n.ctx, forwarder.MaxRecoveryTime)
	defer cancel()
	ch, err := n.openRelayChannel(ctx, link.opts)
	if err != nil {
		return err
	}
	if err := link.remote.Recover(ctx, link.serviceRoute(ch)); err != nil {
		_ = ch.Close()
		return err
	}
	link.setChannel(ch)
	n.metrics.IncrementForwarderRecoveries()
	n.logger.Info("forwarder recovered", "route", link.remote.ForwardingRoute().String())
	return nil
}

// ensureTransports starts the QUIC transport when route needs it.
func (n *Node) ensureTransports(route routing.Route) error {
	for _, a := range route {
		if a.Transport == routing.QUIC {
			_, err := n.quicTransport()
			return err
		}
	}
	return nil
}
