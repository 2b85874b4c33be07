package hopsec

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/hopsec/hopsec/channel"
	"github.com/TheusHen/hopsec/hopsec/config"
	"github.com/TheusHen/hopsec/hopsec/credential"
	"github.com/TheusHen/hopsec/hopsec/forwarder"
	"github.com/TheusHen/hopsec/hopsec/identity"
	"github.com/TheusHen/hopsec/hopsec/nodeapi"
	"github.com/TheusHen/hopsec/hopsec/routing"
)

func testConfig(name string) config.Config {
	cfg := config.Default()
	cfg.Node.Name = name
	cfg.Logging.Level = "error"
	return cfg
}

func newNode(t *testing.T, cfg config.Config) *Node {
	t.Helper()
	n, err := NewNode(cfg, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func timeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestIdentitySurvivesRestart(t *testing.T) {
	cfg := testConfig("persistent")
	cfg.Persistence.Path = filepath.Join(t.TempDir(), "state.json")
	cfg.Persistence.Passphrase = "correct horse"

	first, err := NewNode(cfg, Options{})
	require.NoError(t, err)
	local, err := first.LoadOrCreateIdentity(timeout(t))
	require.NoError(t, err)
	require.NoError(t, first.RotateIdentityKey(timeout(t)))
	id := local.ID()
	require.NoError(t, first.Close())

	second := newNode(t, cfg)
	restored, err := second.LoadOrCreateIdentity(timeout(t))
	require.NoError(t, err)
	assert.Equal(t, id, restored.ID())
	assert.Equal(t, 1, restored.Identity().CurrentIndex())

	wrong := cfg
	wrong.Persistence.Passphrase = "battery staple"
	third := newNode(t, wrong)
	_, err = third.LoadOrCreateIdentity(timeout(t))
	require.Error(t, err)
}

func TestCredentialsArePersisted(t *testing.T) {
	cfg := testConfig("holder")
	cfg.Persistence.Path = filepath.Join(t.TempDir(), "state.json")
	issuer := newNode(t, testConfig("issuer"))
	issuerID, err := issuer.LoadOrCreateIdentity(timeout(t))
	require.NoError(t, err)

	holder, err := NewNode(cfg, Options{})
	require.NoError(t, err)
	local, err := holder.LoadOrCreateIdentity(timeout(t))
	require.NoError(t, err)
	c, err := credential.Issue(issuerID, local.ID(), map[string]string{"role": "member"}, time.Hour)
	require.NoError(t, err)
	require.NoError(t, holder.AddCredential(timeout(t), c))

	other, err := credential.Issue(issuerID, issuerID.ID(), nil, time.Hour)
	require.NoError(t, err)
	require.Error(t, holder.AddCredential(timeout(t), other))
	require.NoError(t, holder.Close())

	again := newNode(t, cfg)
	_, err = again.LoadOrCreateIdentity(timeout(t))
	require.NoError(t, err)
	opts, err := again.ChannelOptions()
	require.NoError(t, err)
	require.Len(t, opts.Credentials, 1)
	assert.Equal(t, "member", opts.Credentials[0].Attributes()["role"])
}

func TestSecureChannelOverQUIC(t *testing.T) {
	server := newNode(t, testConfig("server"))
	client := newNode(t, testConfig("client"))
	_, err := server.LoadOrCreateIdentity(timeout(t))
	require.NoError(t, err)
	_, err = client.LoadOrCreateIdentity(timeout(t))
	require.NoError(t, err)

	addr, err := server.ListenQUIC("127.0.0.1:0")
	require.NoError(t, err)
	listener, err := server.ListenSecureChannel()
	require.NoError(t, err)

	route, err := client.ConnectQUIC(timeout(t), addr.String())
	require.NoError(t, err)
	ch, err := client.CreateSecureChannel(timeout(t), route.Append(listener.Address()))
	require.NoError(t, err)
	assert.Equal(t, server.Identity().ID(), ch.PeerIdentity().ID())

	peer, err := listener.Accept(timeout(t))
	require.NoError(t, err)
	assert.Equal(t, client.Identity().ID(), peer.PeerIdentity().ID())

	require.NoError(t, ch.Send([]byte("over quic")))
	msg, err := peer.Receive(timeout(t))
	require.NoError(t, err)
	assert.Equal(t, "over quic", string(msg.Payload))

	require.Eventually(t, func() bool {
		return len(client.SecureChannels()) == 1 && len(server.SecureChannels()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "initiator", client.SecureChannels()[0].Role)

	require.NoError(t, ch.Close())
	require.Eventually(t, func() bool { return len(client.SecureChannels()) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestTrustedIdentifiersFromConfig(t *testing.T) {
	server := newNode(t, testConfig("server"))
	_, err := server.LoadOrCreateIdentity(timeout(t))
	require.NoError(t, err)

	cfg := testConfig("picky")
	cfg.Channel.TrustedIdentifiers = []string{server.Identity().ID().String()}
	cfg.Channel.HandshakeTimeout = 2 * time.Second
	picky := newNode(t, cfg)
	_, err = picky.LoadOrCreateIdentity(timeout(t))
	require.NoError(t, err)

	addr, err := server.ListenQUIC("127.0.0.1:0")
	require.NoError(t, err)
	listener, err := server.ListenSecureChannel()
	require.NoError(t, err)
	route, err := picky.ConnectQUIC(timeout(t), addr.String())
	require.NoError(t, err)
	_, err = picky.CreateSecureChannel(timeout(t), route.Append(listener.Address()))
	require.NoError(t, err)

	cfg.Channel.TrustedIdentifiers = []string{"not-an-identifier"}
	broken := newNode(t, cfg)
	_, err = broken.LoadOrCreateIdentity(timeout(t))
	require.NoError(t, err)
	_, err = broken.ChannelOptions()
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestStartFromConfigWithRelayAndAPI(t *testing.T) {
	relayCfg := testConfig("relay")
	relayCfg.Transport.Listen = "127.0.0.1:0"
	relayCfg.Forwarding.Service = true
	relayCfg.API.Address = "127.0.0.1:0"
	relay := newNode(t, relayCfg)
	require.NoError(t, relay.Start(timeout(t)))
	listen := relay.NodeInfo().Listen
	require.Len(t, listen, 1)

	edgeCfg := testConfig("edge")
	edgeCfg.Forwarding.Register = []config.ForwarderConfig{{
		Service: fmt.Sprintf("2#%s => %s", listen[0], forwarder.DefaultServiceAddress.Value),
		Alias:   "edge",
	}}
	edge := newNode(t, edgeCfg)
	require.NoError(t, edge.Start(timeout(t)))

	// A third node reaches the edge's listener through the relay.
	visitor := newNode(t, testConfig("visitor"))
	_, err := visitor.LoadOrCreateIdentity(timeout(t))
	require.NoError(t, err)
	route, err := visitor.ConnectQUIC(timeout(t), listen[0])
	require.NoError(t, err)
	ch, err := visitor.CreateSecureChannel(timeout(t), route.Append(
		routing.LocalAddress("edge"), routing.LocalAddress(edgeCfg.Channel.Listener)))
	require.NoError(t, err)
	assert.Equal(t, edge.Identity().ID(), ch.PeerIdentity().ID())

	fwds := relay.Forwarders()
	require.Len(t, fwds, 1)
	assert.Equal(t, routing.LocalAddress("edge"), fwds[0].Address)

	relay.mu.Lock()
	srv := relay.api
	relay.mu.Unlock()
	require.NotNil(t, srv)
}

func TestAPIServesNodeInfo(t *testing.T) {
	n := newNode(t, testConfig("api"))
	_, err := n.LoadOrCreateIdentity(timeout(t))
	require.NoError(t, err)
	addr, err := n.StartAPI("127.0.0.1:0")
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr.String() + "/v0/node")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info nodeapi.NodeInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "api", info.Name)
	assert.Equal(t, n.Identity().ID().String(), info.Identifier)

	resp2, err := http.Get("http://" + addr.String() + "/metrics")
	require.NoError(t, err)
	defer resp2.Body.Close()
	body, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "hopsec_routing_workers")
}

func TestParseRoute(t *testing.T) {
	r, err := ParseRoute("/ip4/127.0.0.1/udp/4000/quic-v1/worker/api")
	require.NoError(t, err)
	assert.Len(t, r, 2)
	r, err = ParseRoute("a => b")
	require.NoError(t, err)
	assert.True(t, r.Equal(routing.NewRoute(routing.LocalAddress("a"), routing.LocalAddress("b"))))
}

func TestNoIdentity(t *testing.T) {
	n := newNode(t, testConfig("empty"))
	_, err := n.ChannelOptions()
	require.ErrorIs(t, err, ErrNoIdentity)
	require.ErrorIs(t, n.SaveState(timeout(t)), ErrNoIdentity)
}

func startRelay(t *testing.T) (*Node, string) {
	t.Helper()
	cfg := testConfig("relay")
	cfg.Transport.Listen = "127.0.0.1:0"
	cfg.Forwarding.Service = true
	relay := newNode(t, cfg)
	require.NoError(t, relay.Start(timeout(t)))
	listen := relay.NodeInfo().Listen
	require.Len(t, listen, 1)
	return relay, listen[0]
}

func channelWith(n *Node, peer identity.Identifier) *channel.Channel {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.channels {
		if p := ch.PeerIdentity(); p != nil && p.ID() == peer {
			return ch
		}
	}
	return nil
}

func TestForwarderRecoversAfterRelayChannelLoss(t *testing.T) {
	relay, relayAddr := startRelay(t)

	edgeCfg := testConfig("edge")
	edgeCfg.Forwarding.Register = []config.ForwarderConfig{{
		Relay:      fmt.Sprintf("2#%s => %s", relayAddr, relay.Config().Channel.Listener),
		Alias:      "edge",
		Authorized: relay.Identity().ID().String(),
	}}
	edge := newNode(t, edgeCfg)
	require.NoError(t, edge.Start(timeout(t)))

	remotes := edge.RemoteForwarders()
	require.Len(t, remotes, 1)
	edgeSide := channelWith(edge, relay.Identity().ID())
	require.NotNil(t, edgeSide)
	assert.True(t, remotes[0].ForwardingRoute().Equal(
		routing.NewRoute(edgeSide.Encryptor(), routing.LocalAddress("edge"))),
		"forwarding route %s", remotes[0].ForwardingRoute())

	visitor := newNode(t, testConfig("visitor"))
	_, err := visitor.LoadOrCreateIdentity(timeout(t))
	require.NoError(t, err)
	reach := func() error {
		route, err := visitor.ConnectQUIC(timeout(t), relayAddr)
		if err != nil {
			return err
		}
		ch, err := visitor.CreateSecureChannel(timeout(t), route.Append(
			routing.LocalAddress("edge"), routing.LocalAddress(edgeCfg.Channel.Listener)))
		if err != nil {
			return err
		}
		defer ch.Close()
		if ch.PeerIdentity().ID() != edge.Identity().ID() {
			return fmt.Errorf("reached %s", ch.PeerIdentity().ID())
		}
		return nil
	}
	require.NoError(t, reach())

	fwds := relay.Forwarders()
	require.Len(t, fwds, 1)
	before := fwds[0].Route

	relaySide := channelWith(relay, edge.Identity().ID())
	require.NotNil(t, relaySide)
	require.NoError(t, relaySide.Close())

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(edge.Metrics().ForwarderRecovered) == 1
	}, 10*time.Second, 20*time.Millisecond)

	fwds = relay.Forwarders()
	require.Len(t, fwds, 1)
	assert.Equal(t, routing.LocalAddress("edge"), fwds[0].Address)
	assert.False(t, fwds[0].Route.Equal(before), "forwarder still routes through the closed channel")

	var recovered *channel.Channel
	require.Eventually(t, func() bool {
		recovered = channelWith(edge, relay.Identity().ID())
		return recovered != nil && recovered.Encryptor() != edgeSide.Encryptor()
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, remotes[0].ForwardingRoute().Equal(
		routing.NewRoute(recovered.Encryptor(), routing.LocalAddress("edge"))))

	require.NoError(t, reach())
}

func TestForwarderRejectsUnauthorizedRelay(t *testing.T) {
	_, relayAddr := startRelay(t)

	stranger := newNode(t, testConfig("stranger"))
	strangerID, err := stranger.LoadOrCreateIdentity(timeout(t))
	require.NoError(t, err)

	edgeCfg := testConfig("edge")
	edgeCfg.Forwarding.Register = []config.ForwarderConfig{{
		Relay:      fmt.Sprintf("2#%s => %s", relayAddr, edgeCfg.Channel.Listener),
		Authorized: strangerID.ID().String(),
	}}
	edge := newNode(t, edgeCfg)
	err = edge.Start(timeout(t))
	var establish *channel.EstablishError
	require.ErrorAs(t, err, &establish)
	assert.Empty(t, edge.RemoteForwarders())

	authorized := strangerID.ID()
	_, err = edge.RegisterForwarder(timeout(t), RelayOptions{
		Service:    routing.NewRoute(forwarder.DefaultServiceAddress),
		Authorized: &authorized,
	})
	require.ErrorIs(t, err, config.ErrInvalid)
}
