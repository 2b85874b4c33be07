package hopsec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TheusHen/hopsec/hopsec/channel"
	"github.com/TheusHen/hopsec/hopsec/config"
	"github.com/TheusHen/hopsec/hopsec/credential"
	"github.com/TheusHen/hopsec/hopsec/directory"
	"github.com/TheusHen/hopsec/hopsec/forwarder"
	"github.com/TheusHen/hopsec/hopsec/identity"
	"github.com/TheusHen/hopsec/hopsec/metrics"
	"github.com/TheusHen/hopsec/hopsec/nodeapi"
	"github.com/TheusHen/hopsec/hopsec/persistence"
	"github.com/TheusHen/hopsec/hopsec/persistence/redisstore"
	"github.com/TheusHen/hopsec/hopsec/routing"
	"github.com/TheusHen/hopsec/hopsec/transport/quic"
	"github.com/TheusHen/hopsec/hopsec/vault"
)

var (
	ErrNoIdentity = errors.New("hopsec: node has no identity")
	ErrClosed     = errors.New("hopsec: node is closed")
)

const shutdownTimeout = 5 * time.Second

// Options overrides parts of a node that the configuration would build.
type Options struct {
	// Logger overrides the logger built from the logging configuration.
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Store overrides the store selected by the persistence configuration.
	Store     persistence.Store
	Directory directory.Resolver
}

// Node is one participant: its vault, identity, router and the services
// running on them.
type Node struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	vault   *vault.Software
	router  *routing.Router
	dir     directory.Resolver
	store   persistence.Store
	started time.Time

	mu        sync.Mutex
	local     *identity.Local
	creds     []*credential.Credential
	transport *quic.Transport
	listens   []string
	listener  *channel.Listener
	service   *forwarder.Service
	relays    []*relayLink
	channels  map[routing.Address]*channel.Channel
	api       *http.Server
	closed    bool

	// ctx lives until Close; background recovery runs under it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode builds a node from cfg. No identity is loaded yet; see
// LoadOrCreateIdentity or Start.
func NewNode(cfg config.Config, opts Options) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		l, err := NewLogger(cfg.Logging, os.Stderr)
		if err != nil {
			return nil, err
		}
		logger = l
	}
	logger = logger.With("node", cfg.Node.Name)
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	dir := opts.Directory
	if dir == nil {
		dir = directory.NewMemory()
	}
	store := opts.Store
	if store == nil {
		s, err := openStore(cfg, logger)
		if err != nil {
			return nil, err
		}
		store = s
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		vault:    vault.NewSoftware(),
		router:   routing.NewRouter(routing.Options{Logger: logger, Metrics: m}),
		dir:      dir,
		store:    store,
		started:  time.Now(),
		channels: make(map[routing.Address]*channel.Channel),
	}, nil
}

func openStore(cfg config.Config, logger *slog.Logger) (persistence.Store, error) {
	p := cfg.Persistence
	switch {
	case p.RedisAddr != "":
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return redisstore.Dial(ctx, p.RedisAddr, cfg.Node.Name)
	case p.Path != "":
		return persistence.NewFile(p.Path, persistence.FileOptions{Logger: logger})
	default:
		return persistence.NewMemory(), nil
	}
}

func (n *Node) Name() string              { return n.cfg.Node.Name }
// Config is the validated configuration the node was built from.
func (n *Node) Config() config.Config     { return n.cfg }
func (n *Node) Logger() *slog.Logger      { return n.logger }
func (n *Node) Metrics() *metrics.Metrics { return n.metrics }
// Router carries every worker of the node.
func (n *Node) Router() *routing.Router   { return n.router }
func (n *Node) Vault() vault.Vault        { return n.vault }
func (n *Node) Directory() directory.Resolver {
	return n.dir
}

// Identity returns the node's identity, or nil before one is loaded.
func (n *Node) Identity() *identity.Local {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.local
}

// LoadOrCreateIdentity restores the saved identity and credentials, or
// creates and saves a new identity when nothing was saved.
func (n *Node) LoadOrCreateIdentity(ctx context.Context) (*identity.Local, error) {
	n.mu.Lock()
	if n.local != nil {
		defer n.mu.Unlock()
		return n.local, nil
	}
	n.mu.Unlock()

	passphrase := n.cfg.Persistence.Passphrase
	st, err := n.store.Load(ctx)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		local, err := identity.Create(n.vault)
		if err != nil {
			return nil, err
		}
		n.setIdentity(local, nil)
		if err := n.SaveState(ctx); err != nil {
			return nil, err
		}
		n.logger.Info("identity created", "identifier", local.ID().String())
		return local, nil
	case err != nil:
		return nil, fmt.Errorf("hopsec: load state: %w", err)
	}

	if err := n.vault.Import(passphrase, st.Vault); err != nil {
		return nil, fmt.Errorf("hopsec: unseal vault: %w", err)
	}
	local, err := identity.Load(n.vault, st.Identity, st.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("hopsec: load identity: %w", err)
	}
	creds := make([]*credential.Credential, 0, len(st.Credentials))
	for _, raw := range st.Credentials {
		c, err := credential.FromBytes(raw)
		if err != nil {
			n.logger.Warn("skipping unreadable saved credential", "err", err)
			continue
		}
		creds = append(creds, c)
	}
	n.setIdentity(local, creds)
	n.logger.Info("identity loaded", "identifier", local.ID().String(), "key_index", local.Identity().CurrentIndex())
	return local, nil
}

func (n *Node) setIdentity(local *identity.Local, creds []*credential.Credential) {
	n.mu.Lock()
	n.local = local
	n.creds = creds
	n.mu.Unlock()
	if err := n.dir.Announce(local.Identity()); err != nil {
		n.logger.Warn("cannot announce own identity", "err", err)
	}
}

// SaveState seals the vault and saves it with the identity and credentials.
func (n *Node) SaveState(ctx context.Context) error {
	n.mu.Lock()
	local, creds := n.local, n.creds
	n.mu.Unlock()
	if local == nil {
		return ErrNoIdentity
	}
	sealed, err := n.vault.Export(n.cfg.Persistence.Passphrase)
	if err != nil {
		return err
	}
	exported, err := local.Export()
	if err != nil {
		return err
	}
	st := &persistence.State{Identity: exported, IdentityKey: local.Key(), Vault: sealed}
	for _, c := range creds {
		raw, err := c.ToBytes()
		if err != nil {
			return err
		}
		st.Credentials = append(st.Credentials, raw)
	}
	return n.store.Save(ctx, st)
}

// RotateIdentityKey appends a key rotation to the identity and saves it.
func (n *Node) RotateIdentityKey(ctx context.Context) error {
	local := n.Identity()
	if local == nil {
		return ErrNoIdentity
	}
	if _, err := local.RotateKey(); err != nil {
		return err
	}
	if err := n.dir.Announce(local.Identity()); err != nil {
		n.logger.Warn("cannot announce rotated identity", "err", err)
	}
	n.logger.Info("identity key rotated", "key_index", local.Identity().CurrentIndex())
	return n.SaveState(ctx)
}

// AddCredential presents c in every later handshake and saves it.
func (n *Node) AddCredential(ctx context.Context, c *credential.Credential) error {
	local := n.Identity()
	if local == nil {
		return ErrNoIdentity
	}
	if c.Subject != local.ID() {
		return fmt.Errorf("hopsec: credential subject %s is not this node", c.Subject)
	}
	n.mu.Lock()
	n.creds = append(n.creds, c)
	n.mu.Unlock()
	return n.SaveState(ctx)
}

func (n *Node) quicTransport() (*quic.Transport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	if n.transport != nil {
		return n.transport, nil
	}
	t, err := quic.NewTransport(n.router, quic.Options{
		Link: quic.LinkOptions{
			CompressThreshold: n.cfg.Transport.CompressThreshold,
			DialTimeout:       n.cfg.Transport.DialTimeout,
			Logger:            n.logger,
		},
		SendTimeout: n.cfg.Transport.SendTimeout,
		Logger:      n.logger,
		Metrics:     n.metrics,
	})
	if err != nil {
		return nil, err
	}
	n.transport = t
	return t, nil
}

// ListenQUIC accepts QUIC connections on addr.
func (n *Node) ListenQUIC(addr string) (net.Addr, error) {
	t, err := n.quicTransport()
	if err != nil {
		return nil, err
	}
	ln, err := t.Listen(addr)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.listens = append(n.listens, ln.Addr().String())
	n.mu.Unlock()
	return ln.Addr(), nil
}

// ConnectQUIC connects to the node at hostport and returns the route prefix
// reaching it.
func (n *Node) ConnectQUIC(ctx context.Context, hostport string) (routing.Route, error) {
	t, err := n.quicTransport()
	if err != nil {
		return nil, err
	}
	return t.Connect(ctx, hostport)
}

// ChannelOptions returns the secure channel options derived from the
// configuration and the node's identity.
func (n *Node) ChannelOptions() (channel.Options, error) {
	n.mu.Lock()
	local := n.local
	creds := append([]*credential.Credential(nil), n.creds...)
	n.mu.Unlock()
	if local == nil {
		return channel.Options{}, ErrNoIdentity
	}
	c := n.cfg.Channel
	opts := channel.Options{
		Identity:           local,
		Credentials:        creds,
		RequiredAttributes: c.RequiredAttributes,
		Directory:          n.dir,
		HandshakeTimeout:   c.HandshakeTimeout,
		StepTimeout:        c.StepTimeout,
		IdleTimeout:        c.IdleTimeout,
		ReplayWindow:       channel.DefaultReplayWindow,
		MaxFailures:        c.MaxFailures,
		ReplayThreshold:    c.ReplayThreshold,
		HandshakeRate:      c.HandshakeRate,
		HandshakeBurst:     c.HandshakeBurst,
		OnEstablished:      n.track,
		Logger:             n.logger,
		Metrics:            n.metrics,
	}
	if c.ReplayWindow != nil {
		opts.ReplayWindow = *c.ReplayWindow
	}
	if len(c.TrustedIdentifiers) > 0 {
		ids, err := parseIdentifiers(c.TrustedIdentifiers)
		if err != nil {
			return channel.Options{}, err
		}
		opts.TrustPeer = credential.TrustIssuers(ids...)
	}
	if len(c.TrustedIssuers) > 0 {
		ids, err := parseIdentifiers(c.TrustedIssuers)
		if err != nil {
			return channel.Options{}, err
		}
		opts.CredentialVerifier = credential.Verifier{Policy: credential.TrustIssuers(ids...)}
	}
	return opts, nil
}

func parseIdentifiers(in []string) ([]identity.Identifier, error) {
	out := make([]identity.Identifier, 0, len(in))
	for _, s := range in {
		id, err := identity.ParseIdentifier(s)
		if err != nil {
			return nil, fmt.Errorf("%w: identifier %q: %v", config.ErrInvalid, s, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// track records an established channel until it closes.
func (n *Node) track(ch *channel.Channel) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		go ch.Close()
		return
	}
	n.channels[ch.Encryptor()] = ch
	n.mu.Unlock()
	go func() {
		<-ch.Done()
		n.mu.Lock()
		delete(n.channels, ch.Encryptor())
		n.mu.Unlock()
	}()
}

// CreateSecureChannel runs a handshake with the listener at the end of route.
func (n *Node) CreateSecureChannel(ctx context.Context, route routing.Route) (*channel.Channel, error) {
	if err := n.ensureTransports(route); err != nil {
		return nil, err
	}
	opts, err := n.ChannelOptions()
	if err != nil {
		return nil, err
	}
	return channel.Create(ctx, n.router, route, opts)
}

// ListenSecureChannel starts the secure channel listener at the configured
// address.
func (n *Node) ListenSecureChannel() (*channel.Listener, error) {
	opts, err := n.ChannelOptions()
	if err != nil {
		return nil, err
	}
	addr, err := routing.ParseAddress(n.cfg.Channel.Listener)
	if err != nil {
		return nil, err
	}
	l, err := channel.Listen(n.router, addr, opts)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.listener = l
	n.mu.Unlock()
	n.logger.Info("secure channel listener started", "addr", addr.String())
	return l, nil
}

// StartForwardingService lets other nodes register forwarders here.
func (n *Node) StartForwardingService() (*forwarder.Service, error) {
	s, err := forwarder.StartService(n.router, forwarder.ServiceOptions{Logger: n.logger, Metrics: n.metrics})
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.service = s
	n.mu.Unlock()
	return s, nil
}

// ParseRoute accepts "a => b" routes and multiaddrs.
func ParseRoute(s string) (routing.Route, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "/") {
		return routing.RouteFromMultiaddr(s)
	}
	return routing.ParseRoute(s)
}

// StartAPI serves the node API on addr.
func (n *Node) StartAPI(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           nodeapi.New(n, n.metrics.Registry, n.logger).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	n.mu.Lock()
	n.api = srv
	n.mu.Unlock()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("api server failed", "err", err)
		}
	}()
	n.logger.Info("api listening", "addr", ln.Addr().String())
	return ln.Addr(), nil
}

// Start brings up everything the configuration asks for.
func (n *Node) Start(ctx context.Context) error {
	if _, err := n.LoadOrCreateIdentity(ctx); err != nil {
		return err
	}
	if addr := n.cfg.Transport.Listen; addr != "" {
		if _, err := n.ListenQUIC(addr); err != nil {
			return err
		}
	}
	if n.cfg.Channel.Listener != "" {
		if _, err := n.ListenSecureChannel(); err != nil {
			return err
		}
	}
	if n.cfg.Forwarding.Service {
		if _, err := n.StartForwardingService(); err != nil {
			return err
		}
	}
	for _, f := range n.cfg.Forwarding.Register {
		opts, err := relayOptions(f)
		if err != nil {
			return err
		}
		if _, err := n.RegisterForwarder(ctx, opts); err != nil {
			return err
		}
	}
	if addr := n.cfg.API.Address; addr != "" {
		if _, err := n.StartAPI(addr); err != nil {
			return err
		}
	}
	return nil
}

// NodeInfo summarizes the node for the API.
func (n *Node) NodeInfo() nodeapi.NodeInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	info := nodeapi.NodeInfo{
		Name:   n.cfg.Node.Name,
		Listen: append([]string(nil), n.listens...),
		Uptime: time.Since(n.started).Round(time.Second).String(),
	}
	if n.local != nil {
		info.Identifier = n.local.ID().String()
		info.KeyIndex = n.local.Identity().CurrentIndex()
	}
	return info
}

func (n *Node) Workers() []routing.WorkerInfo { return n.router.Workers() }

// SecureChannels lists established channels ordered by encryptor address.
func (n *Node) SecureChannels() []nodeapi.ChannelInfo {
	n.mu.Lock()
	chans := make([]*channel.Channel, 0, len(n.channels))
	for _, ch := range n.channels {
		chans = append(chans, ch)
	}
	n.mu.Unlock()
	out := make([]nodeapi.ChannelInfo, 0, len(chans))
	for _, ch := range chans {
		info := nodeapi.ChannelInfo{
			Encryptor:   ch.Encryptor(),
			Decryptor:   ch.Decryptor(),
			Role:        ch.Role().String(),
			State:       ch.State().String(),
			RemoteRoute: ch.RemoteRoute(),
			Attributes:  ch.PeerAttributes(),
		}
		if p := ch.PeerIdentity(); p != nil {
			info.Peer = p.ID().String()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Encryptor.String() < out[j].Encryptor.String() })
	return out
}

// Forwarders lists the forwarders hosted by this node's forwarding service.
func (n *Node) Forwarders() []forwarder.Info {
	n.mu.Lock()
	s := n.service
	n.mu.Unlock()
	if s == nil {
		return []forwarder.Info{}
	}
	return s.Forwarders()
}

// Close closes channels, transports and the API, then stops every worker.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.cancel()
	chans := make([]*channel.Channel, 0, len(n.channels))
	for _, ch := range n.channels {
		chans = append(chans, ch)
	}
	t, api, l := n.transport, n.api, n.listener
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	for _, ch := range chans {
		_ = ch.Close()
	}
	if l != nil {
		_ = l.Close()
	}
	n.wg.Wait()
	if api != nil {
		if err := api.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if t != nil {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := n.router.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if c, ok := n.store.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	n.logger.Info("node closed")
	return errors.Join(errs...)
}
