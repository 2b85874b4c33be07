// Package config loads node configuration: defaults, then an optional YAML
// file, then HOPSEC_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the complete node configuration.
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Transport   TransportConfig   `yaml:"transport"`
	Channel     ChannelConfig     `yaml:"channel"`
	Forwarding  ForwardingConfig  `yaml:"forwarding"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Logging     LoggingConfig     `yaml:"logging"`
	API         APIConfig         `yaml:"api"`
}

type NodeConfig struct {
	Name string `yaml:"name"`
}

// TransportConfig configures the QUIC transport.
type TransportConfig struct {
	// Listen is the QUIC listen address; empty disables listening.
	Listen            string        `yaml:"listen"`
	CompressThreshold int           `yaml:"compressThreshold"`
	DialTimeout       time.Duration `yaml:"dialTimeout"`
	SendTimeout       time.Duration `yaml:"sendTimeout"`
}

// ChannelConfig configures the secure channel listener and every channel end.
type ChannelConfig struct {
	// Listener is the local address of the secure channel listener; empty
	// disables it.
	Listener         string        `yaml:"listener"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	StepTimeout      time.Duration `yaml:"stepTimeout"`
	IdleTimeout      time.Duration `yaml:"idleTimeout"`
	ReplayWindow     *int          `yaml:"replayWindow"`
	MaxFailures      int           `yaml:"maxFailures"`
	ReplayThreshold  int           `yaml:"replayThreshold"`
	HandshakeRate    float64       `yaml:"handshakeRate"`
	HandshakeBurst   int           `yaml:"handshakeBurst"`
	// TrustedIdentifiers restricts peers; empty trusts any authenticated peer.
	TrustedIdentifiers []string `yaml:"trustedIdentifiers"`
	// TrustedIssuers enables credential verification against these issuers.
	TrustedIssuers     []string          `yaml:"trustedIssuers"`
	RequiredAttributes map[string]string `yaml:"requiredAttributes"`
}

// ForwarderConfig registers a forwarder for this node at a relay.
type ForwarderConfig struct {
	// Service is the route to a forwarding service, either "a => b" or a
	// multiaddr such as /ip4/1.2.3.4/udp/4000/quic-v1/worker/forwarding_service.
	// With Relay set it is the route on the relay's side of the secure channel
	// and defaults to forwarding_service.
	Service string `yaml:"service"`
	Alias   string `yaml:"alias"`
	// Relay is the route to the relay's secure channel listener. The forwarder
	// is then registered through a secure channel that is rebuilt when lost.
	Relay string `yaml:"relay"`
	// Authorized is the only identifier accepted for the relay.
	Authorized string `yaml:"authorized"`
}

// ForwardingConfig configures the forwarding service and this node's own forwarders.
type ForwardingConfig struct {
	// Service starts a forwarding service on this node.
	Service  bool              `yaml:"service"`
	Register []ForwarderConfig `yaml:"register"`
}

// PersistenceConfig selects where identity and vault state are saved.
// RedisAddr wins over Path; with neither the state lives in memory.
type PersistenceConfig struct {
	Path       string `yaml:"path"`
	Passphrase string `yaml:"passphrase"`
	RedisAddr  string `yaml:"redisAddr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type APIConfig struct {
	Address string `yaml:"address"`
}

// Default returns the configuration used for every unset field.
func Default() Config {
	return Config{
		Node: NodeConfig{Name: "hopsec"},
		Transport: TransportConfig{
			CompressThreshold: 1024,
			DialTimeout:       5 * time.Second,
			SendTimeout:       5 * time.Second,
		},
		Channel: ChannelConfig{
			Listener:         "secure_channel_listener",
			HandshakeTimeout: 10 * time.Second,
			StepTimeout:      5 * time.Second,
			IdleTimeout:      10 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := ApplyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without consulting the environment.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate reports the first invalid field, wrapped in ErrInvalid.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Node.Name) == "" {
		return fmt.Errorf("%w: node.name is empty", ErrInvalid)
	}
	if c.Channel.ReplayWindow != nil && *c.Channel.ReplayWindow < 0 {
		return fmt.Errorf("%w: channel.replayWindow is negative", ErrInvalid)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: logging.format %q", ErrInvalid, c.Logging.Format)
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}
	for i, f := range c.Forwarding.Register {
		relay := strings.TrimSpace(f.Relay) != ""
		if !relay && strings.TrimSpace(f.Service) == "" {
			return fmt.Errorf("%w: forwarding.register[%d] needs a service or a relay", ErrInvalid, i)
		}
		if !relay && strings.TrimSpace(f.Authorized) != "" {
			return fmt.Errorf("%w: forwarding.register[%d].authorized needs a relay", ErrInvalid, i)
		}
	}
	return nil
}

// SlogLevel parses Level, defaulting to info.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("%w: logging.level %q", ErrInvalid, l.Level)
	}
	return lvl, nil
}

// ApplyEnvOverrides replaces fields set through HOPSEC_* variables.
func ApplyEnvOverrides(cfg *Config) error {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}
	str("HOPSEC_NODE_NAME", &cfg.Node.Name)
	str("HOPSEC_LISTEN", &cfg.Transport.Listen)
	str("HOPSEC_CHANNEL_LISTENER", &cfg.Channel.Listener)
	str("HOPSEC_STATE_PATH", &cfg.Persistence.Path)
	str("HOPSEC_STATE_PASSPHRASE", &cfg.Persistence.Passphrase)
	str("HOPSEC_REDIS_ADDR", &cfg.Persistence.RedisAddr)
	str("HOPSEC_LOG_LEVEL", &cfg.Logging.Level)
	str("HOPSEC_LOG_FORMAT", &cfg.Logging.Format)
	str("HOPSEC_API_ADDR", &cfg.API.Address)

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"HOPSEC_HANDSHAKE_TIMEOUT", &cfg.Channel.HandshakeTimeout},
		{"HOPSEC_STEP_TIMEOUT", &cfg.Channel.StepTimeout},
		{"HOPSEC_IDLE_TIMEOUT", &cfg.Channel.IdleTimeout},
		{"HOPSEC_DIAL_TIMEOUT", &cfg.Transport.DialTimeout},
	}
	for _, d := range durations {
		raw := strings.TrimSpace(os.Getenv(d.name))
		if raw == "" {
			continue
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, d.name, err)
		}
		*d.dst = v
	}

	if raw := strings.TrimSpace(os.Getenv("HOPSEC_REPLAY_WINDOW")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%w: HOPSEC_REPLAY_WINDOW: %v", ErrInvalid, err)
		}
		cfg.Channel.ReplayWindow = &n
	}
	if raw := strings.TrimSpace(os.Getenv("HOPSEC_FORWARDING_SERVICE")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%w: HOPSEC_FORWARDING_SERVICE: %v", ErrInvalid, err)
		}
		cfg.Forwarding.Service = v
	}
	if raw := strings.TrimSpace(os.Getenv("HOPSEC_TRUSTED_IDENTIFIERS")); raw != "" {
		cfg.Channel.TrustedIdentifiers = splitList(raw)
	}
	if raw := strings.TrimSpace(os.Getenv("HOPSEC_TRUSTED_ISSUERS")); raw != "" {
		cfg.Channel.TrustedIssuers = splitList(raw)
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
