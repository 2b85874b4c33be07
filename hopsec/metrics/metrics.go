package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of a node.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	MessagesRouted     prometheus.Counter
	MessagesDropped    *prometheus.CounterVec
	WorkersLive        prometheus.Gauge
	Handshakes         *prometheus.CounterVec
	DecryptFailures    prometheus.Counter
	ReplaysDetected    prometheus.Counter
	TransportBytes     *prometheus.CounterVec
	ForwardersCreated  prometheus.Counter
	ForwarderRecovered prometheus.Counter
	SecureChannelsLive prometheus.Gauge
}

// New creates the collectors and registers them with a fresh registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry registers the collectors with reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		MessagesRouted: f.NewCounter(prometheus.CounterOpts{
			Name: "hopsec_routing_messages_routed_total",
			Help: "Total number of messages delivered to a local mailbox",
		}),
		MessagesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hopsec_routing_messages_dropped_total",
			Help: "Total number of messages dropped by the router",
		}, []string{"reason"}),
		WorkersLive: f.NewGauge(prometheus.GaugeOpts{
			Name: "hopsec_routing_workers",
			Help: "Current number of registered workers",
		}),
		Handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hopsec_channel_handshakes_total",
			Help: "Total number of secure channel handshakes by result",
		}, []string{"role", "result"}),
		DecryptFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "hopsec_channel_decrypt_failures_total",
			Help: "Total number of transport messages that failed authentication",
		}),
		ReplaysDetected: f.NewCounter(prometheus.CounterOpts{
			Name: "hopsec_channel_replays_total",
			Help: "Total number of transport messages rejected by the replay window",
		}),
		TransportBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hopsec_transport_bytes_total",
			Help: "Total number of bytes moved by transport links",
		}, []string{"direction"}),
		ForwardersCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "hopsec_forwarders_created_total",
			Help: "Total number of forwarders registered at this node",
		}),
		ForwarderRecovered: f.NewCounter(prometheus.CounterOpts{
			Name: "hopsec_forwarder_recoveries_total",
			Help: "Total number of forwarders this node registered again after losing the relay",
		}),
		SecureChannelsLive: f.NewGauge(prometheus.GaugeOpts{
			Name: "hopsec_channel_established",
			Help: "Current number of established secure channels",
		}),
	}
}

func (m *Metrics) IncrementRouted() {
	if m == nil {
		return
	}
	m.MessagesRouted.Inc()
}

// IncrementDropped counts a message the router could not deliver.
func (m *Metrics) IncrementDropped(reason string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) AddWorkers(delta int) {
	if m == nil {
		return
	}
	m.WorkersLive.Add(float64(delta))
}

// IncrementHandshake counts a finished handshake by role and result.
func (m *Metrics) IncrementHandshake(role, result string) {
	if m == nil {
		return
	}
	m.Handshakes.WithLabelValues(role, result).Inc()
}

func (m *Metrics) IncrementDecryptFailures() {
	if m == nil {
		return
	}
	m.DecryptFailures.Inc()
}

func (m *Metrics) IncrementReplays() {
	if m == nil {
		return
	}
	m.ReplaysDetected.Inc()
}

// AddTransportBytes counts bytes moved by a link, "in" or "out".
func (m *Metrics) AddTransportBytes(direction string, n int) {
	if m == nil {
		return
	}
	m.TransportBytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) IncrementForwarders() {
	if m == nil {
		return
	}
	m.ForwardersCreated.Inc()
}

// IncrementForwarderRecoveries counts forwarders registered again after a lost relay.
func (m *Metrics) IncrementForwarderRecoveries() {
	if m == nil {
		return
	}
	m.ForwarderRecovered.Inc()
}

func (m *Metrics) AddSecureChannels(delta int) {
	if m == nil {
		return
	}
	m.SecureChannelsLive.Add(float64(delta))
}
