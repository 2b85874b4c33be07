// Package nodeapi serves a read-only HTTP view of a running node.
package nodeapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TheusHen/hopsec/hopsec/forwarder"
	"github.com/TheusHen/hopsec/hopsec/routing"
)

// NodeInfo describes the node itself.
type NodeInfo struct {
	Name       string   `json:"name"`
	Identifier string   `json:"identifier,omitempty"`
	KeyIndex   int      `json:"key_index"`
	Listen     []string `json:"listen,omitempty"`
	Uptime     string   `json:"uptime"`
}

// ChannelInfo describes an established secure channel.
type ChannelInfo struct {
	Encryptor   routing.Address   `json:"encryptor"`
	Decryptor   routing.Address   `json:"decryptor"`
	Role        string            `json:"role"`
	State       string            `json:"state"`
	Peer        string            `json:"peer"`
	RemoteRoute routing.Route     `json:"remote_route"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Source is what the API reports on.
type Source interface {
	NodeInfo() NodeInfo
	Workers() []routing.WorkerInfo
	SecureChannels() []ChannelInfo
	Forwarders() []forwarder.Info
}

// Handler serves read-only node state as JSON.
type Handler struct {
	source   Source
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// New builds a handler over source. A nil gatherer disables /metrics.
func New(source Source, gatherer prometheus.Gatherer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{source: source, gatherer: gatherer, logger: logger}
}

// Register mounts the API on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/v0/node", h.HandleNode)
	r.Get("/v0/workers", h.HandleWorkers)
	r.Get("/v0/secure_channels", h.HandleSecureChannels)
	r.Get("/v0/secure_channels/{encryptor}", h.HandleSecureChannel)
	r.Get("/v0/forwarders", h.HandleForwarders)
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
}

// Router returns a chi router serving the API.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)
	h.Register(r)
	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug("api request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (h *Handler) HandleNode(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.source.NodeInfo())
}

func (h *Handler) HandleWorkers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.source.Workers())
}

func (h *Handler) HandleSecureChannels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.source.SecureChannels())
}

// HandleSecureChannel answers 404 when no channel has the encryptor in the path.
func (h *Handler) HandleSecureChannel(w http.ResponseWriter, r *http.Request) {
	enc := chi.URLParam(r, "encryptor")
	for _, ch := range h.source.SecureChannels() {
		if ch.Encryptor.String() == enc {
			writeJSON(w, http.StatusOK, ch)
			return
		}
	}
	writeError(w, http.StatusNotFound, "not_found", "no secure channel with encryptor "+enc)
}

func (h *Handler) HandleForwarders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.source.Forwarders())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": description})
}
