package hopsec

import (
	"io"
	"log/slog"

	"github.com/TheusHen/hopsec/hopsec/config"
)

// NewLogger builds the slog logger described by cfg, writing to w.
func NewLogger(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	lvl, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), nil
}
