// Package gateway exposes the relay over HTTP: unary and streaming
// generation endpoints, a WebSocket variant, plus health, status, usage,
// and Prometheus metrics.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/genrelay/genrelay/internal/keypool"
	"github.com/genrelay/genrelay/internal/shrink"
	"github.com/genrelay/genrelay/internal/usage"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// UsageStore is the accounting surface the gateway needs. Nil disables
// accounting and the usage endpoint.
type UsageStore interface {
	Insert(ctx context.Context, rec usage.Record) error
	Recent(ctx context.Context, limit int) ([]usage.Record, error)
}

// Options configures a Gateway.
type Options struct {
	// Listen is the bind address, e.g. ":8080".
	Listen string

	// AuthToken protects everything except /health and /metrics when
	// set. Empty disables auth.
	AuthToken string

	// DefaultTarget is used by requests that name no target.
	DefaultTarget string

	// Targets lists every model the status endpoint reports cooldowns
	// for, fallbacks included.
	Targets []string

	Pool   *keypool.Pool
	Policy *shrink.Policy
	Usage  UsageStore // optional

	// Jobs reports registered background job names for /status.
	// Optional.
	Jobs func() []string

	Logger *slog.Logger
}

// Gateway is the HTTP front of the relay.
type Gateway struct {
	opts      Options
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a gateway. A nil logger discards output.
func New(opts Options) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Gateway{opts: opts, logger: log}
}

// Start binds the listen address and serves in the background.
func (g *Gateway) Start() error {
	g.startedAt = time.Now()

	g.server = &http.Server{
		Addr:              g.opts.Listen,
		Handler:           g.buildRouter(),
		ReadHeaderTimeout: readHeaderTimeout,
		// No write timeout: streaming responses stay open for the
		// duration of the generation.
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", g.opts.Listen)
	if err != nil {
		return errors.New("gateway: listen failed: " + err.Error())
	}

	go func() {
		g.logger.Info("gateway listening", "addr", g.opts.Listen)
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway serve error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	g.logger.Info("gateway shutting down")
	return g.server.Shutdown(shutdownCtx)
}
