package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildRouter constructs the chi mux with all routes wired.
func (g *Gateway) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Public, no auth required.
	r.Get("/health", g.handleHealth())
	r.Handle("/metrics", promhttp.Handler())

	// Bearer auth applies here when a token is configured.
	r.Group(func(r chi.Router) {
		if g.opts.AuthToken != "" {
			r.Use(authMiddleware(g.opts.AuthToken))
		}
		r.Get("/status", g.handleStatus())
		r.Route("/v1", func(r chi.Router) {
			r.Post("/generate", g.handleGenerate())
			r.Post("/generate/stream", g.handleGenerateStream())
			r.Get("/usage", g.handleUsage())
		})
		r.Get("/ws/generate", g.handleWebSocket())
	})

	return r
}
