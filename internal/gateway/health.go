package gateway

import (
	"encoding/json"
	"net/http"
)

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Credentials int    `json:"credentials"`
}

// handleHealth returns an http.HandlerFunc for GET /health. It reports ok
// as long as the process is serving; pool exhaustion shows up in /status
// and metrics, not here.
func (g *Gateway) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := HealthResponse{Status: "ok"}
		if g.opts.Pool != nil {
			resp.Credentials = g.opts.Pool.Size()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
