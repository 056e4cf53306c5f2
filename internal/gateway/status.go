package gateway

import (
	"encoding/json"
	"net/http"
	"time"
)

// StatusResponse is the JSON response for GET /status.
type StatusResponse struct {
	UptimeSeconds int64 `json:"uptime_seconds"`
	Credentials   int   `json:"credentials"`

	// Cooldowns maps target -> "<pool index>:<credential suffix>" ->
	// remaining seconds. Ready credentials report zero.
	Cooldowns map[string]map[string]float64 `json:"cooldowns"`

	Jobs []string `json:"jobs,omitempty"`
}

// handleStatus returns an http.HandlerFunc for GET /status.
func (g *Gateway) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := StatusResponse{
			UptimeSeconds: int64(time.Since(g.startedAt) / time.Second),
			Cooldowns:     make(map[string]map[string]float64, len(g.opts.Targets)),
		}

		if g.opts.Pool != nil {
			resp.Credentials = g.opts.Pool.Size()
			for _, target := range g.opts.Targets {
				snapshot := g.opts.Pool.Snapshot(target)
				entry := make(map[string]float64, len(snapshot))
				for suffix, remaining := range snapshot {
					entry[suffix] = remaining.Seconds()
				}
				resp.Cooldowns[target] = entry
			}
		}

		if g.opts.Jobs != nil {
			resp.Jobs = g.opts.Jobs()
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
