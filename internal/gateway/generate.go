package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/genrelay/genrelay/internal/engine"
	"github.com/genrelay/genrelay/internal/metrics"
	"github.com/genrelay/genrelay/internal/provider"
	"github.com/genrelay/genrelay/internal/shrink"
	"github.com/genrelay/genrelay/internal/usage"
)

const maxRequestBody = 1 << 20 // 1 MiB

// GenerateRequest is the JSON payload for the generation endpoints.
// Prompt is a shorthand for a single unlabeled block; Blocks allows
// labeled context pieces with individual compaction targets.
type GenerateRequest struct {
	Target string         `json:"target,omitempty"`
	System string         `json:"system,omitempty"`
	Prompt string         `json:"prompt,omitempty"`
	Blocks []BlockPayload `json:"blocks,omitempty"`
}

// BlockPayload is one labeled context block.
type BlockPayload struct {
	Label       string `json:"label,omitempty"`
	Content     string `json:"content"`
	TargetChars int    `json:"target_chars,omitempty"`
}

// GenerateResponse is the JSON reply of POST /v1/generate.
type GenerateResponse struct {
	ID       string              `json:"id"`
	Target   string              `json:"target"`
	Text     string              `json:"text"`
	Degraded bool                `json:"degraded,omitempty"`
	Attempts int                 `json:"attempts"`
	Usage    provider.TokenUsage `json:"usage"`
}

// decode parses, validates, and normalizes a generation request.
func (g *Gateway) decode(w http.ResponseWriter, r *http.Request) (GenerateRequest, bool) {
	var req GenerateRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	if req.Prompt == "" && len(req.Blocks) == 0 {
		http.Error(w, "prompt or blocks required", http.StatusBadRequest)
		return req, false
	}
	if req.Target == "" {
		req.Target = g.opts.DefaultTarget
	}
	return req, true
}

// blocks converts the payload into policy blocks, Prompt last.
func (req GenerateRequest) blocks() []shrink.Block {
	out := make([]shrink.Block, 0, len(req.Blocks)+1)
	for _, b := range req.Blocks {
		out = append(out, shrink.Block{Label: b.Label, Content: b.Content, TargetChars: b.TargetChars})
	}
	if req.Prompt != "" {
		out = append(out, shrink.Block{Content: req.Prompt})
	}
	return out
}

// handleGenerate returns the handler for POST /v1/generate.
func (g *Gateway) handleGenerate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := g.decode(w, r)
		if !ok {
			return
		}

		id := uuid.NewString()
		start := time.Now()
		metrics.ActiveRequests.Inc()
		defer metrics.ActiveRequests.Dec()

		res, err := g.opts.Policy.Run(r.Context(), req.Target, req.System, req.blocks(), engine.Binding{})
		latency := time.Since(start)
		if err != nil {
			// Only cancellation escapes the policy.
			g.record(req.Target, "canceled", res, latency)
			if errors.Is(err, r.Context().Err()) {
				return
			}
			g.logger.Error("generate failed", "id", id, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		status := "success"
		if res.Degraded {
			status = "degraded"
		}
		g.record(req.Target, status, res, latency)
		metrics.RequestLatency.WithLabelValues(req.Target, status).Observe(latency.Seconds())

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Request-Id", id)
		_ = json.NewEncoder(w).Encode(GenerateResponse{
			ID:       id,
			Target:   req.Target,
			Text:     res.Response.Text,
			Degraded: res.Degraded,
			Attempts: res.Attempts,
			Usage:    res.Response.Usage,
		})
	}
}

// record writes an accounting entry when the usage store is configured.
func (g *Gateway) record(target, status string, res shrink.Result, latency time.Duration) {
	if g.opts.Usage == nil {
		return
	}
	rec := usage.Record{
		Target:           target,
		CredentialSuffix: res.Binding.Suffix(),
		Status:           status,
		Attempts:         res.Attempts,
		PromptTokens:     res.Response.Usage.PromptTokens,
		CompletionTokens: res.Response.Usage.CompletionTokens,
		LatencyMS:        latency.Milliseconds(),
	}
	// Detached context: accounting must survive client disconnects.
	ctx, cancel := contextWithTimeout(5 * time.Second)
	defer cancel()
	if err := g.opts.Usage.Insert(ctx, rec); err != nil {
		g.logger.Warn("usage insert failed", "error", err)
	}
}

// handleUsage returns the handler for GET /v1/usage.
func (g *Gateway) handleUsage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.opts.Usage == nil {
			http.Error(w, "usage accounting disabled", http.StatusNotFound)
			return
		}
		limit := 50
		recs, err := g.opts.Usage.Recent(r.Context(), limit)
		if err != nil {
			g.logger.Error("usage query failed", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(recs)
	}
}

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
