package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/genrelay/genrelay/internal/engine"
	"github.com/genrelay/genrelay/internal/provider"
)

// StreamEvent is one server-sent event of the streaming endpoints.
type StreamEvent struct {
	// Type is "fragment", "discard", or "done".
	Type string `json:"type"`

	Text   string               `json:"text,omitempty"`
	Failed bool                 `json:"failed,omitempty"`
	Usage  *provider.TokenUsage `json:"usage,omitempty"`
}

func eventFor(item engine.StreamItem) StreamEvent {
	switch item.Kind {
	case engine.ItemDiscard:
		return StreamEvent{Type: "discard"}
	default:
		return StreamEvent{Type: "fragment", Text: item.Text, Failed: item.Failed, Usage: item.Usage}
	}
}

// handleGenerateStream returns the handler for POST /v1/generate/stream.
// The response is a server-sent event stream of StreamEvent JSON objects,
// terminated by a "done" event. A "discard" event tells the client to
// drop everything received so far.
func (g *Gateway) handleGenerateStream() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := g.decode(w, r)
		if !ok {
			return
		}

		flusher, canFlush := w.(http.Flusher)
		if !canFlush {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Request-Id", uuid.NewString())
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		items := g.opts.Policy.RunStream(r.Context(), req.Target, req.System, req.blocks(), engine.Binding{})
		for item := range items {
			if err := writeEvent(w, eventFor(item)); err != nil {
				// Client went away; the context cancel stops the cascade.
				return
			}
			flusher.Flush()
		}

		_ = writeEvent(w, StreamEvent{Type: "done"})
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, ev StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}
