package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/genrelay/genrelay/internal/engine"
)

const wsRequestTimeout = 30 * time.Second

var errEmptyRequest = errors.New("prompt or blocks required")

// handleWebSocket returns the handler for GET /ws/generate. The client
// sends one GenerateRequest as a text message and receives a sequence of
// StreamEvent messages ending with "done", after which the connection
// closes normally.
func (g *Gateway) handleWebSocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			g.logger.Error("websocket accept failed", "error", err)
			return
		}
		defer func() {
			_ = conn.Close(websocket.StatusInternalError, "unexpected close")
		}()

		req, err := g.readWSRequest(r.Context(), conn)
		if err != nil {
			g.logger.Warn("websocket request rejected", "error", err)
			_ = conn.Close(websocket.StatusInvalidFramePayloadData, "invalid request")
			return
		}

		items := g.opts.Policy.RunStream(r.Context(), req.Target, req.System, req.blocks(), engine.Binding{})
		for item := range items {
			if err := writeWSEvent(r.Context(), conn, eventFor(item)); err != nil {
				return
			}
		}
		if err := writeWSEvent(r.Context(), conn, StreamEvent{Type: "done"}); err != nil {
			return
		}

		_ = conn.Close(websocket.StatusNormalClosure, "done")
	}
}

// readWSRequest reads and validates the initial request message.
func (g *Gateway) readWSRequest(ctx context.Context, conn *websocket.Conn) (GenerateRequest, error) {
	readCtx, cancel := context.WithTimeout(ctx, wsRequestTimeout)
	defer cancel()

	var req GenerateRequest
	_, data, err := conn.Read(readCtx)
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, err
	}
	if req.Prompt == "" && len(req.Blocks) == 0 {
		return req, errEmptyRequest
	}
	if req.Target == "" {
		req.Target = g.opts.DefaultTarget
	}
	return req, nil
}

func writeWSEvent(ctx context.Context, conn *websocket.Conn, ev StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
