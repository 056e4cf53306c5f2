package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/genrelay/genrelay/internal/provider"
	"github.com/genrelay/genrelay/internal/provider/providertest"
)

func TestWebSocketGenerate(t *testing.T) {
	mock := &providertest.MockTransport{
		StreamFunc: func(_ context.Context, _, _ string, _ provider.Request) (<-chan provider.StreamChunk, error) {
			return providertest.Chunks(
				provider.StreamChunk{Text: "streamed "},
				provider.StreamChunk{Text: "reply"},
			), nil
		},
	}
	_, router := newTestGateway(t, mock, nil)
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/generate"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"prompt":"hi"}`)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	var text string
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v (assembled %q)", err, text)
		}
		var ev StreamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("bad event %s: %v", data, err)
		}
		if ev.Type == "done" {
			break
		}
		switch ev.Type {
		case "fragment":
			text += ev.Text
		case "discard":
			text = ""
		}
	}
	if text != "streamed reply" {
		t.Fatalf("assembled text = %q", text)
	}
}

func TestWebSocketRejectsEmptyRequest(t *testing.T) {
	_, router := newTestGateway(t, &providertest.MockTransport{}, nil)
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/generate"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{}`)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	// The server closes the connection without sending any event.
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("expected close, got a message")
	}
}
