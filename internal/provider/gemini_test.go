package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestGeminiCompleteDecodesResponse(t *testing.T) {
	t.Parallel()

	var gotPath, gotKey string
	var gotBody geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("key")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		fmt.Fprint(w, `{
			"candidates": [{"content": {"parts": [{"text": "hello"}]}}],
			"usageMetadata": {"promptTokenCount": 7, "candidatesTokenCount": 3, "totalTokenCount": 10}
		}`)
	}))
	defer srv.Close()

	tr := NewGeminiTransport(WithBaseURL(srv.URL))
	resp, err := tr.Complete(context.Background(), "gemini-2.5-pro", "key-abcd", Request{
		System: "be brief",
		Parts:  []string{"hi"},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Text != "hello" {
		t.Fatalf("text = %q", resp.Text)
	}
	if resp.Usage.TotalTokens != 10 || resp.Usage.PromptTokens != 7 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
	if gotPath != "/models/gemini-2.5-pro:generateContent" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotKey != "key-abcd" {
		t.Fatalf("key = %q", gotKey)
	}
	if gotBody.SystemInstruction == nil || gotBody.SystemInstruction.Parts[0].Text != "be brief" {
		t.Fatalf("system instruction = %+v", gotBody.SystemInstruction)
	}
}

func TestGeminiCompleteNonOKBecomesCallError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"status": "RESOURCE_EXHAUSTED"}}`)
	}))
	defer srv.Close()

	tr := NewGeminiTransport(WithBaseURL(srv.URL))
	_, err := tr.Complete(context.Background(), "gemini-2.5-pro", "key", Request{Parts: []string{"hi"}})

	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("err = %v, want *CallError", err)
	}
	if callErr.Status != http.StatusTooManyRequests {
		t.Fatalf("status = %d", callErr.Status)
	}
	if kind := Classify(err); kind != FailureRateLimit {
		t.Fatalf("kind = %v, want rate limit", kind)
	}
}

func TestGeminiStreamForwardsChunksAndUsage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\": [{\"content\": {\"parts\": [{\"text\": \"hel\"}]}}]}\n\n")
		fmt.Fprint(w, ": keepalive comment\n\n")
		fmt.Fprint(w, "data: {\"candidates\": [{\"content\": {\"parts\": [{\"text\": \"lo\"}]}}], \"usageMetadata\": {\"promptTokenCount\": 2, \"candidatesTokenCount\": 4, \"totalTokenCount\": 6}}\n\n")
	}))
	defer srv.Close()

	tr := NewGeminiTransport(WithBaseURL(srv.URL))
	ch, err := tr.Stream(context.Background(), "gemini-2.5-flash", "key", Request{Parts: []string{"hi"}})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var text string
	var usage *TokenUsage
	deadline := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				if text != "hello" {
					t.Fatalf("text = %q", text)
				}
				if usage == nil || usage.TotalTokens != 6 {
					t.Fatalf("usage = %+v", usage)
				}
				return
			}
			if chunk.Err != nil {
				t.Fatalf("chunk error: %v", chunk.Err)
			}
			text += chunk.Text
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
		case <-deadline:
			t.Fatal("timed out waiting for stream")
		}
	}
}

func TestGeminiStreamInitialErrorReturnedDirectly(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "overloaded")
	}))
	defer srv.Close()

	tr := NewGeminiTransport(WithBaseURL(srv.URL))
	ch, err := tr.Stream(context.Background(), "gemini-2.5-flash", "key", Request{Parts: []string{"hi"}})
	if ch != nil {
		t.Fatal("expected nil channel on initial error")
	}

	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("err = %v, want *CallError", err)
	}
	if callErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", callErr.Status)
	}
}

func TestGeminiReadStreamExitsWhenConsumerAbandons(t *testing.T) {
	t.Parallel()

	var sse strings.Builder
	for range 64 {
		sse.WriteString("data: {\"candidates\": [{\"content\": {\"parts\": [{\"text\": \"x\"}]}}]}\n\n")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g := NewGeminiTransport()
	ch := make(chan StreamChunk)
	done := make(chan struct{})
	go func() {
		g.readStream(ctx, io.NopCloser(strings.NewReader(sse.String())), ch)
		close(done)
	}()

	// Take one chunk, then walk away without draining the rest.
	<-ch
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reader still blocked after consumer abandoned the stream")
	}
}
