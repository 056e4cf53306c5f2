package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// GeminiTransport implements Transport against the Gemini generateContent
// API. One instance serves all credentials and targets; the underlying
// http.Client is reused across attempts and concurrent requests.
type GeminiTransport struct {
	client  *http.Client
	baseURL string
}

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiOption configures optional GeminiTransport behavior.
type GeminiOption func(*GeminiTransport)

// WithBaseURL overrides the API base URL (tests, regional endpoints).
func WithBaseURL(url string) GeminiOption {
	return func(g *GeminiTransport) { g.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) GeminiOption {
	return func(g *GeminiTransport) { g.client = c }
}

// NewGeminiTransport creates a transport with a 2 minute default timeout.
// Per-call deadlines come from the caller's context.
func NewGeminiTransport(opts ...GeminiOption) *GeminiTransport {
	g := &GeminiTransport{
		client:  &http.Client{Timeout: 2 * time.Minute},
		baseURL: defaultGeminiBaseURL,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func buildGeminiRequest(req Request) geminiRequest {
	parts := make([]geminiPart, 0, len(req.Parts))
	for _, p := range req.Parts {
		parts = append(parts, geminiPart{Text: p})
	}

	out := geminiRequest{
		Contents: []geminiContent{{Parts: parts}},
	}
	if req.System != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}

	cfg := &geminiGenConfig{
		Temperature:     req.Temperature,
		MaxOutputTokens: req.MaxTokens,
	}
	if req.JSONMode {
		cfg.ResponseMimeType = "application/json"
	}
	if cfg.Temperature != nil || cfg.MaxOutputTokens > 0 || cfg.ResponseMimeType != "" {
		out.GenerationConfig = cfg
	}
	return out
}

// Complete implements Transport.
func (g *GeminiTransport) Complete(ctx context.Context, target, apiKey string, req Request) (Response, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, target, apiKey)

	body, err := json.Marshal(buildGeminiRequest(req))
	if err != nil {
		return Response{}, fmt.Errorf("gemini: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("gemini: do request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 8<<10))
		return Response{}, NewCallError(httpResp.StatusCode, string(respBody))
	}

	var gemResp geminiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&gemResp); err != nil {
		return Response{}, fmt.Errorf("gemini: decode response: %w", err)
	}

	return Response{
		Text: firstCandidateText(gemResp),
		Usage: TokenUsage{
			PromptTokens:     gemResp.UsageMetadata.PromptTokenCount,
			CompletionTokens: gemResp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      gemResp.UsageMetadata.TotalTokenCount,
		},
	}, nil
}

// Stream implements Transport using the SSE streaming endpoint.
func (g *GeminiTransport) Stream(ctx context.Context, target, apiKey string, req Request) (<-chan StreamChunk, error) {
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?key=%s&alt=sse", g.baseURL, target, apiKey)

	body, err := json.Marshal(buildGeminiRequest(req))
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal stream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: create stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: stream request: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 8<<10))
		httpResp.Body.Close()
		return nil, NewCallError(httpResp.StatusCode, string(respBody))
	}

	ch := make(chan StreamChunk, 16)
	go g.readStream(ctx, httpResp.Body, ch)
	return ch, nil
}

// readStream scans SSE "data:" lines and forwards decoded chunks. Sends
// race the context so an abandoned consumer never strands this goroutine
// on a full channel.
func (g *GeminiTransport) readStream(ctx context.Context, body io.ReadCloser, ch chan<- StreamChunk) {
	defer close(ch)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)

	var usage *TokenUsage
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			emit(ctx, ch, StreamChunk{Err: err})
			return
		}

		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			continue
		}

		var gemResp geminiResponse
		if err := json.Unmarshal([]byte(data), &gemResp); err != nil {
			emit(ctx, ch, StreamChunk{Err: fmt.Errorf("gemini: stream decode: %w", err)})
			return
		}

		if gemResp.UsageMetadata.TotalTokenCount > 0 {
			usage = &TokenUsage{
				PromptTokens:     gemResp.UsageMetadata.PromptTokenCount,
				CompletionTokens: gemResp.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      gemResp.UsageMetadata.TotalTokenCount,
			}
		}

		if text := firstCandidateText(gemResp); text != "" {
			if !emit(ctx, ch, StreamChunk{Text: text}) {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			emit(ctx, ch, StreamChunk{Err: ctxErr})
			return
		}
		emit(ctx, ch, StreamChunk{Err: fmt.Errorf("gemini: stream read: %w", err)})
		return
	}

	if usage != nil {
		emit(ctx, ch, StreamChunk{Usage: usage})
	}
}

// emit sends c unless ctx is done first.
func emit(ctx context.Context, ch chan<- StreamChunk, c StreamChunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func firstCandidateText(resp geminiResponse) string {
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return ""
	}
	return resp.Candidates[0].Content.Parts[0].Text
}
