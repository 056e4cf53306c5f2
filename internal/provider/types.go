package provider

import "context"

// Request carries the provider-agnostic payload of one generation call.
// Prompt parts are joined in order; System travels separately because some
// providers keep the system prompt outside the message list.
type Request struct {
	System      string   `json:"system,omitempty"`
	Parts       []string `json:"parts"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	JSONMode    bool     `json:"json_mode,omitempty"`
}

// Response is the output of a single-shot call.
type Response struct {
	Text  string     `json:"text"`
	Usage TokenUsage `json:"usage"`
}

// TokenUsage tracks token consumption for a completion.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is one piece of a streaming response. Initial connection
// errors are returned by Stream directly; mid-stream errors are delivered
// via Err, after which the channel closes.
type StreamChunk struct {
	Text  string      `json:"text,omitempty"`
	Usage *TokenUsage `json:"usage,omitempty"`
	Err   error       `json:"-"`
}

// Transport is the boundary to an external generation service. One call
// addresses one (target, credential) pair; the orchestrator above decides
// which pair to use. Implementations must be safe for concurrent use and
// cheap to call repeatedly since connections are reused across attempts.
type Transport interface {
	// Complete performs a unary generation call.
	Complete(ctx context.Context, target, apiKey string, req Request) (Response, error)

	// Stream performs a streaming generation call. The returned channel is
	// closed when the stream finishes, fails, or the context is cancelled.
	Stream(ctx context.Context, target, apiKey string, req Request) (<-chan StreamChunk, error)
}
