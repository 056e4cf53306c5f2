// Package providertest provides mock Transport implementations for testing
// the orchestration layers without network access.
package providertest

import (
	"context"
	"sync"

	"github.com/genrelay/genrelay/internal/provider"
)

// MockTransport implements provider.Transport via configurable functions.
// Nil functions return zero values. Every call is recorded for assertions.
type MockTransport struct {
	CompleteFunc func(ctx context.Context, target, apiKey string, req provider.Request) (provider.Response, error)
	StreamFunc   func(ctx context.Context, target, apiKey string, req provider.Request) (<-chan provider.StreamChunk, error)

	mu    sync.Mutex
	calls []Call
}

// Call records one transport invocation.
type Call struct {
	Target string
	APIKey string
	Stream bool
}

// Complete implements provider.Transport.
func (m *MockTransport) Complete(ctx context.Context, target, apiKey string, req provider.Request) (provider.Response, error) {
	m.record(Call{Target: target, APIKey: apiKey})
	if m.CompleteFunc == nil {
		return provider.Response{}, nil
	}
	return m.CompleteFunc(ctx, target, apiKey, req)
}

// Stream implements provider.Transport.
func (m *MockTransport) Stream(ctx context.Context, target, apiKey string, req provider.Request) (<-chan provider.StreamChunk, error) {
	m.record(Call{Target: target, APIKey: apiKey, Stream: true})
	if m.StreamFunc == nil {
		ch := make(chan provider.StreamChunk)
		close(ch)
		return ch, nil
	}
	return m.StreamFunc(ctx, target, apiKey, req)
}

func (m *MockTransport) record(c Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
}

// Calls returns a copy of all recorded invocations in order.
func (m *MockTransport) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of recorded invocations.
func (m *MockTransport) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Chunks builds a closed channel delivering the given chunks in order.
func Chunks(chunks ...provider.StreamChunk) <-chan provider.StreamChunk {
	ch := make(chan provider.StreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}
