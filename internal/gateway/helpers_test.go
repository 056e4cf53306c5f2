package gateway

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/genrelay/genrelay/internal/engine"
	"github.com/genrelay/genrelay/internal/keypool"
	"github.com/genrelay/genrelay/internal/provider/providertest"
	"github.com/genrelay/genrelay/internal/shrink"
	"github.com/genrelay/genrelay/internal/usage"
)

// fakeUsage is an in-memory UsageStore for handler tests.
type fakeUsage struct {
	mu      sync.Mutex
	records []usage.Record
}

func (f *fakeUsage) Insert(_ context.Context, rec usage.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeUsage) Recent(_ context.Context, limit int) ([]usage.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]usage.Record, len(f.records))
	copy(out, f.records)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeUsage) all() []usage.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]usage.Record, len(f.records))
	copy(out, f.records)
	return out
}

// newTestGateway wires a gateway over a mock transport. The short
// cooldown is near zero so retries do not stall the tests.
func newTestGateway(t *testing.T, mock *providertest.MockTransport, mutate func(*Options)) (*Gateway, http.Handler) {
	t.Helper()

	pool, err := keypool.New([]string{"key-alpha", "key-beta"})
	if err != nil {
		t.Fatalf("keypool.New: %v", err)
	}
	eng := engine.New(pool, mock, engine.Config{
		ShortCooldown: time.Nanosecond,
		Fallbacks:     map[string][]string{"gemini-2.5-pro": {"gemini-2.5-flash"}},
	}, nil)
	policy := shrink.NewPolicy(eng, nil, shrink.Config{}, nil)

	opts := Options{
		Listen:        ":0",
		DefaultTarget: "gemini-2.5-pro",
		Targets:       []string{"gemini-2.5-pro", "gemini-2.5-flash"},
		Pool:          pool,
		Policy:        policy,
	}
	if mutate != nil {
		mutate(&opts)
	}

	g := New(opts)
	g.startedAt = time.Now()
	return g, g.buildRouter()
}
