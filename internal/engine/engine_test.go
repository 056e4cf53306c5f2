package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/genrelay/genrelay/internal/keypool"
	"github.com/genrelay/genrelay/internal/provider"
	"github.com/genrelay/genrelay/internal/provider/providertest"
)

func newTestEngine(t *testing.T, secrets []string, mock *providertest.MockTransport, cfg Config) (*Engine, *keypool.Pool) {
	t.Helper()
	pool, err := keypool.New(secrets)
	if err != nil {
		t.Fatalf("keypool.New: %v", err)
	}
	return New(pool, mock, cfg, nil), pool
}

func TestGenerateSuccessPinsBinding(t *testing.T) {
	mock := &providertest.MockTransport{
		CompleteFunc: func(_ context.Context, _, _ string, _ provider.Request) (provider.Response, error) {
			return provider.Response{Text: "ok"}, nil
		},
	}
	eng, _ := newTestEngine(t, []string{"key-alpha", "key-beta"}, mock, Config{})

	resp, bind, err := eng.Generate(context.Background(), "gemini-2.5-pro", provider.Request{Parts: []string{"hi"}}, Binding{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "ok" {
		t.Fatalf("text = %q, want %q", resp.Text, "ok")
	}
	if bind.IsZero() {
		t.Fatal("binding not pinned after success")
	}
	if got := bind.Suffix(); got != "...lpha" {
		t.Fatalf("binding suffix = %q, want first pool credential", got)
	}
	if mock.CallCount() != 1 {
		t.Fatalf("calls = %d, want 1", mock.CallCount())
	}
}

func TestGenerateRotatesAndCoolsFailedCredential(t *testing.T) {
	mock := &providertest.MockTransport{
		CompleteFunc: func(_ context.Context, _, apiKey string, _ provider.Request) (provider.Response, error) {
			if apiKey == "key-alpha" {
				return provider.Response{}, &provider.CallError{Kind: provider.FailureServer, Status: 503, Msg: "unavailable"}
			}
			return provider.Response{Text: "ok"}, nil
		},
	}
	eng, pool := newTestEngine(t, []string{"key-alpha", "key-beta"}, mock, Config{})

	_, bind, err := eng.Generate(context.Background(), "gemini-2.5-pro", provider.Request{}, Binding{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := bind.Suffix(); got != "...beta" {
		t.Fatalf("binding suffix = %q, want %q", got, "...beta")
	}
	if mock.CallCount() != 2 {
		t.Fatalf("calls = %d, want 2", mock.CallCount())
	}

	var alpha keypool.Credential
	for _, c := range pool.Credentials() {
		if c.Secret() == "key-alpha" {
			alpha = c
		}
	}
	if rem := pool.CooldownRemaining(alpha, "gemini-2.5-pro"); rem <= 0 || rem > 10*time.Second {
		t.Fatalf("failed credential cooldown = %v, want short cooldown", rem)
	}
	if rem := pool.CooldownRemaining(alpha, "gemini-2.5-flash"); rem != 0 {
		t.Fatalf("cooldown leaked to other target: %v", rem)
	}
}

func TestGenerateCooldownDurationByKind(t *testing.T) {
	cases := []struct {
		name string
		err  *provider.CallError
		long bool
	}{
		{"quota", &provider.CallError{Kind: provider.FailureQuota, Status: 403}, true},
		{"rate_limit", &provider.CallError{Kind: provider.FailureRateLimit, Status: 429}, true},
		{"client", &provider.CallError{Kind: provider.FailureClient, Status: 400}, false},
		{"server", &provider.CallError{Kind: provider.FailureServer, Status: 500}, false},
		{"unknown", &provider.CallError{Kind: provider.FailureUnknown}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mock := &providertest.MockTransport{
				CompleteFunc: func(_ context.Context, _, _ string, _ provider.Request) (provider.Response, error) {
					return provider.Response{}, tc.err
				},
			}
			eng, pool := newTestEngine(t, []string{"solo-key"}, mock, Config{})

			_, _, err := eng.Generate(context.Background(), "gemini-2.5-flash", provider.Request{}, Binding{})
			if !provider.IsExhausted(err) {
				t.Fatalf("err = %v, want exhausted", err)
			}
			rem := pool.CooldownRemaining(pool.Credentials()[0], "gemini-2.5-flash")
			if tc.long && rem < 30*time.Minute {
				t.Fatalf("cooldown = %v, want long", rem)
			}
			if !tc.long && (rem <= 0 || rem > 10*time.Second) {
				t.Fatalf("cooldown = %v, want short", rem)
			}
		})
	}
}

func TestGenerateWalksFallbackChainWithBoundedAttempts(t *testing.T) {
	quotaErr := &provider.CallError{Kind: provider.FailureQuota, Status: 429, Msg: "RESOURCE_EXHAUSTED"}
	serverErr := &provider.CallError{Kind: provider.FailureServer, Status: 500, Msg: "internal error"}
	mock := &providertest.MockTransport{
		CompleteFunc: func(_ context.Context, target, _ string, _ provider.Request) (provider.Response, error) {
			if target == "gemini-2.5-pro" {
				return provider.Response{}, quotaErr
			}
			return provider.Response{}, serverErr
		},
	}
	cfg := Config{Fallbacks: map[string][]string{"gemini-2.5-pro": {"gemini-2.5-flash"}}}
	eng, pool := newTestEngine(t, []string{"key-a", "key-b", "key-c"}, mock, cfg)

	_, bind, err := eng.Generate(context.Background(), "gemini-2.5-pro", provider.Request{}, Binding{})
	if !provider.IsExhausted(err) {
		t.Fatalf("err = %v, want exhausted", err)
	}
	if !errors.Is(err, provider.ErrExhausted) {
		t.Fatalf("err does not wrap ErrExhausted: %v", err)
	}
	if !bind.IsZero() {
		t.Fatal("binding should be cleared on exhaustion")
	}

	// Two targets times three credentials, each pair tried exactly once.
	if mock.CallCount() != 6 {
		t.Fatalf("calls = %d, want 6", mock.CallCount())
	}
	calls := mock.Calls()
	for i, c := range calls[:3] {
		if c.Target != "gemini-2.5-pro" {
			t.Fatalf("call %d target = %q, want pro", i, c.Target)
		}
	}
	for i, c := range calls[3:] {
		if c.Target != "gemini-2.5-flash" {
			t.Fatalf("call %d target = %q, want flash", i+3, c.Target)
		}
	}

	// Quota failures cool the pro pairs long; server failures cool the
	// flash pairs short. Cooldowns are scoped per (credential, target).
	for _, cred := range pool.Credentials() {
		if rem := pool.CooldownRemaining(cred, "gemini-2.5-pro"); rem < 30*time.Minute {
			t.Fatalf("cooldown for %s on pro = %v, want long", cred.Suffix(), rem)
		}
		rem := pool.CooldownRemaining(cred, "gemini-2.5-flash")
		if rem <= 0 || rem > 10*time.Second {
			t.Fatalf("cooldown for %s on flash = %v, want short", cred.Suffix(), rem)
		}
	}
}

func TestGenerateSkipsImmediatelyWhenPoolFullyCooling(t *testing.T) {
	mock := &providertest.MockTransport{}
	eng, pool := newTestEngine(t, []string{"key-a", "key-b"}, mock, Config{})
	for _, cred := range pool.Credentials() {
		pool.MarkCooldown(cred, "gemini-2.5-pro", time.Hour)
	}

	start := time.Now()
	_, _, err := eng.Generate(context.Background(), "gemini-2.5-pro", provider.Request{}, Binding{})
	if !provider.IsExhausted(err) {
		t.Fatalf("err = %v, want exhausted", err)
	}
	if mock.CallCount() != 0 {
		t.Fatalf("calls = %d, want 0", mock.CallCount())
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("blocked %v waiting on a cooling pool", elapsed)
	}
}

func TestGenerateCancellationSkipsCooldown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mock := &providertest.MockTransport{
		CompleteFunc: func(ctx context.Context, _, _ string, _ provider.Request) (provider.Response, error) {
			cancel()
			return provider.Response{}, context.Canceled
		},
	}
	eng, pool := newTestEngine(t, []string{"key-a", "key-b"}, mock, Config{})

	_, _, err := eng.Generate(ctx, "gemini-2.5-pro", provider.Request{}, Binding{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if mock.CallCount() != 1 {
		t.Fatalf("calls = %d, want 1 (no retry after cancellation)", mock.CallCount())
	}
	for _, cred := range pool.Credentials() {
		if rem := pool.CooldownRemaining(cred, "gemini-2.5-pro"); rem != 0 {
			t.Fatalf("cancellation placed a cooldown on %s: %v", cred.Suffix(), rem)
		}
	}
}

func TestGenerateRotatesOnUpstreamTimeout(t *testing.T) {
	// An HTTP client timeout surfaces as an error wrapping
	// context.DeadlineExceeded even though the caller's context is live.
	// That is a hung upstream, not a cancellation: cool down and rotate.
	timeoutErr := fmt.Errorf("Post %q: %w (Client.Timeout exceeded while awaiting headers)",
		"https://example/v1", context.DeadlineExceeded)
	mock := &providertest.MockTransport{
		CompleteFunc: func(_ context.Context, _, apiKey string, _ provider.Request) (provider.Response, error) {
			if apiKey == "key-alpha" {
				return provider.Response{}, timeoutErr
			}
			return provider.Response{Text: "ok"}, nil
		},
	}
	eng, pool := newTestEngine(t, []string{"key-alpha", "key-beta"}, mock, Config{})

	resp, bind, err := eng.Generate(context.Background(), "gemini-2.5-pro", provider.Request{}, Binding{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "ok" {
		t.Fatalf("text = %q, want %q", resp.Text, "ok")
	}
	if got := bind.Suffix(); got != "...beta" {
		t.Fatalf("binding suffix = %q, want the credential that served", got)
	}
	if mock.CallCount() != 2 {
		t.Fatalf("calls = %d, want 2 (rotation after upstream timeout)", mock.CallCount())
	}

	creds := pool.Credentials()
	rem := pool.CooldownRemaining(creds[0], "gemini-2.5-pro")
	if rem <= 0 || rem > 10*time.Second {
		t.Fatalf("timed-out credential cooldown = %v, want short", rem)
	}
}

func TestStickyBindingWinsOverRotor(t *testing.T) {
	mock := &providertest.MockTransport{
		CompleteFunc: func(_ context.Context, _, _ string, _ provider.Request) (provider.Response, error) {
			return provider.Response{Text: "ok"}, nil
		},
	}
	eng, pool := newTestEngine(t, []string{"key-a", "key-b", "key-c"}, mock, Config{})

	var pinned keypool.Credential
	for _, c := range pool.Credentials() {
		if c.Secret() == "key-c" {
			pinned = c
		}
	}
	_, bind, err := eng.Generate(context.Background(), "gemini-2.5-pro", provider.Request{}, bindTo(pinned))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := mock.Calls()[0].APIKey; got != "key-c" {
		t.Fatalf("first attempt used %q, want pinned key-c", got)
	}
	if bind.Suffix() != pinned.Suffix() {
		t.Fatalf("binding = %q, want %q", bind.Suffix(), pinned.Suffix())
	}
}

func TestStickyBindingWaitsOutShortCooldown(t *testing.T) {
	mock := &providertest.MockTransport{
		CompleteFunc: func(_ context.Context, _, _ string, _ provider.Request) (provider.Response, error) {
			return provider.Response{Text: "ok"}, nil
		},
	}
	eng, pool := newTestEngine(t, []string{"key-a", "key-b"}, mock, Config{})

	var slept time.Duration
	eng.sleep = func(_ context.Context, d time.Duration) error {
		slept = d
		return nil
	}

	var pinned keypool.Credential
	for _, c := range pool.Credentials() {
		if c.Secret() == "key-b" {
			pinned = c
		}
	}
	pool.MarkCooldown(pinned, "gemini-2.5-pro", time.Second)

	_, _, err := eng.Generate(context.Background(), "gemini-2.5-pro", provider.Request{}, bindTo(pinned))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if slept <= 0 || slept > time.Second {
		t.Fatalf("slept %v, want the remaining cooldown", slept)
	}
	if got := mock.Calls()[0].APIKey; got != "key-b" {
		t.Fatalf("first attempt used %q, want pinned key-b after waiting", got)
	}
}

func TestStickyBindingAbandonedWhenCoolingTooLong(t *testing.T) {
	mock := &providertest.MockTransport{
		CompleteFunc: func(_ context.Context, _, _ string, _ provider.Request) (provider.Response, error) {
			return provider.Response{Text: "ok"}, nil
		},
	}
	eng, pool := newTestEngine(t, []string{"key-a", "key-b"}, mock, Config{})

	eng.sleep = func(_ context.Context, d time.Duration) error {
		t.Fatalf("engine slept %v for a pin cooling beyond the wait bound", d)
		return nil
	}

	var pinned keypool.Credential
	for _, c := range pool.Credentials() {
		if c.Secret() == "key-b" {
			pinned = c
		}
	}
	pool.MarkCooldown(pinned, "gemini-2.5-pro", time.Hour)

	_, bind, err := eng.Generate(context.Background(), "gemini-2.5-pro", provider.Request{}, bindTo(pinned))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := mock.Calls()[0].APIKey; got != "key-a" {
		t.Fatalf("attempt used %q, want key-a while pin cools", got)
	}
	if bind.Suffix() == pinned.Suffix() {
		t.Fatal("binding still points at the abandoned pin")
	}
}

func TestChainDeduplicatesAndOrders(t *testing.T) {
	eng, _ := newTestEngine(t, []string{"k"}, &providertest.MockTransport{}, Config{
		Fallbacks: map[string][]string{
			"gemini-2.5-pro":   {"gemini-2.5-flash", "gemini-2.5-pro"},
			"gemini-2.5-flash": {},
		},
	})

	got := eng.Chain("gemini-2.5-pro")
	if len(got) != 2 || got[0] != "gemini-2.5-pro" || got[1] != "gemini-2.5-flash" {
		t.Fatalf("chain = %v", got)
	}
	if got := eng.Chain("gemini-2.5-flash"); len(got) != 1 {
		t.Fatalf("chain for leaf = %v", got)
	}
	if got := eng.Chain("unknown-model"); len(got) != 1 || got[0] != "unknown-model" {
		t.Fatalf("chain for unmapped target = %v", got)
	}
}
