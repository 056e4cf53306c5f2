// Package engine orchestrates generation calls across a credential pool and
// a chain of fallback targets. It owns the retry cascade: classify each
// failure, place the matching cooldown, rotate to the next credential, and
// fall back to the next target once the pool is spent for the current one.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/genrelay/genrelay/internal/keypool"
	"github.com/genrelay/genrelay/internal/metrics"
	"github.com/genrelay/genrelay/internal/provider"
)

const (
	defaultLongCooldown  = time.Hour
	defaultShortCooldown = 10 * time.Second
	defaultPinWait       = 2 * time.Second
)

// Config tunes the cascade. Zero fields take the documented defaults.
type Config struct {
	// LongCooldown is applied after quota and rate-limit failures.
	LongCooldown time.Duration

	// ShortCooldown is applied after every other failure.
	ShortCooldown time.Duration

	// PinWait bounds how long a call waits for its pinned credential to
	// leave cooldown before abandoning the pin for the current target.
	PinWait time.Duration

	// Fallbacks maps a target to the ordered targets tried after its
	// credential pool is spent. Targets absent from the map have no
	// fallback.
	Fallbacks map[string][]string
}

func (c Config) withDefaults() Config {
	if c.LongCooldown <= 0 {
		c.LongCooldown = defaultLongCooldown
	}
	if c.ShortCooldown <= 0 {
		c.ShortCooldown = defaultShortCooldown
	}
	if c.PinWait <= 0 {
		c.PinWait = defaultPinWait
	}
	return c
}

// Engine drives the retry cascade over one shared pool and transport.
// Safe for concurrent use.
type Engine struct {
	pool      *keypool.Pool
	transport provider.Transport
	cfg       Config
	log       *slog.Logger

	// sleep is injectable for testing the pin wait without real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an engine. A nil logger discards output.
func New(pool *keypool.Pool, transport provider.Transport, cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		pool:      pool,
		transport: transport,
		cfg:       cfg.withDefaults(),
		log:       log,
		sleep:     sleepCtx,
	}
}

// Chain returns the ordered targets attempted for target: itself first,
// then its configured fallbacks.
func (e *Engine) Chain(target string) []string {
	chain := make([]string, 0, 1+len(e.cfg.Fallbacks[target]))
	chain = append(chain, target)
	for _, fb := range e.cfg.Fallbacks[target] {
		if fb != target {
			chain = append(chain, fb)
		}
	}
	return chain
}

// Generate runs one unary call through the cascade. On success it returns
// the response and a binding pinned to the credential that served it; pass
// that binding into follow-up calls of the same logical request to keep
// them on the same key. On total exhaustion the error wraps ErrExhausted.
// Cancellation surfaces the context error without placing any cooldown.
func (e *Engine) Generate(ctx context.Context, target string, req provider.Request, bind Binding) (provider.Response, Binding, error) {
	chain := e.Chain(target)
	pin := bind.cred
	var lastErr error

	for i, tgt := range chain {
		tried := make(map[string]struct{})
		for len(tried) < e.pool.Size() {
			cred, ok, err := e.pickCredential(ctx, tgt, tried, pin)
			if err != nil {
				return provider.Response{}, bind, err
			}
			if !ok {
				break
			}

			resp, err := e.transport.Complete(ctx, tgt, cred.Secret(), req)
			if err == nil {
				metrics.AttemptsTotal.WithLabelValues(tgt, "success").Inc()
				metrics.TokenUsageTotal.WithLabelValues(tgt, "input").Add(float64(resp.Usage.PromptTokens))
				metrics.TokenUsageTotal.WithLabelValues(tgt, "output").Add(float64(resp.Usage.CompletionTokens))
				return resp, Binding{cred: cred}, nil
			}
			// Only the caller's own cancellation aborts the cascade. A
			// deadline error with a live context is the upstream hanging
			// past the client timeout, which cools down and rotates like
			// any other transient failure.
			if provider.IsCanceled(err) && ctx.Err() != nil {
				return provider.Response{}, bind, err
			}

			e.fail(tgt, cred, err)
			tried[cred.Secret()] = struct{}{}
			if !pin.IsZero() && pin.Secret() == cred.Secret() {
				pin = keypool.Credential{}
			}
			lastErr = err
		}
		if i+1 < len(chain) {
			metrics.FallbacksTotal.WithLabelValues(tgt, chain[i+1]).Inc()
			e.log.Info("falling back", "from", tgt, "to", chain[i+1])
		}
	}

	metrics.ExhaustionsTotal.WithLabelValues(target).Inc()
	if lastErr != nil {
		return provider.Response{}, Binding{}, fmt.Errorf("%w: %w", provider.ErrExhausted, lastErr)
	}
	return provider.Response{}, Binding{}, provider.ErrExhausted
}

// fail classifies err, places the matching cooldown on (cred, tgt) and
// records the attempt.
func (e *Engine) fail(tgt string, cred keypool.Credential, err error) {
	kind := provider.Classify(err)
	d := e.cfg.ShortCooldown
	class := "short"
	if kind.LongCooldown() {
		d = e.cfg.LongCooldown
		class = "long"
	}
	e.pool.MarkCooldown(cred, tgt, d)
	metrics.AttemptsTotal.WithLabelValues(tgt, kind.String()).Inc()
	metrics.CooldownsTotal.WithLabelValues(tgt, class).Inc()
	e.log.Warn("attempt failed",
		"target", tgt,
		"credential", cred.Suffix(),
		"kind", kind.String(),
		"cooldown", d,
		"error", err,
	)
}

// pickCredential selects the credential for the next attempt on target.
// A pinned credential wins when it is ready, or after a bounded wait when
// its cooldown is about to expire. A pin cooling for longer than PinWait
// is skipped for this target only; the caller keeps it for later targets.
func (e *Engine) pickCredential(ctx context.Context, target string, tried map[string]struct{}, pin keypool.Credential) (keypool.Credential, bool, error) {
	if !pin.IsZero() {
		if _, done := tried[pin.Secret()]; !done {
			remaining := e.pool.CooldownRemaining(pin, target)
			switch {
			case remaining == 0:
				return pin, true, nil
			case remaining <= e.cfg.PinWait:
				if err := e.sleep(ctx, remaining); err != nil {
					return keypool.Credential{}, false, err
				}
				return pin, true, nil
			}
		}
	}

	cred, wait, ok := e.pool.NextReady(target, tried)
	if !ok {
		if wait > 0 {
			e.log.Debug("no ready credential", "target", target, "min_wait", wait)
		}
		return keypool.Credential{}, false, nil
	}
	return cred, true, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
