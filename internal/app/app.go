// Package app assembles the relay from its parts: credential pool,
// transport, engine, retry policy, usage store, scheduler, and gateway.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/genrelay/genrelay/internal/config"
	"github.com/genrelay/genrelay/internal/cron"
	"github.com/genrelay/genrelay/internal/engine"
	"github.com/genrelay/genrelay/internal/gateway"
	"github.com/genrelay/genrelay/internal/keypool"
	"github.com/genrelay/genrelay/internal/provider"
	"github.com/genrelay/genrelay/internal/shrink"
	"github.com/genrelay/genrelay/internal/usage"
)

const stopTimeout = 20 * time.Second

// App is the assembled relay process.
type App struct {
	log   *slog.Logger
	store *usage.Store
	sched *cron.Scheduler
	gw    *gateway.Gateway
}

// New builds the full object graph from a validated configuration.
func New(cfg *config.Config, log *slog.Logger) (*App, error) {
	pool, err := keypool.New(cfg.Credentials.Keys)
	if err != nil {
		return nil, err
	}

	long, err := cfg.LongCooldown()
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	short, err := cfg.ShortCooldown()
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	pinWait, err := cfg.PinWait()
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	timeout, err := cfg.TransportTimeout()
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	transportOpts := []provider.GeminiOption{
		provider.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	if cfg.Transport.BaseURL != "" {
		transportOpts = append(transportOpts, provider.WithBaseURL(cfg.Transport.BaseURL))
	}
	transport := provider.NewGeminiTransport(transportOpts...)

	eng := engine.New(pool, transport, engine.Config{
		LongCooldown:  long,
		ShortCooldown: short,
		PinWait:       pinWait,
		Fallbacks:     cfg.Targets.Fallbacks,
	}, log)

	var summarizer shrink.Summarizer
	if cfg.Shrink.SummaryTarget != "" {
		summarizer = shrink.NewEngineSummarizer(eng, cfg.Shrink.SummaryTarget)
	}
	policy := shrink.NewPolicy(eng, summarizer, shrink.Config{
		MaxAttempts: cfg.Shrink.MaxAttempts,
		TargetChars: cfg.Shrink.TargetChars,
	}, log)

	targets := allTargets(cfg)

	var store *usage.Store
	if cfg.Usage.Path != "" {
		store, err = usage.Open(cfg.Usage.Path)
		if err != nil {
			return nil, err
		}
	}

	sched := cron.NewScheduler(log)
	if err := sched.RegisterJob(&cron.CooldownReportJob{
		Pool:    pool,
		Targets: targets,
		Logger:  log,
	}); err != nil {
		return nil, err
	}
	if store != nil {
		retention, err := cfg.UsageRetention()
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		if err := sched.RegisterJob(&cron.UsagePruneJob{
			Store:        store,
			Retention:    retention,
			Logger:       log,
			ScheduleExpr: cfg.Usage.PruneSchedule,
		}); err != nil {
			return nil, err
		}
	}

	gwOpts := gateway.Options{
		Listen:        cfg.Server.Listen,
		AuthToken:     cfg.Server.AuthToken,
		DefaultTarget: cfg.Targets.Default,
		Targets:       targets,
		Pool:          pool,
		Policy:        policy,
		Jobs:          sched.JobNames,
		Logger:        log,
	}
	if store != nil {
		gwOpts.Usage = store
	}

	return &App{
		log:   log,
		store: store,
		sched: sched,
		gw:    gateway.New(gwOpts),
	}, nil
}

// Run starts the scheduler and gateway, then blocks until SIGINT or
// SIGTERM before shutting everything down.
func (a *App) Run() error {
	if err := a.sched.Start(); err != nil {
		return err
	}
	if err := a.gw.Start(); err != nil {
		_ = a.sched.Stop(context.Background())
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	a.log.Info("shutting down", "signal", s.String())

	return a.Stop()
}

// Stop shuts the gateway, scheduler, and store down in order.
func (a *App) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	var firstErr error
	if err := a.gw.Stop(ctx); err != nil {
		firstErr = err
	}
	if err := a.sched.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// allTargets returns the default target plus every model named in the
// fallback map, deduplicated in stable order.
func allTargets(cfg *config.Config) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(t string) {
		if t == "" {
			return
		}
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}

	add(cfg.Targets.Default)
	for _, fb := range cfg.Targets.Fallbacks[cfg.Targets.Default] {
		add(fb)
	}
	keys := make([]string, 0, len(cfg.Targets.Fallbacks))
	for tgt := range cfg.Targets.Fallbacks {
		keys = append(keys, tgt)
	}
	slices.Sort(keys)
	for _, tgt := range keys {
		add(tgt)
		for _, fb := range cfg.Targets.Fallbacks[tgt] {
			add(fb)
		}
	}
	return out
}
