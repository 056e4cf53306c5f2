package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// UsageStore is the subset of the usage store needed by cron jobs.
// Defined here to avoid a circular dependency on the usage package.
type UsageStore interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// UsagePruneJob deletes usage records older than the retention window.
type UsagePruneJob struct {
	Store        UsageStore
	Retention    time.Duration
	Logger       *slog.Logger
	ScheduleExpr string // empty = default "0 3 * * *"

	// Now is injectable for testing. Defaults to time.Now.
	Now func() time.Time
}

// Compile-time interface check.
var _ Job = (*UsagePruneJob)(nil)

// Name implements Job.
func (j *UsagePruneJob) Name() string { return "usage_prune" }

// Schedule implements Job.
func (j *UsagePruneJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return "0 3 * * *"
}

// Run prunes records older than Retention.
func (j *UsagePruneJob) Run(ctx context.Context) error {
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	cutoff := now().Add(-j.Retention)
	pruned, err := j.Store.PruneBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("cron: usage prune: %w", err)
	}
	if pruned > 0 {
		j.Logger.Info("cron: pruned usage records", "count", pruned, "cutoff", cutoff)
	}
	return nil
}

// PoolReporter is the subset of the credential pool needed by cron jobs.
type PoolReporter interface {
	Snapshot(target string) map[string]time.Duration
}

// CooldownReportJob periodically logs which credentials are cooling per
// target, so operators can spot a pool drifting toward exhaustion without
// scraping metrics.
type CooldownReportJob struct {
	Pool         PoolReporter
	Targets      []string
	Logger       *slog.Logger
	ScheduleExpr string // empty = default "*/5 * * * *"
}

// Compile-time interface check.
var _ Job = (*CooldownReportJob)(nil)

// Name implements Job.
func (j *CooldownReportJob) Name() string { return "cooldown_report" }

// Schedule implements Job.
func (j *CooldownReportJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return "*/5 * * * *"
}

// Run logs the credentials currently cooling for each target.
func (j *CooldownReportJob) Run(ctx context.Context) error {
	if ctx.Err() != nil {
		return fmt.Errorf("cron: cooldown report cancelled: %w", ctx.Err())
	}
	for _, target := range j.Targets {
		snapshot := j.Pool.Snapshot(target)
		cooling := 0
		for _, remaining := range snapshot {
			if remaining > 0 {
				cooling++
			}
		}
		if cooling > 0 {
			j.Logger.Info("cron: credentials cooling",
				"target", target,
				"cooling", cooling,
				"total", len(snapshot),
			)
		}
	}
	return nil
}
