package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the registered maintenance jobs on their cron schedules.
// A per-job mutex guarantees at most one running instance of each job; a
// tick that fires while the previous run is still going is skipped.
type Scheduler struct {
	mu     sync.Mutex
	cron   *cron.Cron
	jobs   []Job
	locks  map[string]*sync.Mutex
	log    *slog.Logger
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler. A nil logger discards output. Jobs must
// be registered before Start.
func NewScheduler(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{
		locks: make(map[string]*sync.Mutex),
		log:   log,
	}
}

// RegisterJob adds a job. Job names must be unique; they key the run locks
// and the status endpoint's job listing.
func (s *Scheduler) RegisterJob(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := j.Name()
	if _, exists := s.locks[name]; exists {
		return fmt.Errorf("cron: duplicate job name %q", name)
	}

	s.locks[name] = &sync.Mutex{}
	s.jobs = append(s.jobs, j)
	return nil
}

// JobNames returns the registered job names in registration order.
func (s *Scheduler) JobNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		out[i] = j.Name()
	}
	return out
}

// Start parses every job's schedule and begins ticking. An invalid
// expression fails the whole start.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	s.cron = cron.New(cron.WithParser(parser))

	for _, job := range s.jobs {
		if _, err := s.cron.AddFunc(job.Schedule(), s.tick(ctx, job, s.locks[job.Name()])); err != nil {
			cancel()
			return fmt.Errorf("cron: invalid schedule for job %q: %w", job.Name(), err)
		}
	}

	s.cron.Start()
	s.log.Info("cron: scheduler started", "jobs", len(s.jobs))
	return nil
}

// tick wraps one job run under its lock. TryLock skips the tick when the
// previous run has not finished.
func (s *Scheduler) tick(ctx context.Context, job Job, lock *sync.Mutex) func() {
	return func() {
		if !lock.TryLock() {
			s.log.Warn("cron: job still running, skipping tick", "job", job.Name())
			return
		}
		defer lock.Unlock()

		s.log.Debug("cron: job started", "job", job.Name())
		if err := job.Run(ctx); err != nil {
			s.log.Error("cron: job failed", "job", job.Name(), "error", err)
			return
		}
		s.log.Debug("cron: job completed", "job", job.Name())
	}
}

// Stop cancels the job context and waits for in-flight runs to finish.
func (s *Scheduler) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.log.Info("cron: scheduler stopped")
	}
	return nil
}
