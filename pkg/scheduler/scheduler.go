// Package scheduler runs housekeeping jobs, such as the sandbox reaper and
// audit pruning, on fixed intervals.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codechat-universal/codechat/pkg/telemetry"
)

type Job struct {
	Name     string
	Schedule string
	Func     func(ctx context.Context) error

	// Timeout bounds one run. Zero means the run may take up to one interval.
	Timeout time.Duration

	// RunOnStart fires the job once as soon as the scheduler starts.
	RunOnStart bool
}

type Scheduler struct {
	logger *slog.Logger
	// resolution is how often due jobs are checked.
	resolution time.Duration

	mu       sync.Mutex
	jobs     []*entry
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type entry struct {
	job      Job
	interval time.Duration
	next     time.Time
	busy     bool
	lastErr  error
	lastRun  time.Time
}

// Status describes a registered job.
type Status struct {
	Name     string
	Interval time.Duration
	Next     time.Time
	LastRun  time.Time
	LastErr  error
}

func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		logger:     telemetry.Component(logger, "scheduler"),
		resolution: time.Second,
		stopCh:     make(chan struct{}),
	}
}

func (s *Scheduler) Add(job Job) error {
	if job.Func == nil {
		return fmt.Errorf("scheduler: job %q has no func", job.Name)
	}
	interval, err := parseSchedule(job.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q: %w", job.Schedule, err)
	}
	if interval <= 0 {
		return fmt.Errorf("scheduler: schedule %q must be positive", job.Schedule)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := time.Now().Add(interval)
	if job.RunOnStart {
		next = time.Time{}
	}
	s.jobs = append(s.jobs, &entry{
		job:      job,
		interval: interval,
		next:     next,
	})
	return nil
}

// Start blocks until ctx is done or Stop is called, then waits for running
// jobs to return.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	n := len(s.jobs)
	s.mu.Unlock()

	s.logger.Info("scheduler started", slog.Int("jobs", n))

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.wg.Wait()
		s.logger.Info("scheduler stopped")
	}()

	ticker := time.NewTicker(s.resolution)
	defer ticker.Stop()

	s.tick(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// Stop makes Start return. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) Jobs() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, Status{
			Name:     e.job.Name,
			Interval: e.interval,
			Next:     e.next,
			LastRun:  e.lastRun,
			LastErr:  e.lastErr,
		})
	}
	return out
}

// tick starts every due job that is not still running from a previous tick.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.jobs {
		if now.Before(e.next) {
			continue
		}
		e.next = now.Add(e.interval)
		if e.busy {
			s.logger.Warn("job still running, skipping", slog.String("job", e.job.Name))
			continue
		}
		e.busy = true

		s.wg.Add(1)
		go s.run(ctx, e)
	}
}

func (s *Scheduler) run(ctx context.Context, e *entry) {
	defer s.wg.Done()

	timeout := e.job.Timeout
	if timeout <= 0 {
		timeout = e.interval
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	s.logger.Debug("running job", slog.String("job", e.job.Name))
	err := e.job.Func(ctx)
	if err != nil {
		s.logger.Error("job failed",
			slog.String("job", e.job.Name),
			slog.String("err", err.Error()),
		)
	}

	s.mu.Lock()
	e.busy = false
	e.lastRun = start
	e.lastErr = err
	s.mu.Unlock()
}

func parseSchedule(s string) (time.Duration, error) {
	switch s {
	case "@hourly":
		return time.Hour, nil
	case "@daily":
		return 24 * time.Hour, nil
	case "@weekly":
		return 7 * 24 * time.Hour, nil
	}

	if len(s) > 7 && s[:7] == "@every " {
		return time.ParseDuration(s[7:])
	}

	return time.ParseDuration(s)
}
