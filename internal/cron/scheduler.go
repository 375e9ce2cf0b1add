// Package cron fires scheduled test runs.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Schedule is one named periodic run.
type Schedule struct {
	Name    string          `yaml:"name" json:"name"`
	Expr    string          `yaml:"expr" json:"expr"`
	Payload json.RawMessage `yaml:"-" json:"payload,omitempty"`
	// Clear drops the stored report before the run starts.
	Clear bool `yaml:"clear" json:"clear"`
}

// TriggerFunc starts a run. It must not block for the duration of the run.
type TriggerFunc func(ctx context.Context, s Schedule) error

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Schedules []Schedule
	Trigger   TriggerFunc
	Logger    *slog.Logger
	Interval  time.Duration // tick interval; defaults to 1 minute if zero
	Now       func() time.Time
}

// Scheduler periodically checks its schedules and triggers the due ones.
type Scheduler struct {
	trigger  TriggerFunc
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries []*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type entry struct {
	sched   Schedule
	parsed  cronlib.Schedule
	nextRun time.Time
	lastRun time.Time
}

// Status is a read-only view of one schedule.
type Status struct {
	Name    string    `json:"name"`
	Expr    string    `json:"expr"`
	NextRun time.Time `json:"nextRun"`
	LastRun time.Time `json:"lastRun,omitempty"`
}

// NewScheduler validates every schedule expression and computes first run times.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if cfg.Trigger == nil {
		return nil, fmt.Errorf("cron: trigger is required")
	}
	s := &Scheduler{
		trigger:  cfg.Trigger,
		logger:   logger,
		interval: interval,
		now:      now,
	}
	start := now()
	for _, sc := range cfg.Schedules {
		parsed, err := cronParser.Parse(sc.Expr)
		if err != nil {
			return nil, fmt.Errorf("cron: schedule %q: %w", sc.Name, err)
		}
		s.entries = append(s.entries, &entry{sched: sc, parsed: parsed, nextRun: parsed.Next(start)})
	}
	return s, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "schedules", len(s.entries))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// Statuses reports every schedule in configuration order.
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, Status{Name: e.sched.Name, Expr: e.sched.Expr, NextRun: e.nextRun, LastRun: e.lastRun})
	}
	return out
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every schedule whose next run time has passed.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.nextRun.After(now) {
			due = append(due, e)
			e.lastRun = now
			e.nextRun = e.parsed.Next(now)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		if err := s.trigger(ctx, e.sched); err != nil {
			s.logger.Error("cron: failed to trigger run",
				"schedule_name", e.sched.Name,
				"error", err,
			)
			continue
		}
		s.logger.Info("cron: schedule fired",
			"schedule_name", e.sched.Name,
			"next_run_at", e.nextRun,
		)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
