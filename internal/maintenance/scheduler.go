// Package maintenance runs the engine's periodic housekeeping: retention
// sweeps, stale-claim reclaims, and sequence advancement. Each task carries
// a cron expression; a single background loop fires the due ones.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is one named periodic job.
type Task struct {
	Name string
	Cron string
	Run  func(ctx context.Context) error
}

type scheduledTask struct {
	task     Task
	schedule cron.Schedule
	nextRun  time.Time
}

// Scheduler fires registered tasks on their cron schedules.
type Scheduler struct {
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	tasks    []*scheduledTask
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // task names currently executing (dedup)
}

// NewScheduler creates a Scheduler over the given tasks. Invalid cron
// expressions are rejected up front.
func NewScheduler(logger *slog.Logger, tasks ...Task) (*Scheduler, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	s := &Scheduler{
		parser:   parser,
		logger:   logger,
		interval: 30 * time.Second,
		inflight: make(map[string]struct{}),
	}
	now := time.Now().UTC()
	for _, t := range tasks {
		if t.Name == "" || t.Run == nil {
			return nil, fmt.Errorf("maintenance task needs a name and a run function")
		}
		schedule, err := parser.Parse(t.Cron)
		if err != nil {
			return nil, fmt.Errorf("parse cron expression %q for task %q: %w", t.Cron, t.Name, err)
		}
		s.tasks = append(s.tasks, &scheduledTask{
			task:     t,
			schedule: schedule,
			nextRun:  schedule.Next(now),
		})
	}
	return s, nil
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("maintenance scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("maintenance scheduler started", slog.Int("tasks", len(s.tasks)))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now().UTC())
		}
	}
}

// tick runs every task whose next run time has passed and reschedules it.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, st := range s.tasks {
		if st.nextRun.After(now) {
			continue
		}
		st.nextRun = st.schedule.Next(now)
		if !s.tryAcquire(st.task.Name) {
			continue // previous run still going
		}
		if err := st.task.Run(ctx); err != nil {
			s.logger.ErrorContext(ctx, "maintenance task failed",
				slog.String("task", st.task.Name),
				slog.String("error", err.Error()))
		}
		s.release(st.task.Name)
	}
}

// RunAll fires every task once immediately without touching its schedule.
// Used at startup so a long cron interval does not delay the first sweep.
func (s *Scheduler) RunAll(ctx context.Context) {
	for _, st := range s.tasks {
		if !s.tryAcquire(st.task.Name) {
			continue
		}
		if err := st.task.Run(ctx); err != nil {
			s.logger.ErrorContext(ctx, "maintenance task failed",
				slog.String("task", st.task.Name),
				slog.String("error", err.Error()))
		}
		s.release(st.task.Name)
	}
}

func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) release(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// Stop gracefully shuts down the loop.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("maintenance scheduler stopped")
	return nil
}
