package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/outboundkit/flowstate/internal/store"
	"github.com/outboundkit/flowstate/pkg/schema"
)

// Handler is the execution side of the worker interface. The runner hands
// it a claimed job and expects a result payload or an error; the runner
// turns that into the completed/failed report. Handlers must be safe for
// concurrent use.
type Handler interface {
	JobTypes() []string
	Execute(ctx context.Context, job *store.Job) (json.RawMessage, error)
}

// RunnerConfig tunes the polling workers.
type RunnerConfig struct {
	Workers           int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

func (c *RunnerConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Minute
	}
}

// Runner polls the queue with a fixed set of workers and executes claimed
// jobs through the handler.
type Runner struct {
	queue   *Queue
	handler Handler
	cfg     RunnerConfig
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates a Runner.
func NewRunner(q *Queue, h Handler, cfg RunnerConfig, logger *slog.Logger) *Runner {
	cfg.applyDefaults()
	return &Runner{queue: q, handler: h, cfg: cfg, logger: logger}
}

// Start launches the worker loops.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.done != nil {
		r.mu.Unlock()
		return fmt.Errorf("runner already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < r.cfg.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			r.workerLoop(gctx, workerID)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(r.done)
	}()

	r.logger.Info("queue runner started", slog.Int("workers", r.cfg.Workers))
	return nil
}

// Stop cancels the workers and waits for in-flight jobs to finish.
func (r *Runner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel == nil {
		return nil
	}
	r.cancel()
	<-r.done
	r.cancel = nil
	r.done = nil

	r.logger.Info("queue runner stopped")
	return nil
}

func (r *Runner) workerLoop(ctx context.Context, workerID string) {
	types := r.handler.JobTypes()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := r.queue.Claim(ctx, workerID, types)
		if err != nil {
			r.logger.Error("claim failed",
				slog.String("worker_id", workerID), slog.String("error", err.Error()))
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.PollInterval):
			}
			continue
		}

		r.runJob(ctx, workerID, job)
	}
}

// runJob executes one claimed job with a heartbeat keeping the lease alive,
// then reports the outcome. A lost claim at report time is logged and
// dropped; the job's row already has its one outcome.
func (r *Runner) runJob(ctx context.Context, workerID string, job *store.Job) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		ticker := time.NewTicker(r.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := r.queue.Heartbeat(hbCtx, job.ID, workerID); err != nil {
					r.logger.Warn("heartbeat failed",
						slog.String("job_id", job.ID), slog.String("error", err.Error()))
				}
			}
		}
	}()

	outcome := r.execute(ctx, job)
	stopHeartbeat()
	hbDone.Wait()

	if err := r.queue.Report(ctx, job.ID, outcome); err != nil {
		if !schema.IsCode(err, schema.ErrCodeInvalidTransition) {
			r.logger.Error("report failed",
				slog.String("job_id", job.ID), slog.String("error", err.Error()))
		}
	}
}

// execute runs the handler, converting an error or panic into a failed
// outcome.
func (r *Runner) execute(ctx context.Context, job *store.Job) (outcome schema.JobOutcome) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panic",
				slog.String("job_id", job.ID), slog.Any("panic", rec))
			outcome = schema.JobOutcome{
				Status: schema.JobStatusFailed,
				Error:  fmt.Sprintf("handler panic: %v", rec),
			}
		}
	}()

	result, err := r.handler.Execute(ctx, job)
	if err != nil {
		return schema.JobOutcome{Status: schema.JobStatusFailed, Error: err.Error()}
	}
	return schema.JobOutcome{Status: schema.JobStatusCompleted, Result: result}
}
