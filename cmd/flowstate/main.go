// Command flowstate runs the engine's maintenance daemon: it opens the
// store, applies migrations, and keeps the periodic sweeps going (record
// retention, stale claim reclaim, sequence advancement). Job execution and
// event ingestion are driven by programs embedding the engine's packages;
// this binary owns the housekeeping that must run exactly somewhere.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/outboundkit/flowstate/internal/expressions"
	"github.com/outboundkit/flowstate/internal/logging"
	"github.com/outboundkit/flowstate/internal/machine"
	"github.com/outboundkit/flowstate/internal/maintenance"
	"github.com/outboundkit/flowstate/internal/queue"
	"github.com/outboundkit/flowstate/internal/retention"
	"github.com/outboundkit/flowstate/internal/sequence"
	"github.com/outboundkit/flowstate/internal/store"
	"github.com/outboundkit/flowstate/internal/validation"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "flowstate:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	ctx := context.Background()

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("store ready", slog.String("driver", cfg.Driver))

	validator, err := validation.NewEnvelopeValidator()
	if err != nil {
		return err
	}
	engines, err := expressions.DefaultRegistry()
	if err != nil {
		return err
	}
	core := machine.New(s, logger)
	q := queue.New(s, core, validator, logger, 0)

	tasks := []maintenance.Task{
		{
			Name: "reclaim-stale-claims",
			Cron: cfg.ReclaimCron,
			Run: func(ctx context.Context) error {
				_, err := q.ReclaimStale(ctx, time.Now().UTC(), cfg.ReclaimBatch)
				return err
			},
		},
	}

	if cfg.RetentionFile != "" {
		policies, err := retention.LoadFile(cfg.RetentionFile)
		if err != nil {
			return err
		}
		svc, err := retention.NewService(s, policies, logger, retention.DefaultBatchSize)
		if err != nil {
			return err
		}
		tasks = append(tasks, maintenance.Task{
			Name: "retention-sweep",
			Cron: cfg.RetentionCron,
			Run: func(ctx context.Context) error {
				_, err := svc.Sweep(ctx, time.Now().UTC())
				return err
			},
		})
	}

	if cfg.SequencesFile != "" {
		defs, err := loadSequences(cfg.SequencesFile)
		if err != nil {
			return err
		}
		adv, err := sequence.NewAdvancer(s, core, q, engines, logger, defs)
		if err != nil {
			return err
		}
		tasks = append(tasks, maintenance.Task{
			Name: "sequence-tick",
			Cron: cfg.SequenceCron,
			Run: func(ctx context.Context) error {
				_, err := adv.Tick(ctx, time.Now().UTC())
				return err
			},
		})
	}

	sched, err := maintenance.NewScheduler(logger, tasks...)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	logger.Info("flowstate daemon running")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	return sched.Stop()
}

func openStore(cfg Config) (store.Store, error) {
	switch cfg.Driver {
	case "libsql":
		return store.NewLibSQLStore("file:" + cfg.DBPath)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres driver requires FLOWSTATE_POSTGRES_DSN")
		}
		return store.NewPostgresStore(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
