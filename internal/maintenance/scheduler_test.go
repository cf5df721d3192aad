package maintenance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewScheduler_RejectsBadTasks(t *testing.T) {
	_, err := NewScheduler(discardLogger(), Task{Name: "sweep", Cron: "not a cron", Run: func(ctx context.Context) error { return nil }})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a cron")

	_, err = NewScheduler(discardLogger(), Task{Cron: "* * * * *", Run: func(ctx context.Context) error { return nil }})
	require.Error(t, err)

	_, err = NewScheduler(discardLogger(), Task{Name: "sweep", Cron: "* * * * *"})
	require.Error(t, err)
}

func TestTick_RunsDueTasksAndReschedules(t *testing.T) {
	var ran atomic.Int32
	s, err := NewScheduler(discardLogger(), Task{
		Name: "sweep",
		Cron: "* * * * *",
		Run:  func(ctx context.Context) error { ran.Add(1); return nil },
	})
	require.NoError(t, err)

	// First tick before the next minute boundary: not due.
	s.tick(context.Background(), time.Now().UTC())
	assert.Equal(t, int32(0), ran.Load())

	// Jump past the boundary: due exactly once, then rescheduled.
	future := time.Now().UTC().Add(2 * time.Minute)
	s.tick(context.Background(), future)
	s.tick(context.Background(), future)
	assert.Equal(t, int32(1), ran.Load())
}

func TestTick_TaskErrorDoesNotBlockOthers(t *testing.T) {
	var ran atomic.Int32
	s, err := NewScheduler(discardLogger(),
		Task{Name: "broken", Cron: "* * * * *", Run: func(ctx context.Context) error { return errors.New("boom") }},
		Task{Name: "fine", Cron: "* * * * *", Run: func(ctx context.Context) error { ran.Add(1); return nil }},
	)
	require.NoError(t, err)

	s.tick(context.Background(), time.Now().UTC().Add(2*time.Minute))
	assert.Equal(t, int32(1), ran.Load())
}

func TestRunAll_FiresEverythingOnce(t *testing.T) {
	var a, b atomic.Int32
	s, err := NewScheduler(discardLogger(),
		Task{Name: "a", Cron: "0 3 * * *", Run: func(ctx context.Context) error { a.Add(1); return nil }},
		Task{Name: "b", Cron: "0 4 * * *", Run: func(ctx context.Context) error { b.Add(1); return nil }},
	)
	require.NoError(t, err)

	s.RunAll(context.Background())
	assert.Equal(t, int32(1), a.Load())
	assert.Equal(t, int32(1), b.Load())

	// Schedules are untouched: a regular tick right after stays quiet.
	s.tick(context.Background(), time.Now().UTC())
	assert.Equal(t, int32(1), a.Load())
}

func TestStartStop(t *testing.T) {
	s, err := NewScheduler(discardLogger(), Task{
		Name: "sweep",
		Cron: "* * * * *",
		Run:  func(ctx context.Context) error { return nil },
	})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "double start must fail")

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")

	// A stopped scheduler can be started again.
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
}
