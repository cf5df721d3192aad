package failures

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outboundkit/flowstate/internal/machine"
	"github.com/outboundkit/flowstate/internal/store"
	"github.com/outboundkit/flowstate/pkg/schema"
)

func newTestRecorder(t *testing.T) (*Recorder, *store.LibSQLStore, *machine.Core) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(s, logger), s, machine.New(s, logger)
}

func TestRecord(t *testing.T) {
	r, _, core := newTestRecorder(t)
	ctx := context.Background()

	_, err := core.CreateWorkflow(ctx, "wf-1", "outreach", nil)
	require.NoError(t, err)

	err = r.Record(ctx, schema.OwnerWorkflow, "wf-1", "send_email", "smtp refused",
		json.RawMessage(`{"code":550}`))
	require.NoError(t, err)

	recs, err := r.List(ctx, schema.OwnerWorkflow, "wf-1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "send_email", recs[0].Step)
	assert.Equal(t, "smtp refused", recs[0].Message)
	assert.JSONEq(t, `{"code":550}`, string(recs[0].Context))
	assert.False(t, recs[0].CreatedAt.IsZero())
}

func TestRecord_OwnerNotFound(t *testing.T) {
	r, _, _ := newTestRecorder(t)

	err := r.Record(context.Background(), schema.OwnerWorkflow, "wf-ghost", "send", "boom", nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeOwnerNotFound))
}

func TestRecord_Validation(t *testing.T) {
	r, _, _ := newTestRecorder(t)

	err := r.Record(context.Background(), schema.OwnerJob, "", "send", "boom", nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = r.Record(context.Background(), schema.OwnerJob, "job-1", "send", "", nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestRecordBestEffort_SurfacesButDoesNotPanic(t *testing.T) {
	r, _, _ := newTestRecorder(t)

	// Missing owner: the error comes back but is secondary by contract.
	err := r.RecordBestEffort(context.Background(), schema.OwnerJob, "job-ghost", "send", "boom", nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeOwnerNotFound))
}

func TestList_MultipleOwners(t *testing.T) {
	r, _, core := newTestRecorder(t)
	ctx := context.Background()

	_, err := core.CreateWorkflow(ctx, "wf-1", "outreach", nil)
	require.NoError(t, err)
	_, err = core.CreateJob(ctx, "job-1", "enrichment", schema.PriorityNormal, nil)
	require.NoError(t, err)

	require.NoError(t, r.Record(ctx, schema.OwnerWorkflow, "wf-1", "s1", "m1", nil))
	require.NoError(t, r.Record(ctx, schema.OwnerJob, "job-1", "s2", "m2", nil))
	require.NoError(t, r.Record(ctx, schema.OwnerJob, "job-1", "s3", "m3", nil))

	wfRecs, err := r.List(ctx, schema.OwnerWorkflow, "wf-1", 10)
	require.NoError(t, err)
	assert.Len(t, wfRecs, 1)

	jobRecs, err := r.List(ctx, schema.OwnerJob, "job-1", 10)
	require.NoError(t, err)
	assert.Len(t, jobRecs, 2)
	for _, rec := range jobRecs {
		assert.Equal(t, schema.OwnerJob, rec.OwnerType)
		assert.Equal(t, "job-1", rec.OwnerID)
	}
}
