package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/outboundkit/flowstate/pkg/schema"
)

// dialect captures the differences between the embedded libSQL backend and
// PostgreSQL. All queries are written with ? placeholders and rebound per
// dialect; caller-controlled values never reach the query text.
type dialect interface {
	name() string
	rebind(query string) string
	// claimLock is appended to the claim SELECT; empty for libSQL where the
	// single write connection already serializes claimers.
	claimLock() string
	// returningID indicates inserts must use RETURNING instead of
	// LastInsertId.
	returningID() bool
	isForeignKeyViolation(err error) bool
}

const (
	workflowCols   = "id, name, status, input, result, error, created_at, updated_at, completed_at, failed_at"
	jobCols        = "id, type, status, priority, parameters, result, error, claimed_by, lease_expires_at, created_at, started_at, completed_at, updated_at"
	enrollmentCols = "id, campaign_id, recipient_id, status, sequence_step, next_action_at, completed_at, unsubscribed_at, failed_at, created_at, updated_at"
	failureCols    = "id, workflow_id, job_id, enrollment_id, step, message, context, created_at"
)

// sqlMutator implements Mutator against either a *sql.DB or a *sql.Tx.
type sqlMutator struct {
	q queryer
	d dialect
}

// sqlStore implements Store on top of database/sql with a dialect seam.
type sqlStore struct {
	sqlMutator
	db         *sql.DB
	migrations []migration
}

func newSQLStore(db *sql.DB, d dialect, migrations []migration) *sqlStore {
	return &sqlStore{
		sqlMutator: sqlMutator{q: db, d: d},
		db:         db,
		migrations: migrations,
	}
}

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) Migrate(ctx context.Context) error {
	placeholder := func(n int) string {
		if s.d.returningID() {
			return fmt.Sprintf("$%d", n)
		}
		return "?"
	}
	return runMigrations(ctx, s.db, s.migrations, placeholder)
}

// --- Workflows ---

func (m *sqlMutator) CreateWorkflow(ctx context.Context, wf *Workflow) (bool, error) {
	now := time.Now().UTC()
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = now
	res, err := m.q.ExecContext(ctx, m.d.rebind(
		`INSERT INTO workflows (id, name, status, input, result, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`),
		wf.ID, wf.Name, string(wf.Status), nullRaw(wf.Input), nullRaw(wf.Result), nullRaw(wf.Error),
		wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil {
		return false, persistErr("create workflow", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, persistErr("create workflow", err)
	}
	return n > 0, nil
}

func (m *sqlMutator) TransitionWorkflow(ctx context.Context, id string, expected, next schema.WorkflowStatus, update WorkflowUpdate) error {
	switch next {
	case schema.WorkflowStatusCompleted:
		if update.CompletedAt == nil {
			return schema.NewError(schema.ErrCodeValidation, "completed workflow requires completed_at")
		}
	case schema.WorkflowStatusFailed:
		if update.FailedAt == nil {
			return schema.NewError(schema.ErrCodeValidation, "failed workflow requires failed_at")
		}
	}

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(next), time.Now().UTC()}
	if update.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, string(update.Result))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.FailedAt != nil {
		sets = append(sets, "failed_at = ?")
		args = append(args, *update.FailedAt)
	}
	args = append(args, id, string(expected))

	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ? AND status = ?", strings.Join(sets, ", "))
	res, err := m.q.ExecContext(ctx, m.d.rebind(query), args...)
	if err != nil {
		return persistErr("transition workflow", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("transition workflow", err)
	}
	if n == 0 {
		return m.transitionMiss(ctx, "workflow", "workflows", id, string(expected), string(next))
	}
	return nil
}

func (s *sqlStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.q.QueryRowContext(ctx, s.d.rebind(
		`SELECT `+workflowCols+` FROM workflows WHERE id = ?`), id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, notFound("workflow", id)
	}
	if err != nil {
		return nil, persistErr("get workflow", err)
	}
	return wf, nil
}

func (s *sqlStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + workflowCols + ` FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.q.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, persistErr("list workflows", err)
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, persistErr("scan workflow", err)
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *sqlStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, s.d.rebind(`DELETE FROM workflows WHERE id = ?`), id)
	if err != nil {
		return persistErr("delete workflow", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("delete workflow", err)
	}
	if n == 0 {
		return notFound("workflow", id)
	}
	return nil
}

// --- Jobs ---

func (m *sqlMutator) CreateJob(ctx context.Context, job *Job) (bool, error) {
	now := time.Now().UTC()
	job.CreatedAt = timeOrNow(job.CreatedAt)
	job.UpdatedAt = now
	if job.Priority == "" {
		job.Priority = schema.PriorityNormal
	}
	res, err := m.q.ExecContext(ctx, m.d.rebind(
		`INSERT INTO jobs (id, type, status, priority, parameters, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`),
		job.ID, job.Type, string(job.Status), job.Priority.Rank(), nullRaw(job.Parameters),
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return false, persistErr("create job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, persistErr("create job", err)
	}
	return n > 0, nil
}

func (m *sqlMutator) TransitionJob(ctx context.Context, id string, expected, next schema.JobStatus, update JobUpdate) error {
	if next.Terminal() && update.CompletedAt == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s job requires completed_at", next)
	}

	now := time.Now().UTC()
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(next), now}
	if next == schema.JobStatusProcessing {
		// started_at is set exactly once, on the first entry to processing.
		sets = append(sets, "started_at = COALESCE(started_at, ?)")
		args = append(args, now)
	}
	if update.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, string(update.Result))
	}
	if update.Error != "" {
		sets = append(sets, "error = ?")
		args = append(args, update.Error)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if next.Terminal() {
		sets = append(sets, "claimed_by = NULL", "lease_expires_at = NULL")
	}
	args = append(args, id, string(expected))

	query := fmt.Sprintf("UPDATE jobs SET %s WHERE id = ? AND status = ?", strings.Join(sets, ", "))
	res, err := m.q.ExecContext(ctx, m.d.rebind(query), args...)
	if err != nil {
		return persistErr("transition job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("transition job", err)
	}
	if n == 0 {
		return m.transitionMiss(ctx, "job", "jobs", id, string(expected), string(next))
	}
	return nil
}

func (s *sqlStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.q.QueryRowContext(ctx, s.d.rebind(
		`SELECT `+jobCols+` FROM jobs WHERE id = ?`), id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, notFound("job", id)
	}
	if err != nil {
		return nil, persistErr("get job", err)
	}
	return job, nil
}

func (s *sqlStore) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	var where []string
	var args []any
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}

	query := `SELECT ` + jobCols + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.q.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, persistErr("list jobs", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, persistErr("scan job", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimJob selects the oldest pending job of the given types and moves it to
// processing via the same status-guarded update all transitions use, so two
// concurrent claimers can never take the same job. Ties on creation time
// break by priority (higher first), then job ID.
func (s *sqlStore) ClaimJob(ctx context.Context, workerID string, types []string, leaseUntil time.Time) (*Job, error) {
	if workerID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "claim requires a worker id")
	}
	if len(types) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "claim requires at least one job type")
	}

	// A lost race against a concurrent claimer is retried a few times before
	// reporting the pool as empty.
	for attempt := 0; attempt < 3; attempt++ {
		job, lost, err := s.tryClaim(ctx, workerID, types, leaseUntil)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
		if !lost {
			return nil, nil
		}
	}
	return nil, nil
}

func (s *sqlStore) tryClaim(ctx context.Context, workerID string, types []string, leaseUntil time.Time) (*Job, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, persistErr("begin claim", err)
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(types)), ", ")
	args := make([]any, 0, len(types))
	for _, t := range types {
		args = append(args, t)
	}

	query := `SELECT ` + jobCols + ` FROM jobs
		 WHERE status = ? AND type IN (` + placeholders + `)
		 ORDER BY created_at ASC, priority DESC, id ASC
		 LIMIT 1` + s.d.claimLock()
	row := tx.QueryRowContext(ctx, s.d.rebind(query),
		append([]any{string(schema.JobStatusPending)}, args...)...)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, persistErr("select claimable job", err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, s.d.rebind(
		`UPDATE jobs SET status = ?, claimed_by = ?, lease_expires_at = ?,
		        started_at = COALESCE(started_at, ?), updated_at = ?
		 WHERE id = ? AND status = ?`),
		string(schema.JobStatusProcessing), workerID, leaseUntil, now, now,
		job.ID, string(schema.JobStatusPending),
	)
	if err != nil {
		return nil, false, persistErr("claim job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, persistErr("claim job", err)
	}
	if n == 0 {
		// Another claimer got there first.
		return nil, true, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, false, persistErr("commit claim", err)
	}

	job.Status = schema.JobStatusProcessing
	job.ClaimedBy = workerID
	job.LeaseExpiresAt = &leaseUntil
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.UpdatedAt = now
	return job, false, nil
}

func (s *sqlStore) ExtendJobLease(ctx context.Context, id, workerID string, leaseUntil time.Time) error {
	res, err := s.q.ExecContext(ctx, s.d.rebind(
		`UPDATE jobs SET lease_expires_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND claimed_by = ?`),
		leaseUntil, time.Now().UTC(), id, string(schema.JobStatusProcessing), workerID,
	)
	if err != nil {
		return persistErr("extend job lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("extend job lease", err)
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"job %q is not processing under worker %q", id, workerID).
			WithDetails(map[string]any{"job_id": id, "worker_id": workerID})
	}
	return nil
}

func (s *sqlStore) StaleJobIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(
		`SELECT id FROM jobs
		 WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?
		 ORDER BY lease_expires_at ASC LIMIT %d`, limit)
	rows, err := s.q.QueryContext(ctx, s.d.rebind(query), string(schema.JobStatusProcessing), now)
	if err != nil {
		return nil, persistErr("list stale jobs", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, persistErr("scan stale job id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqlStore) ReclaimJob(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx, s.d.rebind(
		`UPDATE jobs SET status = ?, claimed_by = NULL, lease_expires_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?`),
		string(schema.JobStatusPending), time.Now().UTC(), id, string(schema.JobStatusProcessing), now,
	)
	if err != nil {
		return false, persistErr("reclaim job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, persistErr("reclaim job", err)
	}
	return n > 0, nil
}

// --- Enrollments ---

func (m *sqlMutator) CreateEnrollment(ctx context.Context, e *Enrollment) (bool, error) {
	if e.NextActionAt == nil && e.Status == schema.EnrollmentStatusActive {
		return false, schema.NewError(schema.ErrCodeValidation, "active enrollment requires next_action_at")
	}
	now := time.Now().UTC()
	e.CreatedAt = timeOrNow(e.CreatedAt)
	e.UpdatedAt = now
	res, err := m.q.ExecContext(ctx, m.d.rebind(
		`INSERT INTO enrollments (id, campaign_id, recipient_id, status, sequence_step, next_action_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(campaign_id, recipient_id) DO NOTHING`),
		e.ID, e.CampaignID, e.RecipientID, string(e.Status), e.SequenceStep, nullTime(e.NextActionAt),
		e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return false, persistErr("create enrollment", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, persistErr("create enrollment", err)
	}
	return n > 0, nil
}

func (m *sqlMutator) TransitionEnrollment(ctx context.Context, id string, expected, next schema.EnrollmentStatus, update EnrollmentUpdate) error {
	switch next {
	case schema.EnrollmentStatusCompleted:
		if update.CompletedAt == nil {
			return schema.NewError(schema.ErrCodeValidation, "completed enrollment requires completed_at")
		}
	case schema.EnrollmentStatusUnsubscribed:
		if update.UnsubscribedAt == nil {
			return schema.NewError(schema.ErrCodeValidation, "unsubscribed enrollment requires unsubscribed_at")
		}
	case schema.EnrollmentStatusFailed:
		if update.FailedAt == nil {
			return schema.NewError(schema.ErrCodeValidation, "failed enrollment requires failed_at")
		}
	}

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(next), time.Now().UTC()}
	if next.Terminal() {
		sets = append(sets, "next_action_at = NULL")
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.UnsubscribedAt != nil {
		sets = append(sets, "unsubscribed_at = ?")
		args = append(args, *update.UnsubscribedAt)
	}
	if update.FailedAt != nil {
		sets = append(sets, "failed_at = ?")
		args = append(args, *update.FailedAt)
	}
	args = append(args, id, string(expected))

	query := fmt.Sprintf("UPDATE enrollments SET %s WHERE id = ? AND status = ?", strings.Join(sets, ", "))
	res, err := m.q.ExecContext(ctx, m.d.rebind(query), args...)
	if err != nil {
		return persistErr("transition enrollment", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("transition enrollment", err)
	}
	if n == 0 {
		return m.transitionMiss(ctx, "enrollment", "enrollments", id, string(expected), string(next))
	}
	return nil
}

func (m *sqlMutator) AdvanceEnrollment(ctx context.Context, id string, step int, nextActionAt time.Time) error {
	res, err := m.q.ExecContext(ctx, m.d.rebind(
		`UPDATE enrollments SET sequence_step = ?, next_action_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`),
		step, nextActionAt, time.Now().UTC(), id, string(schema.EnrollmentStatusActive),
	)
	if err != nil {
		return persistErr("advance enrollment", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("advance enrollment", err)
	}
	if n == 0 {
		return m.transitionMiss(ctx, "enrollment", "enrollments", id, string(schema.EnrollmentStatusActive), string(schema.EnrollmentStatusActive))
	}
	return nil
}

func (s *sqlStore) GetEnrollment(ctx context.Context, id string) (*Enrollment, error) {
	row := s.q.QueryRowContext(ctx, s.d.rebind(
		`SELECT `+enrollmentCols+` FROM enrollments WHERE id = ?`), id)
	e, err := scanEnrollment(row)
	if err == sql.ErrNoRows {
		return nil, notFound("enrollment", id)
	}
	if err != nil {
		return nil, persistErr("get enrollment", err)
	}
	return e, nil
}

func (s *sqlStore) FindEnrollment(ctx context.Context, campaignID, recipientID string) (*Enrollment, error) {
	row := s.q.QueryRowContext(ctx, s.d.rebind(
		`SELECT `+enrollmentCols+` FROM enrollments WHERE campaign_id = ? AND recipient_id = ?`),
		campaignID, recipientID)
	e, err := scanEnrollment(row)
	if err == sql.ErrNoRows {
		return nil, notFound("enrollment", campaignID+"/"+recipientID)
	}
	if err != nil {
		return nil, persistErr("find enrollment", err)
	}
	return e, nil
}

func (s *sqlStore) DueEnrollments(ctx context.Context, now time.Time, limit int) ([]*Enrollment, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(
		`SELECT `+enrollmentCols+` FROM enrollments
		 WHERE status = ? AND next_action_at IS NOT NULL AND next_action_at <= ?
		 ORDER BY next_action_at ASC LIMIT %d`, limit)
	rows, err := s.q.QueryContext(ctx, s.d.rebind(query), string(schema.EnrollmentStatusActive), now)
	if err != nil {
		return nil, persistErr("list due enrollments", err)
	}
	defer rows.Close()

	var enrollments []*Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, persistErr("scan enrollment", err)
		}
		enrollments = append(enrollments, e)
	}
	return enrollments, rows.Err()
}

// --- Failure records ---

func (s *sqlStore) AppendFailure(ctx context.Context, rec *FailureRecord) error {
	var workflowID, jobID, enrollmentID any
	switch rec.OwnerType {
	case schema.OwnerWorkflow:
		workflowID = rec.OwnerID
	case schema.OwnerJob:
		jobID = rec.OwnerID
	case schema.OwnerEnrollment:
		enrollmentID = rec.OwnerID
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown owner type %q", rec.OwnerType)
	}
	rec.CreatedAt = timeOrNow(rec.CreatedAt)

	query := `INSERT INTO failure_records (workflow_id, job_id, enrollment_id, step, message, context, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`
	args := []any{workflowID, jobID, enrollmentID, rec.Step, rec.Message, nullRaw(rec.Context), rec.CreatedAt}

	if s.d.returningID() {
		err := s.q.QueryRowContext(ctx, s.d.rebind(query+" RETURNING id"), args...).Scan(&rec.ID)
		if err != nil {
			if s.d.isForeignKeyViolation(err) {
				return ownerNotFound(rec.OwnerType, rec.OwnerID)
			}
			return persistErr("append failure record", err)
		}
		return nil
	}

	res, err := s.q.ExecContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		if s.d.isForeignKeyViolation(err) {
			return ownerNotFound(rec.OwnerType, rec.OwnerID)
		}
		return persistErr("append failure record", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return persistErr("append failure record", err)
	}
	rec.ID = id
	return nil
}

func ownerNotFound(ownerType schema.OwnerType, ownerID string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeOwnerNotFound, "%s %q does not exist", ownerType, ownerID).
		WithDetails(map[string]any{"owner_type": string(ownerType), "owner_id": ownerID})
}

func (s *sqlStore) ListFailures(ctx context.Context, owner schema.OwnerType, ownerID string, limit int) ([]*FailureRecord, error) {
	var col string
	switch owner {
	case schema.OwnerWorkflow:
		col = "workflow_id"
	case schema.OwnerJob:
		col = "job_id"
	case schema.OwnerEnrollment:
		col = "enrollment_id"
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown owner type %q", owner)
	}
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`SELECT `+failureCols+` FROM failure_records WHERE %s = ? ORDER BY created_at DESC, id DESC LIMIT %d`, col, limit)
	rows, err := s.q.QueryContext(ctx, s.d.rebind(query), ownerID)
	if err != nil {
		return nil, persistErr("list failure records", err)
	}
	defer rows.Close()

	var records []*FailureRecord
	for rows.Next() {
		rec, err := scanFailure(rows)
		if err != nil {
			return nil, persistErr("scan failure record", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// --- Idempotent ingestion ---

func (s *sqlStore) IngestEvent(ctx context.Context, rec *EventRecord, apply ApplyFunc) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, persistErr("begin ingest", err)
	}
	defer tx.Rollback()

	rec.CreatedAt = timeOrNow(rec.CreatedAt)
	rec.ReceivedAt = timeOrNow(rec.ReceivedAt)

	res, err := tx.ExecContext(ctx, s.d.rebind(
		`INSERT INTO ingested_events (event_id, event_type, owner_key, payload, received_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(event_id) DO NOTHING`),
		rec.EventID, rec.Type, rec.OwnerKey, nullRaw(rec.Payload), rec.ReceivedAt, rec.CreatedAt,
	)
	if err != nil {
		return false, persistErr("record event", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, persistErr("record event", err)
	}
	if n == 0 {
		// Already seen; nothing is applied and nothing is written.
		return false, nil
	}

	if apply != nil {
		if err := apply(ctx, &sqlMutator{q: tx, d: s.d}); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, persistErr("commit ingest", err)
	}
	return true, nil
}

func (s *sqlStore) SeenEvent(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := s.q.QueryRowContext(ctx, s.d.rebind(
		`SELECT 1 FROM ingested_events WHERE event_id = ?`), eventID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, persistErr("check event", err)
	}
	return true, nil
}

// --- Retention ---

func (s *sqlStore) DeleteTerminalWorkflows(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	return s.boundedExec(ctx, fmt.Sprintf(
		`DELETE FROM workflows WHERE id IN (
		   SELECT id FROM workflows
		   WHERE status IN (?, ?) AND COALESCE(completed_at, failed_at) < ?
		   LIMIT %d)`, boundedLimit(limit)),
		string(schema.WorkflowStatusCompleted), string(schema.WorkflowStatusFailed), olderThan)
}

func (s *sqlStore) DeleteTerminalJobs(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	return s.boundedExec(ctx, fmt.Sprintf(
		`DELETE FROM jobs WHERE id IN (
		   SELECT id FROM jobs
		   WHERE status IN (?, ?) AND completed_at < ?
		   LIMIT %d)`, boundedLimit(limit)),
		string(schema.JobStatusCompleted), string(schema.JobStatusFailed), olderThan)
}

func (s *sqlStore) DeleteIngestedEvents(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	return s.boundedExec(ctx, fmt.Sprintf(
		`DELETE FROM ingested_events WHERE event_id IN (
		   SELECT event_id FROM ingested_events WHERE created_at < ? LIMIT %d)`, boundedLimit(limit)),
		olderThan)
}

func (s *sqlStore) AnonymizeEnrollments(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	return s.boundedExec(ctx, fmt.Sprintf(
		`UPDATE enrollments SET recipient_id = 'anon:' || id, updated_at = ?
		 WHERE id IN (
		   SELECT id FROM enrollments
		   WHERE status != ? AND recipient_id NOT LIKE 'anon:%%'
		     AND COALESCE(completed_at, unsubscribed_at, failed_at) < ?
		   LIMIT %d)`, boundedLimit(limit)),
		time.Now().UTC(), string(schema.EnrollmentStatusActive), olderThan)
}

func (s *sqlStore) boundedExec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.q.ExecContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return 0, persistErr("retention sweep", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, persistErr("retention sweep", err)
	}
	return n, nil
}

func boundedLimit(limit int) int {
	if limit <= 0 {
		return 500
	}
	return limit
}

// --- Scan helpers ---

// transitionMiss classifies a zero-row compare-and-swap: the row either does
// not exist (NOT_FOUND) or its current status differs (INVALID_TRANSITION).
func (m *sqlMutator) transitionMiss(ctx context.Context, resource, table, id, expected, next string) error {
	var current string
	err := m.q.QueryRowContext(ctx, m.d.rebind(
		`SELECT status FROM `+table+` WHERE id = ?`), id).Scan(&current)
	if err == sql.ErrNoRows {
		return notFound(resource, id)
	}
	if err != nil {
		return persistErr("read "+resource+" status", err)
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid %s transition: %s -> %s (current status %s)", resource, expected, next, current).
		WithDetails(map[string]any{"id": id, "expected": expected, "next": next, "current": current})
}

func scanWorkflow(sc scanner) (*Workflow, error) {
	wf := &Workflow{}
	var (
		status                 string
		input, result, errJSON sql.NullString
		completedAt, failedAt  sql.NullTime
	)
	if err := sc.Scan(&wf.ID, &wf.Name, &status, &input, &result, &errJSON,
		&wf.CreatedAt, &wf.UpdatedAt, &completedAt, &failedAt); err != nil {
		return nil, err
	}
	wf.Status = schema.WorkflowStatus(status)
	wf.Input = rawOrNil(input)
	wf.Result = rawOrNil(result)
	wf.Error = rawOrNil(errJSON)
	wf.CompletedAt = timePtr(completedAt)
	wf.FailedAt = timePtr(failedAt)
	return wf, nil
}

func scanJob(sc scanner) (*Job, error) {
	job := &Job{}
	var (
		status                            string
		priority                          int
		params, result                    sql.NullString
		errMsg, claimedBy                 sql.NullString
		leaseExpires, startedAt, complete sql.NullTime
	)
	if err := sc.Scan(&job.ID, &job.Type, &status, &priority, &params, &result, &errMsg,
		&claimedBy, &leaseExpires, &job.CreatedAt, &startedAt, &complete, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.Status = schema.JobStatus(status)
	job.Priority = schema.PriorityFromRank(priority)
	job.Parameters = rawOrNil(params)
	job.Result = rawOrNil(result)
	job.Error = errMsg.String
	job.ClaimedBy = claimedBy.String
	job.LeaseExpiresAt = timePtr(leaseExpires)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(complete)
	return job, nil
}

func scanEnrollment(sc scanner) (*Enrollment, error) {
	e := &Enrollment{}
	var (
		status                                        string
		nextAction, completedAt, unsubscribed, failed sql.NullTime
	)
	if err := sc.Scan(&e.ID, &e.CampaignID, &e.RecipientID, &status, &e.SequenceStep,
		&nextAction, &completedAt, &unsubscribed, &failed, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Status = schema.EnrollmentStatus(status)
	e.NextActionAt = timePtr(nextAction)
	e.CompletedAt = timePtr(completedAt)
	e.UnsubscribedAt = timePtr(unsubscribed)
	e.FailedAt = timePtr(failed)
	return e, nil
}

func scanFailure(sc scanner) (*FailureRecord, error) {
	rec := &FailureRecord{}
	var workflowID, jobID, enrollmentID, contextJSON sql.NullString
	if err := sc.Scan(&rec.ID, &workflowID, &jobID, &enrollmentID,
		&rec.Step, &rec.Message, &contextJSON, &rec.CreatedAt); err != nil {
		return nil, err
	}
	switch {
	case workflowID.Valid:
		rec.OwnerType, rec.OwnerID = schema.OwnerWorkflow, workflowID.String
	case jobID.Valid:
		rec.OwnerType, rec.OwnerID = schema.OwnerJob, jobID.String
	case enrollmentID.Valid:
		rec.OwnerType, rec.OwnerID = schema.OwnerEnrollment, enrollmentID.String
	}
	rec.Context = rawOrNil(contextJSON)
	return rec, nil
}
