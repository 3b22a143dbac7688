package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"email-extraction-service/internal/entity"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrConflict means the job exists but is not in the state the
	// transition requires (e.g. completing a job that was requeued).
	ErrConflict = errors.New("job state conflict")

	// ErrNoPending is returned by Claim when no job is claimable.
	ErrNoPending = errors.New("no pending jobs")
)

// Open opens the SQLite database at path. _txlock=immediate makes
// transactions take the write lock up front so concurrent claims serialize
// instead of failing with SQLITE_BUSY.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("db dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	return db, nil
}

type JobRepository struct {
	db  *sql.DB
	log *slog.Logger
}

func NewJobRepository(db *sql.DB, log *slog.Logger) *JobRepository {
	if log == nil {
		log = slog.Default()
	}
	return &JobRepository{db: db, log: log}
}

func (r *JobRepository) InitSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	state            TEXT NOT NULL,
	input_files      TEXT NOT NULL,
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL DEFAULT 3,
	files_processed  INTEGER NOT NULL DEFAULT 0,
	failed_files     INTEGER NOT NULL DEFAULT 0,
	emails_found     INTEGER NOT NULL DEFAULT 0,
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	claimed_by       TEXT,
	error_summary    TEXT,
	output_path      TEXT,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL,
	started_at       DATETIME,
	heartbeat_at     DATETIME,
	completed_at     DATETIME
);

CREATE INDEX IF NOT EXISTS idx_jobs_state_created ON jobs(state, created_at, id);
CREATE INDEX IF NOT EXISTS idx_jobs_heartbeat ON jobs(heartbeat_at) WHERE heartbeat_at IS NOT NULL;
`
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

const jobColumns = `id, state, input_files, attempts, max_attempts, files_processed,
	failed_files, emails_found, cancel_requested, claimed_by, error_summary,
	output_path, created_at, updated_at, started_at, heartbeat_at, completed_at`

func (r *JobRepository) Create(ctx context.Context, job *entity.Job) error {
	files, err := json.Marshal(job.Files)
	if err != nil {
		return fmt.Errorf("marshal input files: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, state, input_files, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID.String(), string(entity.StatePending), string(files),
		job.MaxAttempts, job.CreatedAt, job.CreatedAt)
	if err != nil {
		return err
	}
	r.log.Info("job created", "job_id", job.ID, "files", len(job.Files))
	return nil
}

func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id.String())
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// List returns jobs newest first, optionally filtered by state.
func (r *JobRepository) List(ctx context.Context, state entity.JobState, limit int) ([]entity.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []entity.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// Claim atomically takes ownership of the oldest pending job for owner:
// pending -> running, attempts incremented, heartbeat stamped. Under
// concurrent claims exactly one caller gets each job; the selection order is
// created_at then id so dispatch is deterministic.
func (r *JobRepository) Claim(ctx context.Context, owner string) (*entity.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE state = ?
		ORDER BY created_at ASC, id ASC
		LIMIT 1`, string(entity.StatePending)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoPending
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, claimed_by = ?, attempts = attempts + 1,
		    started_at = ?, heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(entity.StateRunning), owner, now, now, now,
		id, string(entity.StatePending))
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// lost the race inside the window; caller just polls again
		return nil, ErrNoPending
	}

	job, err := scanJob(tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	r.log.Info("job claimed", "job_id", job.ID, "owner", owner, "attempt", job.Attempts)
	return job, nil
}

// Heartbeat refreshes the liveness stamp for a job the owner still holds.
// ErrConflict means ownership was lost (requeued or finished elsewhere);
// the worker should stop touching the job.
func (r *JobRepository) Heartbeat(ctx context.Context, id uuid.UUID, owner string) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND state = ? AND claimed_by = ?`,
		now, now, id.String(), string(entity.StateRunning), owner)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// SetProgress records how many input files the owner has finished so far.
func (r *JobRepository) SetProgress(ctx context.Context, id uuid.UUID, owner string, processed int) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET files_processed = ?, updated_at = ?
		WHERE id = ? AND state = ? AND claimed_by = ?`,
		processed, now, id.String(), string(entity.StateRunning), owner)
	return err
}

// Complete transitions running -> completed and sets the output reference.
// The output path is only ever written here, so it is set iff the job
// completed.
func (r *JobRepository) Complete(ctx context.Context, id uuid.UUID, owner, outputPath string, emailsFound, failedFiles int, errorSummary string) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, output_path = ?, emails_found = ?, failed_files = ?,
		    error_summary = ?, heartbeat_at = NULL, claimed_by = NULL,
		    completed_at = ?, updated_at = ?
		WHERE id = ? AND state = ? AND claimed_by = ?`,
		string(entity.StateCompleted), outputPath, emailsFound, failedFiles,
		nullString(errorSummary), now, now,
		id.String(), string(entity.StateRunning), owner)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.conflictOrMissing(ctx, id)
	}
	r.log.Info("job completed", "job_id", id, "emails", emailsFound, "failed_files", failedFiles)
	return nil
}

// Fail transitions running -> failed with a reason. Used for job-fatal
// errors and cooperative cancellation; never called without a reason.
func (r *JobRepository) Fail(ctx context.Context, id uuid.UUID, owner, reason string) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, error_summary = ?, heartbeat_at = NULL, claimed_by = NULL,
		    completed_at = ?, updated_at = ?
		WHERE id = ? AND state = ? AND claimed_by = ?`,
		string(entity.StateFailed), reason, now, now,
		id.String(), string(entity.StateRunning), owner)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.conflictOrMissing(ctx, id)
	}
	r.log.Warn("job failed", "job_id", id, "reason", reason)
	return nil
}

// CancelPending cancels a job that has not been claimed yet. Returns false
// if the job was not pending (caller decides what that means).
func (r *JobRepository) CancelPending(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, error_summary = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(entity.StateFailed), reason, now, now,
		id.String(), string(entity.StatePending))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RequestCancel flags a running job for cooperative cancellation. The
// owning worker observes the flag between input files.
func (r *JobRepository) RequestCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET cancel_requested = 1, updated_at = ?
		WHERE id = ? AND state = ?`,
		now, id.String(), string(entity.StateRunning))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RequeueStale recovers jobs whose owner stopped heartbeating: back to
// pending while attempts remain, straight to failed once they are used up.
// Attempts are counted at claim time, so requeue itself does not increment.
func (r *JobRepository) RequeueStale(ctx context.Context, olderThan time.Time) (requeued, failed int64, err error) {
	now := time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, error_summary = ?, heartbeat_at = NULL, claimed_by = NULL,
		    completed_at = ?, updated_at = ?
		WHERE state = ? AND heartbeat_at < ? AND attempts >= max_attempts`,
		string(entity.StateFailed),
		"worker lost and max attempts exhausted", now, now,
		string(entity.StateRunning), olderThan)
	if err != nil {
		return 0, 0, err
	}
	failed, _ = res.RowsAffected()

	res, err = r.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, started_at = NULL, heartbeat_at = NULL, claimed_by = NULL,
		    files_processed = 0, updated_at = ?
		WHERE state = ? AND heartbeat_at < ? AND attempts < max_attempts`,
		string(entity.StatePending), now,
		string(entity.StateRunning), olderThan)
	if err != nil {
		return 0, failed, err
	}
	requeued, _ = res.RowsAffected()

	if requeued > 0 || failed > 0 {
		r.log.Warn("stale jobs recovered", "requeued", requeued, "failed", failed)
	}
	return requeued, failed, nil
}

func (r *JobRepository) CountByState(ctx context.Context) (entity.Metrics, error) {
	var m entity.Metrics
	rows, err := r.db.QueryContext(ctx,
		`SELECT state, COUNT(*), COALESCE(SUM(emails_found), 0) FROM jobs GROUP BY state`)
	if err != nil {
		return m, err
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var count, emails int64
		if err := rows.Scan(&state, &count, &emails); err != nil {
			return m, err
		}
		m.TotalJobs += count
		m.EmailsFound += emails
		switch entity.JobState(state) {
		case entity.StatePending:
			m.PendingJobs = count
		case entity.StateRunning:
			m.RunningJobs = count
		case entity.StateCompleted:
			m.CompletedJobs = count
		case entity.StateFailed:
			m.FailedJobs = count
		}
	}
	return m, rows.Err()
}

func (r *JobRepository) conflictOrMissing(ctx context.Context, id uuid.UUID) error {
	var state string
	err := r.db.QueryRowContext(ctx,
		`SELECT state FROM jobs WHERE id = ?`, id.String()).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s", ErrConflict, id, state)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*entity.Job, error) {
	var (
		job          entity.Job
		idText       string
		stateText    string
		filesJSON    string
		claimedBy    sql.NullString
		errorSummary sql.NullString
		outputPath   sql.NullString
		startedAt    sql.NullTime
		heartbeatAt  sql.NullTime
		completedAt  sql.NullTime
	)

	err := row.Scan(&idText, &stateText, &filesJSON, &job.Attempts, &job.MaxAttempts,
		&job.FilesProcessed, &job.FailedFiles, &job.EmailsFound, &job.CancelRequested,
		&claimedBy, &errorSummary, &outputPath,
		&job.CreatedAt, &job.UpdatedAt, &startedAt, &heartbeatAt, &completedAt)
	if err != nil {
		return nil, err
	}

	job.ID, err = uuid.Parse(idText)
	if err != nil {
		return nil, fmt.Errorf("bad job id %q: %w", idText, err)
	}
	job.State = entity.JobState(stateText)
	if err := json.Unmarshal([]byte(filesJSON), &job.Files); err != nil {
		return nil, fmt.Errorf("unmarshal input files: %w", err)
	}
	job.ClaimedBy = claimedBy.String
	if errorSummary.Valid {
		job.ErrorSummary = &errorSummary.String
	}
	if outputPath.Valid {
		job.OutputPath = &outputPath.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if heartbeatAt.Valid {
		t := heartbeatAt.Time
		job.HeartbeatAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
