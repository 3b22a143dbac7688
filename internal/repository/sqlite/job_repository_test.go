package sqlite_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"email-extraction-service/internal/entity"
	"email-extraction-service/internal/repository/sqlite"
)

func newTestRepo(t *testing.T) (*sqlite.JobRepository, *sql.DB) {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	repo := sqlite.NewJobRepository(db, nil)
	if err := repo.InitSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return repo, db
}

func newJob(t *testing.T, repo *sqlite.JobRepository, createdAt time.Time, maxAttempts int) uuid.UUID {
	t.Helper()

	job := &entity.Job{
		ID:          uuid.New(),
		State:       entity.StatePending,
		Files:       []entity.InputFile{{Path: "/tmp/in.txt", Name: "in.txt", MIME: "text/plain", Size: 10}},
		MaxAttempts: maxAttempts,
		CreatedAt:   createdAt,
	}
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job.ID
}

func backdateHeartbeat(t *testing.T, db *sql.DB, id uuid.UUID, age time.Duration) {
	t.Helper()
	_, err := db.Exec(`UPDATE jobs SET heartbeat_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-age), id.String())
	if err != nil {
		t.Fatalf("backdate heartbeat: %v", err)
	}
}

func TestClaim_CreationOrder(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	first := newJob(t, repo, base, 3)
	second := newJob(t, repo, base.Add(time.Minute), 3)
	third := newJob(t, repo, base.Add(2*time.Minute), 3)

	want := []uuid.UUID{first, second, third}
	for i, expected := range want {
		job, err := repo.Claim(ctx, "w1")
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if job.ID != expected {
			t.Fatalf("claim %d: expected %s, got %s", i, expected, job.ID)
		}
		if job.State != entity.StateRunning {
			t.Fatalf("claim %d: expected running, got %s", i, job.State)
		}
		if job.Attempts != 1 {
			t.Fatalf("claim %d: expected attempts=1, got %d", i, job.Attempts)
		}
		if job.HeartbeatAt == nil || job.StartedAt == nil {
			t.Fatalf("claim %d: heartbeat/started not stamped", i)
		}
	}

	if _, err := repo.Claim(ctx, "w1"); !errors.Is(err, sqlite.ErrNoPending) {
		t.Fatalf("expected ErrNoPending on drained queue, got %v", err)
	}
}

func TestClaim_ExactlyOneWinner(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	id := newJob(t, repo, time.Now().UTC(), 3)

	const claimants = 8
	var wg sync.WaitGroup
	winners := make(chan string, claimants)

	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			owner := "w" + string(rune('0'+n))
			job, err := repo.Claim(ctx, owner)
			if err == nil {
				winners <- job.ClaimedBy
				return
			}
			if !errors.Is(err, sqlite.ErrNoPending) {
				t.Errorf("unexpected claim error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	var got []string
	for w := range winners {
		got = append(got, w)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one successful claim, got %d (%v)", len(got), got)
	}

	job, err := repo.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.State != entity.StateRunning || job.Attempts != 1 {
		t.Fatalf("expected running with attempts=1, got %s attempts=%d", job.State, job.Attempts)
	}
}

func TestComplete_SetsOutputAndIsIdempotentToRead(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	newJob(t, repo, time.Now().UTC(), 3)
	job, err := repo.Claim(ctx, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := repo.Complete(ctx, job.ID, "w1", "/outputs/x.xlsx", 5, 1, "bad.bin: corrupt input"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	first, err := repo.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first.State != entity.StateCompleted {
		t.Fatalf("expected completed, got %s", first.State)
	}
	if first.OutputPath == nil || *first.OutputPath != "/outputs/x.xlsx" {
		t.Fatalf("expected output path set, got %v", first.OutputPath)
	}
	if first.EmailsFound != 5 || first.FailedFiles != 1 {
		t.Fatalf("unexpected counts: emails=%d failed=%d", first.EmailsFound, first.FailedFiles)
	}
	if first.ErrorSummary == nil || *first.ErrorSummary == "" {
		t.Fatal("expected error summary recorded")
	}
	if first.CompletedAt == nil {
		t.Fatal("expected completed_at stamped")
	}

	second, err := repo.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if second.State != first.State || *second.OutputPath != *first.OutputPath ||
		!second.CompletedAt.Equal(*first.CompletedAt) {
		t.Fatal("snapshot changed between reads of a completed job")
	}
}

func TestTerminalStateNeverTransitions(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	newJob(t, repo, time.Now().UTC(), 3)
	job, err := repo.Claim(ctx, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := repo.Complete(ctx, job.ID, "w1", "/outputs/x.xlsx", 1, 0, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := repo.Fail(ctx, job.ID, "w1", "should not apply"); !errors.Is(err, sqlite.ErrConflict) {
		t.Fatalf("expected ErrConflict failing a completed job, got %v", err)
	}
	if err := repo.Heartbeat(ctx, job.ID, "w1"); !errors.Is(err, sqlite.ErrConflict) {
		t.Fatalf("expected ErrConflict heartbeating a completed job, got %v", err)
	}
	if _, err := repo.Claim(ctx, "w2"); !errors.Is(err, sqlite.ErrNoPending) {
		t.Fatalf("expected no claimable jobs, got %v", err)
	}

	got, err := repo.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != entity.StateCompleted {
		t.Fatalf("terminal state mutated to %s", got.State)
	}
}

func TestHeartbeat_RequiresOwnership(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	newJob(t, repo, time.Now().UTC(), 3)
	job, err := repo.Claim(ctx, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := repo.Heartbeat(ctx, job.ID, "w1"); err != nil {
		t.Fatalf("owner heartbeat: %v", err)
	}
	if err := repo.Heartbeat(ctx, job.ID, "w2"); !errors.Is(err, sqlite.ErrConflict) {
		t.Fatalf("expected ErrConflict for non-owner heartbeat, got %v", err)
	}
}

func TestRequeueStale_ThenFailsAfterMaxAttempts(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	id := newJob(t, repo, time.Now().UTC(), 2)

	// first attempt dies silently
	if _, err := repo.Claim(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	backdateHeartbeat(t, db, id, time.Hour)

	requeued, failed, err := repo.RequeueStale(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if requeued != 1 || failed != 0 {
		t.Fatalf("expected requeued=1 failed=0, got %d/%d", requeued, failed)
	}

	job, err := repo.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.State != entity.StatePending {
		t.Fatalf("expected pending after requeue, got %s", job.State)
	}
	if job.Attempts != 1 {
		t.Fatalf("expected attempts=1 preserved, got %d", job.Attempts)
	}
	if job.HeartbeatAt != nil || job.ClaimedBy != "" {
		t.Fatal("expected ownership cleared on requeue")
	}

	// a second sweep with a fresh cutoff must not requeue again
	requeued, failed, err = repo.RequeueStale(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("second requeue: %v", err)
	}
	if requeued != 0 || failed != 0 {
		t.Fatalf("expected idle sweep, got requeued=%d failed=%d", requeued, failed)
	}

	// second attempt dies too; attempts are exhausted now
	if _, err := repo.Claim(ctx, "w2"); err != nil {
		t.Fatalf("second claim: %v", err)
	}
	backdateHeartbeat(t, db, id, time.Hour)

	requeued, failed, err = repo.RequeueStale(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("final requeue: %v", err)
	}
	if requeued != 0 || failed != 1 {
		t.Fatalf("expected requeued=0 failed=1, got %d/%d", requeued, failed)
	}

	job, err = repo.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.State != entity.StateFailed {
		t.Fatalf("expected failed after exhausting attempts, got %s", job.State)
	}
	if job.ErrorSummary == nil || *job.ErrorSummary == "" {
		t.Fatal("expected failure reason recorded")
	}
}

func TestCancelPendingAndRequestCancel(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	pending := newJob(t, repo, time.Now().UTC(), 3)
	cancelled, err := repo.CancelPending(ctx, pending, "cancelled")
	if err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if !cancelled {
		t.Fatal("expected pending job to cancel immediately")
	}
	job, _ := repo.GetByID(ctx, pending)
	if job.State != entity.StateFailed || job.ErrorSummary == nil || *job.ErrorSummary != "cancelled" {
		t.Fatalf("unexpected cancel result: state=%s summary=%v", job.State, job.ErrorSummary)
	}

	running := newJob(t, repo, time.Now().UTC(), 3)
	if _, err := repo.Claim(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok, _ := repo.CancelPending(ctx, running, "cancelled"); ok {
		t.Fatal("running job must not cancel via the pending path")
	}
	flagged, err := repo.RequestCancel(ctx, running)
	if err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	if !flagged {
		t.Fatal("expected running job to be flagged")
	}
	job, _ = repo.GetByID(ctx, running)
	if !job.CancelRequested || job.State != entity.StateRunning {
		t.Fatalf("expected running+flagged, got state=%s flagged=%v", job.State, job.CancelRequested)
	}
}

func TestGetByID_NotFound(t *testing.T) {
	repo, _ := newTestRepo(t)
	if _, err := repo.GetByID(context.Background(), uuid.New()); !errors.Is(err, sqlite.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCountByState(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	newJob(t, repo, time.Now().UTC(), 3)
	newJob(t, repo, time.Now().UTC(), 3)
	job, err := repo.Claim(ctx, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := repo.Complete(ctx, job.ID, "w1", "/outputs/a.xlsx", 7, 0, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	m, err := repo.CountByState(ctx)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.TotalJobs != 2 || m.PendingJobs != 1 || m.CompletedJobs != 1 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
	if m.EmailsFound != 7 {
		t.Fatalf("expected 7 emails total, got %d", m.EmailsFound)
	}
}
