package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"email-extraction-service/internal/entity"
	"email-extraction-service/internal/repository/sqlite"
)

// ErrNoJobs: nothing claimable right now; the worker re-polls.
var ErrNoJobs = errors.New("no claimable jobs")

// Queue is the dispatcher surface the worker pool consumes.
type Queue interface {
	Claim(ctx context.Context, owner string) (*entity.Job, error)
	RequeueStale(ctx context.Context) (requeued, failed int64, err error)
}

// Claim store port (implementation: sqlite.JobRepository). The queue keeps
// no state of its own: claimable entries are exactly the pending rows in
// the durable store, so a restart loses nothing.
type ClaimStore interface {
	Claim(ctx context.Context, owner string) (*entity.Job, error)
	RequeueStale(ctx context.Context, olderThan time.Time) (requeued, failed int64, err error)
}

type storeQueue struct {
	store    ClaimStore
	deadline time.Duration
}

// NewStoreQueue builds the dispatcher over the job store. deadline is the
// liveness window: a running job with no heartbeat for that long is
// considered orphaned by RequeueStale.
func NewStoreQueue(store ClaimStore, deadline time.Duration) Queue {
	return &storeQueue{store: store, deadline: deadline}
}

// Claim hands the oldest pending job to exactly one caller. Jobs come out
// in creation order; completion order across workers is unspecified.
func (q *storeQueue) Claim(ctx context.Context, owner string) (*entity.Job, error) {
	job, err := q.store.Claim(ctx, owner)
	if errors.Is(err, sqlite.ErrNoPending) {
		return nil, ErrNoJobs
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// RequeueStale is the crash-recovery sweep: running jobs whose heartbeat
// is past the liveness deadline go back to pending, or to failed once
// their attempts are exhausted.
func (q *storeQueue) RequeueStale(ctx context.Context) (int64, int64, error) {
	cutoff := time.Now().UTC().Add(-q.deadline)
	return q.store.RequeueStale(ctx, cutoff)
}

// WorkerOwner builds the claim-ownership token for one pool member.
func WorkerOwner(hostname string, pid, n int) string {
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d-%d", hostname, pid, n)
}
