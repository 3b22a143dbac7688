package worker

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"email-extraction-service/internal/entity"
	"email-extraction-service/internal/extract"
)

// Store is the slice of the job store a processor mutates. Every mutation
// is owner-guarded in the implementation, so a processor that lost its
// claim gets ErrConflict instead of clobbering the new owner.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	Heartbeat(ctx context.Context, id uuid.UUID, owner string) error
	SetProgress(ctx context.Context, id uuid.UUID, owner string, processed int) error
	Complete(ctx context.Context, id uuid.UUID, owner, outputPath string, emailsFound, failedFiles int, errorSummary string) error
	Fail(ctx context.Context, id uuid.UUID, owner, reason string) error
}

// ArtifactWriter materializes a result set (implementation: artifact.Writer).
type ArtifactWriter interface {
	Write(jobID uuid.UUID, rs *extract.ResultSet) (string, error)
}

type Processor struct {
	store          Store
	registry       *extract.Registry
	artifacts      ArtifactWriter
	heartbeatEvery time.Duration
}

func NewProcessor(store Store, registry *extract.Registry, artifacts ArtifactWriter, heartbeatEvery time.Duration) *Processor {
	if heartbeatEvery <= 0 {
		heartbeatEvery = 5 * time.Second
	}
	return &Processor{
		store:          store,
		registry:       registry,
		artifacts:      artifacts,
		heartbeatEvery: heartbeatEvery,
	}
}

// Process runs one claimed job to a terminal state. Per-file extraction
// failures are absorbed into the error summary and never abort sibling
// files; only zero readable inputs or an artifact-write failure fail the
// whole job. The cancel flag is honored between input files.
func (p *Processor) Process(ctx context.Context, owner string, job *entity.Job) error {
	// Detach from the pool's shutdown signal: a claimed job runs to a
	// terminal state, otherwise every restart abandons it in running and
	// burns an attempt waiting out the liveness deadline.
	ctx = context.WithoutCancel(ctx)

	start := time.Now()
	log.Printf("[%s] job_id=%s state=running files=%d attempt=%d",
		owner, job.ID, len(job.Files), job.Attempts)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go p.heartbeatLoop(hbCtx, owner, job.ID)

	results := extract.NewResultSet()
	var fileErrors []string
	readable := 0

	for i, file := range job.Files {
		if cancelled, err := p.cancelRequested(ctx, job.ID); err == nil && cancelled {
			stopHeartbeat()
			return p.store.Fail(ctx, job.ID, owner, "cancelled")
		}

		hits, err := p.registry.Extract(ctx, file)
		if err != nil {
			fileErrors = append(fileErrors, fmt.Sprintf("%s: %v", file.Name, err))
			log.Printf("[%s] job_id=%s file=%s extract error: %v", owner, job.ID, file.Name, err)
		} else {
			readable++
			results.Add(file.Name, hits)
		}

		if err := p.store.SetProgress(ctx, job.ID, owner, i+1); err != nil {
			log.Printf("[%s] job_id=%s progress update error: %v", owner, job.ID, err)
		}
	}

	stopHeartbeat()
	summary := strings.Join(fileErrors, "; ")

	if readable == 0 {
		return p.store.Fail(ctx, job.ID, owner, "no processable input: "+summary)
	}

	outputPath, err := p.artifacts.Write(job.ID, results)
	if err != nil {
		// storage failure is terminal, not requeued
		return p.store.Fail(ctx, job.ID, owner, "write artifact: "+err.Error())
	}

	if err := p.store.Complete(ctx, job.ID, owner, outputPath, results.Len(), len(fileErrors), summary); err != nil {
		return err
	}
	log.Printf("[%s] job_id=%s state=completed emails=%d failed_files=%d duration_ms=%d",
		owner, job.ID, results.Len(), len(fileErrors), time.Since(start).Milliseconds())
	return nil
}

// cancelRequested re-reads the job row; this is the cooperative
// cancellation check at the input-file boundary.
func (p *Processor) cancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	job, err := p.store.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	return job.CancelRequested, nil
}

func (p *Processor) heartbeatLoop(ctx context.Context, owner string, id uuid.UUID) {
	ticker := time.NewTicker(p.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.Heartbeat(ctx, id, owner); err != nil {
				// ownership lost; the reaper took the job back
				log.Printf("[%s] job_id=%s heartbeat error: %v", owner, id, err)
				return
			}
		}
	}
}
