package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"email-extraction-service/internal/entity"
	"email-extraction-service/internal/repository/sqlite"
)

var (
	// ErrInvalidInput: malformed request, no job was created.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotReady: the job exists but has no artifact yet.
	ErrNotReady = errors.New("job not completed")

	// ErrTerminal: the job already reached a terminal state.
	ErrTerminal = errors.New("job already terminal")
)

// Repository port (implementation: sqlite.JobRepository).
type JobRepository interface {
	Create(ctx context.Context, job *entity.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	List(ctx context.Context, state entity.JobState, limit int) ([]entity.Job, error)
	CancelPending(ctx context.Context, id uuid.UUID, reason string) (bool, error)
	RequestCancel(ctx context.Context, id uuid.UUID) (bool, error)
	CountByState(ctx context.Context) (entity.Metrics, error)
}

type JobService struct {
	repo        JobRepository
	uploadsDir  string
	maxAttempts int
}

func NewJobService(repo JobRepository, uploadsDir string, maxAttempts int) *JobService {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &JobService{repo: repo, uploadsDir: uploadsDir, maxAttempts: maxAttempts}
}

// CreateJob validates the referenced uploads and writes the durable job
// record in pending state. The gateway never touches the job again after
// this; workers own every later mutation.
func (s *JobService) CreateJob(ctx context.Context, filenames []string) (uuid.UUID, error) {
	if len(filenames) == 0 {
		return uuid.Nil, fmt.Errorf("%w: no input files", ErrInvalidInput)
	}

	files := make([]entity.InputFile, 0, len(filenames))
	for _, raw := range filenames {
		name := filepath.Base(raw) // uploads are flat; strip any traversal
		if name == "" || name == "." || name == ".." {
			return uuid.Nil, fmt.Errorf("%w: bad file name %q", ErrInvalidInput, raw)
		}
		path := filepath.Join(s.uploadsDir, name)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			return uuid.Nil, fmt.Errorf("%w: unreadable file %q", ErrInvalidInput, name)
		}
		f, err := os.Open(path)
		if err != nil {
			return uuid.Nil, fmt.Errorf("%w: unreadable file %q", ErrInvalidInput, name)
		}
		f.Close()

		mimeType := mime.TypeByExtension(filepath.Ext(name))
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		files = append(files, entity.InputFile{
			Path: path,
			Name: name,
			MIME: mimeType,
			Size: info.Size(),
		})
	}

	job := &entity.Job{
		ID:          uuid.New(),
		State:       entity.StatePending,
		Files:       files,
		MaxAttempts: s.maxAttempts,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return uuid.Nil, err
	}
	return job.ID, nil
}

func (s *JobService) GetJob(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *JobService) ListJobs(ctx context.Context, state entity.JobState, limit int) ([]entity.Job, error) {
	return s.repo.List(ctx, state, limit)
}

func (s *JobService) Metrics(ctx context.Context) (entity.Metrics, error) {
	return s.repo.CountByState(ctx)
}

// CancelJob cancels a pending job immediately and flags a running one for
// cooperative cancellation at the next input-file boundary.
func (s *JobService) CancelJob(ctx context.Context, id uuid.UUID) error {
	cancelled, err := s.repo.CancelPending(ctx, id, "cancelled")
	if err != nil {
		return err
	}
	if cancelled {
		return nil
	}

	flagged, err := s.repo.RequestCancel(ctx, id)
	if err != nil {
		return err
	}
	if flagged {
		return nil
	}

	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job is %s", ErrTerminal, job.State)
}

// OpenArtifact streams a completed job's output workbook. The caller
// closes the reader.
func (s *JobService) OpenArtifact(ctx context.Context, id uuid.UUID) (io.ReadCloser, string, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if job.State != entity.StateCompleted || job.OutputPath == nil {
		return nil, "", fmt.Errorf("%w: state is %s", ErrNotReady, job.State)
	}
	f, err := os.Open(*job.OutputPath)
	if err != nil {
		return nil, "", fmt.Errorf("open artifact: %w", err)
	}
	return f, filepath.Base(*job.OutputPath), nil
}

// IsNotFound reports whether err means the job does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, sqlite.ErrNotFound)
}
