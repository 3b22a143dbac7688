package httptransport

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"

	"email-extraction-service/internal/entity"
	"email-extraction-service/internal/service"
	"email-extraction-service/internal/websocket"
)

const maxUploadBytes = 256 << 20

type Handler struct {
	jobSvc     *service.JobService
	wsManager  *websocket.Manager
	uploadsDir string
	upgrader   ws.Upgrader
}

func NewHandler(jobSvc *service.JobService, wsManager *websocket.Manager, uploadsDir string) *Handler {
	return &Handler{
		jobSvc:     jobSvc,
		wsManager:  wsManager,
		uploadsDir: uploadsDir,
		upgrader: ws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

type createJobDTO struct {
	Files []string `json:"files"`
}

type createJobResp struct {
	ID string `json:"id"`
}

type uploadedFileResp struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	UploadedAt string `json:"uploaded_at"`
}

type jobResp struct {
	ID             string             `json:"id"`
	State          entity.JobState    `json:"state"`
	Files          []entity.InputFile `json:"files"`
	Attempts       int                `json:"attempts"`
	FilesProcessed int                `json:"files_processed"`
	FailedFiles    int                `json:"failed_files"`
	EmailsFound    int                `json:"emails_found"`
	ErrorSummary   *string            `json:"error_summary,omitempty"`
	HasArtifact    bool               `json:"has_artifact"`
	CreatedAt      string             `json:"created_at"`
	UpdatedAt      string             `json:"updated_at"`
	StartedAt      *string            `json:"started_at,omitempty"`
	CompletedAt    *string            `json:"completed_at,omitempty"`
}

func toJobResp(j *entity.Job) jobResp {
	resp := jobResp{
		ID:             j.ID.String(),
		State:          j.State,
		Files:          j.Files,
		Attempts:       j.Attempts,
		FilesProcessed: j.FilesProcessed,
		FailedFiles:    j.FailedFiles,
		EmailsFound:    j.EmailsFound,
		ErrorSummary:   j.ErrorSummary,
		HasArtifact:    j.OutputPath != nil,
		CreatedAt:      j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      j.UpdatedAt.Format(time.RFC3339),
	}
	if j.StartedAt != nil {
		s := j.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &s
	}
	if j.CompletedAt != nil {
		s := j.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &s
	}
	return resp
}

// UploadFiles godoc
// @Summary Upload input files
// @Description Stores uploaded files server-side so jobs can reference them later.
// @Tags files
// @Accept mpfd
// @Produce json
// @Param files formData file true "one or more files"
// @Success 201 {array} uploadedFileResp
// @Failure 400 {object} apiError
// @Failure 409 {object} apiError
// @Router /files [post]
func (h *Handler) UploadFiles(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeErr(w, http.StatusBadRequest, "no files in request")
		return
	}

	if err := os.MkdirAll(h.uploadsDir, 0o755); err != nil {
		writeErr(w, http.StatusInternalServerError, "uploads dir unavailable")
		return
	}

	var saved []uploadedFileResp
	for _, hdr := range headers {
		name := filepath.Base(hdr.Filename)
		if name == "" || name == "." || name == ".." {
			writeErr(w, http.StatusBadRequest, "bad file name")
			return
		}
		src, err := hdr.Open()
		if err != nil {
			writeErr(w, http.StatusBadRequest, "unreadable upload "+name)
			return
		}
		// O_EXCL: jobs reference uploads by name and treat them as
		// immutable, so an overwrite could mutate a pending job's inputs.
		dst, err := os.OpenFile(filepath.Join(h.uploadsDir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			src.Close()
			if os.IsExist(err) {
				writeErr(w, http.StatusConflict, "file already exists: "+name)
				return
			}
			writeErr(w, http.StatusInternalServerError, "store upload "+name)
			return
		}
		n, err := io.Copy(dst, src)
		src.Close()
		dst.Close()
		if err != nil {
			writeErr(w, http.StatusInternalServerError, "store upload "+name)
			return
		}
		saved = append(saved, uploadedFileResp{
			Name:       name,
			Size:       n,
			UploadedAt: time.Now().UTC().Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusCreated, saved)
}

// ListFiles godoc
// @Summary List uploaded files
// @Tags files
// @Produce json
// @Success 200 {array} uploadedFileResp
// @Router /files [get]
func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(h.uploadsDir)
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, http.StatusOK, []uploadedFileResp{})
			return
		}
		writeErr(w, http.StatusInternalServerError, "uploads dir unavailable")
		return
	}

	files := []uploadedFileResp{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, uploadedFileResp{
			Name:       e.Name(),
			Size:       info.Size(),
			UploadedAt: info.ModTime().UTC().Format(time.RFC3339),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].UploadedAt > files[j].UploadedAt })
	writeJSON(w, http.StatusOK, files)
}

// DeleteFile godoc
// @Summary Delete an uploaded file
// @Tags files
// @Param name path string true "file name"
// @Success 204
// @Failure 404 {object} apiError
// @Router /files/{name} [delete]
func (h *Handler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	name := filepath.Base(chi.URLParam(r, "name"))
	if name == "" || name == "." || name == ".." {
		writeErr(w, http.StatusBadRequest, "bad file name")
		return
	}
	if err := os.Remove(filepath.Join(h.uploadsDir, name)); err != nil {
		if os.IsNotExist(err) {
			writeErr(w, http.StatusNotFound, "file not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateJob godoc
// @Summary Create an extraction job
// @Description Creates a durable pending job over previously uploaded files; a worker picks it up asynchronously.
// @Tags jobs
// @Accept json
// @Produce json
// @Param request body createJobDTO true "uploaded file names"
// @Success 201 {object} createJobResp
// @Failure 400 {object} apiError
// @Failure 500 {object} apiError
// @Router /jobs [post]
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var dto createJobDTO
	if err := decodeJSON(r, &dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	id, err := h.jobSvc.CreateJob(r.Context(), dto.Files)
	if err != nil {
		if errors.Is(err, service.ErrInvalidInput) {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		writeErr(w, http.StatusInternalServerError, "create job failed")
		return
	}

	h.wsManager.Broadcast()
	writeJSON(w, http.StatusCreated, createJobResp{ID: id.String()})
}

// GetJob godoc
// @Summary Get job by id
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} jobResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /jobs/{id} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}
	job, err := h.jobSvc.GetJob(r.Context(), id)
	if err != nil {
		if service.IsNotFound(err) {
			writeErr(w, http.StatusNotFound, "job not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, toJobResp(job))
}

// ListJobs godoc
// @Summary List jobs, newest first
// @Tags jobs
// @Produce json
// @Param state query string false "filter by state (pending|running|completed|failed)"
// @Param limit query int false "max rows (default 100)"
// @Success 200 {array} jobResp
// @Router /jobs [get]
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	state := entity.JobState(r.URL.Query().Get("state"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	jobs, err := h.jobSvc.ListJobs(r.Context(), state, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "list failed")
		return
	}
	resp := make([]jobResp, 0, len(jobs))
	for i := range jobs {
		resp = append(resp, toJobResp(&jobs[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// CancelJob godoc
// @Summary Cancel a job
// @Description Pending jobs cancel immediately; running jobs stop at the next input-file boundary.
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 202
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /jobs/{id}/cancel [post]
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}
	err := h.jobSvc.CancelJob(r.Context(), id)
	switch {
	case err == nil:
		h.wsManager.Broadcast()
		w.WriteHeader(http.StatusAccepted)
	case service.IsNotFound(err):
		writeErr(w, http.StatusNotFound, "job not found")
	case errors.Is(err, service.ErrTerminal):
		writeErr(w, http.StatusConflict, err.Error())
	default:
		writeErr(w, http.StatusInternalServerError, "cancel failed")
	}
}

// GetArtifact godoc
// @Summary Download the output artifact
// @Tags jobs
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Param id path string true "job id (uuid)"
// @Success 200 {file} binary
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /jobs/{id}/artifact [get]
func (h *Handler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}
	rc, name, err := h.jobSvc.OpenArtifact(r.Context(), id)
	switch {
	case err == nil:
	case service.IsNotFound(err):
		writeErr(w, http.StatusNotFound, "job not found")
		return
	case errors.Is(err, service.ErrNotReady):
		writeErr(w, http.StatusConflict, err.Error())
		return
	default:
		writeErr(w, http.StatusInternalServerError, "artifact unavailable")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}

// GetMetrics godoc
// @Summary Job counts by state
// @Tags metrics
// @Produce json
// @Success 200 {object} entity.Metrics
// @Router /metrics [get]
func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.jobSvc.Metrics(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "metrics unavailable")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// HandleWebSocket upgrades the connection and streams job snapshots.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.wsManager.AddClient(conn)
}

func (h *Handler) jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}
