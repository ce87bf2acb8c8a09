// Package api provides the admin REST API: job lifecycle, execution logs,
// webhook push records, chat-group channels and push templates.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/moniwatch/moniwatch/internal/manager"
	"github.com/moniwatch/moniwatch/internal/models"
	"github.com/moniwatch/moniwatch/internal/notify"
	"github.com/moniwatch/moniwatch/internal/scheduler"
	"github.com/moniwatch/moniwatch/internal/storage"
	"github.com/rs/zerolog"
)

// JobManager is the lifecycle surface the handlers drive.
type JobManager interface {
	Create(ctx context.Context, job *models.Job, operator string) (*models.Job, error)
	Update(ctx context.Context, job *models.Job, operator string) (*models.Job, error)
	Remove(ctx context.Context, id int64, operator string) error
	Pause(ctx context.Context, id int64, operator string) (*models.Job, error)
	Resume(ctx context.Context, id int64, operator string) (*models.Job, error)
	RunNow(ctx context.Context, id int64, operator string) error
	Get(ctx context.Context, id int64) (*models.Job, error)
	List(ctx context.Context, filter models.JobFilter) ([]*models.Job, error)
	Import(ctx context.Context, jobs []*models.Job, updateSupport bool, operator string) (*manager.ImportReport, error)
}

// ScheduleView exposes scheduler state for responses.
type ScheduleView interface {
	NextRun(key models.JobKey) (time.Time, bool)
	Entries() []scheduler.Entry
}

// HandlerStore defines the storage operations needed by the admin handlers.
type HandlerStore interface {
	storage.LogStore
	storage.PushStore
	storage.ConfigStore
}

// Handler handles API requests.
type Handler struct {
	jobs      JobManager
	schedule  ScheduleView
	store     HandlerStore
	templates *notify.Templates
	logger    zerolog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(jobs JobManager, schedule ScheduleView, store HandlerStore, templates *notify.Templates, logger zerolog.Logger) *Handler {
	return &Handler{
		jobs:      jobs,
		schedule:  schedule,
		store:     store,
		templates: templates,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// Response is a generic API response.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo contains error details.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JobResponse is the response for job operations.
type JobResponse struct {
	*models.Job
	Code    string     `json:"code"`
	NextRun *time.Time `json:"next_run,omitempty"`
}

// ListJobsResponse is the response for listing jobs.
type ListJobsResponse struct {
	Jobs  []*JobResponse `json:"jobs"`
	Total int            `json:"total"`
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"status":    "healthy",
			"timestamp": time.Now().UTC(),
		},
	})
}

// CreateJob handles POST /api/v1/jobs.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var job models.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		h.WriteAPIError(w, ErrInvalidJSON)
		return
	}
	job.ID = 0

	created, err := h.jobs.Create(r.Context(), &job, OperatorFromContext(r.Context()))
	if h.HandleError(w, err, "create job") {
		return
	}
	writeJSON(w, http.StatusCreated, Response{Success: true, Data: h.jobToResponse(created)})
}

// ImportJobs handles POST /api/v1/jobs/import.
func (h *Handler) ImportJobs(w http.ResponseWriter, r *http.Request) {
	var jobs []*models.Job
	if err := json.NewDecoder(r.Body).Decode(&jobs); err != nil {
		h.WriteAPIError(w, ErrInvalidJSON)
		return
	}
	updateSupport, _ := strconv.ParseBool(r.URL.Query().Get("update_support"))

	report, err := h.jobs.Import(r.Context(), jobs, updateSupport, OperatorFromContext(r.Context()))
	if err != nil {
		apiErr := MapDomainError(err)
		if report == nil || apiErr.Code == ErrCodeInternalError {
			h.HandleError(w, err, "import jobs")
			return
		}
		writeJSON(w, apiErr.HTTPStatus, Response{
			Success: false,
			Data:    report,
			Error:   &ErrorInfo{Code: apiErr.Code, Message: apiErr.Message},
		})
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: report})
}

// GetJob handles GET /api/v1/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}
	job, err := h.jobs.Get(r.Context(), id)
	if h.HandleError(w, err, "get job") {
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: h.jobToResponse(job)})
}

// ListJobs handles GET /api/v1/jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.JobFilter{
		Kind:     models.JobKind(q.Get("kind")),
		Platform: q.Get("platform"),
		Status:   models.JobStatus(q.Get("status")),
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		h.WriteAPIError(w, NewValidationError("unknown kind "+string(filter.Kind)))
		return
	}

	jobs, err := h.jobs.List(r.Context(), filter)
	if h.HandleError(w, err, "list jobs") {
		return
	}

	resp := ListJobsResponse{Jobs: make([]*JobResponse, 0, len(jobs)), Total: len(jobs)}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, h.jobToResponse(job))
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: resp})
}

// UpdateJob handles PUT /api/v1/jobs/{id}.
func (h *Handler) UpdateJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}
	var job models.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		h.WriteAPIError(w, ErrInvalidJSON)
		return
	}
	job.ID = id

	updated, err := h.jobs.Update(r.Context(), &job, OperatorFromContext(r.Context()))
	if h.HandleError(w, err, "update job") {
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: h.jobToResponse(updated)})
}

// DeleteJob handles DELETE /api/v1/jobs/{id}.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}
	if h.HandleError(w, h.jobs.Remove(r.Context(), id, OperatorFromContext(r.Context())), "delete job") {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PauseJob handles POST /api/v1/jobs/{id}/pause.
func (h *Handler) PauseJob(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.jobs.Pause)
}

// ResumeJob handles POST /api/v1/jobs/{id}/resume.
func (h *Handler) ResumeJob(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.jobs.Resume)
}

func (h *Handler) changeStatus(w http.ResponseWriter, r *http.Request, op func(context.Context, int64, string) (*models.Job, error)) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}
	job, err := op(r.Context(), id, OperatorFromContext(r.Context()))
	if h.HandleError(w, err, "change job status") {
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: h.jobToResponse(job)})
}

// RunJob handles POST /api/v1/jobs/{id}/run. The firing runs
// asynchronously; the response only acknowledges it.
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}
	operator := OperatorFromContext(r.Context())
	if h.HandleError(w, h.jobs.RunNow(r.Context(), id, operator), "run job") {
		return
	}
	writeJSON(w, http.StatusAccepted, Response{
		Success: true,
		Data: map[string]interface{}{
			"job_id":   id,
			"operator": operator,
			"message":  "Job triggered",
		},
	})
}

// ListEntries handles GET /api/v1/scheduler/entries.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	entries := h.schedule.Entries()
	writeJSON(w, http.StatusOK, Response{Success: true, Data: map[string]interface{}{
		"entries": entries,
		"total":   len(entries),
	}})
}

func (h *Handler) jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.WriteAPIError(w, ErrInvalidID)
		return 0, false
	}
	return id, true
}

func (h *Handler) jobToResponse(job *models.Job) *JobResponse {
	resp := &JobResponse{Job: job, Code: job.Code()}
	if h.schedule != nil {
		if next, ok := h.schedule.NextRun(job.Key()); ok {
			resp.NextRun = &next
		}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
