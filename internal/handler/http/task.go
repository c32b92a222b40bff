package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sharp-crm/Sharp-crm2-sub002/internal/domain"
	"github.com/sharp-crm/Sharp-crm2-sub002/internal/service"
	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/httputil"
	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/pagination"
	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/validator"
)

// TaskHandler serves the scoped task endpoints.
type TaskHandler struct {
	service *service.TaskService
	logger  *slog.Logger
}

// NewTaskHandler creates a new task HTTP handler.
func NewTaskHandler(svc *service.TaskService, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{service: svc, logger: logger}
}

// CreateTaskRequest is the JSON request body for creating a task.
type CreateTaskRequest struct {
	Title       string     `json:"title" validate:"required,max=200"`
	Description string     `json:"description" validate:"max=4000"`
	AssigneeID  string     `json:"assigneeId" validate:"omitempty,max=254"`
	DueAt       *time.Time `json:"dueAt"`
}

// UpdateTaskRequest is the JSON request body for a partial task update.
type UpdateTaskRequest struct {
	Title       *string    `json:"title" validate:"omitempty,min=1,max=200"`
	Description *string    `json:"description" validate:"omitempty,max=4000"`
	Status      *string    `json:"status" validate:"omitempty,oneof=open in_progress done"`
	AssigneeID  *string    `json:"assigneeId" validate:"omitempty,max=254"`
	DueAt       *time.Time `json:"dueAt"`
}

// List handles GET /api/v1/tasks
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(w, r)
	if !ok {
		return
	}

	page := pagination.FromRequest(r)
	tasks, total, err := h.service.List(r.Context(), identity, page)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.NewPaginatedResponse(tasks, total, page.Page, page.PerPage))
}

// Create handles POST /api/v1/tasks
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(w, r)
	if !ok {
		return
	}

	var req CreateTaskRequest
	if err := validator.DecodeAndValidate(w, r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	task, err := h.service.Create(r.Context(), identity, service.CreateTaskInput{
		Title:       req.Title,
		Description: req.Description,
		AssigneeID:  req.AssigneeID,
		DueAt:       req.DueAt,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusCreated, task)
}

// Get handles GET /api/v1/tasks/{id}
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	task, err := h.service.Get(r.Context(), identity, id.String())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, task)
}

// Update handles PATCH /api/v1/tasks/{id}
func (h *TaskHandler) Update(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	var req UpdateTaskRequest
	if err := validator.DecodeAndValidate(w, r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	patch := domain.TaskPatch{
		Title:       req.Title,
		Description: req.Description,
		AssigneeID:  req.AssigneeID,
		DueAt:       req.DueAt,
	}
	if req.Status != nil {
		status := domain.TaskStatus(*req.Status)
		patch.Status = &status
	}

	task, err := h.service.Update(r.Context(), identity, id.String(), patch)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, task)
}

// Delete handles DELETE /api/v1/tasks/{id}. Only the tenant-wide tier may
// hard-delete; the task must be visible first.
func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), identity, id.String()); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
