package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sharp-crm/Sharp-crm2-sub002/internal/domain"
	"github.com/sharp-crm/Sharp-crm2-sub002/internal/rbac"
	"github.com/sharp-crm/Sharp-crm2-sub002/internal/repository"
	apperrors "github.com/sharp-crm/Sharp-crm2-sub002/pkg/errors"
	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/pagination"
)

// TaskService serves tasks through the RBAC scope of the caller. Records
// outside the scope behave exactly like records that do not exist.
type TaskService struct {
	tasks  repository.TaskRepository
	users  repository.UserRepository
	now    func() time.Time
	logger *slog.Logger
}

// NewTaskService creates a new task service. now may be nil.
func NewTaskService(tasks repository.TaskRepository, users repository.UserRepository, now func() time.Time, logger *slog.Logger) *TaskService {
	if now == nil {
		now = time.Now
	}
	return &TaskService{
		tasks:  tasks,
		users:  users,
		now:    now,
		logger: logger,
	}
}

// CreateTaskInput holds the parameters for creating a task.
type CreateTaskInput struct {
	Title       string
	Description string
	AssigneeID  string
	DueAt       *time.Time
}

// scope resolves the caller's scope. Only the team tier needs the tenant's
// users, so the lookup is skipped for the others.
func (s *TaskService) scope(ctx context.Context, identity domain.Identity) (rbac.Scope, error) {
	if identity.Role.Tier() != domain.TierTeam {
		return rbac.NewScope(identity, nil), nil
	}
	users, err := s.users.ListByTenant(ctx, identity.TenantID)
	if err != nil {
		return rbac.Scope{}, storeError(err)
	}
	return rbac.NewScope(identity, users), nil
}

// List returns the page of tasks visible to identity and the visible total.
func (s *TaskService) List(ctx context.Context, identity domain.Identity, page pagination.Params) ([]domain.Task, int, error) {
	scope, err := s.scope(ctx, identity)
	if err != nil {
		return nil, 0, err
	}
	if scope.Tier() == domain.TierNone {
		return []domain.Task{}, 0, nil
	}

	all, err := s.tasks.ListByTenant(ctx, identity.TenantID)
	if err != nil {
		return nil, 0, storeError(err)
	}

	visible := rbac.Filter(scope, all)
	return pagination.Slice(visible, page), len(visible), nil
}

// Get returns a task visible to identity.
func (s *TaskService) Get(ctx context.Context, identity domain.Identity, id string) (*domain.Task, error) {
	scope, err := s.scope(ctx, identity)
	if err != nil {
		return nil, err
	}
	return s.visible(ctx, scope, id)
}

// Create adds a task in the caller's tenant. The assignee defaults to the
// caller and must fall inside the caller's scope.
func (s *TaskService) Create(ctx context.Context, identity domain.Identity, input CreateTaskInput) (*domain.Task, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, apperrors.InvalidInput("title is required")
	}

	scope, err := s.scope(ctx, identity)
	if err != nil {
		return nil, err
	}

	assignee := domain.NormalizeIdentifier(input.AssigneeID)
	if assignee == "" {
		assignee = identity.UserID
	}
	if !scope.CanAssignTo(assignee) {
		return nil, apperrors.InsufficientRole("assigning tasks outside your scope")
	}

	now := s.now().UTC()
	task := &domain.Task{
		ID:          uuid.New().String(),
		TenantID:    identity.TenantID,
		AssigneeID:  assignee,
		Title:       title,
		Description: input.Description,
		Status:      domain.TaskStatusOpen,
		DueAt:       input.DueAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, storeError(err)
	}

	s.logger.InfoContext(ctx, "task created",
		slog.String("task_id", task.ID),
		slog.String("assignee_id", task.AssigneeID),
	)
	return task, nil
}

// Update applies patch to a task visible to identity.
func (s *TaskService) Update(ctx context.Context, identity domain.Identity, id string, patch domain.TaskPatch) (*domain.Task, error) {
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, apperrors.InvalidInput("unknown task status")
	}
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return nil, apperrors.InvalidInput("title must not be empty")
	}

	scope, err := s.scope(ctx, identity)
	if err != nil {
		return nil, err
	}

	task, err := s.visible(ctx, scope, id)
	if err != nil {
		return nil, err
	}

	if patch.AssigneeID != nil {
		assignee := domain.NormalizeIdentifier(*patch.AssigneeID)
		if !scope.CanAssignTo(assignee) {
			return nil, apperrors.InsufficientRole("assigning tasks outside your scope")
		}
		patch.AssigneeID = &assignee
	}

	patch.Apply(task)
	task.UpdatedAt = s.now().UTC()

	if err := s.tasks.Update(ctx, task); err != nil {
		return nil, storeError(err)
	}
	return task, nil
}

// Delete hard-deletes a task. Visibility is checked first so an
// out-of-scope task is not found rather than forbidden.
func (s *TaskService) Delete(ctx context.Context, identity domain.Identity, id string) error {
	scope, err := s.scope(ctx, identity)
	if err != nil {
		return err
	}

	if _, err := s.visible(ctx, scope, id); err != nil {
		return err
	}

	if !rbac.CanHardDelete(identity) {
		return apperrors.InsufficientRole("hard delete")
	}

	if err := s.tasks.Delete(ctx, id); err != nil {
		return storeError(err)
	}

	s.logger.InfoContext(ctx, "task deleted", slog.String("task_id", id))
	return nil
}

func (s *TaskService) visible(ctx context.Context, scope rbac.Scope, id string) (*domain.Task, error) {
	task, err := s.tasks.GetByID(ctx, id)
	if err != nil {
		return nil, storeError(err)
	}
	if !scope.Visible(task) {
		return nil, apperrors.NotFound("task", id)
	}
	return task, nil
}
