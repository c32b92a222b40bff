package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/sharp-crm/Sharp-crm2-sub002/internal/domain"
	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/database"
	apperrors "github.com/sharp-crm/Sharp-crm2-sub002/pkg/errors"
)

const taskColumns = `id, tenant_id, assignee_id, title, description, status, due_at, created_at, updated_at`

// TaskRepository implements repository.TaskRepository using PostgreSQL.
type TaskRepository struct {
	db database.DBTX
}

// NewTaskRepository creates a new PostgreSQL-backed task repository.
func NewTaskRepository(db database.DBTX) *TaskRepository {
	return &TaskRepository{db: db}
}

// Create inserts a new task.
func (r *TaskRepository) Create(ctx context.Context, t *domain.Task) (err error) {
	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	ctx, end := database.TraceQuery(ctx, "CreateTask", query)
	defer func() { end(err) }()

	_, err = r.db.Exec(ctx, query,
		t.ID,
		t.TenantID,
		t.AssigneeID,
		t.Title,
		t.Description,
		string(t.Status),
		t.DueAt,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return apperrors.AlreadyExists("task", "id", t.ID)
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetByID retrieves a task by its ID.
func (r *TaskRepository) GetByID(ctx context.Context, id string) (_ *domain.Task, err error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE id = $1`

	ctx, end := database.TraceQuery(ctx, "GetTask", query)
	defer func() { end(err) }()

	t, err := scanTask(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("task", id)
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}

// ListByTenant returns every task of the tenant, newest first.
func (r *TaskRepository) ListByTenant(ctx context.Context, tenantID string) (_ []domain.Task, err error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE tenant_id = $1
		ORDER BY created_at DESC, id`

	ctx, end := database.TraceQuery(ctx, "ListTasksByTenant", query)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		tasks = append(tasks, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}

	return tasks, nil
}

// Update writes the mutable task fields. The tenant is part of the key so a
// task can never be moved across tenants.
func (r *TaskRepository) Update(ctx context.Context, t *domain.Task) (err error) {
	query := `
		UPDATE tasks
		SET assignee_id = $1, title = $2, description = $3, status = $4, due_at = $5, updated_at = $6
		WHERE id = $7 AND tenant_id = $8`

	ctx, end := database.TraceQuery(ctx, "UpdateTask", query)
	defer func() { end(err) }()

	ct, err := r.db.Exec(ctx, query,
		t.AssigneeID,
		t.Title,
		t.Description,
		string(t.Status),
		t.DueAt,
		t.UpdatedAt,
		t.ID,
		t.TenantID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("task", t.ID)
	}
	return nil
}

// Delete hard-deletes a task.
func (r *TaskRepository) Delete(ctx context.Context, id string) (err error) {
	query := `DELETE FROM tasks WHERE id = $1`

	ctx, end := database.TraceQuery(ctx, "DeleteTask", query)
	defer func() { end(err) }()

	ct, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("task", id)
	}
	return nil
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	var (
		t      domain.Task
		status string
	)
	if err := row.Scan(
		&t.ID,
		&t.TenantID,
		&t.AssigneeID,
		&t.Title,
		&t.Description,
		&status,
		&t.DueAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.Status = domain.TaskStatus(status)
	return &t, nil
}
