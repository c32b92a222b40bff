package domain

import "time"

// TaskStatus is the workflow state of a task.
type TaskStatus string

const (
	TaskStatusOpen       TaskStatus = "open"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusDone       TaskStatus = "done"
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusOpen, TaskStatusInProgress, TaskStatusDone:
		return true
	}
	return false
}

// Task is a CRM task. Only TenantID and AssigneeID take part in access control.
type Task struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenantId"`
	AssigneeID  string     `json:"assigneeId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	DueAt       *time.Time `json:"dueAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Tenant returns the owning tenant.
func (t Task) Tenant() string { return t.TenantID }

// Owner returns the assignee.
func (t Task) Owner() string { return t.AssigneeID }

// TaskPatch carries the fields of a partial task update.
type TaskPatch struct {
	Title       *string
	Description *string
	Status      *TaskStatus
	AssigneeID  *string
	DueAt       *time.Time
}

// Apply copies the set fields onto t.
func (p TaskPatch) Apply(t *Task) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.AssigneeID != nil {
		t.AssigneeID = *p.AssigneeID
	}
	if p.DueAt != nil {
		t.DueAt = p.DueAt
	}
}
