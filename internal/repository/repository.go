package repository

import (
	"context"
	"time"

	"github.com/sharp-crm/Sharp-crm2-sub002/internal/domain"
)

// UserRepository is the user lookup contract the auth core depends on.
// Missing users are reported as apperrors.ErrNotFound.
type UserRepository interface {
	// Create provisions a user. An existing identifier yields AlreadyExists.
	Create(ctx context.Context, user *domain.User) error

	// GetByIdentifier returns the user, including soft-deleted ones; callers
	// decide what a deleted account means for them.
	GetByIdentifier(ctx context.Context, identifier string) (*domain.User, error)

	// ListByTenant returns every active user of the tenant.
	ListByTenant(ctx context.Context, tenantID string) ([]domain.User, error)

	// UpdatePassword replaces the stored password hash.
	UpdatePassword(ctx context.Context, identifier, passwordHash string) error
}

// SessionRepository stores refresh token records keyed by jti. Every
// operation is atomic per key; no caller holds in-process locks.
type SessionRepository interface {
	// Create persists a new record.
	Create(ctx context.Context, rec *domain.RefreshTokenRecord) error

	// Get returns the record without modifying it.
	Get(ctx context.Context, jti string) (*domain.RefreshTokenRecord, error)

	// Consume atomically deletes the record and returns it. Of several
	// concurrent calls for one jti, exactly one gets the record; the rest get
	// apperrors.ErrNotFound.
	Consume(ctx context.Context, jti string) (*domain.RefreshTokenRecord, error)

	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, jti string) error

	// DeleteByUserID removes every record of the user and returns how many.
	DeleteByUserID(ctx context.Context, userID string) (int64, error)

	// DeleteExpired removes every record expired at now and returns how many.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	// Touch stamps the record's last-used time.
	Touch(ctx context.Context, jti string, at time.Time) error

	// ListByUserID returns the user's records, newest first.
	ListByUserID(ctx context.Context, userID string) ([]domain.RefreshTokenRecord, error)
}

// TaskRepository is the "all records of a tenant" contract the RBAC scoper
// post-filters, plus the writes guarded by it.
type TaskRepository interface {
	Create(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	ListByTenant(ctx context.Context, tenantID string) ([]domain.Task, error)
	Update(ctx context.Context, task *domain.Task) error
	Delete(ctx context.Context, id string) error
}
