package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sharp-crm/Sharp-crm2-sub002/internal/domain"
	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/breaker"
	apperrors "github.com/sharp-crm/Sharp-crm2-sub002/pkg/errors"
)

// guard runs fn through the breaker and turns infrastructure failures,
// including breaker rejections, into StoreUnavailable. Domain outcomes and
// caller cancellation pass through unchanged.
func guard[T any](b *breaker.Breaker, fn func() (T, error)) (T, error) {
	v, err := breaker.Call(b, fn)
	if err == nil || apperrors.IsDomain(err) || errors.Is(err, context.Canceled) {
		return v, err
	}
	var zero T
	return zero, apperrors.StoreUnavailable(err)
}

func guardDo(b *breaker.Breaker, fn func() error) error {
	_, err := guard(b, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// GuardedUserRepository wraps a UserRepository with a circuit breaker.
type GuardedUserRepository struct {
	next UserRepository
	cb   *breaker.Breaker
}

// NewGuardedUserRepository creates a breaker-guarded user repository.
func NewGuardedUserRepository(next UserRepository, cb *breaker.Breaker) *GuardedUserRepository {
	return &GuardedUserRepository{next: next, cb: cb}
}

func (g *GuardedUserRepository) Create(ctx context.Context, user *domain.User) error {
	return guardDo(g.cb, func() error { return g.next.Create(ctx, user) })
}

func (g *GuardedUserRepository) GetByIdentifier(ctx context.Context, identifier string) (*domain.User, error) {
	return guard(g.cb, func() (*domain.User, error) { return g.next.GetByIdentifier(ctx, identifier) })
}

func (g *GuardedUserRepository) ListByTenant(ctx context.Context, tenantID string) ([]domain.User, error) {
	return guard(g.cb, func() ([]domain.User, error) { return g.next.ListByTenant(ctx, tenantID) })
}

func (g *GuardedUserRepository) UpdatePassword(ctx context.Context, identifier, passwordHash string) error {
	return guardDo(g.cb, func() error { return g.next.UpdatePassword(ctx, identifier, passwordHash) })
}

// GuardedSessionRepository wraps a SessionRepository with a circuit breaker.
type GuardedSessionRepository struct {
	next SessionRepository
	cb   *breaker.Breaker
}

// NewGuardedSessionRepository creates a breaker-guarded session repository.
func NewGuardedSessionRepository(next SessionRepository, cb *breaker.Breaker) *GuardedSessionRepository {
	return &GuardedSessionRepository{next: next, cb: cb}
}

func (g *GuardedSessionRepository) Create(ctx context.Context, rec *domain.RefreshTokenRecord) error {
	return guardDo(g.cb, func() error { return g.next.Create(ctx, rec) })
}

func (g *GuardedSessionRepository) Get(ctx context.Context, jti string) (*domain.RefreshTokenRecord, error) {
	return guard(g.cb, func() (*domain.RefreshTokenRecord, error) { return g.next.Get(ctx, jti) })
}

func (g *GuardedSessionRepository) Consume(ctx context.Context, jti string) (*domain.RefreshTokenRecord, error) {
	return guard(g.cb, func() (*domain.RefreshTokenRecord, error) { return g.next.Consume(ctx, jti) })
}

func (g *GuardedSessionRepository) Delete(ctx context.Context, jti string) error {
	return guardDo(g.cb, func() error { return g.next.Delete(ctx, jti) })
}

func (g *GuardedSessionRepository) DeleteByUserID(ctx context.Context, userID string) (int64, error) {
	return guard(g.cb, func() (int64, error) { return g.next.DeleteByUserID(ctx, userID) })
}

func (g *GuardedSessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return guard(g.cb, func() (int64, error) { return g.next.DeleteExpired(ctx, now) })
}

func (g *GuardedSessionRepository) Touch(ctx context.Context, jti string, at time.Time) error {
	return guardDo(g.cb, func() error { return g.next.Touch(ctx, jti, at) })
}

func (g *GuardedSessionRepository) ListByUserID(ctx context.Context, userID string) ([]domain.RefreshTokenRecord, error) {
	return guard(g.cb, func() ([]domain.RefreshTokenRecord, error) { return g.next.ListByUserID(ctx, userID) })
}

// GuardedTaskRepository wraps a TaskRepository with a circuit breaker.
type GuardedTaskRepository struct {
	next TaskRepository
	cb   *breaker.Breaker
}

// NewGuardedTaskRepository creates a breaker-guarded task repository.
func NewGuardedTaskRepository(next TaskRepository, cb *breaker.Breaker) *GuardedTaskRepository {
	return &GuardedTaskRepository{next: next, cb: cb}
}

func (g *GuardedTaskRepository) Create(ctx context.Context, task *domain.Task) error {
	return guardDo(g.cb, func() error { return g.next.Create(ctx, task) })
}

func (g *GuardedTaskRepository) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	return guard(g.cb, func() (*domain.Task, error) { return g.next.GetByID(ctx, id) })
}

func (g *GuardedTaskRepository) ListByTenant(ctx context.Context, tenantID string) ([]domain.Task, error) {
	return guard(g.cb, func() ([]domain.Task, error) { return g.next.ListByTenant(ctx, tenantID) })
}

func (g *GuardedTaskRepository) Update(ctx context.Context, task *domain.Task) error {
	return guardDo(g.cb, func() error { return g.next.Update(ctx, task) })
}

func (g *GuardedTaskRepository) Delete(ctx context.Context, id string) error {
	return guardDo(g.cb, func() error { return g.next.Delete(ctx, id) })
}

var (
	_ UserRepository    = (*GuardedUserRepository)(nil)
	_ SessionRepository = (*GuardedSessionRepository)(nil)
	_ TaskRepository    = (*GuardedTaskRepository)(nil)
)
