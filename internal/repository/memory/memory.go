// Package memory holds mutex-guarded in-process repositories. They back
// tests and the development session store; they are not shared between
// processes.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sharp-crm/Sharp-crm2-sub002/internal/domain"
	apperrors "github.com/sharp-crm/Sharp-crm2-sub002/pkg/errors"
)

// UserRepository is an in-memory repository.UserRepository.
type UserRepository struct {
	mu    sync.RWMutex
	users map[string]domain.User
}

// NewUserRepository returns an empty user repository.
func NewUserRepository() *UserRepository {
	return &UserRepository{users: make(map[string]domain.User)}
}

func (r *UserRepository) Create(_ context.Context, u *domain.User) error {
	u.Identifier = domain.NormalizeIdentifier(u.Identifier)
	u.ReportingTo = domain.NormalizeIdentifier(u.ReportingTo)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[u.Identifier]; ok {
		return apperrors.AlreadyExists("user", "identifier", u.Identifier)
	}
	r.users[u.Identifier] = *u
	return nil
}

func (r *UserRepository) GetByIdentifier(_ context.Context, identifier string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[domain.NormalizeIdentifier(identifier)]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &u, nil
}

func (r *UserRepository) ListByTenant(_ context.Context, tenantID string) ([]domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []domain.User{}
	for _, u := range r.users {
		if u.TenantID == tenantID && !u.IsDeleted {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

func (r *UserRepository) UpdatePassword(_ context.Context, identifier, passwordHash string) error {
	id := domain.NormalizeIdentifier(identifier)

	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok || u.IsDeleted {
		return apperrors.NotFound("user", identifier)
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = time.Now().UTC()
	r.users[id] = u
	return nil
}

// Put inserts or replaces a user, bypassing the uniqueness check.
func (r *UserRepository) Put(u domain.User) {
	u.Identifier = domain.NormalizeIdentifier(u.Identifier)
	u.ReportingTo = domain.NormalizeIdentifier(u.ReportingTo)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.Identifier] = u
}

// SoftDelete marks the user deleted. Sessions are left alone; the token
// authority refuses them on the next rotation.
func (r *UserRepository) SoftDelete(identifier string) {
	id := domain.NormalizeIdentifier(identifier)

	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		u.IsDeleted = true
		r.users[id] = u
	}
}

// SessionRepository is an in-memory repository.SessionRepository.
type SessionRepository struct {
	mu      sync.Mutex
	records map[string]domain.RefreshTokenRecord
}

// NewSessionRepository returns an empty session repository.
func NewSessionRepository() *SessionRepository {
	return &SessionRepository{records: make(map[string]domain.RefreshTokenRecord)}
}

func (r *SessionRepository) Create(_ context.Context, rec *domain.RefreshTokenRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.JTI]; ok {
		return apperrors.AlreadyExists("session", "jti", rec.JTI)
	}
	r.records[rec.JTI] = *rec
	return nil
}

func (r *SessionRepository) Get(_ context.Context, jti string) (*domain.RefreshTokenRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[jti]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &rec, nil
}

func (r *SessionRepository) Consume(_ context.Context, jti string) (*domain.RefreshTokenRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[jti]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	delete(r.records, jti)
	return &rec, nil
}

func (r *SessionRepository) Delete(_ context.Context, jti string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, jti)
	return nil
}

func (r *SessionRepository) DeleteByUserID(_ context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for jti, rec := range r.records {
		if rec.UserID == userID {
			delete(r.records, jti)
			n++
		}
	}
	return n, nil
}

func (r *SessionRepository) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for jti, rec := range r.records {
		if rec.ExpiredAt(now) {
			delete(r.records, jti)
			n++
		}
	}
	return n, nil
}

func (r *SessionRepository) Touch(_ context.Context, jti string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[jti]
	if !ok {
		return apperrors.NotFound("session", jti)
	}
	rec.LastUsedAt = &at
	r.records[jti] = rec
	return nil
}

func (r *SessionRepository) ListByUserID(_ context.Context, userID string) ([]domain.RefreshTokenRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []domain.RefreshTokenRecord{}
	for _, rec := range r.records {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].JTI > out[j].JTI
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Len returns the number of stored records.
func (r *SessionRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// TaskRepository is an in-memory repository.TaskRepository.
type TaskRepository struct {
	mu    sync.RWMutex
	tasks map[string]domain.Task
}

// NewTaskRepository returns an empty task repository.
func NewTaskRepository() *TaskRepository {
	return &TaskRepository{tasks: make(map[string]domain.Task)}
}

func (r *TaskRepository) Create(_ context.Context, t *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; ok {
		return apperrors.AlreadyExists("task", "id", t.ID)
	}
	r.tasks[t.ID] = *t
	return nil
}

func (r *TaskRepository) GetByID(_ context.Context, id string) (*domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, apperrors.NotFound("task", id)
	}
	return &t, nil
}

func (r *TaskRepository) ListByTenant(_ context.Context, tenantID string) ([]domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []domain.Task{}
	for _, t := range r.tasks {
		if t.TenantID == tenantID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *TaskRepository) Update(_ context.Context, t *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.tasks[t.ID]
	if !ok || cur.TenantID != t.TenantID {
		return apperrors.NotFound("task", t.ID)
	}
	r.tasks[t.ID] = *t
	return nil
}

func (r *TaskRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; !ok {
		return apperrors.NotFound("task", id)
	}
	delete(r.tasks, id)
	return nil
}
