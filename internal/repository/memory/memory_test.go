package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharp-crm/Sharp-crm2-sub002/internal/domain"
	"github.com/sharp-crm/Sharp-crm2-sub002/internal/repository"
	apperrors "github.com/sharp-crm/Sharp-crm2-sub002/pkg/errors"
)

var (
	_ repository.UserRepository    = (*UserRepository)(nil)
	_ repository.SessionRepository = (*SessionRepository)(nil)
	_ repository.TaskRepository    = (*TaskRepository)(nil)
)

func TestUserRepository_NormalizesAndHidesDeleted(t *testing.T) {
	repo := NewUserRepository()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &domain.User{Identifier: " Rep@Acme.test", TenantID: "acme", Role: domain.RoleSalesRep}))
	require.NoError(t, repo.Create(ctx, &domain.User{Identifier: "gone@acme.test", TenantID: "acme", Role: domain.RoleSalesRep}))

	err := repo.Create(ctx, &domain.User{Identifier: "rep@acme.test", TenantID: "acme"})
	assert.True(t, errors.Is(err, apperrors.ErrAlreadyExists))

	repo.SoftDelete("gone@acme.test")

	users, err := repo.ListByTenant(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "rep@acme.test", users[0].Identifier)

	gone, err := repo.GetByIdentifier(ctx, "GONE@acme.test")
	require.NoError(t, err)
	assert.True(t, gone.IsDeleted)

	assert.True(t, errors.Is(repo.UpdatePassword(ctx, "gone@acme.test", "x"), apperrors.ErrNotFound))
	require.NoError(t, repo.UpdatePassword(ctx, "rep@acme.test", "x"))
}

func TestUserRepository_NormalizesManagerReference(t *testing.T) {
	repo := NewUserRepository()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &domain.User{
		Identifier:  "rep@acme.test",
		TenantID:    "acme",
		Role:        domain.RoleSalesRep,
		ReportingTo: " Manager@ACME.test",
	}))

	got, err := repo.GetByIdentifier(ctx, "rep@acme.test")
	require.NoError(t, err)
	assert.Equal(t, "manager@acme.test", got.ReportingTo)
}

func TestSessionRepository_ConsumeSingleWinner(t *testing.T) {
	repo := NewSessionRepository()
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &domain.RefreshTokenRecord{JTI: "j", UserID: "u", ExpiresAt: time.Now().Add(time.Hour)}))

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.Consume(ctx, "j"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Zero(t, repo.Len())
}

func TestSessionRepository_DeleteExpiredAndByUser(t *testing.T) {
	repo := NewSessionRepository()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Create(ctx, &domain.RefreshTokenRecord{JTI: "edge", UserID: "a", ExpiresAt: now}))
	require.NoError(t, repo.Create(ctx, &domain.RefreshTokenRecord{JTI: "live-a", UserID: "a", ExpiresAt: now.Add(time.Second)}))
	require.NoError(t, repo.Create(ctx, &domain.RefreshTokenRecord{JTI: "live-b", UserID: "b", ExpiresAt: now.Add(time.Hour)}))

	n, err := repo.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = repo.DeleteByUserID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = repo.Get(ctx, "live-b")
	assert.NoError(t, err)
	assert.Equal(t, 1, repo.Len())
}

func TestTaskRepository_UpdateKeepsTenant(t *testing.T) {
	repo := NewTaskRepository()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &domain.Task{ID: "t1", TenantID: "acme", AssigneeID: "rep"}))

	err := repo.Update(ctx, &domain.Task{ID: "t1", TenantID: "globex", AssigneeID: "rep"})
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	require.NoError(t, repo.Update(ctx, &domain.Task{ID: "t1", TenantID: "acme", AssigneeID: "other"}))
	got, err := repo.GetByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "other", got.AssigneeID)

	require.NoError(t, repo.Delete(ctx, "t1"))
	assert.True(t, errors.Is(repo.Delete(ctx, "t1"), apperrors.ErrNotFound))
}
