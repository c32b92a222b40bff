package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sharp-crm/Sharp-crm2-sub002/internal/domain"
	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/database"
	apperrors "github.com/sharp-crm/Sharp-crm2-sub002/pkg/errors"
)

const userColumns = `identifier, password_hash, display_name, role, tenant_id, reporting_to, is_deleted, created_at, updated_at`

// UserRepository implements repository.UserRepository using PostgreSQL.
type UserRepository struct {
	db database.DBTX
}

// NewUserRepository creates a new PostgreSQL-backed user repository.
func NewUserRepository(db database.DBTX) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts a new user. The identifier is normalised before storage.
func (r *UserRepository) Create(ctx context.Context, u *domain.User) (err error) {
	u.Identifier = domain.NormalizeIdentifier(u.Identifier)
	u.ReportingTo = domain.NormalizeIdentifier(u.ReportingTo)

	query := `
		INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	ctx, end := database.TraceQuery(ctx, "CreateUser", query)
	defer func() { end(err) }()

	_, err = r.db.Exec(ctx, query,
		u.Identifier,
		u.PasswordHash,
		u.DisplayName,
		u.Role.String(),
		u.TenantID,
		nullable(u.ReportingTo),
		u.IsDeleted,
		u.CreatedAt,
		u.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return apperrors.AlreadyExists("user", "identifier", u.Identifier)
		}
		return fmt.Errorf("insert user: %w", err)
	}

	return nil
}

// GetByIdentifier retrieves a user by login handle, soft-deleted or not.
func (r *UserRepository) GetByIdentifier(ctx context.Context, identifier string) (_ *domain.User, err error) {
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE identifier = $1`

	ctx, end := database.TraceQuery(ctx, "GetUserByIdentifier", query)
	defer func() { end(err) }()

	u, err := scanUser(r.db.QueryRow(ctx, query, domain.NormalizeIdentifier(identifier)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}

	return u, nil
}

// ListByTenant returns the tenant's users that are not soft-deleted.
func (r *UserRepository) ListByTenant(ctx context.Context, tenantID string) (_ []domain.User, err error) {
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE tenant_id = $1 AND NOT is_deleted
		ORDER BY identifier`

	ctx, end := database.TraceQuery(ctx, "ListUsersByTenant", query)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := []domain.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		users = append(users, *u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user rows: %w", err)
	}

	return users, nil
}

// UpdatePassword replaces the password hash of an active user.
func (r *UserRepository) UpdatePassword(ctx context.Context, identifier, passwordHash string) (err error) {
	query := `
		UPDATE users
		SET password_hash = $1, updated_at = $2
		WHERE identifier = $3 AND NOT is_deleted`

	ctx, end := database.TraceQuery(ctx, "UpdateUserPassword", query)
	defer func() { end(err) }()

	ct, err := r.db.Exec(ctx, query, passwordHash, time.Now().UTC(), domain.NormalizeIdentifier(identifier))
	if err != nil {
		return fmt.Errorf("update user password: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("user", identifier)
	}

	return nil
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var (
		u           domain.User
		role        string
		reportingTo *string
	)
	if err := row.Scan(
		&u.Identifier,
		&u.PasswordHash,
		&u.DisplayName,
		&role,
		&u.TenantID,
		&reportingTo,
		&u.IsDeleted,
		&u.CreatedAt,
		&u.UpdatedAt,
	); err != nil {
		return nil, err
	}

	// Unrecognised stored roles map to RoleUnknown, which scopes to nothing.
	u.Role, _ = domain.ParseRole(role)
	if reportingTo != nil {
		u.ReportingTo = *reportingTo
	}
	return &u, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
