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

const sessionColumns = `jti, user_id, tenant_id, token_hash, expires_at, created_at, last_used_at, user_agent, ip`

// SessionRepository implements repository.SessionRepository on the
// refresh_tokens table. Consume relies on DELETE ... RETURNING, so two
// concurrent consumers of one jti cannot both receive the row.
type SessionRepository struct {
	db database.DBTX
}

// NewSessionRepository creates a new PostgreSQL-backed session repository.
func NewSessionRepository(db database.DBTX) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create inserts a refresh token record.
func (r *SessionRepository) Create(ctx context.Context, rec *domain.RefreshTokenRecord) (err error) {
	query := `
		INSERT INTO refresh_tokens (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	ctx, end := database.TraceQuery(ctx, "CreateSession", query)
	defer func() { end(err) }()

	_, err = r.db.Exec(ctx, query,
		rec.JTI,
		rec.UserID,
		rec.TenantID,
		rec.TokenHash,
		rec.ExpiresAt,
		rec.CreatedAt,
		rec.LastUsedAt,
		rec.UserAgent,
		rec.IP,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return apperrors.AlreadyExists("session", "jti", rec.JTI)
		}
		return fmt.Errorf("insert session: %w", err)
	}

	return nil
}

// Get retrieves a record by jti.
func (r *SessionRepository) Get(ctx context.Context, jti string) (_ *domain.RefreshTokenRecord, err error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM refresh_tokens
		WHERE jti = $1`

	ctx, end := database.TraceQuery(ctx, "GetSession", query)
	defer func() { end(err) }()

	return scanSessionRow(r.db.QueryRow(ctx, query, jti))
}

// Consume deletes the record and returns it in one statement.
func (r *SessionRepository) Consume(ctx context.Context, jti string) (_ *domain.RefreshTokenRecord, err error) {
	query := `
		DELETE FROM refresh_tokens
		WHERE jti = $1
		RETURNING ` + sessionColumns

	ctx, end := database.TraceQuery(ctx, "ConsumeSession", query)
	defer func() { end(err) }()

	return scanSessionRow(r.db.QueryRow(ctx, query, jti))
}

// Delete removes a record. A missing record is not an error.
func (r *SessionRepository) Delete(ctx context.Context, jti string) (err error) {
	query := `DELETE FROM refresh_tokens WHERE jti = $1`

	ctx, end := database.TraceQuery(ctx, "DeleteSession", query)
	defer func() { end(err) }()

	if _, err = r.db.Exec(ctx, query, jti); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteByUserID removes every record of the user.
func (r *SessionRepository) DeleteByUserID(ctx context.Context, userID string) (_ int64, err error) {
	query := `DELETE FROM refresh_tokens WHERE user_id = $1`

	ctx, end := database.TraceQuery(ctx, "DeleteSessionsByUser", query)
	defer func() { end(err) }()

	ct, err := r.db.Exec(ctx, query, userID)
	if err != nil {
		return 0, fmt.Errorf("delete user sessions: %w", err)
	}
	return ct.RowsAffected(), nil
}

// DeleteExpired removes every record whose expiry is at or before now.
func (r *SessionRepository) DeleteExpired(ctx context.Context, now time.Time) (_ int64, err error) {
	query := `DELETE FROM refresh_tokens WHERE expires_at <= $1`

	ctx, end := database.TraceQuery(ctx, "DeleteExpiredSessions", query)
	defer func() { end(err) }()

	ct, err := r.db.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return ct.RowsAffected(), nil
}

// Touch stamps last_used_at.
func (r *SessionRepository) Touch(ctx context.Context, jti string, at time.Time) (err error) {
	query := `UPDATE refresh_tokens SET last_used_at = $1 WHERE jti = $2`

	ctx, end := database.TraceQuery(ctx, "TouchSession", query)
	defer func() { end(err) }()

	ct, err := r.db.Exec(ctx, query, at, jti)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("session", jti)
	}
	return nil
}

// ListByUserID returns the user's records, newest first.
func (r *SessionRepository) ListByUserID(ctx context.Context, userID string) (_ []domain.RefreshTokenRecord, err error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM refresh_tokens
		WHERE user_id = $1
		ORDER BY created_at DESC`

	ctx, end := database.TraceQuery(ctx, "ListSessionsByUser", query)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	records := []domain.RefreshTokenRecord{}
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		records = append(records, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}

	return records, nil
}

func scanSessionRow(row pgx.Row) (*domain.RefreshTokenRecord, error) {
	rec, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return rec, nil
}

func scanSession(row pgx.Row) (*domain.RefreshTokenRecord, error) {
	var rec domain.RefreshTokenRecord
	if err := row.Scan(
		&rec.JTI,
		&rec.UserID,
		&rec.TenantID,
		&rec.TokenHash,
		&rec.ExpiresAt,
		&rec.CreatedAt,
		&rec.LastUsedAt,
		&rec.UserAgent,
		&rec.IP,
	); err != nil {
		return nil, err
	}
	return &rec, nil
}
