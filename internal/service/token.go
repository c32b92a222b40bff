package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sharp-crm/Sharp-crm2-sub002/internal/auth"
	"github.com/sharp-crm/Sharp-crm2-sub002/internal/domain"
	"github.com/sharp-crm/Sharp-crm2-sub002/internal/repository"
	apperrors "github.com/sharp-crm/Sharp-crm2-sub002/pkg/errors"
)

// DefaultNearExpiryThreshold is how long before expiry an access token is
// reported as due for refresh.
const DefaultNearExpiryThreshold = 5 * time.Minute

// Rotation is the outcome of exchanging a refresh token.
type Rotation struct {
	Pair        *domain.TokenPair
	User        *domain.User
	PreviousJTI string
}

// TokenStatus describes an access token without authenticating the caller.
type TokenStatus struct {
	Valid      bool  `json:"valid"`
	Expired    bool  `json:"expired"`
	NearExpiry bool  `json:"nearExpiry"`
	ExpiresAt  int64 `json:"expiresAt,omitempty"`
}

// TokenAuthority issues, rotates and revokes token pairs. The session store
// is the source of truth for revocation: a refresh token whose jti has no
// record is invalid whatever its signature says.
type TokenAuthority struct {
	jwt       *auth.JWTManager
	sessions  repository.SessionRepository
	users     repository.UserRepository
	threshold time.Duration
	logger    *slog.Logger
}

// NewTokenAuthority creates a token authority. threshold <= 0 selects
// DefaultNearExpiryThreshold.
func NewTokenAuthority(
	jwtManager *auth.JWTManager,
	sessions repository.SessionRepository,
	users repository.UserRepository,
	threshold time.Duration,
	logger *slog.Logger,
) *TokenAuthority {
	if threshold <= 0 {
		threshold = DefaultNearExpiryThreshold
	}
	return &TokenAuthority{
		jwt:       jwtManager,
		sessions:  sessions,
		users:     users,
		threshold: threshold,
		logger:    logger,
	}
}

// Threshold returns the configured near-expiry threshold.
func (a *TokenAuthority) Threshold() time.Duration { return a.threshold }

// RefreshTTL returns the refresh token lifetime.
func (a *TokenAuthority) RefreshTTL() time.Duration { return a.jwt.RefreshExpiry() }

// IssuePair signs a new access/refresh pair and persists the refresh record.
// The write is detached from request cancellation.
func (a *TokenAuthority) IssuePair(ctx context.Context, userID string, role domain.Role, tenantID string, meta domain.SessionMeta) (*domain.TokenPair, error) {
	accessToken, accessExp, err := a.jwt.GenerateAccessToken(userID, role, tenantID)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}

	refreshToken, jti, refreshExp, err := a.jwt.GenerateRefreshToken(userID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}

	rec := &domain.RefreshTokenRecord{
		JTI:       jti,
		UserID:    userID,
		TenantID:  tenantID,
		TokenHash: hashToken(refreshToken),
		ExpiresAt: refreshExp,
		CreatedAt: a.jwt.Now().UTC().Truncate(time.Second),
		UserAgent: meta.UserAgent,
		IP:        meta.IP,
	}
	if err := a.sessions.Create(context.WithoutCancel(ctx), rec); err != nil {
		return nil, fmt.Errorf("persist refresh token: %w", storeError(err))
	}

	return &domain.TokenPair{
		AccessToken:        accessToken,
		AccessTokenExpiry:  domain.EpochMillis(accessExp),
		RefreshToken:       refreshToken,
		RefreshTokenExpiry: domain.EpochMillis(refreshExp),
		JTI:                jti,
	}, nil
}

// IsNearExpiry decodes the token without verifying it and reports whether
// now is at or past expiry minus threshold. Undecodable tokens are near
// expiry.
func (a *TokenAuthority) IsNearExpiry(accessToken string, threshold time.Duration) bool {
	exp, err := a.jwt.UnverifiedExpiry(accessToken)
	if err != nil {
		return true
	}
	return !a.jwt.Now().Before(exp.Add(-threshold))
}

// Inspect reports structural validity, expiry and near-expiry of an access
// token using the authority's threshold.
func (a *TokenAuthority) Inspect(accessToken string) TokenStatus {
	claims, err := a.jwt.VerifyAccessToken(accessToken)
	if err != nil {
		return TokenStatus{NearExpiry: true}
	}
	exp := claims.Expiry()
	expired := a.jwt.Expired(exp)
	return TokenStatus{
		Valid:      !expired,
		Expired:    expired,
		NearExpiry: a.IsNearExpiry(accessToken, a.threshold),
		ExpiresAt:  domain.EpochMillis(exp),
	}
}

// Rotate exchanges a refresh token for a new pair. The old record is
// consumed before anything is issued, so of two concurrent rotations of one
// token at most one succeeds; the loser sees TokenNotFound.
func (a *TokenAuthority) Rotate(ctx context.Context, refreshToken string, meta domain.SessionMeta) (*Rotation, error) {
	claims, err := a.jwt.VerifyRefreshToken(refreshToken)
	if err != nil {
		return nil, err
	}

	// Store mutations below must complete even if the client goes away.
	ctx = context.WithoutCancel(ctx)

	rec, err := a.sessions.Consume(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.TokenNotFound()
		}
		return nil, storeError(err)
	}

	if rec.ExpiredAt(a.jwt.Now()) || a.jwt.Expired(claims.Expiry()) {
		sessionsRevokedTotal.WithLabelValues("expired").Inc()
		return nil, apperrors.TokenExpired()
	}

	if subtle.ConstantTimeCompare([]byte(rec.TokenHash), []byte(hashToken(refreshToken))) != 1 {
		a.logger.WarnContext(ctx, "refresh token does not match its record",
			slog.String("jti", claims.ID),
			slog.String("user_id", rec.UserID),
		)
		return nil, apperrors.TokenNotFound()
	}

	user, err := a.users.GetByIdentifier(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.AccountNotFound(rec.UserID)
		}
		return nil, storeError(err)
	}
	if !user.Active() {
		return nil, apperrors.AccountNotFound(rec.UserID)
	}

	if meta.UserAgent == "" {
		meta.UserAgent = rec.UserAgent
	}
	if meta.IP == "" {
		meta.IP = rec.IP
	}

	pair, err := a.IssuePair(ctx, user.Identifier, user.Role, user.TenantID, meta)
	if err != nil {
		return nil, err
	}

	return &Rotation{Pair: pair, User: user, PreviousJTI: rec.JTI}, nil
}

// Invalidate deletes one refresh token record. Absence is not an error.
func (a *TokenAuthority) Invalidate(ctx context.Context, jti string) error {
	if err := a.sessions.Delete(context.WithoutCancel(ctx), jti); err != nil {
		return storeError(err)
	}
	return nil
}

// InvalidateAll deletes every refresh token record of the user.
func (a *TokenAuthority) InvalidateAll(ctx context.Context, userID string) (int64, error) {
	n, err := a.sessions.DeleteByUserID(context.WithoutCancel(ctx), userID)
	if err != nil {
		return 0, storeError(err)
	}
	return n, nil
}

// SweepExpired deletes every record whose expiry has passed.
func (a *TokenAuthority) SweepExpired(ctx context.Context) (int64, error) {
	n, err := a.sessions.DeleteExpired(ctx, a.jwt.Now())
	if err != nil {
		return 0, storeError(err)
	}
	if n > 0 {
		sessionsRevokedTotal.WithLabelValues("swept").Add(float64(n))
	}
	return n, nil
}

// Sessions lists the user's live sessions, newest first, marking currentJTI.
func (a *TokenAuthority) Sessions(ctx context.Context, userID, currentJTI string) ([]domain.Session, error) {
	records, err := a.sessions.ListByUserID(ctx, userID)
	if err != nil {
		return nil, storeError(err)
	}

	now := a.jwt.Now()
	sessions := make([]domain.Session, 0, len(records))
	for i := range records {
		if records[i].ExpiredAt(now) {
			continue
		}
		s := records[i].Session()
		s.Current = currentJTI != "" && s.ID == currentJTI
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// Revoke deletes the user's session jti. A session owned by someone else is
// reported as not found.
func (a *TokenAuthority) Revoke(ctx context.Context, userID, jti string) error {
	rec, err := a.sessions.Get(ctx, jti)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return apperrors.NotFound("session", jti)
		}
		return storeError(err)
	}
	if rec.UserID != userID {
		return apperrors.NotFound("session", jti)
	}
	return a.Invalidate(ctx, jti)
}

// Touch stamps the last use of the session behind refreshToken. A session
// that no longer exists is reported as TokenNotFound.
func (a *TokenAuthority) Touch(ctx context.Context, refreshToken string) error {
	claims, err := a.jwt.VerifyRefreshToken(refreshToken)
	if err != nil {
		return err
	}
	if err := a.sessions.Touch(ctx, claims.ID, a.jwt.Now().UTC()); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return apperrors.TokenNotFound()
		}
		return storeError(err)
	}
	return nil
}

// RefreshClaims returns the claims of a refresh token whose signature
// verifies. The session store is not consulted.
func (a *TokenAuthority) RefreshClaims(refreshToken string) (*auth.RefreshClaims, error) {
	return a.jwt.VerifyRefreshToken(refreshToken)
}

// LiveSession returns the record behind refreshToken. A record that is gone
// or bound to a different token is TokenNotFound; an expired one is
// TokenExpired.
func (a *TokenAuthority) LiveSession(ctx context.Context, refreshToken string) (*domain.RefreshTokenRecord, error) {
	claims, err := a.jwt.VerifyRefreshToken(refreshToken)
	if err != nil {
		return nil, err
	}

	rec, err := a.sessions.Get(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.TokenNotFound()
		}
		return nil, storeError(err)
	}

	if rec.ExpiredAt(a.jwt.Now()) || a.jwt.Expired(claims.Expiry()) {
		return nil, apperrors.TokenExpired()
	}
	if subtle.ConstantTimeCompare([]byte(rec.TokenHash), []byte(hashToken(refreshToken))) != 1 {
		return nil, apperrors.TokenNotFound()
	}
	return rec, nil
}

// Authenticate verifies an access token, rejecting it once expired.
func (a *TokenAuthority) Authenticate(accessToken string) (*auth.AccessClaims, error) {
	return a.jwt.ParseAccessToken(accessToken)
}

// AccessExpiry decodes the exp claim of an access token without verifying it.
func (a *TokenAuthority) AccessExpiry(accessToken string) (time.Time, error) {
	return a.jwt.UnverifiedExpiry(accessToken)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
