package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sharp-crm/Sharp-crm2-sub002/internal/domain"
	"github.com/sharp-crm/Sharp-crm2-sub002/internal/event"
	"github.com/sharp-crm/Sharp-crm2-sub002/internal/repository"
	apperrors "github.com/sharp-crm/Sharp-crm2-sub002/pkg/errors"
)

// AuthService implements the /auth operations on top of the credential
// verifier and the token authority.
type AuthService struct {
	credentials   *CredentialVerifier
	tokens        *TokenAuthority
	users         repository.UserRepository
	producer      *event.Producer
	singleSession bool
	logger        *slog.Logger
}

// AuthOptions tunes login behaviour.
type AuthOptions struct {
	// SingleSession invalidates every existing session of a user on login.
	SingleSession bool
}

// NewAuthService creates a new auth service.
func NewAuthService(
	credentials *CredentialVerifier,
	tokens *TokenAuthority,
	users repository.UserRepository,
	producer *event.Producer,
	opts AuthOptions,
	logger *slog.Logger,
) *AuthService {
	return &AuthService{
		credentials:   credentials,
		tokens:        tokens,
		users:         users,
		producer:      producer,
		singleSession: opts.SingleSession,
		logger:        logger,
	}
}

// Tokens exposes the token authority to transport code.
func (s *AuthService) Tokens() *TokenAuthority { return s.tokens }

// --- Input/Output types ---

// LoginInput holds the parameters for a login.
type LoginInput struct {
	Identifier string
	Secret     string
	Meta       domain.SessionMeta
}

// LoginResult is an authenticated user with a fresh pair.
type LoginResult struct {
	User *domain.User
	Pair *domain.TokenPair
}

// AutoRefreshResult reports whether the access token was due and, if so,
// the rotation that replaced it.
type AutoRefreshResult struct {
	ShouldRefresh     bool
	AccessTokenExpiry int64
	Rotation          *Rotation
}

// ChangePasswordInput holds the parameters for a password change.
type ChangePasswordInput struct {
	CurrentSecret string
	NewSecret     string
	Meta          domain.SessionMeta
}

// --- Operations ---

// Login verifies credentials and issues a pair. No record is written unless
// verification succeeds.
func (s *AuthService) Login(ctx context.Context, input LoginInput) (res *LoginResult, err error) {
	defer func() { loginsTotal.WithLabelValues(resultLabel(err)).Inc() }()

	user, err := s.credentials.Verify(ctx, input.Identifier, input.Secret)
	if err != nil {
		if !errors.Is(err, apperrors.ErrStoreUnavailable) {
			_ = s.producer.LoginFailed(ctx, domain.NormalizeIdentifier(input.Identifier), resultLabel(err), input.Meta)
			s.logger.InfoContext(ctx, "login rejected",
				slog.String("identifier", domain.NormalizeIdentifier(input.Identifier)),
				slog.String("reason", resultLabel(err)),
			)
		}
		return nil, err
	}

	if s.singleSession {
		n, err := s.tokens.InvalidateAll(ctx, user.Identifier)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			sessionsRevokedTotal.WithLabelValues("single_session").Add(float64(n))
			_ = s.producer.SessionsRevoked(ctx, user.Identifier, user.TenantID, n, "single_session")
		}
	}

	pair, err := s.tokens.IssuePair(ctx, user.Identifier, user.Role, user.TenantID, input.Meta)
	if err != nil {
		return nil, err
	}

	_ = s.producer.LoginSucceeded(ctx, user, pair.JTI, input.Meta)

	s.logger.InfoContext(ctx, "user logged in",
		slog.String("user_id", user.Identifier),
		slog.String("tenant_id", user.TenantID),
		slog.String("session_id", pair.JTI),
	)

	return &LoginResult{User: user, Pair: pair}, nil
}

// Refresh rotates a refresh token.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string, meta domain.SessionMeta) (rot *Rotation, err error) {
	defer func() { rotationsTotal.WithLabelValues(resultLabel(err)).Inc() }()

	rot, err = s.tokens.Rotate(ctx, refreshToken, meta)
	if err != nil {
		s.logger.InfoContext(ctx, "refresh rejected",
			slog.String("reason", resultLabel(err)),
		)
		return nil, err
	}

	_ = s.producer.SessionRotated(ctx, rot.User, rot.PreviousJTI, rot.Pair.JTI, meta)

	s.logger.InfoContext(ctx, "tokens refreshed",
		slog.String("user_id", rot.User.Identifier),
		slog.String("session_id", rot.Pair.JTI),
	)

	return rot, nil
}

// AutoRefresh rotates refreshToken only when accessToken is near expiry.
// Otherwise the session's last use is stamped on a best-effort basis.
func (s *AuthService) AutoRefresh(ctx context.Context, accessToken, refreshToken string, meta domain.SessionMeta) (*AutoRefreshResult, error) {
	if !s.tokens.IsNearExpiry(accessToken, s.tokens.Threshold()) {
		exp, err := s.tokens.AccessExpiry(accessToken)
		if err != nil {
			return nil, apperrors.TokenMalformed(err)
		}
		if refreshToken != "" {
			if err := s.tokens.Touch(ctx, refreshToken); err != nil {
				s.logger.DebugContext(ctx, "session last use not recorded",
					slog.String("error", err.Error()),
				)
			}
		}
		return &AutoRefreshResult{AccessTokenExpiry: domain.EpochMillis(exp)}, nil
	}

	rot, err := s.Refresh(ctx, refreshToken, meta)
	if err != nil {
		return nil, err
	}

	return &AutoRefreshResult{
		ShouldRefresh:     true,
		AccessTokenExpiry: rot.Pair.AccessTokenExpiry,
		Rotation:          rot,
	}, nil
}

// Logout invalidates the presented refresh token, or every token of its
// owner when allDevices is set. Tokens that do not verify are ignored so
// logout always succeeds for the client. Ending every session requires the
// presented token to still be live.
func (s *AuthService) Logout(ctx context.Context, refreshToken string, allDevices bool) error {
	if refreshToken == "" {
		return nil
	}

	if allDevices {
		return s.logoutAll(ctx, refreshToken)
	}

	claims, err := s.tokens.RefreshClaims(refreshToken)
	if err != nil {
		s.logger.DebugContext(ctx, "logout with unverifiable refresh token",
			slog.String("error", err.Error()),
		)
		return nil
	}

	if err := s.tokens.Invalidate(ctx, claims.ID); err != nil {
		return err
	}
	sessionsRevokedTotal.WithLabelValues("logout").Inc()
	_ = s.producer.SessionRevoked(ctx, claims.Subject, claims.Tenant, claims.ID, "logout")

	s.logger.InfoContext(ctx, "user logged out",
		slog.String("user_id", claims.Subject),
		slog.String("session_id", claims.ID),
	)
	return nil
}

func (s *AuthService) logoutAll(ctx context.Context, refreshToken string) error {
	rec, err := s.tokens.LiveSession(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, apperrors.ErrStoreUnavailable) {
			return err
		}
		s.logger.DebugContext(ctx, "logout everywhere with dead refresh token",
			slog.String("reason", resultLabel(err)),
		)
		return nil
	}

	n, err := s.tokens.InvalidateAll(ctx, rec.UserID)
	if err != nil {
		return err
	}
	sessionsRevokedTotal.WithLabelValues("logout_all").Add(float64(n))
	_ = s.producer.SessionsRevoked(ctx, rec.UserID, rec.TenantID, n, "logout_all")

	s.logger.InfoContext(ctx, "user logged out everywhere",
		slog.String("user_id", rec.UserID),
		slog.Int64("sessions", n),
	)
	return nil
}

// Me returns the live user record of the identity.
func (s *AuthService) Me(ctx context.Context, identity domain.Identity) (*domain.User, error) {
	user, err := s.users.GetByIdentifier(ctx, identity.UserID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.NotFound("user", identity.UserID)
		}
		return nil, storeError(err)
	}
	if !user.Active() {
		return nil, apperrors.NotFound("user", identity.UserID)
	}
	return user, nil
}

// Sessions lists the identity's live sessions.
func (s *AuthService) Sessions(ctx context.Context, identity domain.Identity, currentJTI string) ([]domain.Session, error) {
	return s.tokens.Sessions(ctx, identity.UserID, currentJTI)
}

// RevokeSession ends one of the identity's own sessions.
func (s *AuthService) RevokeSession(ctx context.Context, identity domain.Identity, jti string) error {
	if err := s.tokens.Revoke(ctx, identity.UserID, jti); err != nil {
		return err
	}
	sessionsRevokedTotal.WithLabelValues("revoked").Inc()
	_ = s.producer.SessionRevoked(ctx, identity.UserID, identity.TenantID, jti, "revoked")
	return nil
}

// ChangePassword replaces the identity's password, invalidates every session
// and returns a fresh pair for the caller.
func (s *AuthService) ChangePassword(ctx context.Context, identity domain.Identity, input ChangePasswordInput) (*LoginResult, error) {
	if input.CurrentSecret == input.NewSecret {
		return nil, apperrors.InvalidInput("new password must be different from current password")
	}

	user, err := s.credentials.Verify(ctx, identity.UserID, input.CurrentSecret)
	if err != nil {
		if errors.Is(err, apperrors.ErrStoreUnavailable) {
			return nil, err
		}
		return nil, apperrors.Unauthorized("current password is incorrect")
	}

	hash, err := s.credentials.Hash(input.NewSecret)
	if err != nil {
		return nil, err
	}

	if err := s.users.UpdatePassword(ctx, user.Identifier, hash); err != nil {
		return nil, fmt.Errorf("update password: %w", storeError(err))
	}

	n, err := s.tokens.InvalidateAll(ctx, user.Identifier)
	if err != nil {
		return nil, err
	}
	sessionsRevokedTotal.WithLabelValues("password_changed").Add(float64(n))

	pair, err := s.tokens.IssuePair(ctx, user.Identifier, user.Role, user.TenantID, input.Meta)
	if err != nil {
		return nil, err
	}

	_ = s.producer.PasswordChanged(ctx, user.Identifier, user.TenantID)

	s.logger.InfoContext(ctx, "password changed",
		slog.String("user_id", user.Identifier),
		slog.Int64("sessions_revoked", n),
	)

	return &LoginResult{User: user, Pair: pair}, nil
}
