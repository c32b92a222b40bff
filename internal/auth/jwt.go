package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"

	"github.com/sharp-crm/Sharp-crm2-sub002/internal/domain"
	apperrors "github.com/sharp-crm/Sharp-crm2-sub002/pkg/errors"
)

// Token types carried in the "typ" claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// AccessClaims are the claims of a short-lived access token.
type AccessClaims struct {
	Role   string `json:"role"`
	Tenant string `json:"tenant"`
	Type   string `json:"typ"`
	jwt.RegisteredClaims
}

// RefreshClaims are the claims of a refresh token. ID holds the jti.
type RefreshClaims struct {
	Tenant string `json:"tenant"`
	Type   string `json:"typ"`
	jwt.RegisteredClaims
}

// Expiry returns the exp claim, or the zero time when absent.
func (c *AccessClaims) Expiry() time.Time { return expiryOf(c.ExpiresAt) }

// Expiry returns the exp claim, or the zero time when absent.
func (c *RefreshClaims) Expiry() time.Time { return expiryOf(c.ExpiresAt) }

func expiryOf(d *jwt.NumericDate) time.Time {
	if d == nil {
		return time.Time{}
	}
	return d.Time
}

// expired applies the no-grace rule: a token expiring exactly at now is expired.
func expired(exp, now time.Time) bool {
	return !now.Before(exp)
}

// JWTManager signs and verifies HS256 access and refresh tokens. The
// library's own time checks are disabled; expiry is judged against the
// injected clock only.
type JWTManager struct {
	secret        []byte
	issuer        string
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	now           func() time.Time
	parser        *jwt.Parser
}

// NewJWTManager creates a JWT manager. now may be nil, meaning time.Now.
func NewJWTManager(secret, issuer string, accessExpiry, refreshExpiry time.Duration, now func() time.Time) *JWTManager {
	if now == nil {
		now = time.Now
	}
	return &JWTManager{
		secret:        []byte(secret),
		issuer:        issuer,
		accessExpiry:  accessExpiry,
		refreshExpiry: refreshExpiry,
		now:           now,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}
}

// AccessExpiry returns the access token lifetime.
func (m *JWTManager) AccessExpiry() time.Duration { return m.accessExpiry }

// RefreshExpiry returns the refresh token lifetime.
func (m *JWTManager) RefreshExpiry() time.Duration { return m.refreshExpiry }

// Now returns the manager's clock reading.
func (m *JWTManager) Now() time.Time { return m.now() }

// GenerateAccessToken signs an access token for the identity and returns it
// with its expiry. Times are whole seconds, as encoded in the token.
func (m *JWTManager) GenerateAccessToken(userID string, role domain.Role, tenant string) (string, time.Time, error) {
	now := m.now().UTC().Truncate(time.Second)
	exp := now.Add(m.accessExpiry)

	claims := &AccessClaims{
		Role:   role.String(),
		Tenant: tenant,
		Type:   TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, exp, nil
}

// GenerateRefreshToken signs a refresh token with a fresh ULID jti.
func (m *JWTManager) GenerateRefreshToken(userID, tenant string) (token, jti string, exp time.Time, err error) {
	now := m.now().UTC().Truncate(time.Second)
	exp = now.Add(m.refreshExpiry)
	jti = ulid.Make().String()

	claims := &RefreshClaims{
		Tenant: tenant,
		Type:   TypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("sign refresh token: %w", err)
	}
	return token, jti, exp, nil
}

// VerifyAccessToken checks signature, issuer and token type, but not expiry.
func (m *JWTManager) VerifyAccessToken(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := m.verify(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.Type != TypeAccess {
		return nil, apperrors.TokenMalformed(fmt.Errorf("token type %q is not %q", claims.Type, TypeAccess))
	}
	if err := m.checkRegistered(&claims.RegisteredClaims); err != nil {
		return nil, err
	}
	return claims, nil
}

// ParseAccessToken verifies an access token and rejects it once expired.
func (m *JWTManager) ParseAccessToken(tokenString string) (*AccessClaims, error) {
	claims, err := m.VerifyAccessToken(tokenString)
	if err != nil {
		return nil, err
	}
	if expired(claims.Expiry(), m.now()) {
		return nil, apperrors.TokenExpired()
	}
	return claims, nil
}

// VerifyRefreshToken checks signature, issuer, token type and the presence
// of a jti. Expiry is left to the caller, which must consult the store first.
func (m *JWTManager) VerifyRefreshToken(tokenString string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := m.verify(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.Type != TypeRefresh {
		return nil, apperrors.TokenMalformed(fmt.Errorf("token type %q is not %q", claims.Type, TypeRefresh))
	}
	if claims.ID == "" {
		return nil, apperrors.TokenMalformed(errors.New("missing jti"))
	}
	if err := m.checkRegistered(&claims.RegisteredClaims); err != nil {
		return nil, err
	}
	return claims, nil
}

// Expired reports whether exp has passed on the manager's clock.
func (m *JWTManager) Expired(exp time.Time) bool {
	return expired(exp, m.now())
}

// UnverifiedExpiry decodes the exp claim without checking the signature.
func (m *JWTManager) UnverifiedExpiry(tokenString string) (time.Time, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := m.parser.ParseUnverified(tokenString, claims); err != nil {
		return time.Time{}, fmt.Errorf("decode token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, errors.New("decode token: missing exp")
	}
	return claims.ExpiresAt.Time, nil
}

func (m *JWTManager) verify(tokenString string, claims jwt.Claims) error {
	if tokenString == "" {
		return apperrors.TokenMalformed(errors.New("empty token"))
	}
	_, err := m.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return apperrors.TokenMalformed(err)
	}
	return nil
}

func (m *JWTManager) checkRegistered(c *jwt.RegisteredClaims) error {
	if c.Subject == "" {
		return apperrors.TokenMalformed(errors.New("missing sub"))
	}
	if c.ExpiresAt == nil {
		return apperrors.TokenMalformed(errors.New("missing exp"))
	}
	if m.issuer != "" && c.Issuer != m.issuer {
		return apperrors.TokenMalformed(fmt.Errorf("unexpected issuer %q", c.Issuer))
	}
	return nil
}
