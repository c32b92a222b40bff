package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sharp-crm/Sharp-crm2-sub002/internal/domain"
	"github.com/sharp-crm/Sharp-crm2-sub002/internal/service"
	apperrors "github.com/sharp-crm/Sharp-crm2-sub002/pkg/errors"
	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/httputil"
	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/middleware"
	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/validator"
)

// RefreshCookieName is the HTTP-only cookie carrying the refresh token.
const RefreshCookieName = "refreshToken"

const (
	refreshCookiePath     = "/auth"
	invalidRefreshMessage = "Invalid or expired refresh token"
)

// AuthHandlerOptions tunes cookie and client address handling.
type AuthHandlerOptions struct {
	// SecureCookie marks the refresh cookie Secure. Off only in development.
	SecureCookie bool
	// TrustProxy reads the client address from forwarding headers.
	TrustProxy bool
}

// AuthHandler handles HTTP requests for the /auth endpoints.
type AuthHandler struct {
	service *service.AuthService
	opts    AuthHandlerOptions
	logger  *slog.Logger
}

// NewAuthHandler creates a new auth HTTP handler.
func NewAuthHandler(svc *service.AuthService, opts AuthHandlerOptions, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{service: svc, opts: opts, logger: logger}
}

// --- Request DTOs ---

// LoginRequest is the JSON request body for login.
type LoginRequest struct {
	Identifier string `json:"identifier" validate:"required,max=254"`
	Secret     string `json:"secret" validate:"required,max=72"`
}

// RefreshRequest is the optional body of /auth/refresh for clients without
// cookies.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// AutoRefreshRequest is the JSON request body for /auth/auto-refresh.
type AutoRefreshRequest struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// LogoutRequest is the optional body of /auth/logout.
type LogoutRequest struct {
	RefreshToken string `json:"refreshToken"`
	AllDevices   bool   `json:"allDevices"`
}

// ValidateTokenRequest is the JSON request body for /auth/validate-token.
type ValidateTokenRequest struct {
	AccessToken string `json:"accessToken"`
}

// ChangePasswordRequest is the JSON request body for a password change.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=8,max=72,nefield=CurrentPassword"`
}

// --- Response types ---

// TokenResponse is returned by login, refresh and change-password. The
// refresh token itself travels in the cookie.
type TokenResponse struct {
	AccessToken       string       `json:"accessToken"`
	AccessTokenExpiry int64        `json:"accessTokenExpiry"`
	User              *domain.User `json:"user"`
}

// AutoRefreshResponse is returned by /auth/auto-refresh.
type AutoRefreshResponse struct {
	ShouldRefresh      bool         `json:"shouldRefresh"`
	AccessToken        string       `json:"accessToken,omitempty"`
	AccessTokenExpiry  int64        `json:"accessTokenExpiry"`
	RefreshToken       string       `json:"refreshToken,omitempty"`
	RefreshTokenExpiry int64        `json:"refreshTokenExpiry,omitempty"`
	User               *domain.User `json:"user,omitempty"`
}

// --- Handlers ---

// Login handles POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := validator.DecodeAndValidate(w, r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	res, err := h.service.Login(r.Context(), service.LoginInput{
		Identifier: req.Identifier,
		Secret:     req.Secret,
		Meta:       h.meta(r),
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	h.setRefreshCookie(w, res.Pair)
	httputil.WriteData(w, http.StatusOK, TokenResponse{
		AccessToken:       res.Pair.AccessToken,
		AccessTokenExpiry: res.Pair.AccessTokenExpiry,
		User:              res.User,
	})
}

// Refresh handles POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := validator.DecodeAndValidate(w, r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	token := h.refreshToken(r, req.RefreshToken)
	if token == "" {
		h.writeRefreshError(w, r, apperrors.TokenMalformed(errors.New("no refresh token presented")))
		return
	}

	rot, err := h.service.Refresh(r.Context(), token, h.meta(r))
	if err != nil {
		h.writeRefreshError(w, r, err)
		return
	}

	h.setRefreshCookie(w, rot.Pair)
	httputil.WriteData(w, http.StatusOK, TokenResponse{
		AccessToken:       rot.Pair.AccessToken,
		AccessTokenExpiry: rot.Pair.AccessTokenExpiry,
		User:              rot.User,
	})
}

// AutoRefresh handles POST /auth/auto-refresh
func (h *AuthHandler) AutoRefresh(w http.ResponseWriter, r *http.Request) {
	var req AutoRefreshRequest
	if err := validator.DecodeAndValidate(w, r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	res, err := h.service.AutoRefresh(r.Context(), req.AccessToken, h.refreshToken(r, req.RefreshToken), h.meta(r))
	if err != nil {
		h.writeRefreshError(w, r, err)
		return
	}

	if !res.ShouldRefresh {
		httputil.WriteData(w, http.StatusOK, AutoRefreshResponse{AccessTokenExpiry: res.AccessTokenExpiry})
		return
	}

	pair := res.Rotation.Pair
	h.setRefreshCookie(w, pair)
	httputil.WriteData(w, http.StatusOK, AutoRefreshResponse{
		ShouldRefresh:      true,
		AccessToken:        pair.AccessToken,
		AccessTokenExpiry:  pair.AccessTokenExpiry,
		RefreshToken:       pair.RefreshToken,
		RefreshTokenExpiry: pair.RefreshTokenExpiry,
		User:               res.Rotation.User,
	})
}

// Logout handles POST /auth/logout. The cookie is cleared whatever the
// token's state.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req LogoutRequest
	if err := validator.DecodeAndValidate(w, r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	h.clearRefreshCookie(w)

	if err := h.service.Logout(r.Context(), h.refreshToken(r, req.RefreshToken), req.AllDevices); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// ValidateToken handles POST /auth/validate-token. The token is taken from
// the body, falling back to the Authorization header.
func (h *AuthHandler) ValidateToken(w http.ResponseWriter, r *http.Request) {
	var req ValidateTokenRequest
	if err := validator.DecodeAndValidate(w, r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	token := req.AccessToken
	if token == "" {
		token, _ = bearerToken(r)
	}

	httputil.WriteData(w, http.StatusOK, h.service.Tokens().Inspect(token))
}

// Me handles GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(w, r)
	if !ok {
		return
	}

	user, err := h.service.Me(r.Context(), identity)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, user)
}

// Sessions handles GET /auth/sessions. The session behind the request's
// refresh cookie, if any, is flagged current.
func (h *AuthHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(w, r)
	if !ok {
		return
	}

	var current string
	if token := h.refreshToken(r, ""); token != "" {
		if claims, err := h.service.Tokens().RefreshClaims(token); err == nil {
			current = claims.ID
		}
	}

	sessions, err := h.service.Sessions(r.Context(), identity, current)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, sessions)
}

// RevokeSession handles DELETE /auth/sessions/{id}
func (h *AuthHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(w, r)
	if !ok {
		return
	}

	if err := h.service.RevokeSession(r.Context(), identity, chi.URLParam(r, "id")); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ChangePassword handles POST /auth/change-password. Every session of the
// caller ends; the response carries a fresh pair for this client.
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(w, r)
	if !ok {
		return
	}

	var req ChangePasswordRequest
	if err := validator.DecodeAndValidate(w, r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	res, err := h.service.ChangePassword(r.Context(), identity, service.ChangePasswordInput{
		CurrentSecret: req.CurrentPassword,
		NewSecret:     req.NewPassword,
		Meta:          h.meta(r),
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	h.setRefreshCookie(w, res.Pair)
	httputil.WriteData(w, http.StatusOK, TokenResponse{
		AccessToken:       res.Pair.AccessToken,
		AccessTokenExpiry: res.Pair.AccessTokenExpiry,
		User:              res.User,
	})
}

// --- Helpers ---

// writeRefreshError renders every rotation rejection as the same 401 so a
// lost rotation race is indistinguishable from a revoked token. Store
// failures keep their 503.
func (h *AuthHandler) writeRefreshError(w http.ResponseWriter, r *http.Request, err error) {
	if apperrors.HTTPStatus(err) != http.StatusUnauthorized {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	h.clearRefreshCookie(w)
	httputil.WriteError(w, r, &apperrors.AppError{
		Code:    "INVALID_REFRESH_TOKEN",
		Message: invalidRefreshMessage,
		Status:  http.StatusUnauthorized,
		Err:     err,
	}, h.logger)
}

// refreshToken prefers the cookie over the body value.
func (h *AuthHandler) refreshToken(r *http.Request, fromBody string) string {
	if c, err := r.Cookie(RefreshCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return fromBody
}

func (h *AuthHandler) meta(r *http.Request) domain.SessionMeta {
	ip := middleware.ClientIP(r)
	if h.opts.TrustProxy {
		ip = middleware.ProxiedClientIP(r)
	}
	return domain.SessionMeta{UserAgent: r.UserAgent(), IP: ip}
}

func (h *AuthHandler) setRefreshCookie(w http.ResponseWriter, pair *domain.TokenPair) {
	expires := time.UnixMilli(pair.RefreshTokenExpiry)
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    pair.RefreshToken,
		Path:     refreshCookiePath,
		Expires:  expires,
		MaxAge:   int(h.service.Tokens().RefreshTTL().Seconds()),
		HttpOnly: true,
		Secure:   h.opts.SecureCookie,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *AuthHandler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.opts.SecureCookie,
		SameSite: http.SameSiteStrictMode,
	})
}
