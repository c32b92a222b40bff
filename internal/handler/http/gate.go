package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/sharp-crm/Sharp-crm2-sub002/internal/domain"
	"github.com/sharp-crm/Sharp-crm2-sub002/internal/repository"
	"github.com/sharp-crm/Sharp-crm2-sub002/internal/service"
	apperrors "github.com/sharp-crm/Sharp-crm2-sub002/pkg/errors"
	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/httputil"
	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/middleware"
)

// Advisory token headers set on every authenticated response.
const (
	HeaderTokenExpiresAt          = "X-Token-Expires-At"
	HeaderTokenNearExpiry         = "X-Token-Near-Expiry"
	HeaderTokenRefreshRecommended = "X-Token-Refresh-Recommended"
)

// RequestGate authenticates requests by bearer access token and attaches
// the caller's live identity to the request context.
type RequestGate struct {
	tokens *service.TokenAuthority
	users  repository.UserRepository
	logger *slog.Logger
}

// NewRequestGate creates a request gate.
func NewRequestGate(tokens *service.TokenAuthority, users repository.UserRepository, logger *slog.Logger) *RequestGate {
	return &RequestGate{tokens: tokens, users: users, logger: logger}
}

// Middleware rejects requests without a valid, unexpired access token. The
// role, tenant and reporting line come from a live user lookup, so a role
// change takes effect on the next request rather than the next rotation.
// Near-expiry is reported in headers and never blocks the request.
func (g *RequestGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			httputil.WriteError(w, r, apperrors.Unauthorized("missing bearer token"), g.logger)
			return
		}

		claims, err := g.tokens.Authenticate(token)
		if err != nil {
			httputil.WriteError(w, r, err, g.logger)
			return
		}

		ctx := r.Context()
		user, err := g.users.GetByIdentifier(ctx, claims.Subject)
		switch {
		case err == nil && user.Active():
		case err == nil, errors.Is(err, apperrors.ErrNotFound):
			httputil.WriteError(w, r, apperrors.Unauthorized("account is no longer active"), g.logger)
			return
		default:
			if !errors.Is(err, apperrors.ErrStoreUnavailable) {
				err = apperrors.StoreUnavailable(err)
			}
			httputil.WriteError(w, r, err, g.logger)
			return
		}

		identity := user.Identity()
		ctx = domain.WithIdentity(ctx, identity)
		ctx = middleware.SetIdentity(ctx, identity.UserID, identity.TenantID)

		near := g.tokens.IsNearExpiry(token, g.tokens.Threshold())
		h := w.Header()
		h.Set(HeaderTokenExpiresAt, strconv.FormatInt(domain.EpochMillis(claims.Expiry()), 10))
		h.Set(HeaderTokenNearExpiry, strconv.FormatBool(near))
		if near {
			h.Set(HeaderTokenRefreshRecommended, "true")
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// identityFrom returns the identity attached by the gate, writing a 401 when
// the route was mounted without it.
func identityFrom(w http.ResponseWriter, r *http.Request) (domain.Identity, bool) {
	id, ok := domain.IdentityFromContext(r.Context())
	if !ok {
		httputil.WriteError(w, r, apperrors.Unauthorized("authentication required"), nil)
		return domain.Identity{}, false
	}
	return id, true
}
