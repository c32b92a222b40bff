package domain

import "context"

// Identity is the authenticated caller resolved for one request from the
// access token claims and a live user lookup. It is never persisted.
type Identity struct {
	UserID      string `json:"userId"`
	Role        Role   `json:"role"`
	TenantID    string `json:"tenantId"`
	ReportingTo string `json:"reportingTo,omitempty"`
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity attached by the request gate.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
