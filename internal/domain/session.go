package domain

import "time"

// RefreshTokenRecord is the stored state of one outstanding refresh token.
// A JTI absent from the store is revoked, whatever the token itself says.
type RefreshTokenRecord struct {
	JTI        string     `json:"jti"`
	UserID     string     `json:"userId"`
	TenantID   string     `json:"tenantId"`
	TokenHash  string     `json:"tokenHash"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	UserAgent  string     `json:"userAgent,omitempty"`
	IP         string     `json:"ip,omitempty"`
}

// ExpiredAt reports whether the record has expired at now. A record
// expiring exactly at now is expired.
func (r *RefreshTokenRecord) ExpiredAt(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// SessionMeta describes the client a session was issued to.
type SessionMeta struct {
	UserAgent string
	IP        string
}

// TokenPair is a freshly issued access/refresh pair. Expiries are epoch
// milliseconds so clients can schedule a refresh without decoding.
type TokenPair struct {
	AccessToken        string `json:"accessToken"`
	AccessTokenExpiry  int64  `json:"accessTokenExpiry"`
	RefreshToken       string `json:"refreshToken"`
	RefreshTokenExpiry int64  `json:"refreshTokenExpiry"`
	JTI                string `json:"-"`
}

// Session is the client-facing view of a refresh token record.
type Session struct {
	ID         string     `json:"id"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	UserAgent  string     `json:"userAgent,omitempty"`
	IP         string     `json:"ip,omitempty"`
	Current    bool       `json:"current"`
}

// Session projects the record for listing.
func (r *RefreshTokenRecord) Session() Session {
	return Session{
		ID:         r.JTI,
		CreatedAt:  r.CreatedAt,
		ExpiresAt:  r.ExpiresAt,
		LastUsedAt: r.LastUsedAt,
		UserAgent:  r.UserAgent,
		IP:         r.IP,
	}
}

// EpochMillis converts t to milliseconds since the Unix epoch.
func EpochMillis(t time.Time) int64 {
	return t.UnixMilli()
}
