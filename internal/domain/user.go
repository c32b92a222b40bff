package domain

import (
	"strings"
	"time"
)

// User is a CRM account as seen by the auth core. Identifier is the login
// handle and primary key, stored lower-cased.
type User struct {
	Identifier   string    `json:"identifier"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"displayName,omitempty"`
	Role         Role      `json:"role"`
	TenantID     string    `json:"tenantId"`
	ReportingTo  string    `json:"reportingTo,omitempty"`
	IsDeleted    bool      `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Active reports whether the account can authenticate.
func (u *User) Active() bool {
	return u != nil && !u.IsDeleted
}

// Identity projects the user onto the request-scoped identity.
func (u *User) Identity() Identity {
	return Identity{
		UserID:      u.Identifier,
		Role:        u.Role,
		TenantID:    u.TenantID,
		ReportingTo: u.ReportingTo,
	}
}

// NormalizeIdentifier canonicalises a login handle for lookup and storage.
func NormalizeIdentifier(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
