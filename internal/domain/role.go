package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role is the closed set of roles a CRM user can hold.
type Role int

const (
	RoleUnknown Role = iota
	RoleSuperAdmin
	RoleAdmin
	RoleSalesManager
	RoleSalesRep
)

// Tier is the visibility tier a role resolves to for record scoping.
type Tier int

const (
	// TierNone sees nothing.
	TierNone Tier = iota
	// TierSelf sees records assigned to the user.
	TierSelf
	// TierTeam sees records assigned to the user or a direct report.
	TierTeam
	// TierTenant sees every record of the tenant.
	TierTenant
)

// ParseRole maps a stored or legacy role name onto the enum. Matching is
// case-insensitive; MANAGER and REP are legacy names for the sales roles.
// Unrecognised names yield RoleUnknown and false.
func ParseRole(s string) (Role, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SUPER_ADMIN":
		return RoleSuperAdmin, true
	case "ADMIN":
		return RoleAdmin, true
	case "SALES_MANAGER", "MANAGER":
		return RoleSalesManager, true
	case "SALES_REP", "REP":
		return RoleSalesRep, true
	default:
		return RoleUnknown, false
	}
}

// String returns the canonical role name.
func (r Role) String() string {
	switch r {
	case RoleSuperAdmin:
		return "SUPER_ADMIN"
	case RoleAdmin:
		return "ADMIN"
	case RoleSalesManager:
		return "SALES_MANAGER"
	case RoleSalesRep:
		return "SALES_REP"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r.Tier() != TierNone
}

// Tier maps the role onto its visibility tier. SUPER_ADMIN scopes like
// ADMIN: tenant-wide, never across tenants.
func (r Role) Tier() Tier {
	switch r {
	case RoleSuperAdmin, RoleAdmin:
		return TierTenant
	case RoleSalesManager:
		return TierTeam
	case RoleSalesRep:
		return TierSelf
	default:
		return TierNone
	}
}

func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *Role) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("role must be a string: %w", err)
	}
	*r, _ = ParseRole(s)
	return nil
}
