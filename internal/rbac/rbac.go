// Package rbac decides which records an identity may see or act on. Every
// function is pure over data the caller already fetched.
package rbac

import (
	"github.com/sharp-crm/Sharp-crm2-sub002/internal/domain"
)

// Record is anything owned by one user inside one tenant.
type Record interface {
	Tenant() string
	Owner() string
}

// Scope is the visibility of one identity, resolved once per request.
type Scope struct {
	identity domain.Identity
	tier     domain.Tier
	team     map[string]struct{}
}

// NewScope resolves the identity's tier and, for team scope, its direct
// reports among tenantUsers. Users of other tenants and soft-deleted users
// are ignored. Records assigned to a soft-deleted report stay hidden.
func NewScope(identity domain.Identity, tenantUsers []domain.User) Scope {
	s := Scope{identity: identity, tier: identity.Role.Tier()}
	if s.tier != domain.TierTeam {
		return s
	}

	s.team = make(map[string]struct{}, len(tenantUsers)+1)
	s.team[identity.UserID] = struct{}{}
	for i := range tenantUsers {
		u := &tenantUsers[i]
		if u.TenantID != identity.TenantID || u.IsDeleted {
			continue
		}
		if u.ReportingTo != "" && u.ReportingTo == identity.UserID {
			s.team[u.Identifier] = struct{}{}
		}
	}
	return s
}

// Identity returns the identity the scope was resolved for.
func (s Scope) Identity() domain.Identity { return s.identity }

// Tier returns the resolved visibility tier.
func (s Scope) Tier() domain.Tier { return s.tier }

// Visible reports whether r is inside the scope. Tenant equality is always
// required; an unrecognised role sees nothing.
func (s Scope) Visible(r Record) bool {
	if s.identity.TenantID == "" || r.Tenant() != s.identity.TenantID {
		return false
	}

	switch s.tier {
	case domain.TierTenant:
		return true
	case domain.TierTeam:
		_, ok := s.team[r.Owner()]
		return ok
	case domain.TierSelf:
		return r.Owner() == s.identity.UserID
	default:
		return false
	}
}

// DirectReports returns the identifiers of the identity's direct reports.
// It is empty unless the scope has team tier.
func (s Scope) DirectReports() []string {
	out := make([]string, 0, len(s.team))
	for id := range s.team {
		if id != s.identity.UserID {
			out = append(out, id)
		}
	}
	return out
}

// Filter returns the records visible in scope, preserving order. It never
// returns nil.
func Filter[T Record](s Scope, records []T) []T {
	out := make([]T, 0, len(records))
	for _, r := range records {
		if s.Visible(r) {
			out = append(out, r)
		}
	}
	return out
}

// CanHardDelete reports whether the identity's role permits irreversible
// deletion. Visibility must be checked separately, and first.
func CanHardDelete(identity domain.Identity) bool {
	return identity.Role.Tier() == domain.TierTenant
}

// CanAssignTo reports whether a record re-assigned to assignee would still
// be visible to the identity, so a caller cannot hand records outside its
// own scope.
func (s Scope) CanAssignTo(assignee string) bool {
	return s.Visible(assignment{tenant: s.identity.TenantID, owner: assignee})
}

type assignment struct{ tenant, owner string }

func (a assignment) Tenant() string { return a.tenant }
func (a assignment) Owner() string { return a.owner }
