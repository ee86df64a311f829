package kb

// Role is a membership role within an organization or project scope.
// Hierarchy: owner > admin > maintainer/editor > member/viewer.
type Role string

const (
	RoleOwner      Role = "owner"
	RoleAdmin      Role = "admin"
	RoleMaintainer Role = "maintainer"
	RoleEditor     Role = "editor"
	RoleMember     Role = "member"
	RoleViewer     Role = "viewer"
)

// roleTiers orders roles for the fixed (operation, role) permission table.
var roleTiers = map[Role]int{
	RoleOwner:      4,
	RoleAdmin:      3,
	RoleMaintainer: 2,
	RoleEditor:     2,
	RoleMember:     1,
	RoleViewer:     1,
}

// tier returns the permission tier for a role, 0 if unknown.
func (r Role) tier() int { return roleTiers[r] }

// valid reports whether the role is one of the known roles.
func (r Role) valid() bool { return roleTiers[r] > 0 }

// MembershipStatus is the lifecycle state of a membership row.
type MembershipStatus string

const (
	StatusActive    MembershipStatus = "active"
	StatusInvited   MembershipStatus = "invited"
	StatusSuspended MembershipStatus = "suspended"
)

// ScopeType identifies what a membership is scoped to.
type ScopeType string

const (
	ScopeOrganization ScopeType = "organization"
	ScopeProject      ScopeType = "project"
)

// Membership is one row of the memberships join table: a relationship
// subtype carrying its own role and status.
type Membership struct {
	ID        string           `json:"id"`
	ScopeType ScopeType        `json:"scope_type"`
	ScopeID   string           `json:"scope_id"`
	UserID    string           `json:"user_id"`
	Role      Role             `json:"role"`
	Status    MembershipStatus `json:"status"`
	CreatedAt string           `json:"created_at"`
	CreatedBy string           `json:"created_by"`
}

// Principal is the authenticated caller plus their resolved context for one
// request. It is built at verification time and never mutated afterwards;
// "active organization/project" is explicit request state, never a
// process-global default.
type Principal struct {
	UserID               string       `json:"user_id"`
	ActiveOrganizationID string       `json:"active_organization_id,omitempty"`
	ActiveProjectID      string       `json:"active_project_id,omitempty"`
	Memberships          []Membership `json:"memberships"`
}

// RoleFor returns the principal's active-status role for a scope.
// Invited and suspended memberships grant nothing.
func (p *Principal) RoleFor(scopeType ScopeType, scopeID string) (Role, bool) {
	for _, m := range p.Memberships {
		if m.ScopeType == scopeType && m.ScopeID == scopeID && m.Status == StatusActive {
			return m.Role, true
		}
	}
	return "", false
}
