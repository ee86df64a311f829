package kb

import (
	"context"
	"fmt"
)

// Operation is one of the dispatchable entity operations.
type Operation string

const (
	OpCreate Operation = "create"
	OpRead   Operation = "read"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpLink   Operation = "link"
	OpUnlink Operation = "unlink"
)

// operationTiers is the fixed (operation → minimum role tier) table:
// read for any active member, create/update/link for editor and above,
// delete/unlink for admin and above.
var operationTiers = map[Operation]int{
	OpRead:   1,
	OpCreate: 2,
	OpUpdate: 2,
	OpLink:   2,
	OpDelete: 3,
	OpUnlink: 3,
}

// Policy decides ALLOW/DENY for (principal, entity type, operation) before
// any datastore mutation. It runs in application code so denials carry
// actionable hints instead of opaque store rejections, and so a DENY never
// leaves partially-applied side effects behind.
type Policy struct {
	registry *Registry
	store    *Store
}

// NewPolicy creates a Policy over the given registry and store.
func NewPolicy(registry *Registry, store *Store) *Policy {
	return &Policy{registry: registry, store: store}
}

// Authorize allows the operation or fails with a typed unauthorized error.
//
// anchorType/anchorID name the entity whose ownership chain governs the
// decision: the entity itself for read/update/delete, the parent for create.
// Organization creation is self-service for any authenticated principal;
// ownership is granted synchronously after the insert.
func (p *Policy) Authorize(ctx context.Context, principal *Principal, desc *EntityTypeDescriptor, op Operation, anchorType, anchorID string) error {
	if principal == nil || principal.UserID == "" {
		return NewUnauthorized("no authenticated principal", "supply a valid principal token")
	}

	if desc.Name == "organization" && op == OpCreate {
		return nil
	}

	if desc.SelfScoped {
		return p.authorizeSelfScoped(principal, desc, op, anchorID)
	}

	role, err := p.effectiveRole(ctx, principal, anchorType, anchorID)
	if err != nil {
		return err
	}
	if role == "" {
		return NewUnauthorized(
			fmt.Sprintf("no active membership grants %s on %s", op, desc.Name),
			fmt.Sprintf("ensure membership in the owning organization before %s operations", op),
		)
	}
	if role.tier() < operationTiers[op] {
		return NewUnauthorized(
			fmt.Sprintf("role %q does not permit %s on %s", role, op, desc.Name),
			requiredRoleHint(op),
		)
	}
	return nil
}

// AuthorizeHardDelete gates irreversible deletion: admin and above, and only
// for entity types not marked audit-required.
func (p *Policy) AuthorizeHardDelete(ctx context.Context, principal *Principal, desc *EntityTypeDescriptor, id string) error {
	if desc.AuditRequired {
		return NewValidation("%s entities are audit-required and cannot be hard-deleted", desc.Name)
	}
	return p.Authorize(ctx, principal, desc, OpDelete, desc.Name, id)
}

// CanRead reports whether the principal may read the given entity. Used by
// the search engine to filter candidates before ranking so the result limit
// is not wasted on inaccessible rows.
func (p *Policy) CanRead(ctx context.Context, principal *Principal, entityType, id string) bool {
	desc, err := p.registry.Resolve(entityType)
	if err != nil {
		return false
	}
	return p.Authorize(ctx, principal, desc, OpRead, entityType, id) == nil
}

// authorizeSelfScoped handles profile entities, which have no owning
// organization: any authenticated principal may read, and only the subject
// may mutate their own profile.
func (p *Policy) authorizeSelfScoped(principal *Principal, desc *EntityTypeDescriptor, op Operation, id string) error {
	switch op {
	case OpRead, OpCreate:
		return nil
	default:
		if id == principal.UserID {
			return nil
		}
		return NewUnauthorized(
			fmt.Sprintf("cannot %s another user's %s", op, desc.Name),
			"profiles can only be modified by their subject",
		)
	}
}

// effectiveRole resolves the principal's role for the organization that
// transitively owns the anchor entity. A project-level membership found on
// the chain takes precedence over the organization-level role.
func (p *Policy) effectiveRole(ctx context.Context, principal *Principal, anchorType, anchorID string) (Role, error) {
	chain, err := p.store.OwnershipChain(ctx, anchorType, anchorID)
	if err != nil {
		return "", err
	}

	var orgRole, projectRole Role
	var haveOrg, haveProject bool
	for _, ref := range chain {
		switch ref.EntityType {
		case "organization":
			if r, ok := principal.RoleFor(ScopeOrganization, ref.ID); ok {
				orgRole, haveOrg = r, true
			}
		case "project":
			if r, ok := principal.RoleFor(ScopeProject, ref.ID); ok {
				projectRole, haveProject = r, true
			}
		}
	}
	if haveProject {
		return projectRole, nil
	}
	if haveOrg {
		return orgRole, nil
	}
	return "", nil
}

func requiredRoleHint(op Operation) string {
	switch op {
	case OpCreate, OpUpdate, OpLink:
		return "requires the editor role or above"
	case OpDelete, OpUnlink:
		return "requires the admin role or above"
	default:
		return "requires an active membership"
	}
}
