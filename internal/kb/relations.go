package kb

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// MemberInfo is a membership optionally enriched with the joined profile
// projection.
type MemberInfo struct {
	Membership
	Profile *Entity `json:"profile,omitempty"`
}

// RelationList is the result of a relationship list call. Exactly one of the
// two slices is populated depending on the relationship type.
type RelationList struct {
	Memberships   []MemberInfo   `json:"memberships,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty"`
}

// CheckResult is the non-mutating existence probe result, used by callers to
// avoid duplicate-link races.
type CheckResult struct {
	Exists       bool          `json:"exists"`
	Relationship *Relationship `json:"relationship,omitempty"`
	Membership   *Membership   `json:"membership,omitempty"`
}

// Relations manages typed associations between entities: memberships in
// their own join table, everything else in the generic relationships table.
type Relations struct {
	registry *Registry
	policy   *Policy
	store    *Store
	log      zerolog.Logger
}

// NewRelations creates a relationship manager.
func NewRelations(registry *Registry, policy *Policy, store *Store, log zerolog.Logger) *Relations {
	return &Relations{registry: registry, policy: policy, store: store, log: log}
}

// Link creates a typed association after validating that both endpoints
// exist and that the relationship type permits the entity type pair.
func (r *Relations) Link(ctx context.Context, principal *Principal, relType string, source, target EntityRef, metadata map[string]any) (*CheckResult, error) {
	desc, err := r.registry.ResolveRelationship(relType)
	if err != nil {
		return nil, err
	}
	source.Type = r.canonicalType(source.Type)
	target.Type = r.canonicalType(target.Type)
	if !desc.permitsPair(source.Type, target.Type) {
		return nil, NewInvalidReference("relationship %q does not permit %s → %s", relType, source.Type, target.Type)
	}
	for _, ref := range []EntityRef{source, target} {
		entityDesc, err := r.registry.Resolve(ref.Type)
		if err != nil {
			return nil, err
		}
		ok, err := r.store.Exists(ctx, entityDesc, ref.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, NewInvalidReference("%s %q does not exist", ref.Type, ref.ID)
		}
	}

	sourceDesc, err := r.registry.Resolve(source.Type)
	if err != nil {
		return nil, err
	}
	if err := r.policy.Authorize(ctx, principal, sourceDesc, OpLink, source.Type, source.ID); err != nil {
		return nil, err
	}

	if desc.Membership {
		return r.linkMembership(ctx, principal, source, target, metadata)
	}

	rel, err := r.store.InsertRelationship(ctx, Relationship{
		Type:       relType,
		SourceType: source.Type,
		SourceID:   source.ID,
		TargetType: target.Type,
		TargetID:   target.ID,
		Metadata:   metadata,
		CreatedBy:  principal.UserID,
	})
	if err != nil {
		return nil, err
	}
	r.log.Info().Str("relationship_type", relType).
		Str("source", source.ID).Str("target", target.ID).Msg("relationship linked")
	return &CheckResult{Exists: true, Relationship: rel}, nil
}

func (r *Relations) linkMembership(ctx context.Context, principal *Principal, source, target EntityRef, metadata map[string]any) (*CheckResult, error) {
	role := Role(stringAttr(metadata, "role"))
	if role == "" {
		role = RoleMember
	}
	if !role.valid() {
		return nil, NewValidation("unknown membership role %q", role)
	}
	status := MembershipStatus(stringAttr(metadata, "status"))
	if status == "" {
		status = StatusActive
	}

	// A granter cannot hand out a role above their own.
	granterRole, err := r.policy.effectiveRole(ctx, principal, source.Type, source.ID)
	if err != nil {
		return nil, err
	}
	if role.tier() > granterRole.tier() {
		return nil, NewUnauthorized(
			fmt.Sprintf("role %q cannot grant the %q role", granterRole, role),
			"ask a member with a higher role to grant it",
		)
	}

	m, err := r.store.InsertMembership(ctx, Membership{
		ScopeType: ScopeType(source.Type),
		ScopeID:   source.ID,
		UserID:    target.ID,
		Role:      role,
		Status:    status,
		CreatedBy: principal.UserID,
	})
	if err != nil {
		return nil, err
	}
	r.log.Info().Str("scope", source.ID).Str("user", target.ID).
		Str("role", string(role)).Msg("membership linked")
	return &CheckResult{Exists: true, Membership: m}, nil
}

// Unlink removes an association. Removing one's own membership is always
// allowed regardless of role (self-removal); all other unlinks require admin
// and above. Removing the last active owner of a scope is rejected.
func (r *Relations) Unlink(ctx context.Context, principal *Principal, relType string, source, target EntityRef) error {
	desc, err := r.registry.ResolveRelationship(relType)
	if err != nil {
		return err
	}
	source.Type = r.canonicalType(source.Type)
	target.Type = r.canonicalType(target.Type)

	selfRemoval := desc.Membership && principal != nil && principal.UserID == target.ID
	if !selfRemoval {
		sourceDesc, err := r.registry.Resolve(source.Type)
		if err != nil {
			return err
		}
		if err := r.policy.Authorize(ctx, principal, sourceDesc, OpUnlink, source.Type, source.ID); err != nil {
			return err
		}
	}

	if desc.Membership {
		// The last-owner invariant is enforced inside the store transaction
		// and applies to self-removal too.
		if err := r.store.RemoveMembership(ctx, ScopeType(source.Type), source.ID, target.ID); err != nil {
			return err
		}
	} else if err := r.store.DeleteRelationship(ctx, relType, source, target); err != nil {
		return err
	}

	r.log.Info().Str("relationship_type", relType).
		Str("source", source.ID).Str("target", target.ID).
		Bool("self_removal", selfRemoval).Msg("relationship unlinked")
	return nil
}

// Check is a non-mutating existence probe for a specific association.
func (r *Relations) Check(ctx context.Context, relType string, source, target EntityRef) (*CheckResult, error) {
	desc, err := r.registry.ResolveRelationship(relType)
	if err != nil {
		return nil, err
	}
	source.Type = r.canonicalType(source.Type)
	target.Type = r.canonicalType(target.Type)

	if desc.Membership {
		m, err := r.store.FindMembership(ctx, ScopeType(source.Type), source.ID, target.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return &CheckResult{Exists: false}, nil
			}
			return nil, err
		}
		return &CheckResult{Exists: true, Membership: m}, nil
	}

	rel, err := r.store.FindRelationship(ctx, relType, source, target)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &CheckResult{Exists: false}, nil
		}
		return nil, err
	}
	return &CheckResult{Exists: true, Relationship: rel}, nil
}

// List returns all associations of one type originating at the source.
// For membership lists, includeProfile enriches each row with the joined
// profile entity.
func (r *Relations) List(ctx context.Context, principal *Principal, relType string, source EntityRef, includeProfile bool) (*RelationList, error) {
	desc, err := r.registry.ResolveRelationship(relType)
	if err != nil {
		return nil, err
	}
	source.Type = r.canonicalType(source.Type)

	sourceDesc, err := r.registry.Resolve(source.Type)
	if err != nil {
		return nil, err
	}
	if err := r.policy.Authorize(ctx, principal, sourceDesc, OpRead, source.Type, source.ID); err != nil {
		return nil, err
	}

	if !desc.Membership {
		rels, err := r.store.ListRelationships(ctx, relType, source)
		if err != nil {
			return nil, err
		}
		return &RelationList{Relationships: rels}, nil
	}

	memberships, err := r.store.ListMemberships(ctx, ScopeType(source.Type), source.ID)
	if err != nil {
		return nil, err
	}
	profileDesc, err := r.registry.Resolve("profile")
	if err != nil {
		return nil, err
	}
	result := &RelationList{}
	for _, m := range memberships {
		info := MemberInfo{Membership: m}
		if includeProfile {
			if profile, err := r.store.Get(ctx, profileDesc, m.UserID); err == nil {
				info.Profile = profile
			}
		}
		result.Memberships = append(result.Memberships, info)
	}
	return result, nil
}

// canonicalType follows entity type aliases (user → profile) so relationship
// endpoints can be named either way.
func (r *Relations) canonicalType(name string) string {
	if desc, err := r.registry.Resolve(name); err == nil {
		return desc.Name
	}
	return name
}
