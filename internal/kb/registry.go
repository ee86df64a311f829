// Package kb implements the generic entity-access engine: a schema-driven
// registry of entity types, role-based authorization, optimistic-versioned
// CRUD over SQLite, typed relationships, and the search projection the
// hybrid search engine reads from.
//
// The registry is built once at boot and never mutated afterwards, so it is
// safely shared across concurrent tool calls without locking. Adding an
// entity type means shipping a new descriptor and restarting the process:
// entity shapes are part of the deployed schema contract, not user data.
package kb

import (
	"sort"
)

// ParentRelation declares the foreign-key edge to an entity's parent type.
// Walking these edges from any entity terminates at an organization.
type ParentRelation struct {
	EntityType string
	FKField    string
}

// EntityTypeDescriptor is the static field contract for one logical entity
// type. Authorization, validation, and lifecycle logic read these as data
// instead of branching per type.
type EntityTypeDescriptor struct {
	Name           string
	Table          string
	RequiredFields []string
	DefaultValues  map[string]any
	// SearchFields are projected into the search document, in order.
	SearchFields []string
	Parent       *ParentRelation
	// AuditRequired forbids hard deletion for this type.
	AuditRequired bool
	// SelfScoped types (profiles) have no owning organization; the entity id
	// is the subject's user id and mutation is limited to the subject.
	SelfScoped bool
}

// RelationshipTypeDescriptor declares which entity type pairs a relationship
// type may connect and where its rows live.
type RelationshipTypeDescriptor struct {
	Name        string
	SourceTypes []string
	TargetTypes []string
	// Membership relationships live in the memberships join table and carry
	// role/status fields of their own.
	Membership bool
}

// Registry resolves logical entity and relationship type names to their
// descriptors. Append-only at boot, read-only thereafter.
type Registry struct {
	entities      map[string]*EntityTypeDescriptor
	aliases       map[string]string
	relationships map[string]*RelationshipTypeDescriptor
}

// NewRegistry builds the built-in descriptor set.
func NewRegistry() *Registry {
	r := &Registry{
		entities:      map[string]*EntityTypeDescriptor{},
		aliases:       map[string]string{"user": "profile"},
		relationships: map[string]*RelationshipTypeDescriptor{},
	}

	for _, d := range []*EntityTypeDescriptor{
		{
			Name:           "organization",
			Table:          "organizations",
			RequiredFields: []string{"name"},
			DefaultValues:  map[string]any{"status": "active"},
			SearchFields:   []string{"name", "description"},
			AuditRequired:  true,
		},
		{
			Name:           "project",
			Table:          "projects",
			RequiredFields: []string{"name", "organization_id"},
			DefaultValues:  map[string]any{"status": "active"},
			SearchFields:   []string{"name", "description"},
			Parent:         &ParentRelation{EntityType: "organization", FKField: "organization_id"},
			AuditRequired:  true,
		},
		{
			Name:           "document",
			Table:          "documents",
			RequiredFields: []string{"title", "project_id"},
			DefaultValues:  map[string]any{"status": "draft", "content": ""},
			SearchFields:   []string{"title", "content"},
			Parent:         &ParentRelation{EntityType: "project", FKField: "project_id"},
		},
		{
			Name:           "requirement",
			Table:          "requirements",
			RequiredFields: []string{"title", "document_id"},
			DefaultValues:  map[string]any{"status": "draft", "priority": "medium", "description": ""},
			SearchFields:   []string{"title", "description"},
			Parent:         &ParentRelation{EntityType: "document", FKField: "document_id"},
		},
		{
			Name:           "test",
			Table:          "tests",
			RequiredFields: []string{"title", "project_id"},
			DefaultValues:  map[string]any{"status": "pending", "description": ""},
			SearchFields:   []string{"title", "description"},
			Parent:         &ParentRelation{EntityType: "project", FKField: "project_id"},
		},
		{
			Name:           "property",
			Table:          "properties",
			RequiredFields: []string{"name", "project_id"},
			DefaultValues:  map[string]any{"value": ""},
			SearchFields:   []string{"name", "value"},
			Parent:         &ParentRelation{EntityType: "project", FKField: "project_id"},
		},
		{
			Name:           "profile",
			Table:          "profiles",
			RequiredFields: []string{"display_name"},
			DefaultValues:  map[string]any{"status": "active"},
			SearchFields:   []string{"display_name", "bio"},
			SelfScoped:     true,
		},
	} {
		r.entities[d.Name] = d
	}

	for _, d := range []*RelationshipTypeDescriptor{
		{
			Name:        "membership",
			SourceTypes: []string{"organization", "project"},
			TargetTypes: []string{"profile"},
			Membership:  true,
		},
		{
			Name:        "trace_link",
			SourceTypes: []string{"requirement"},
			TargetTypes: []string{"requirement", "document"},
		},
		{
			Name:        "coverage",
			SourceTypes: []string{"requirement"},
			TargetTypes: []string{"test"},
		},
		{
			Name:        "dependency",
			SourceTypes: []string{"document", "requirement", "test"},
			TargetTypes: []string{"document", "requirement", "test"},
		},
	} {
		r.relationships[d.Name] = d
	}

	return r
}

// Resolve returns the descriptor for a logical entity type name, following
// aliases (e.g. "user" resolves to the profile descriptor).
func (r *Registry) Resolve(name string) (*EntityTypeDescriptor, error) {
	if canonical, ok := r.aliases[name]; ok {
		name = canonical
	}
	d, ok := r.entities[name]
	if !ok {
		return nil, NewValidation("unknown entity type %q", name)
	}
	return d, nil
}

// ResolveRelationship returns the descriptor for a relationship type name.
func (r *Registry) ResolveRelationship(name string) (*RelationshipTypeDescriptor, error) {
	d, ok := r.relationships[name]
	if !ok {
		return nil, NewValidation("unknown relationship type %q", name)
	}
	return d, nil
}

// EntityTypes returns the canonical entity type names, sorted.
func (r *Registry) EntityTypes() []string {
	names := make([]string, 0, len(r.entities))
	for name := range r.entities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RelationshipTypes returns the relationship type names, sorted.
func (r *Registry) RelationshipTypes() []string {
	names := make([]string, 0, len(r.relationships))
	for name := range r.relationships {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// permitsPair reports whether the relationship type allows this source/target
// entity type pair.
func (d *RelationshipTypeDescriptor) permitsPair(sourceType, targetType string) bool {
	return contains(d.SourceTypes, sourceType) && contains(d.TargetTypes, targetType)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
