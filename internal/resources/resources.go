// Package resources implements MCP resource handlers for the knowledge base.
//
// Resources provide read-only data that the host can consume for context.
// They use URI-based addressing (atlas://...) following MCP conventions.
package resources

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/atlas/internal/kb"
)

// Handler serves the schema resource. The schema is part of the deployed
// contract, not tenant data, so it needs no principal.
type Handler struct {
	registry *kb.Registry
}

// NewHandler creates a resource Handler with its dependencies.
func NewHandler(registry *kb.Registry) *Handler {
	return &Handler{registry: registry}
}

// SchemaResource returns the MCP resource definition for the entity schema.
func (h *Handler) SchemaResource() mcp.Resource {
	return mcp.NewResource(
		"atlas://schema",
		"Knowledge Base Schema",
		mcp.WithResourceDescription("Entity types, their required fields and ownership hierarchy, and the allowed relationship types"),
		mcp.WithMIMEType("application/json"),
	)
}

// entityTypeSchema is the wire shape of one entity type in the schema
// resource.
type entityTypeSchema struct {
	Name           string         `json:"name"`
	RequiredFields []string       `json:"required_fields"`
	Defaults       map[string]any `json:"defaults,omitempty"`
	SearchFields   []string       `json:"search_fields,omitempty"`
	Parent         *parentSchema  `json:"parent,omitempty"`
	AuditRequired  bool           `json:"audit_required,omitempty"`
	SelfScoped     bool           `json:"self_scoped,omitempty"`
}

type parentSchema struct {
	EntityType string `json:"entity_type"`
	FKField    string `json:"fk_field"`
}

type relationshipTypeSchema struct {
	Name        string   `json:"name"`
	SourceTypes []string `json:"source_types"`
	TargetTypes []string `json:"target_types"`
	Membership  bool     `json:"membership,omitempty"`
}

// HandleSchema returns the full entity and relationship schema as JSON.
func (h *Handler) HandleSchema(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	var entities []entityTypeSchema
	for _, name := range h.registry.EntityTypes() {
		desc, err := h.registry.Resolve(name)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", name, err)
		}
		e := entityTypeSchema{
			Name:           desc.Name,
			RequiredFields: desc.RequiredFields,
			Defaults:       desc.DefaultValues,
			SearchFields:   desc.SearchFields,
			AuditRequired:  desc.AuditRequired,
			SelfScoped:     desc.SelfScoped,
		}
		if desc.Parent != nil {
			e.Parent = &parentSchema{EntityType: desc.Parent.EntityType, FKField: desc.Parent.FKField}
		}
		entities = append(entities, e)
	}

	var relationships []relationshipTypeSchema
	for _, name := range h.registry.RelationshipTypes() {
		desc, err := h.registry.ResolveRelationship(name)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", name, err)
		}
		relationships = append(relationships, relationshipTypeSchema{
			Name:        desc.Name,
			SourceTypes: desc.SourceTypes,
			TargetTypes: desc.TargetTypes,
			Membership:  desc.Membership,
		})
	}

	data, err := json.MarshalIndent(map[string]any{
		"entity_types":       entities,
		"relationship_types": relationships,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling schema: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
