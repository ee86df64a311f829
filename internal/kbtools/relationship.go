package kbtools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/atlas/internal/auth"
	"github.com/HendryAvila/atlas/internal/kb"
)

// RelationshipTool handles the relationship_operation MCP tool: typed
// associations between entities, including scope memberships.
type RelationshipTool struct {
	relations *kb.Relations
	verifier  *auth.Verifier
}

// NewRelationshipTool creates a RelationshipTool.
func NewRelationshipTool(relations *kb.Relations, verifier *auth.Verifier) *RelationshipTool {
	return &RelationshipTool{relations: relations, verifier: verifier}
}

// Definition returns the MCP tool definition for relationship_operation.
func (t *RelationshipTool) Definition() mcp.Tool {
	return mcp.NewTool("relationship_operation",
		mcp.WithDescription(
			"Link, unlink, check, or list typed relationships between entities. "+
				"Types: membership (organization/project → profile, metadata carries role and status), "+
				"trace_link (requirement → requirement/document), coverage (requirement → test), "+
				"dependency (document/requirement/test → same type). "+
				"Check is a non-mutating existence probe.",
		),
		mcp.WithString("operation",
			mcp.Required(),
			mcp.Description("One of: link, unlink, check, list"),
		),
		mcp.WithString("relationship_type",
			mcp.Required(),
			mcp.Description("Relationship type name"),
		),
		mcp.WithString("principal_token",
			mcp.Required(),
			mcp.Description("Signed principal token identifying the caller"),
		),
		mcp.WithString("source_type",
			mcp.Required(),
			mcp.Description("Source entity type"),
		),
		mcp.WithString("source_id",
			mcp.Required(),
			mcp.Description("Source entity id"),
		),
		mcp.WithString("target_type",
			mcp.Description("Target entity type (link, unlink, check)"),
		),
		mcp.WithString("target_id",
			mcp.Description("Target entity id (link, unlink, check)"),
		),
		mcp.WithObject("metadata",
			mcp.Description("Relationship metadata; for memberships: role (owner, admin, member...) and status"),
		),
		mcp.WithBoolean("include_profile",
			mcp.Description("On membership list, join each member's profile entity"),
		),
	)
}

// Handle processes the relationship_operation tool call.
func (t *RelationshipTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	principal, err := resolvePrincipal(ctx, t.verifier, req)
	if err != nil {
		return errResult(err)
	}

	operation := req.GetString("operation", "")
	relType := req.GetString("relationship_type", "")
	source := kb.EntityRef{Type: req.GetString("source_type", ""), ID: req.GetString("source_id", "")}
	target := kb.EntityRef{Type: req.GetString("target_type", ""), ID: req.GetString("target_id", "")}

	switch operation {
	case "link":
		result, err := t.relations.Link(ctx, principal, relType, source, target, mapArg(req, "metadata"))
		if err != nil {
			return errResult(err)
		}
		return okResult(result)

	case "unlink":
		if err := t.relations.Unlink(ctx, principal, relType, source, target); err != nil {
			return errResult(err)
		}
		return okResult(map[string]any{"unlinked": true})

	case "check":
		result, err := t.relations.Check(ctx, relType, source, target)
		if err != nil {
			return errResult(err)
		}
		return okResult(result)

	case "list":
		list, err := t.relations.List(ctx, principal, relType, source, boolArg(req, "include_profile", false))
		if err != nil {
			return errResult(err)
		}
		count := len(list.Memberships) + len(list.Relationships)
		return okCountResult(list, count)

	default:
		return errResult(kb.NewValidation("unknown operation %q", operation))
	}
}
