package kbtools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/atlas/internal/auth"
	"github.com/HendryAvila/atlas/internal/kb"
)

// EntityTool handles the entity_operation MCP tool: schema-driven CRUD over
// every registered entity type through a single dispatcher entry point.
type EntityTool struct {
	dispatcher *kb.Dispatcher
	verifier   *auth.Verifier
}

// NewEntityTool creates an EntityTool.
func NewEntityTool(dispatcher *kb.Dispatcher, verifier *auth.Verifier) *EntityTool {
	return &EntityTool{dispatcher: dispatcher, verifier: verifier}
}

// Definition returns the MCP tool definition for entity_operation.
func (t *EntityTool) Definition() mcp.Tool {
	return mcp.NewTool("entity_operation",
		mcp.WithDescription(
			"Create, read, update, delete, list, search, or batch-process knowledge base entities. "+
				"Supported entity types: organization, project, document, requirement, test, property, profile (alias: user). "+
				"Deletes are soft by default and reversible; updates use optimistic versioning.",
		),
		mcp.WithString("operation",
			mcp.Required(),
			mcp.Description("One of: create, read, update, delete, list, search, batch"),
		),
		mcp.WithString("entity_type",
			mcp.Required(),
			mcp.Description("Registered entity type name or alias"),
		),
		mcp.WithString("principal_token",
			mcp.Required(),
			mcp.Description("Signed principal token identifying the caller"),
		),
		mcp.WithString("entity_id",
			mcp.Description("Target entity id (read, update, delete)"),
		),
		mcp.WithObject("data",
			mcp.Description("Attribute map for create/update"),
		),
		mcp.WithObject("filters",
			mcp.Description("Equality filters for list (attribute name -> value). "+
				"The list count is adjusted for unreadable rows on the returned page only and may overstate the readable total across pages"),
		),
		mcp.WithString("query",
			mcp.Description("Search query text (search)"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Page size for list/search (default 100, max 1000)"),
		),
		mcp.WithNumber("offset",
			mcp.Description("Page offset for list"),
		),
		mcp.WithBoolean("soft",
			mcp.Description("Delete mode: true (default) marks deleted and preserves history, false removes permanently"),
		),
		mcp.WithBoolean("include_relations",
			mcp.Description("On read, also return the entity's relationships"),
		),
		mcp.WithString("batch_operation",
			mcp.Description("Per-item operation for batch: create, update, or delete"),
		),
		mcp.WithArray("items",
			mcp.Description("Item list for batch; each item is an attribute map (update/delete items need an id)"),
		),
	)
}

// Handle processes the entity_operation tool call.
func (t *EntityTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	principal, err := resolvePrincipal(ctx, t.verifier, req)
	if err != nil {
		return errResult(err)
	}

	operation := req.GetString("operation", "")
	entityType := req.GetString("entity_type", "")
	entityID := req.GetString("entity_id", "")

	switch operation {
	case "create":
		entity, err := t.dispatcher.Create(ctx, principal, entityType, mapArg(req, "data"))
		if err != nil {
			return errResult(err)
		}
		return okResult(entity)

	case "read":
		entity, rels, err := t.dispatcher.Read(ctx, principal, entityType, entityID, boolArg(req, "include_relations", false))
		if err != nil {
			return errResult(err)
		}
		if rels != nil {
			return okResult(map[string]any{"entity": entity, "relationships": rels})
		}
		return okResult(entity)

	case "update":
		entity, err := t.dispatcher.Update(ctx, principal, entityType, entityID, mapArg(req, "data"))
		if err != nil {
			return errResult(err)
		}
		return okResult(entity)

	case "delete":
		result, err := t.dispatcher.Delete(ctx, principal, entityType, entityID, boolArg(req, "soft", true))
		if err != nil {
			return errResult(err)
		}
		return okResult(result)

	case "list":
		page, err := t.dispatcher.List(ctx, principal, entityType, mapArg(req, "filters"),
			intArg(req, "limit", 0), intArg(req, "offset", 0))
		if err != nil {
			return errResult(err)
		}
		return okCountResult(page.Data, page.Count)

	case "search":
		page, err := t.dispatcher.Search(ctx, principal, entityType, req.GetString("query", ""), intArg(req, "limit", 0))
		if err != nil {
			return errResult(err)
		}
		return okCountResult(page.Data, page.Count)

	case "batch":
		batchOp := kb.Operation(req.GetString("batch_operation", ""))
		items := itemsArg(req, "items")
		if len(items) == 0 {
			return errResult(kb.NewValidation("batch requires a non-empty items array"))
		}
		outcomes := t.dispatcher.Batch(ctx, principal, entityType, batchOp, items)
		return okCountResult(outcomes, len(outcomes))

	default:
		return errResult(kb.NewValidation("unknown operation %q", operation))
	}
}
