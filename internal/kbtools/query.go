package kbtools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/atlas/internal/auth"
	"github.com/HendryAvila/atlas/internal/kb"
)

// QueryTool handles the data_query MCP tool: cross-entity search,
// aggregation, knowledge-base statistics, and relationship traversal.
type QueryTool struct {
	registry *kb.Registry
	policy   *kb.Policy
	store    *kb.Store
	searcher kb.Searcher
	verifier *auth.Verifier
}

// NewQueryTool creates a QueryTool.
func NewQueryTool(registry *kb.Registry, policy *kb.Policy, store *kb.Store, searcher kb.Searcher, verifier *auth.Verifier) *QueryTool {
	return &QueryTool{registry: registry, policy: policy, store: store, searcher: searcher, verifier: verifier}
}

// Definition returns the MCP tool definition for data_query.
func (t *QueryTool) Definition() mcp.Tool {
	return mcp.NewTool("data_query",
		mcp.WithDescription(
			"Query the knowledge base beyond single-entity CRUD. "+
				"query_type=search runs hybrid keyword/semantic search across entity types; "+
				"aggregate groups one entity type by an attribute; "+
				"analyze returns knowledge-base statistics; "+
				"relationships returns every association touching one entity.",
		),
		mcp.WithString("query_type",
			mcp.Required(),
			mcp.Description("One of: search, aggregate, analyze, relationships"),
		),
		mcp.WithString("principal_token",
			mcp.Required(),
			mcp.Description("Signed principal token identifying the caller"),
		),
		mcp.WithString("search_term",
			mcp.Description("Search query text (search)"),
		),
		mcp.WithArray("entities",
			mcp.Description("Entity types to search; empty searches all types (search)"),
		),
		mcp.WithString("mode",
			mcp.Description("Search mode: keyword, semantic, hybrid, or auto (default auto)"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max results for search (default 100, max 1000)"),
		),
		mcp.WithString("entity_type",
			mcp.Description("Entity type for aggregate/relationships"),
		),
		mcp.WithString("group_by",
			mcp.Description("Attribute to group by (aggregate)"),
		),
		mcp.WithObject("conditions",
			mcp.Description("Equality conditions narrowing the rows counted (aggregate); not supported for search — scope with entities instead"),
		),
		mcp.WithString("entity_id",
			mcp.Description("Entity id (relationships)"),
		),
	)
}

// Handle processes the data_query tool call.
func (t *QueryTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	principal, err := resolvePrincipal(ctx, t.verifier, req)
	if err != nil {
		return errResult(err)
	}

	switch req.GetString("query_type", "") {
	case "search":
		return t.search(ctx, principal, req)
	case "aggregate":
		return t.aggregate(ctx, principal, req)
	case "analyze":
		return t.analyze(ctx, req)
	case "relationships":
		return t.relationships(ctx, principal, req)
	default:
		return errResult(kb.NewValidation("unknown query_type %q", req.GetString("query_type", "")))
	}
}

func (t *QueryTool) search(ctx context.Context, principal *kb.Principal, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := req.GetString("search_term", "")
	if query == "" {
		return errResult(kb.NewValidation("search requires a search_term"))
	}
	if len(mapArg(req, "conditions")) > 0 {
		return errResult(kb.NewValidation("conditions are not supported for search; scope with entities instead"))
	}
	resp, err := t.searcher.Search(ctx, kb.SearchRequest{
		Query:       query,
		EntityTypes: stringSliceArg(req, "entities"),
		Mode:        req.GetString("mode", "auto"),
		Limit:       intArg(req, "limit", 0),
		Principal:   principal,
	})
	if err != nil {
		return errResult(err)
	}
	return okCountResult(resp, len(resp.Results))
}

// aggregate groups entities of one type by an attribute value. Grouping runs
// over rows the store can see; membership filtering at aggregate granularity
// would require a row scan, so aggregate is gated on read access to the type
// itself via the same policy as list.
func (t *QueryTool) aggregate(ctx context.Context, principal *kb.Principal, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	desc, err := t.registry.Resolve(req.GetString("entity_type", ""))
	if err != nil {
		return errResult(err)
	}
	groupBy := req.GetString("group_by", "")
	if groupBy == "" {
		return errResult(kb.NewValidation("aggregate requires group_by"))
	}
	if principal == nil || principal.UserID == "" {
		return errResult(kb.NewUnauthorized("no authenticated principal", "supply a valid principal token"))
	}
	counts, err := t.store.CountBy(ctx, desc, groupBy, mapArg(req, "conditions"))
	if err != nil {
		return errResult(err)
	}
	return okResult(map[string]any{
		"entity_type": desc.Name,
		"group_by":    groupBy,
		"groups":      counts,
	})
}

func (t *QueryTool) analyze(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := t.store.Stats(ctx)
	if err != nil {
		return errResult(err)
	}
	return okResult(stats)
}

func (t *QueryTool) relationships(ctx context.Context, principal *kb.Principal, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	desc, err := t.registry.Resolve(req.GetString("entity_type", ""))
	if err != nil {
		return errResult(err)
	}
	entityID := req.GetString("entity_id", "")
	if entityID == "" {
		return errResult(kb.NewValidation("relationships requires entity_id"))
	}
	if err := t.policy.Authorize(ctx, principal, desc, kb.OpRead, desc.Name, entityID); err != nil {
		return errResult(err)
	}
	rels, err := t.store.RelationshipsTouching(ctx, kb.EntityRef{Type: desc.Name, ID: entityID})
	if err != nil {
		return errResult(err)
	}
	return okCountResult(rels, len(rels))
}
