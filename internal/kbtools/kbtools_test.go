package kbtools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"

	"github.com/HendryAvila/atlas/internal/auth"
	"github.com/HendryAvila/atlas/internal/kb"
	"github.com/HendryAvila/atlas/internal/search"
	"github.com/HendryAvila/atlas/internal/workflow"
)

// --- entity_operation ---

func TestEntityTool_CreateEnvelope(t *testing.T) {
	env := newToolEnv(t)

	result, err := env.entity.Handle(context.Background(), makeReq(map[string]any{
		"operation":       "create",
		"entity_type":     "organization",
		"principal_token": env.token("u-1", ""),
		"data":            map[string]any{"name": "Acme"},
	}))
	if err != nil {
		t.Fatalf("Handle returned transport error: %v", err)
	}

	resp := decodeEnvelope(t, result)
	if !resp.Success {
		t.Fatalf("success = false: %+v", resp.Error)
	}
	data := resp.Data.(map[string]any)
	if data["version"] != float64(1) {
		t.Errorf("version = %v, want 1", data["version"])
	}
	if data["created_by"] != "u-1" {
		t.Errorf("created_by = %v, want u-1", data["created_by"])
	}
}

func TestEntityTool_MissingToken(t *testing.T) {
	env := newToolEnv(t)

	result, err := env.entity.Handle(context.Background(), makeReq(map[string]any{
		"operation":   "read",
		"entity_type": "organization",
		"entity_id":   "org-1",
	}))
	if err != nil {
		t.Fatalf("Handle returned transport error: %v", err)
	}

	resp := decodeEnvelope(t, result)
	if resp.Success {
		t.Fatal("success should be false without a token")
	}
	if resp.Error.Code != "UNAUTHORIZED_ACCESS" || resp.Error.Status != 403 {
		t.Errorf("error = %+v, want UNAUTHORIZED_ACCESS/403", resp.Error)
	}
	if resp.Error.Hint == "" {
		t.Error("authorization denials should carry a hint")
	}
}

func TestEntityTool_ConflictCode(t *testing.T) {
	env := newToolEnv(t)
	orgID := env.createOrg(t, "u-1")
	token := env.token("u-1", orgID)

	// Move the version forward, then write with the stale one.
	if _, err := env.entity.Handle(context.Background(), makeReq(map[string]any{
		"operation": "update", "entity_type": "organization", "entity_id": orgID,
		"principal_token": token,
		"data":            map[string]any{"name": "v2"},
	})); err != nil {
		t.Fatalf("first update failed: %v", err)
	}

	result, err := env.entity.Handle(context.Background(), makeReq(map[string]any{
		"operation": "update", "entity_type": "organization", "entity_id": orgID,
		"principal_token": token,
		"data":            map[string]any{"name": "stale", "version": 1},
	}))
	if err != nil {
		t.Fatalf("Handle returned transport error: %v", err)
	}
	resp := decodeEnvelope(t, result)
	if resp.Success {
		t.Fatal("stale update should fail")
	}
	if resp.Error.Code != "CONCURRENT_MODIFICATION" || resp.Error.Status != 409 {
		t.Errorf("error = %+v, want CONCURRENT_MODIFICATION/409", resp.Error)
	}
	if resp.Error.Details["stored_version"] == nil {
		t.Error("conflict details should carry the stored version")
	}
}

func TestEntityTool_ListCount(t *testing.T) {
	env := newToolEnv(t)
	orgID := env.createOrg(t, "u-1")

	result, err := env.entity.Handle(context.Background(), makeReq(map[string]any{
		"operation": "list", "entity_type": "organization",
		"principal_token": env.token("u-1", orgID),
	}))
	if err != nil {
		t.Fatalf("Handle returned transport error: %v", err)
	}
	resp := decodeEnvelope(t, result)
	if !resp.Success {
		t.Fatalf("list failed: %+v", resp.Error)
	}
	if resp.Count == nil || *resp.Count != 1 {
		t.Errorf("count = %v, want 1", resp.Count)
	}
}

func TestEntityTool_BatchOutcomes(t *testing.T) {
	env := newToolEnv(t)
	orgID := env.createOrg(t, "u-1")
	token := env.token("u-1", orgID)

	prjResult, err := env.entity.Handle(context.Background(), makeReq(map[string]any{
		"operation": "create", "entity_type": "project",
		"principal_token": token,
		"data":            map[string]any{"name": "Batch", "organization_id": orgID},
	}))
	if err != nil {
		t.Fatalf("project create failed: %v", err)
	}
	prjID := decodeEnvelope(t, prjResult).Data.(map[string]any)["id"].(string)

	result, err := env.entity.Handle(context.Background(), makeReq(map[string]any{
		"operation": "batch", "entity_type": "document",
		"batch_operation": "create",
		"principal_token": token,
		"items": []any{
			map[string]any{"title": "ok", "project_id": prjID},
			map[string]any{"project_id": prjID},
		},
	}))
	if err != nil {
		t.Fatalf("Handle returned transport error: %v", err)
	}
	resp := decodeEnvelope(t, result)
	if !resp.Success {
		t.Fatalf("batch envelope failed: %+v", resp.Error)
	}
	outcomes := resp.Data.([]any)
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(outcomes))
	}
	first := outcomes[0].(map[string]any)
	second := outcomes[1].(map[string]any)
	if first["success"] != true || second["success"] == true {
		t.Errorf("outcomes = %v", outcomes)
	}
	if second["code"] != "VALIDATION_ERROR" {
		t.Errorf("second code = %v", second["code"])
	}
}

// --- relationship_operation ---

func TestRelationshipTool_LinkCheckUnlink(t *testing.T) {
	env := newToolEnv(t)
	orgID := env.createOrg(t, "u-1")
	env.createProfile(t, "u-2")
	token := env.token("u-1", orgID)

	link, err := env.relationship.Handle(context.Background(), makeReq(map[string]any{
		"operation": "link", "relationship_type": "membership",
		"principal_token": token,
		"source_type":     "organization", "source_id": orgID,
		"target_type": "profile", "target_id": "u-2",
		"metadata": map[string]any{"role": "member"},
	}))
	if err != nil {
		t.Fatalf("link failed: %v", err)
	}
	if resp := decodeEnvelope(t, link); !resp.Success {
		t.Fatalf("link envelope: %+v", resp.Error)
	}

	check, err := env.relationship.Handle(context.Background(), makeReq(map[string]any{
		"operation": "check", "relationship_type": "membership",
		"principal_token": token,
		"source_type":     "organization", "source_id": orgID,
		"target_type": "profile", "target_id": "u-2",
	}))
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	resp := decodeEnvelope(t, check)
	if !resp.Success || resp.Data.(map[string]any)["exists"] != true {
		t.Fatalf("check = %+v, want exists", resp.Data)
	}

	unlink, err := env.relationship.Handle(context.Background(), makeReq(map[string]any{
		"operation": "unlink", "relationship_type": "membership",
		"principal_token": token,
		"source_type":     "organization", "source_id": orgID,
		"target_type": "profile", "target_id": "u-2",
	}))
	if err != nil {
		t.Fatalf("unlink failed: %v", err)
	}
	if resp := decodeEnvelope(t, unlink); !resp.Success {
		t.Fatalf("unlink envelope: %+v", resp.Error)
	}
}

// --- data_query ---

func TestQueryTool_SearchAndAnalyze(t *testing.T) {
	env := newToolEnv(t)
	orgID := env.createOrg(t, "u-1")
	token := env.token("u-1", orgID)

	prjResult, err := env.entity.Handle(context.Background(), makeReq(map[string]any{
		"operation": "create", "entity_type": "project",
		"principal_token": token,
		"data":            map[string]any{"name": "Queryable", "organization_id": orgID},
	}))
	if err != nil {
		t.Fatalf("project create failed: %v", err)
	}
	prjID := decodeEnvelope(t, prjResult).Data.(map[string]any)["id"].(string)
	if _, err := env.entity.Handle(context.Background(), makeReq(map[string]any{
		"operation": "create", "entity_type": "document",
		"principal_token": token,
		"data":            map[string]any{"title": "authentication flow", "project_id": prjID},
	})); err != nil {
		t.Fatalf("document create failed: %v", err)
	}

	searchRes, err := env.query.Handle(context.Background(), makeReq(map[string]any{
		"query_type": "search", "search_term": "authentication",
		"entities":        []any{"document"},
		"mode":            "keyword",
		"principal_token": token,
	}))
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	resp := decodeEnvelope(t, searchRes)
	if !resp.Success {
		t.Fatalf("search envelope: %+v", resp.Error)
	}
	data := resp.Data.(map[string]any)
	if data["mode_used"] != "keyword" {
		t.Errorf("mode_used = %v", data["mode_used"])
	}
	if resp.Count == nil || *resp.Count != 1 {
		t.Errorf("count = %v, want 1", resp.Count)
	}

	statsRes, err := env.query.Handle(context.Background(), makeReq(map[string]any{
		"query_type":      "analyze",
		"principal_token": token,
	}))
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	resp = decodeEnvelope(t, statsRes)
	if !resp.Success {
		t.Fatalf("analyze envelope: %+v", resp.Error)
	}
	entities := resp.Data.(map[string]any)["entities"].(map[string]any)
	if entities["document"] != float64(1) {
		t.Errorf("document count = %v, want 1", entities["document"])
	}
}

func TestQueryTool_AggregateGroups(t *testing.T) {
	env := newToolEnv(t)
	orgID := env.createOrg(t, "u-1")
	token := env.token("u-1", orgID)

	result, err := env.query.Handle(context.Background(), makeReq(map[string]any{
		"query_type": "aggregate", "entity_type": "organization", "group_by": "status",
		"principal_token": token,
	}))
	if err != nil {
		t.Fatalf("aggregate failed: %v", err)
	}
	resp := decodeEnvelope(t, result)
	if !resp.Success {
		t.Fatalf("aggregate envelope: %+v", resp.Error)
	}
	groups := resp.Data.(map[string]any)["groups"].(map[string]any)
	if groups["active"] != float64(1) {
		t.Errorf("groups = %v, want active:1", groups)
	}
}

func TestQueryTool_AggregateConditionsNarrowRows(t *testing.T) {
	env := newToolEnv(t)
	orgID := env.createOrg(t, "u-1")
	token := env.token("u-1", orgID)

	if _, err := env.entity.Handle(context.Background(), makeReq(map[string]any{
		"operation": "create", "entity_type": "organization",
		"principal_token": token,
		"data":            map[string]any{"name": "Beta", "status": "archived"},
	})); err != nil {
		t.Fatalf("second org create failed: %v", err)
	}

	result, err := env.query.Handle(context.Background(), makeReq(map[string]any{
		"query_type": "aggregate", "entity_type": "organization", "group_by": "status",
		"conditions":      map[string]any{"name": "Beta"},
		"principal_token": token,
	}))
	if err != nil {
		t.Fatalf("aggregate failed: %v", err)
	}
	resp := decodeEnvelope(t, result)
	if !resp.Success {
		t.Fatalf("aggregate envelope: %+v", resp.Error)
	}
	groups := resp.Data.(map[string]any)["groups"].(map[string]any)
	if len(groups) != 1 || groups["archived"] != float64(1) {
		t.Errorf("groups = %v, want archived:1 only", groups)
	}
}

func TestQueryTool_SearchRejectsConditions(t *testing.T) {
	env := newToolEnv(t)
	orgID := env.createOrg(t, "u-1")

	result, err := env.query.Handle(context.Background(), makeReq(map[string]any{
		"query_type": "search", "search_term": "anything",
		"conditions":      map[string]any{"status": "active"},
		"principal_token": env.token("u-1", orgID),
	}))
	if err != nil {
		t.Fatalf("Handle returned transport error: %v", err)
	}
	resp := decodeEnvelope(t, result)
	if resp.Success || resp.Error == nil || resp.Error.Code != "VALIDATION_ERROR" {
		t.Fatalf("envelope = %+v, want VALIDATION_ERROR for search conditions", resp)
	}
}

// --- workflow_execute ---

func TestWorkflowTool_Onboarding(t *testing.T) {
	env := newToolEnv(t)

	result, err := env.workflow.Handle(context.Background(), makeReq(map[string]any{
		"workflow":        "organization_onboarding",
		"principal_token": env.token("u-1", ""),
		"parameters":      map[string]any{"name": "Acme", "project_name": "Kickoff"},
	}))
	if err != nil {
		t.Fatalf("workflow failed: %v", err)
	}
	resp := decodeEnvelope(t, result)
	if !resp.Success {
		t.Fatalf("envelope: %+v", resp.Error)
	}
	steps := resp.Data.(map[string]any)["steps_completed"].([]any)
	if len(steps) != 2 {
		t.Errorf("steps = %v, want 2", steps)
	}
}

func TestWorkflowTool_PartialFailureReportsSteps(t *testing.T) {
	env := newToolEnv(t)
	orgID := env.createOrg(t, "u-1")

	result, err := env.workflow.Handle(context.Background(), makeReq(map[string]any{
		"workflow":        "setup_project",
		"principal_token": env.token("u-1", orgID),
		"parameters": map[string]any{
			"organization_id": orgID,
			"name":            "Partial",
			"members":         []any{map[string]any{"user_id": "u-ghost"}},
		},
	}))
	if err != nil {
		t.Fatalf("Handle returned transport error: %v", err)
	}
	resp := decodeEnvelope(t, result)
	if resp.Success {
		t.Fatal("partial failure must not report success")
	}
	if resp.Data == nil {
		t.Fatal("partial failure should carry the completed steps")
	}
	steps := resp.Data.(map[string]any)["steps_completed"].([]any)
	if len(steps) != 1 {
		t.Errorf("steps = %v, want the project step only", steps)
	}
}

// --- helpers ---

type toolEnv struct {
	entity       *EntityTool
	relationship *RelationshipTool
	query        *QueryTool
	workflow     *WorkflowTool
	verifier     *auth.Verifier
	store        *kb.Store
	dispatcher   *kb.Dispatcher
}

func newToolEnv(t *testing.T) *toolEnv {
	t.Helper()
	registry := kb.NewRegistry()
	store, err := kb.Open(kb.StoreConfig{DataDir: t.TempDir(), QueryTimeout: 5 * time.Second}, registry, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	policy := kb.NewPolicy(registry, store)
	dispatcher := kb.NewDispatcher(registry, policy, store, zerolog.Nop())
	relations := kb.NewRelations(registry, policy, store, zerolog.Nop())
	engine := search.NewEngine(registry, policy, store, search.NewLocalEmbedder(64), search.DefaultConfig(), zerolog.Nop())
	dispatcher.SetSearcher(engine)
	verifier := auth.NewVerifier("test-secret", "atlas-test", store)
	orchestrator := workflow.NewOrchestrator(dispatcher, relations, zerolog.Nop())

	return &toolEnv{
		entity:       NewEntityTool(dispatcher, verifier),
		relationship: NewRelationshipTool(relations, verifier),
		query:        NewQueryTool(registry, policy, store, engine, verifier),
		workflow:     NewWorkflowTool(orchestrator, verifier),
		verifier:     verifier,
		store:        store,
		dispatcher:   dispatcher,
	}
}

func (e *toolEnv) token(userID, orgID string) string {
	token, err := e.verifier.Issue(userID, orgID, "", time.Hour)
	if err != nil {
		panic(err)
	}
	return token
}

// createOrg creates an organization through the dispatcher and returns its id.
func (e *toolEnv) createOrg(t *testing.T, userID string) string {
	t.Helper()
	org, err := e.dispatcher.Create(context.Background(), &kb.Principal{UserID: userID}, "organization",
		map[string]any{"name": "Acme"})
	if err != nil {
		t.Fatalf("create org failed: %v", err)
	}
	return org.ID
}

func (e *toolEnv) createProfile(t *testing.T, userID string) {
	t.Helper()
	if _, err := e.dispatcher.Create(context.Background(), &kb.Principal{UserID: userID}, "profile",
		map[string]any{"display_name": userID}); err != nil {
		t.Fatalf("create profile failed: %v", err)
	}
}

// makeReq builds a mcp.CallToolRequest with the given arguments.
func makeReq(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

// decodeEnvelope parses the JSON envelope out of a tool result.
func decodeEnvelope(t *testing.T, r *mcp.CallToolResult) *envelope {
	t.Helper()
	if r == nil || len(r.Content) == 0 {
		t.Fatal("empty tool result")
	}
	tc, ok := r.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content type %T, want TextContent", r.Content[0])
	}
	env := &envelope{}
	if err := json.Unmarshal([]byte(tc.Text), env); err != nil {
		t.Fatalf("invalid envelope JSON: %v\n%s", err, tc.Text)
	}
	return env
}
