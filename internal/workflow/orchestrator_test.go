package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/HendryAvila/atlas/internal/kb"
)

// --- Execute ---

func TestExecute_UnknownWorkflow(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	_, err := o.Execute(context.Background(), &kb.Principal{UserID: "u-1"}, "teleport", nil)
	if !errors.Is(err, kb.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

// --- organization_onboarding ---

func TestOrganizationOnboarding_CreatesOrgAndProject(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	result, err := o.Execute(context.Background(), &kb.Principal{UserID: "u-1"}, WorkflowOrgOnboarding, map[string]any{
		"name":         "Acme",
		"project_name": "First project",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(result.StepsCompleted) != 2 {
		t.Fatalf("StepsCompleted = %v, want create_organization + create_project", result.StepsCompleted)
	}

	org, ok := result.Data["organization"].(*kb.Entity)
	if !ok {
		t.Fatalf("organization missing from data: %+v", result.Data)
	}
	project, ok := result.Data["project"].(*kb.Entity)
	if !ok {
		t.Fatalf("project missing from data: %+v", result.Data)
	}
	if project.Attrs["organization_id"] != org.ID {
		t.Errorf("project parent = %v, want %s", project.Attrs["organization_id"], org.ID)
	}
}

func TestOrganizationOnboarding_NameRequired(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	result, err := o.Execute(context.Background(), &kb.Principal{UserID: "u-1"}, WorkflowOrgOnboarding, nil)
	if !errors.Is(err, kb.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if len(result.StepsCompleted) != 0 {
		t.Errorf("StepsCompleted = %v, want none", result.StepsCompleted)
	}
}

// --- setup_project ---

func TestSetupProject_FullRun(t *testing.T) {
	o, s := newTestOrchestrator(t)
	orgID, owner := onboardOrg(t, o, s, "u-1")
	seedProfile(t, s, "u-2")

	result, err := o.Execute(context.Background(), owner, WorkflowSetupProject, map[string]any{
		"organization_id": orgID,
		"name":            "Atlas rollout",
		"documents":       []any{"Overview", "Requirements"},
		"members":         []any{map[string]any{"user_id": "u-2", "role": "editor"}},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	want := []string{"create_project", "create_documents", "grant_memberships"}
	if len(result.StepsCompleted) != len(want) {
		t.Fatalf("StepsCompleted = %v, want %v", result.StepsCompleted, want)
	}

	project := result.Data["project"].(*kb.Entity)
	m, err := s.FindMembership(context.Background(), kb.ScopeProject, project.ID, "u-2")
	if err != nil {
		t.Fatalf("membership missing: %v", err)
	}
	if m.Role != kb.RoleEditor {
		t.Errorf("Role = %s, want editor", m.Role)
	}
}

func TestSetupProject_PartialFailureKeepsCompletedSteps(t *testing.T) {
	o, s := newTestOrchestrator(t)
	orgID, owner := onboardOrg(t, o, s, "u-1")

	// The membership step fails: u-ghost has no profile entity.
	result, err := o.Execute(context.Background(), owner, WorkflowSetupProject, map[string]any{
		"organization_id": orgID,
		"name":            "Half done",
		"members":         []any{map[string]any{"user_id": "u-ghost"}},
	})
	if err == nil {
		t.Fatal("Execute should fail on the membership step")
	}
	if len(result.StepsCompleted) != 1 || result.StepsCompleted[0] != "create_project" {
		t.Fatalf("StepsCompleted = %v, want the project step preserved", result.StepsCompleted)
	}

	// The created project is still there; completed steps are not rolled back.
	project := result.Data["project"].(*kb.Entity)
	if _, _, err := dispatcherOf(o).Read(context.Background(), owner, "project", project.ID, false); err != nil {
		t.Fatalf("project should survive the partial failure: %v", err)
	}
}

func TestSetupProject_RequiresOrgAndName(t *testing.T) {
	o, s := newTestOrchestrator(t)
	_, owner := onboardOrg(t, o, s, "u-1")

	_, err := o.Execute(context.Background(), owner, WorkflowSetupProject, map[string]any{"name": "No org"})
	if !errors.Is(err, kb.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

// --- bulk_status_update ---

func TestBulkStatusUpdate_MixedOutcome(t *testing.T) {
	o, s := newTestOrchestrator(t)
	orgID, owner := onboardOrg(t, o, s, "u-1")

	setup, err := o.Execute(context.Background(), owner, WorkflowSetupProject, map[string]any{
		"organization_id": orgID,
		"name":            "Bulk target",
		"documents":       []any{"One", "Two"},
	})
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	docs := setup.Data["documents"].([]*kb.Entity)

	result, err := o.Execute(context.Background(), owner, WorkflowBulkStatusUpdate, map[string]any{
		"entity_type": "document",
		"entity_ids":  []any{docs[0].ID, "doc-missing", docs[1].ID},
		"status":      "approved",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Data["updated"] != 2 {
		t.Errorf("updated = %v, want 2", result.Data["updated"])
	}

	e, _, err := dispatcherOf(o).Read(context.Background(), owner, "document", docs[0].ID, false)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if e.Attrs["status"] != "approved" {
		t.Errorf("status = %v, want approved", e.Attrs["status"])
	}
}

func TestBulkStatusUpdate_AllFailing(t *testing.T) {
	o, s := newTestOrchestrator(t)
	_, owner := onboardOrg(t, o, s, "u-1")

	_, err := o.Execute(context.Background(), owner, WorkflowBulkStatusUpdate, map[string]any{
		"entity_type": "document",
		"entity_ids":  []any{"nope-1", "nope-2"},
		"status":      "approved",
	})
	if !errors.Is(err, kb.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation when nothing updates", err)
	}
}

// --- helpers ---

func newTestOrchestrator(t *testing.T) (*Orchestrator, *kb.Store) {
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
	return NewOrchestrator(dispatcher, relations, zerolog.Nop()), store
}

func dispatcherOf(o *Orchestrator) *kb.Dispatcher { return o.dispatcher }

// onboardOrg runs the onboarding workflow for userID and returns the org id
// plus the reloaded owner principal.
func onboardOrg(t *testing.T, o *Orchestrator, s *kb.Store, userID string) (string, *kb.Principal) {
	t.Helper()
	result, err := o.Execute(context.Background(), &kb.Principal{UserID: userID}, WorkflowOrgOnboarding,
		map[string]any{"name": "Acme"})
	if err != nil {
		t.Fatalf("onboarding failed: %v", err)
	}
	org := result.Data["organization"].(*kb.Entity)
	p, err := s.LoadPrincipal(context.Background(), userID, org.ID, "")
	if err != nil {
		t.Fatalf("LoadPrincipal failed: %v", err)
	}
	return org.ID, p
}

func seedProfile(t *testing.T, s *kb.Store, userID string) {
	t.Helper()
	desc, err := kb.NewRegistry().Resolve("profile")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if _, err := s.Insert(context.Background(), desc, userID, map[string]any{"display_name": userID}, userID); err != nil {
		t.Fatalf("insert profile failed: %v", err)
	}
}
