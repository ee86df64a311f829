package workflow

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/HendryAvila/atlas/internal/kb"
)

// Step names reported in results so callers can tell how far a partially
// failed workflow got.
const (
	WorkflowSetupProject     = "setup_project"
	WorkflowBulkStatusUpdate = "bulk_status_update"
	WorkflowOrgOnboarding    = "organization_onboarding"
)

// Result reports a workflow run. On partial failure StepsCompleted and Data
// describe everything that did succeed; completed steps are not rolled back.
type Result struct {
	Workflow       string         `json:"workflow"`
	StepsCompleted []string       `json:"steps_completed"`
	Data           map[string]any `json:"data,omitempty"`
}

// Orchestrator runs named multi-step workflows on top of the dispatcher and
// the relationship manager. Each step goes through the same authorization
// path as a direct call; workflows grant no extra privilege.
type Orchestrator struct {
	dispatcher *kb.Dispatcher
	relations  *kb.Relations
	log        zerolog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(dispatcher *kb.Dispatcher, relations *kb.Relations, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{dispatcher: dispatcher, relations: relations, log: log}
}

// Execute runs the named workflow. Unknown names fail with a validation
// error listing nothing but the offending name; the tool layer enumerates
// available workflows in its schema.
func (o *Orchestrator) Execute(ctx context.Context, principal *kb.Principal, name string, params map[string]any) (*Result, error) {
	var (
		result *Result
		err    error
	)
	switch name {
	case WorkflowSetupProject:
		result, err = o.setupProject(ctx, principal, params)
	case WorkflowBulkStatusUpdate:
		result, err = o.bulkStatusUpdate(ctx, principal, params)
	case WorkflowOrgOnboarding:
		result, err = o.organizationOnboarding(ctx, principal, params)
	default:
		return nil, kb.NewValidation("unknown workflow %q", name)
	}

	if err != nil {
		o.log.Warn().Err(err).Str("workflow", name).
			Int("steps_completed", stepCount(result)).Msg("workflow failed")
		return result, err
	}
	o.log.Info().Str("workflow", name).
		Strs("steps", result.StepsCompleted).Msg("workflow completed")
	return result, nil
}

// setupProject creates a project under an organization, then its initial
// documents, then grants any requested memberships. Later steps failing leave
// earlier ones in place.
func (o *Orchestrator) setupProject(ctx context.Context, principal *kb.Principal, params map[string]any) (*Result, error) {
	result := &Result{Workflow: WorkflowSetupProject, Data: map[string]any{}}

	orgID := stringParam(params, "organization_id")
	name := stringParam(params, "name")
	if orgID == "" || name == "" {
		return result, kb.NewValidation("setup_project requires organization_id and name")
	}

	projectData := map[string]any{"name": name, "organization_id": orgID}
	if desc := stringParam(params, "description"); desc != "" {
		projectData["description"] = desc
	}
	project, err := o.dispatcher.Create(ctx, principal, "project", projectData)
	if err != nil {
		return result, err
	}
	result.StepsCompleted = append(result.StepsCompleted, "create_project")
	result.Data["project"] = project

	titles := stringSliceParam(params, "documents")
	var docs []*kb.Entity
	for _, title := range titles {
		doc, err := o.dispatcher.Create(ctx, principal, "document", map[string]any{
			"title":      title,
			"project_id": project.ID,
		})
		if err != nil {
			result.Data["documents"] = docs
			return result, fmt.Errorf("creating document %q: %w", title, err)
		}
		docs = append(docs, doc)
	}
	if len(titles) > 0 {
		result.StepsCompleted = append(result.StepsCompleted, "create_documents")
		result.Data["documents"] = docs
	}

	members := memberParams(params)
	var granted []string
	for _, m := range members {
		_, err := o.relations.Link(ctx, principal, "membership",
			kb.EntityRef{Type: "project", ID: project.ID},
			kb.EntityRef{Type: "profile", ID: m.userID},
			map[string]any{"role": m.role},
		)
		if err != nil {
			result.Data["members_granted"] = granted
			return result, fmt.Errorf("granting membership for %q: %w", m.userID, err)
		}
		granted = append(granted, m.userID)
	}
	if len(members) > 0 {
		result.StepsCompleted = append(result.StepsCompleted, "grant_memberships")
		result.Data["members_granted"] = granted
	}

	return result, nil
}

// bulkStatusUpdate sets the status attribute on a list of entities of one
// type. Items run independently; the workflow fails only if every item fails.
func (o *Orchestrator) bulkStatusUpdate(ctx context.Context, principal *kb.Principal, params map[string]any) (*Result, error) {
	result := &Result{Workflow: WorkflowBulkStatusUpdate, Data: map[string]any{}}

	entityType := stringParam(params, "entity_type")
	status := stringParam(params, "status")
	ids := stringSliceParam(params, "entity_ids")
	if entityType == "" || status == "" || len(ids) == 0 {
		return result, kb.NewValidation("bulk_status_update requires entity_type, status, and entity_ids")
	}

	items := make([]map[string]any, len(ids))
	for i, id := range ids {
		items[i] = map[string]any{"id": id, "status": status}
	}
	outcomes := o.dispatcher.Batch(ctx, principal, entityType, kb.OpUpdate, items)

	succeeded := 0
	for _, out := range outcomes {
		if out.Success {
			succeeded++
		}
	}
	result.Data["outcomes"] = outcomes
	result.Data["updated"] = succeeded
	if succeeded == 0 {
		return result, kb.NewValidation("no entities could be updated")
	}
	result.StepsCompleted = append(result.StepsCompleted, "update_statuses")
	return result, nil
}

// organizationOnboarding creates an organization (the creator becomes its
// owner) and optionally a first project inside it.
func (o *Orchestrator) organizationOnboarding(ctx context.Context, principal *kb.Principal, params map[string]any) (*Result, error) {
	result := &Result{Workflow: WorkflowOrgOnboarding, Data: map[string]any{}}

	name := stringParam(params, "name")
	if name == "" {
		return result, kb.NewValidation("organization_onboarding requires a name")
	}

	orgData := map[string]any{"name": name}
	if desc := stringParam(params, "description"); desc != "" {
		orgData["description"] = desc
	}
	org, err := o.dispatcher.Create(ctx, principal, "organization", orgData)
	if err != nil {
		return result, err
	}
	result.StepsCompleted = append(result.StepsCompleted, "create_organization")
	result.Data["organization"] = org

	// The policy check for the project create reads memberships persisted by
	// the organization insert, so the principal is reloaded first.
	refreshed, err := o.dispatcher.Store().LoadPrincipal(ctx, principal.UserID, org.ID, "")
	if err != nil {
		return result, err
	}

	if projectName := stringParam(params, "project_name"); projectName != "" {
		project, err := o.dispatcher.Create(ctx, refreshed, "project", map[string]any{
			"name":            projectName,
			"organization_id": org.ID,
		})
		if err != nil {
			return result, err
		}
		result.StepsCompleted = append(result.StepsCompleted, "create_project")
		result.Data["project"] = project
	}

	return result, nil
}

// ─── Helpers ───

type memberParam struct {
	userID string
	role   string
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func stringSliceParam(params map[string]any, key string) []string {
	raw, ok := params[key].([]any)
	if !ok {
		if typed, ok := params[key].([]string); ok {
			return typed
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func memberParams(params map[string]any) []memberParam {
	raw, ok := params["members"].([]any)
	if !ok {
		return nil
	}
	var out []memberParam
	for _, v := range raw {
		entry, ok := v.(map[string]any)
		if !ok {
			continue
		}
		m := memberParam{
			userID: stringParam(entry, "user_id"),
			role:   stringParam(entry, "role"),
		}
		if m.userID == "" {
			continue
		}
		if m.role == "" {
			m.role = string(kb.RoleMember)
		}
		out = append(out, m)
	}
	return out
}

func stepCount(r *Result) int {
	if r == nil {
		return 0
	}
	return len(r.StepsCompleted)
}
