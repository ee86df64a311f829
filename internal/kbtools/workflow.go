package kbtools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/atlas/internal/auth"
	"github.com/HendryAvila/atlas/internal/kb"
	"github.com/HendryAvila/atlas/internal/workflow"
)

// WorkflowTool handles the workflow_execute MCP tool: named multi-step
// operations composed from entity and relationship calls.
type WorkflowTool struct {
	orchestrator *workflow.Orchestrator
	verifier     *auth.Verifier
}

// NewWorkflowTool creates a WorkflowTool.
func NewWorkflowTool(orchestrator *workflow.Orchestrator, verifier *auth.Verifier) *WorkflowTool {
	return &WorkflowTool{orchestrator: orchestrator, verifier: verifier}
}

// Definition returns the MCP tool definition for workflow_execute.
func (t *WorkflowTool) Definition() mcp.Tool {
	return mcp.NewTool("workflow_execute",
		mcp.WithDescription(
			"Run a named multi-step workflow. Available workflows: "+
				"setup_project (create a project with initial documents and memberships; "+
				"parameters: organization_id, name, description, documents, members), "+
				"bulk_status_update (set status on many entities; parameters: entity_type, entity_ids, status), "+
				"organization_onboarding (create an organization and optional first project; "+
				"parameters: name, description, project_name). "+
				"On failure the response reports which steps completed; completed steps are not rolled back.",
		),
		mcp.WithString("workflow",
			mcp.Required(),
			mcp.Description("Workflow name"),
		),
		mcp.WithString("principal_token",
			mcp.Required(),
			mcp.Description("Signed principal token identifying the caller"),
		),
		mcp.WithObject("parameters",
			mcp.Description("Workflow parameters"),
		),
	)
}

// Handle processes the workflow_execute tool call.
func (t *WorkflowTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	principal, err := resolvePrincipal(ctx, t.verifier, req)
	if err != nil {
		return errResult(err)
	}

	result, err := t.orchestrator.Execute(ctx, principal, req.GetString("workflow", ""), mapArg(req, "parameters"))
	if err != nil {
		// Partial progress rides along in the failure envelope.
		if result != nil && len(result.StepsCompleted) > 0 {
			return marshalEnvelope(envelope{
				Success: false,
				Data:    result,
				Error: &envelopeError{
					Code:    kb.Code(err),
					Message: err.Error(),
					Status:  kb.Status(err),
					Hint:    kb.Hint(err),
					Details: kb.Details(err),
				},
			})
		}
		return errResult(err)
	}
	return okResult(result)
}
