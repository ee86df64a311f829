// Package prompts implements MCP prompt handlers for the knowledge base.
//
// MCP prompts are user-triggered workflows (like slash commands) that
// instruct the AI to execute a specific sequence. Unlike tools (which
// the AI calls), prompts are initiated by the user.
package prompts

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// OnboardingPrompt handles the kb-onboarding MCP prompt.
// It guides the AI through creating an organization and a first project.
type OnboardingPrompt struct{}

// NewOnboardingPrompt creates an OnboardingPrompt.
func NewOnboardingPrompt() *OnboardingPrompt {
	return &OnboardingPrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *OnboardingPrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("kb-onboarding",
		mcp.WithPromptDescription(
			"Set up a new organization in the knowledge base. "+
				"This creates the organization with you as owner and "+
				"optionally a first project inside it.",
		),
		mcp.WithArgument("organization_name",
			mcp.ArgumentDescription("Name of the new organization"),
		),
		mcp.WithArgument("project_name",
			mcp.ArgumentDescription("Optional name of the first project"),
		),
	)
}

// Handle processes the kb-onboarding prompt request.
func (p *OnboardingPrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	orgName := "my-organization"
	if args := req.Params.Arguments; args != nil {
		if name, ok := args["organization_name"]; ok && name != "" {
			orgName = name
		}
	}

	projectName := ""
	if args := req.Params.Arguments; args != nil {
		if name, ok := args["project_name"]; ok && name != "" {
			projectName = name
		}
	}

	projectStep := "2. Ask me whether I want a first project; if yes, include project_name in the parameters"
	if projectName != "" {
		projectStep = fmt.Sprintf("2. Include project_name='%s' in the parameters so the first project is created in the same run", projectName)
	}

	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Onboard organization: %s", orgName),
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(fmt.Sprintf(
					"I want to set up a new organization called '%s' in the knowledge base.\n\n"+
						"Please:\n"+
						"1. Run `workflow_execute` with workflow='organization_onboarding' and parameters including name='%s'\n"+
						"%s\n"+
						"3. Show me the created organization and project ids\n"+
						"4. Explain how to invite teammates with `relationship_operation` membership links",
					orgName, orgName, projectStep,
				)),
			},
		},
	}, nil
}
