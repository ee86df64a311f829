package prompts

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// OverviewPrompt handles the kb-overview MCP prompt.
// It instructs the AI to summarize the current state of the knowledge base.
type OverviewPrompt struct{}

// NewOverviewPrompt creates an OverviewPrompt.
func NewOverviewPrompt() *OverviewPrompt {
	return &OverviewPrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *OverviewPrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("kb-overview",
		mcp.WithPromptDescription(
			"Summarize the knowledge base: entity counts, recent activity, "+
				"and how content is distributed across projects.",
		),
	)
}

// Handle processes the kb-overview prompt request.
func (p *OverviewPrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{
		Description: "Knowledge Base Overview",
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(
					"Please run `data_query` with query_type='analyze' to get the current knowledge-base statistics.\n\n" +
						"Then:\n" +
						"1. Present the entity counts per type in a clear, visual format\n" +
						"2. Run `data_query` with query_type='aggregate' grouped by status for the largest entity type\n" +
						"3. Point out anything unusual (empty projects, many soft-deleted entities)\n" +
						"4. Suggest what I might want to search for or clean up next",
				),
			},
		},
	}, nil
}
