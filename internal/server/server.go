// Package server wires all MCP components and creates the server instance.
//
// This is the composition root: it creates concrete implementations and
// injects them into the tools that depend on abstractions. No business
// logic lives here — only wiring.
package server

import (
	"fmt"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/HendryAvila/atlas/internal/auth"
	"github.com/HendryAvila/atlas/internal/config"
	"github.com/HendryAvila/atlas/internal/kb"
	"github.com/HendryAvila/atlas/internal/kbtools"
	"github.com/HendryAvila/atlas/internal/prompts"
	"github.com/HendryAvila/atlas/internal/resources"
	"github.com/HendryAvila/atlas/internal/search"
	"github.com/HendryAvila/atlas/internal/workflow"
)

// Version is set at build time via ldflags.
var Version = "dev"

// New creates and configures the MCP server with all four knowledge-base
// tools registered. This is the single place where all dependencies are
// resolved.
//
// The returned cleanup function closes the store's database connection and
// must be called on shutdown (typically via defer). It is always non-nil.
func New(cfg *config.Config, log zerolog.Logger) (*server.MCPServer, func(), error) {
	// --- Create shared dependencies ---

	registry := kb.NewRegistry()

	store, err := kb.Open(kb.StoreConfig{
		DataDir:      cfg.Database.DataDir,
		QueryTimeout: cfg.Database.QueryTimeout,
	}, registry, log)
	if err != nil {
		return nil, noop, fmt.Errorf("opening store: %w", err)
	}
	cleanup := func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("store close")
		}
	}

	policy := kb.NewPolicy(registry, store)
	dispatcher := kb.NewDispatcher(registry, policy, store, log)
	relations := kb.NewRelations(registry, policy, store, log)
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, store)

	// The search engine uses the OpenAI embedder when a key is configured
	// and degrades to the deterministic local embedder otherwise, so
	// semantic and hybrid modes always work.
	var embedder search.Embedder
	if cfg.Search.OpenAIAPIKey != "" {
		embedder = search.NewOpenAIEmbedder(cfg.Search.OpenAIAPIKey, cfg.Search.EmbeddingModel, cfg.Search.EmbedTimeout)
	} else {
		log.Warn().Msg("no OpenAI API key configured, semantic search uses the local embedder")
		embedder = search.NewLocalEmbedder(0)
	}
	engine := search.NewEngine(registry, policy, store, embedder, search.Config{
		SimilarityThreshold: cfg.Search.SimilarityThreshold,
		KeywordWeight:       cfg.Search.KeywordWeight,
		SemanticWeight:      cfg.Search.SemanticWeight,
		MaxCandidates:       cfg.Search.MaxCandidates,
	}, log)
	dispatcher.SetSearcher(engine)

	orchestrator := workflow.NewOrchestrator(dispatcher, relations, log)

	// --- Create the MCP server ---

	s := server.NewMCPServer(
		"atlas",
		Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithPromptCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions()),
	)

	// --- Register knowledge-base tools ---

	entityTool := kbtools.NewEntityTool(dispatcher, verifier)
	s.AddTool(entityTool.Definition(), entityTool.Handle)

	relationshipTool := kbtools.NewRelationshipTool(relations, verifier)
	s.AddTool(relationshipTool.Definition(), relationshipTool.Handle)

	queryTool := kbtools.NewQueryTool(registry, policy, store, engine, verifier)
	s.AddTool(queryTool.Definition(), queryTool.Handle)

	workflowTool := kbtools.NewWorkflowTool(orchestrator, verifier)
	s.AddTool(workflowTool.Definition(), workflowTool.Handle)

	// --- Register prompts and resources ---

	onboardingPrompt := prompts.NewOnboardingPrompt()
	s.AddPrompt(onboardingPrompt.Definition(), onboardingPrompt.Handle)

	overviewPrompt := prompts.NewOverviewPrompt()
	s.AddPrompt(overviewPrompt.Definition(), overviewPrompt.Handle)

	resourceHandler := resources.NewHandler(registry)
	s.AddResource(resourceHandler.SchemaResource(), resourceHandler.HandleSchema)

	return s, cleanup, nil
}

// noop is the default cleanup when initialization fails before the store
// is opened.
func noop() {}

// serverInstructions returns the system instructions that tell the AI how
// to use the knowledge base effectively.
func serverInstructions() string {
	return `You have access to Atlas, a multi-tenant knowledge base MCP server.

## Data model
Entities are organized in an ownership hierarchy:
organization → project → document → requirement, plus project-level
test and property entities, and standalone user profiles.

Every entity carries audit fields (created_by, updated_by, timestamps),
a version number, and a soft-delete flag. Soft-deleted entities stay
readable with their history; deletes are soft by default.

## Tools
- entity_operation: create/read/update/delete/list/search/batch for any
  entity type. Updates are optimistic: send the version you read, and a
  CONFLICT error means someone else changed the entity first — re-read
  and retry.
- relationship_operation: link/unlink/check/list typed relationships.
  Memberships (organization/project → profile) carry a role in metadata:
  owner, admin, maintainer/editor, member/viewer. Other types: trace_link,
  coverage, dependency.
- data_query: search (keyword/semantic/hybrid/auto), aggregate (group
  counts by attribute), analyze (knowledge-base statistics), and
  relationships (everything touching one entity).
- workflow_execute: multi-step operations — setup_project,
  bulk_status_update, organization_onboarding. Partial failures report
  which steps completed; completed steps are not rolled back.

## Authorization
Every call needs a principal_token. Access derives from the caller's
membership in the organization (or project) that owns the target entity.
Read requires any active membership; create/update require editor or
above; delete requires admin or above. Creating an organization is
self-service and makes the caller its owner.

## Error handling
Failures return success=false with a machine-readable error code
(VALIDATION_ERROR, UNAUTHORIZED, NOT_FOUND, CONFLICT, INVALID_REFERENCE,
DUPLICATE_ENTRY, ...) and usually a hint describing how to proceed.
Follow the hint before retrying.`
}
