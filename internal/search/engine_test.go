package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/HendryAvila/atlas/internal/kb"
)

// --- Mode selection ---

func TestClassify(t *testing.T) {
	e := &Engine{cfg: DefaultConfig()}

	tests := []struct {
		query string
		mode  string
	}{
		{`"exact phrase"`, "keyword"},
		{"REQ-101", "keyword"},
		{"user_id", "keyword"},
		{"oauth2", "keyword"},
		{"login flow", "hybrid"},
		{"billing overview page", "hybrid"},
		{"how does the approval process work for new vendors", "semantic"},
	}
	for _, tt := range tests {
		if got := e.classify(tt.query); got != tt.mode {
			t.Errorf("classify(%q) = %s, want %s", tt.query, got, tt.mode)
		}
	}
}

func TestSearch_UnknownModeRejected(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.Search(context.Background(), kb.SearchRequest{
		Query: "anything", Mode: "psychic", Principal: &kb.Principal{UserID: "u-1"},
	})
	if !errors.Is(err, kb.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestSearch_UnknownEntityTypeRejected(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.Search(context.Background(), kb.SearchRequest{
		Query: "anything", EntityTypes: []string{"widget"}, Mode: "keyword",
		Principal: &kb.Principal{UserID: "u-1"},
	})
	if !errors.Is(err, kb.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

// --- Keyword mode ---

func TestSearch_KeywordMode(t *testing.T) {
	engine, store, owner := newTestEngine(t)
	seedDocument(t, store, "doc-1", "authentication flow design")
	seedDocument(t, store, "doc-2", "billing overview")

	resp, err := engine.Search(context.Background(), kb.SearchRequest{
		Query: "authentication", Mode: "keyword", Principal: owner,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if resp.ModeUsed != "keyword" {
		t.Errorf("ModeUsed = %s, want keyword", resp.ModeUsed)
	}
	if len(resp.Results) != 1 || resp.Results[0].Entity.ID != "doc-1" {
		t.Fatalf("results = %+v, want doc-1 only", resp.Results)
	}
	if resp.Results[0].Score <= 0 {
		t.Errorf("Score = %v, want > 0", resp.Results[0].Score)
	}
}

func TestSearch_KeywordNoMatchesIsSuccess(t *testing.T) {
	engine, store, owner := newTestEngine(t)
	seedDocument(t, store, "doc-1", "billing overview")

	resp, err := engine.Search(context.Background(), kb.SearchRequest{
		Query: "zeppelin", Mode: "keyword", Principal: owner,
	})
	if err != nil {
		t.Fatalf("empty result set is not an error: %v", err)
	}
	if len(resp.Results) != 0 {
		t.Errorf("results = %+v, want none", resp.Results)
	}
}

// --- Semantic mode ---

func TestSearch_SemanticMatchesOverlappingText(t *testing.T) {
	engine, store, owner := newTestEngine(t)
	seedDocument(t, store, "doc-1", "payment gateway integration notes")
	seedDocument(t, store, "doc-2", "weekly standup agenda")

	resp, err := engine.Search(context.Background(), kb.SearchRequest{
		Query: "payment gateway integration", Mode: "semantic", Principal: owner,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if resp.ModeUsed != "semantic" {
		t.Errorf("ModeUsed = %s, want semantic", resp.ModeUsed)
	}
	if len(resp.Results) == 0 || resp.Results[0].Entity.ID != "doc-1" {
		t.Fatalf("results = %+v, want doc-1 ranked first", resp.Results)
	}
}

func TestSearch_SemanticBelowThresholdIsEmptySuccess(t *testing.T) {
	engine, store, owner := newTestEngine(t)
	seedDocument(t, store, "doc-1", "billing overview")

	resp, err := engine.Search(context.Background(), kb.SearchRequest{
		Query: "quantum entanglement research", Mode: "semantic", Principal: owner,
	})
	if err != nil {
		t.Fatalf("below-threshold search must succeed with no results: %v", err)
	}
	if len(resp.Results) != 0 {
		t.Errorf("results = %+v, want none below threshold", resp.Results)
	}
}

func TestSearch_SemanticCachesEmbeddings(t *testing.T) {
	engine, store, owner := newTestEngine(t)
	seedDocument(t, store, "doc-1", "payment gateway integration notes")

	if _, err := engine.Search(context.Background(), kb.SearchRequest{
		Query: "payment gateway", Mode: "semantic", Principal: owner,
	}); err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	docs, err := store.SearchDocuments(context.Background(), []string{"document"}, 10)
	if err != nil {
		t.Fatalf("SearchDocuments failed: %v", err)
	}
	if len(docs) != 1 || len(docs[0].Embedding) == 0 {
		t.Fatal("first semantic search must cache the document embedding")
	}
}

// --- Authorization filtering ---

func TestSearch_FiltersUnreadableEntities(t *testing.T) {
	engine, store, owner := newTestEngine(t)
	seedDocument(t, store, "doc-1", "authentication design")

	// Same content in a second org the principal has no membership in.
	seedOrgTree(t, store, "org-2", "prj-2")
	docDesc := resolve(t, "document")
	if _, err := store.Insert(context.Background(), docDesc, "doc-foreign",
		map[string]any{"title": "authentication design", "project_id": "prj-2"}, "u-other"); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	for _, mode := range []string{"keyword", "semantic", "hybrid"} {
		resp, err := engine.Search(context.Background(), kb.SearchRequest{
			Query: "authentication design", Mode: mode, Principal: owner,
		})
		if err != nil {
			t.Fatalf("%s search failed: %v", mode, err)
		}
		for _, hit := range resp.Results {
			if hit.Entity.ID == "doc-foreign" {
				t.Errorf("%s search leaked an unreadable entity", mode)
			}
		}
	}
}

// --- Hybrid fusion ---

func TestSearch_HybridFusesBothSignals(t *testing.T) {
	engine, store, owner := newTestEngine(t)
	seedDocument(t, store, "doc-1", "release checklist for deployments")
	seedDocument(t, store, "doc-2", "deployment runbook release checklist for deployments")

	resp, err := engine.Search(context.Background(), kb.SearchRequest{
		Query: "release checklist for deployments", Mode: "hybrid", Principal: owner,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if resp.ModeUsed != "hybrid" {
		t.Errorf("ModeUsed = %s, want hybrid", resp.ModeUsed)
	}
	if len(resp.Results) == 0 {
		t.Fatal("hybrid search should match")
	}
	if resp.SearchTimeMs < 0 {
		t.Errorf("SearchTimeMs = %d", resp.SearchTimeMs)
	}
}

// --- Local embedder ---

func TestLocalEmbedder_Deterministic(t *testing.T) {
	e := NewLocalEmbedder(64)

	a, err := e.Embed(context.Background(), []string{"payment gateway"})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	b, _ := e.Embed(context.Background(), []string{"payment gateway"})
	if got := cosine(a[0], b[0]); got < 0.999 {
		t.Errorf("cosine(same text) = %v, want 1", got)
	}

	c, _ := e.Embed(context.Background(), []string{"unrelated topic entirely"})
	if got := cosine(a[0], c[0]); got > 0.5 {
		t.Errorf("cosine(unrelated) = %v, want low", got)
	}
}

func TestCosine_EdgeCases(t *testing.T) {
	if cosine(nil, nil) != 0 {
		t.Error("empty vectors should score 0")
	}
	if cosine([]float32{1, 0}, []float32{1, 0, 0}) != 0 {
		t.Error("mismatched lengths should score 0")
	}
	if got := cosine([]float32{1, 2}, []float32{1, 2}); got < 0.999 {
		t.Errorf("identical vectors = %v, want 1", got)
	}
}

// --- helpers ---

// newTestEngine builds an engine over a real store with the local embedder,
// org-1/prj-1 owned by u-1, and returns u-1's principal.
func newTestEngine(t *testing.T) (*Engine, *kb.Store, *kb.Principal) {
	t.Helper()
	registry := kb.NewRegistry()
	store, err := kb.Open(kb.StoreConfig{DataDir: t.TempDir(), QueryTimeout: 5 * time.Second}, registry, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	policy := kb.NewPolicy(registry, store)
	engine := NewEngine(registry, policy, store, NewLocalEmbedder(64), DefaultConfig(), zerolog.Nop())

	seedOrgTree(t, store, "org-1", "prj-1")
	if _, err := store.InsertMembership(context.Background(), kb.Membership{
		ScopeType: kb.ScopeOrganization, ScopeID: "org-1", UserID: "u-1",
		Role: kb.RoleOwner, Status: kb.StatusActive, CreatedBy: "u-1",
	}); err != nil {
		t.Fatalf("InsertMembership failed: %v", err)
	}
	principal, err := store.LoadPrincipal(context.Background(), "u-1", "org-1", "")
	if err != nil {
		t.Fatalf("LoadPrincipal failed: %v", err)
	}
	return engine, store, principal
}

func resolve(t *testing.T, name string) *kb.EntityTypeDescriptor {
	t.Helper()
	desc, err := kb.NewRegistry().Resolve(name)
	if err != nil {
		t.Fatalf("Resolve(%s) failed: %v", name, err)
	}
	return desc
}

func seedOrgTree(t *testing.T, store *kb.Store, orgID, prjID string) {
	t.Helper()
	orgDesc := resolve(t, "organization")
	if _, err := store.Insert(context.Background(), orgDesc, orgID, map[string]any{"name": orgID}, "u-1"); err != nil {
		t.Fatalf("insert org failed: %v", err)
	}
	prjDesc := resolve(t, "project")
	if _, err := store.Insert(context.Background(), prjDesc, prjID,
		map[string]any{"name": prjID, "organization_id": orgID}, "u-1"); err != nil {
		t.Fatalf("insert project failed: %v", err)
	}
}

func seedDocument(t *testing.T, store *kb.Store, id, title string) {
	t.Helper()
	docDesc := resolve(t, "document")
	if _, err := store.Insert(context.Background(), docDesc, id,
		map[string]any{"title": title, "project_id": "prj-1"}, "u-1"); err != nil {
		t.Fatalf("insert document failed: %v", err)
	}
}
