package search

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/HendryAvila/atlas/internal/kb"
)

// Config holds the search engine tuning knobs. The similarity threshold and
// fusion weights are deployment configuration, not code constants.
type Config struct {
	SimilarityThreshold float64
	KeywordWeight       float64
	SemanticWeight      float64
	MaxCandidates       int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.30,
		KeywordWeight:       0.5,
		SemanticWeight:      0.5,
		MaxCandidates:       500,
	}
}

// Engine implements hybrid search over the knowledge base: FTS5 keyword
// matching, embedding-based semantic ranking, or a weighted fusion of both.
// Entities the principal cannot read are dropped before ranking so the
// result limit is never consumed by inaccessible rows.
type Engine struct {
	registry *kb.Registry
	policy   *kb.Policy
	store    *kb.Store
	embedder Embedder
	cfg      Config
	log      zerolog.Logger
}

// NewEngine creates a search engine.
func NewEngine(registry *kb.Registry, policy *kb.Policy, store *kb.Store, embedder Embedder, cfg Config, log zerolog.Logger) *Engine {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultConfig().MaxCandidates
	}
	if cfg.KeywordWeight <= 0 && cfg.SemanticWeight <= 0 {
		cfg.KeywordWeight, cfg.SemanticWeight = 0.5, 0.5
	}
	return &Engine{registry: registry, policy: policy, store: store, embedder: embedder, cfg: cfg, log: log}
}

// Search runs one query in the requested mode and reports which mode was
// actually used, which matters for "auto". An empty semantic result set is a
// successful outcome, not an error. Queries spanning many entity types cost
// more; callers trade latency for breadth.
func (e *Engine) Search(ctx context.Context, req kb.SearchRequest) (*kb.SearchResponse, error) {
	start := time.Now()

	types, err := e.resolveTypes(req.EntityTypes)
	if err != nil {
		return nil, err
	}
	limit := kb.ClampLimit(req.Limit)

	mode := req.Mode
	if mode == "" || mode == "auto" {
		mode = e.classify(req.Query)
	}

	var hits []kb.SearchHit
	switch mode {
	case "keyword":
		hits, err = e.keyword(ctx, req.Principal, types, req.Query, limit)
	case "semantic":
		hits, err = e.semantic(ctx, req.Principal, types, req.Query, limit)
	case "hybrid":
		hits, err = e.hybrid(ctx, req.Principal, types, req.Query, limit)
	default:
		return nil, kb.NewValidation("unknown search mode %q", req.Mode)
	}
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start).Milliseconds()
	e.log.Debug().Str("mode", mode).Int("results", len(hits)).
		Int64("elapsed_ms", elapsed).Msg("search executed")
	return &kb.SearchResponse{
		Results:      hits,
		ModeUsed:     mode,
		SearchTimeMs: elapsed,
	}, nil
}

// ─── Modes ───

func (e *Engine) keyword(ctx context.Context, principal *kb.Principal, types []string, query string, limit int) ([]kb.SearchHit, error) {
	scored, err := e.keywordScores(ctx, principal, types, query)
	if err != nil {
		return nil, err
	}
	return e.materialize(ctx, scored, limit)
}

func (e *Engine) semantic(ctx context.Context, principal *kb.Principal, types []string, query string, limit int) ([]kb.SearchHit, error) {
	scored, err := e.semanticScores(ctx, principal, types, query)
	if err != nil {
		return nil, err
	}
	kept := scored[:0]
	for _, c := range scored {
		if c.score >= e.cfg.SimilarityThreshold {
			kept = append(kept, c)
		}
	}
	return e.materialize(ctx, kept, limit)
}

func (e *Engine) hybrid(ctx context.Context, principal *kb.Principal, types []string, query string, limit int) ([]kb.SearchHit, error) {
	kw, err := e.keywordScores(ctx, principal, types, query)
	if err != nil {
		return nil, err
	}
	sem, err := e.semanticScores(ctx, principal, types, query)
	if err != nil {
		return nil, err
	}

	fused := map[kb.EntityRef]float64{}
	for _, c := range kw {
		fused[c.ref] += e.cfg.KeywordWeight * c.score
	}
	for _, c := range sem {
		if c.score >= e.cfg.SimilarityThreshold {
			fused[c.ref] += e.cfg.SemanticWeight * c.score
		}
	}
	scored := make([]candidate, 0, len(fused))
	for ref, score := range fused {
		scored = append(scored, candidate{ref: ref, score: score})
	}
	return e.materialize(ctx, scored, limit)
}

// ─── Scoring ───

type candidate struct {
	ref   kb.EntityRef
	score float64
}

// keywordScores runs the FTS5 query and converts ranks to [0,1] scores.
// SQLite bm25 ranks are negative with more negative meaning better, so
// scores are normalized against the best rank in the candidate set.
func (e *Engine) keywordScores(ctx context.Context, principal *kb.Principal, types []string, query string) ([]candidate, error) {
	raw, err := e.store.KeywordSearch(ctx, types, query, e.cfg.MaxCandidates)
	if err != nil {
		return nil, err
	}

	best := 0.0
	for _, h := range raw {
		if r := math.Abs(h.Rank); r > best {
			best = r
		}
	}

	var scored []candidate
	for _, h := range raw {
		if !e.policy.CanRead(ctx, principal, h.EntityType, h.EntityID) {
			continue
		}
		score := 1.0
		if best > 0 {
			score = math.Abs(h.Rank) / best
		}
		scored = append(scored, candidate{
			ref:   kb.EntityRef{Type: h.EntityType, ID: h.EntityID},
			score: score,
		})
	}
	return scored, nil
}

// semanticScores embeds the query, ensures candidate documents have cached
// vectors, and ranks readable candidates by cosine similarity. Vectors are
// computed lazily on first search after a content change and cached back to
// the store; a cache write failure degrades to recomputation next time.
func (e *Engine) semanticScores(ctx context.Context, principal *kb.Principal, types []string, query string) ([]candidate, error) {
	qvecs, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(qvecs) == 0 {
		return nil, nil
	}
	qvec := qvecs[0]

	docs, err := e.store.SearchDocuments(ctx, types, e.cfg.MaxCandidates)
	if err != nil {
		return nil, err
	}

	readable := docs[:0]
	for _, d := range docs {
		if e.policy.CanRead(ctx, principal, d.EntityType, d.EntityID) {
			readable = append(readable, d)
		}
	}

	if err := e.fillEmbeddings(ctx, readable); err != nil {
		return nil, err
	}

	var scored []candidate
	for _, d := range readable {
		if len(d.Embedding) == 0 {
			continue
		}
		scored = append(scored, candidate{
			ref:   kb.EntityRef{Type: d.EntityType, ID: d.EntityID},
			score: cosine(qvec, d.Embedding),
		})
	}
	return scored, nil
}

// fillEmbeddings batch-embeds documents whose cached vector was invalidated
// by a content change and writes the vectors back.
func (e *Engine) fillEmbeddings(ctx context.Context, docs []kb.SearchDocument) error {
	var missing []int
	var texts []string
	for i, d := range docs {
		if len(d.Embedding) == 0 && d.TextContent != "" {
			missing = append(missing, i)
			texts = append(texts, d.TextContent)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	vecs, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		return err
	}
	for j, i := range missing {
		if j >= len(vecs) {
			break
		}
		docs[i].Embedding = vecs[j]
		if err := e.store.SetEmbedding(ctx, docs[i].EntityType, docs[i].EntityID, vecs[j]); err != nil {
			e.log.Warn().Err(err).Str("entity_id", docs[i].EntityID).Msg("embedding cache write failed")
		}
	}
	return nil
}

// materialize sorts candidates by score, truncates to the limit, and loads
// the full entities.
func (e *Engine) materialize(ctx context.Context, scored []candidate, limit int) ([]kb.SearchHit, error) {
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > limit {
		scored = scored[:limit]
	}

	hits := make([]kb.SearchHit, 0, len(scored))
	for _, c := range scored {
		desc, err := e.registry.Resolve(c.ref.Type)
		if err != nil {
			continue
		}
		entity, err := e.store.Get(ctx, desc, c.ref.ID)
		if err != nil {
			// The document can outlive the row during a hard delete.
			continue
		}
		hits = append(hits, kb.SearchHit{Entity: entity, Score: c.score})
	}
	return hits, nil
}

// ─── Helpers ───

// resolveTypes canonicalizes the requested entity types, defaulting to all
// registered types.
func (e *Engine) resolveTypes(requested []string) ([]string, error) {
	if len(requested) == 0 {
		return e.registry.EntityTypes(), nil
	}
	types := make([]string, 0, len(requested))
	seen := map[string]bool{}
	for _, name := range requested {
		desc, err := e.registry.Resolve(name)
		if err != nil {
			return nil, err
		}
		if !seen[desc.Name] {
			seen[desc.Name] = true
			types = append(types, desc.Name)
		}
	}
	return types, nil
}

// classify picks the mode for "auto": quoted phrases and identifier-looking
// queries go to keyword matching, short multi-word queries use both, and
// longer natural-language queries go semantic.
func (e *Engine) classify(query string) string {
	trimmed := strings.TrimSpace(query)
	if len(trimmed) >= 2 && trimmed[0] == '"' && trimmed[len(trimmed)-1] == '"' {
		return "keyword"
	}
	tokens := strings.Fields(trimmed)
	for _, t := range tokens {
		if looksLikeIdentifier(t) {
			return "keyword"
		}
	}
	if len(tokens) <= 3 {
		return "hybrid"
	}
	return "semantic"
}

// looksLikeIdentifier matches codes like REQ-101, user_id, or uuid fragments.
func looksLikeIdentifier(token string) bool {
	if strings.ContainsAny(token, "_-") && len(token) > 2 {
		return true
	}
	var hasLetter, hasDigit bool
	for _, r := range token {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	return hasLetter && hasDigit
}
