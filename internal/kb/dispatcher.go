package kb

import (
	"context"

	"github.com/rs/zerolog"
)

// Pagination guard: limit defaults to 100 and is clamped to a hard maximum
// of 1000 regardless of caller input.
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// Page is one page of list/search results with the total match count.
type Page struct {
	Data  []*Entity `json:"data"`
	Count int       `json:"count"`
}

// DeleteResult reports what kind of delete was applied.
type DeleteResult struct {
	EntityID   string `json:"entity_id"`
	SoftDelete bool   `json:"soft_delete"`
}

// BatchOutcome is the per-item result of a batch call. Items execute
// independently; one item's failure never rolls back another's success.
type BatchOutcome struct {
	Index   int    `json:"index"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// SearchHit is one ranked search result.
type SearchHit struct {
	Entity *Entity `json:"entity"`
	Score  float64 `json:"score"`
}

// SearchRequest is the search engine input contract.
type SearchRequest struct {
	Query       string
	EntityTypes []string
	Mode        string
	Limit       int
	Principal   *Principal
}

// SearchResponse is the search engine output contract. ModeUsed reports
// which mode the engine actually ran, which matters for mode "auto".
type SearchResponse struct {
	Results      []SearchHit `json:"results"`
	ModeUsed     string      `json:"mode_used"`
	SearchTimeMs int64       `json:"search_time_ms"`
}

// Searcher is implemented by the hybrid search engine. It lives behind an
// interface so the dispatcher package does not depend on the embedding
// collaborator.
type Searcher interface {
	Search(ctx context.Context, req SearchRequest) (*SearchResponse, error)
}

// Dispatcher is the single public entry point for create/read/update/delete/
// list/search/batch of any registered entity type. It composes the registry,
// the policy evaluator, and the lifecycle-aware store; authorization always
// runs before any store mutation.
type Dispatcher struct {
	registry *Registry
	policy   *Policy
	store    *Store
	searcher Searcher
	log      zerolog.Logger
}

// NewDispatcher creates a Dispatcher. The searcher is wired separately via
// SetSearcher once the engine exists.
func NewDispatcher(registry *Registry, policy *Policy, store *Store, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, policy: policy, store: store, log: log}
}

// SetSearcher wires the hybrid search engine.
func (d *Dispatcher) SetSearcher(s Searcher) { d.searcher = s }

// Store exposes the underlying store for collaborators built on top of the
// dispatcher (relationship manager, principal loading).
func (d *Dispatcher) Store() *Store { return d.store }

// Create validates required fields, applies defaults, authorizes against the
// parent scope, and persists a new entity at version 1. Creating an
// organization also grants the creator an active owner membership in the
// same transaction.
func (d *Dispatcher) Create(ctx context.Context, principal *Principal, entityType string, data map[string]any) (*Entity, error) {
	desc, err := d.registry.Resolve(entityType)
	if err != nil {
		return nil, err
	}

	attrs := make(map[string]any, len(data)+len(desc.DefaultValues))
	for k, v := range desc.DefaultValues {
		attrs[k] = v
	}
	for k, v := range data {
		switch k {
		case "id", "version", "is_deleted", "created_by", "created_at":
			return nil, NewValidation("field %q is managed by the engine and cannot be set on create", k)
		}
		attrs[k] = v
	}
	for _, field := range desc.RequiredFields {
		if stringAttr(attrs, field) == "" {
			return nil, NewValidation("required field %q is missing for %s", field, desc.Name)
		}
	}

	// Resolve the authorization anchor: the parent entity for child types,
	// nothing for organizations (self-service create).
	anchorType, anchorID := desc.Name, ""
	if desc.Parent != nil {
		parentID := stringAttr(attrs, desc.Parent.FKField)
		parentDesc, err := d.registry.Resolve(desc.Parent.EntityType)
		if err != nil {
			return nil, err
		}
		ok, err := d.store.Exists(ctx, parentDesc, parentID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, NewInvalidReference("%s %q does not exist", desc.Parent.EntityType, parentID)
		}
		anchorType, anchorID = parentDesc.Name, parentID
	}

	if err := d.policy.Authorize(ctx, principal, desc, OpCreate, anchorType, anchorID); err != nil {
		return nil, err
	}

	id := newID()
	if desc.SelfScoped {
		// Profile ids are the subject's user id.
		id = principal.UserID
	}

	var entity *Entity
	if desc.Name == "organization" {
		entity, err = d.store.InsertOrganization(ctx, desc, id, attrs, principal.UserID)
	} else {
		entity, err = d.store.Insert(ctx, desc, id, attrs, principal.UserID)
	}
	if err != nil {
		return nil, err
	}

	d.log.Info().Str("entity_type", desc.Name).Str("entity_id", entity.ID).
		Str("actor", principal.UserID).Msg("entity created")
	return entity, nil
}

// Read returns an entity by id. Soft-deleted entities remain readable with
// their full audit trail; only hard-deleted ids are NotFound. When
// includeRelations is set the entity's relationships are returned alongside.
func (d *Dispatcher) Read(ctx context.Context, principal *Principal, entityType, id string, includeRelations bool) (*Entity, []Relationship, error) {
	desc, err := d.registry.Resolve(entityType)
	if err != nil {
		return nil, nil, err
	}
	if err := d.policy.Authorize(ctx, principal, desc, OpRead, desc.Name, id); err != nil {
		return nil, nil, err
	}
	entity, err := d.store.Get(ctx, desc, id)
	if err != nil {
		return nil, nil, err
	}
	if !includeRelations {
		return entity, nil, nil
	}
	rels, err := d.store.RelationshipsTouching(ctx, EntityRef{Type: desc.Name, ID: id})
	if err != nil {
		return nil, nil, err
	}
	return entity, rels, nil
}

// Update applies a partial update under optimistic concurrency. Attempts to
// mutate id, created_by, or created_at are rejected.
func (d *Dispatcher) Update(ctx context.Context, principal *Principal, entityType, id string, data map[string]any) (*Entity, error) {
	desc, err := d.registry.Resolve(entityType)
	if err != nil {
		return nil, err
	}
	for _, field := range []string{"id", "created_by", "created_at"} {
		if _, ok := data[field]; ok {
			return nil, NewValidation("field %q is immutable", field)
		}
	}
	if err := d.policy.Authorize(ctx, principal, desc, OpUpdate, desc.Name, id); err != nil {
		return nil, err
	}
	entity, err := d.store.Update(ctx, desc, id, data, principal.UserID)
	if err != nil {
		return nil, err
	}
	d.log.Info().Str("entity_type", desc.Name).Str("entity_id", id).
		Int64("version", entity.Version).Str("actor", principal.UserID).Msg("entity updated")
	return entity, nil
}

// Delete removes an entity, soft by default. Hard deletion is restricted to
// admin and above and forbidden for audit-required types.
func (d *Dispatcher) Delete(ctx context.Context, principal *Principal, entityType, id string, soft bool) (*DeleteResult, error) {
	desc, err := d.registry.Resolve(entityType)
	if err != nil {
		return nil, err
	}
	if soft {
		if err := d.policy.Authorize(ctx, principal, desc, OpDelete, desc.Name, id); err != nil {
			return nil, err
		}
		if err := d.store.SoftDelete(ctx, desc, id, principal.UserID); err != nil {
			return nil, err
		}
	} else {
		if err := d.policy.AuthorizeHardDelete(ctx, principal, desc, id); err != nil {
			return nil, err
		}
		if err := d.store.HardDelete(ctx, desc, id); err != nil {
			return nil, err
		}
	}
	d.log.Info().Str("entity_type", desc.Name).Str("entity_id", id).
		Bool("soft", soft).Str("actor", principal.UserID).Msg("entity deleted")
	return &DeleteResult{EntityID: id, SoftDelete: soft}, nil
}

// List returns a page of entities matching simple equality filters. Rows the
// principal cannot read are dropped before the page is returned; the count is
// adjusted only by the rows dropped from this page, so on multi-page listings
// it can overstate the principal-visible total when unreadable rows sit on
// other pages. An exact total would cost a full authorization scan per call.
func (d *Dispatcher) List(ctx context.Context, principal *Principal, entityType string, filters map[string]any, limit, offset int) (*Page, error) {
	desc, err := d.registry.Resolve(entityType)
	if err != nil {
		return nil, err
	}
	limit = ClampLimit(limit)
	if offset < 0 {
		offset = 0
	}

	rows, count, err := d.store.List(ctx, desc, filters, limit, offset)
	if err != nil {
		return nil, err
	}

	// Read access is identical for siblings under one parent, so memoize the
	// decision per anchor instead of walking the chain per row.
	decisions := map[string]bool{}
	accessible := make([]*Entity, 0, len(rows))
	for _, e := range rows {
		key := e.ID
		if desc.Parent != nil {
			key = stringAttr(e.Attrs, desc.Parent.FKField)
		}
		allowed, seen := decisions[key]
		if !seen {
			allowed = d.policy.Authorize(ctx, principal, desc, OpRead, desc.Name, e.ID) == nil
			decisions[key] = allowed
		}
		if allowed {
			accessible = append(accessible, e)
		}
	}
	count -= len(rows) - len(accessible)
	return &Page{Data: accessible, Count: count}, nil
}

// Search delegates text matching to the hybrid search engine in auto mode,
// scoped to one entity type, with the same pagination guard as List.
func (d *Dispatcher) Search(ctx context.Context, principal *Principal, entityType, query string, limit int) (*Page, error) {
	if d.searcher == nil {
		return nil, &Error{Kind: ErrTableRestricted, Message: "search engine is not provisioned"}
	}
	desc, err := d.registry.Resolve(entityType)
	if err != nil {
		return nil, err
	}
	resp, err := d.searcher.Search(ctx, SearchRequest{
		Query:       query,
		EntityTypes: []string{desc.Name},
		Mode:        "auto",
		Limit:       ClampLimit(limit),
		Principal:   principal,
	})
	if err != nil {
		return nil, err
	}
	page := &Page{Count: len(resp.Results)}
	for _, hit := range resp.Results {
		page.Data = append(page.Data, hit.Entity)
	}
	return page, nil
}

// Batch executes one operation over a list of items independently and
// returns a per-item outcome array. Partial success is expected behavior.
func (d *Dispatcher) Batch(ctx context.Context, principal *Principal, entityType string, op Operation, items []map[string]any) []BatchOutcome {
	outcomes := make([]BatchOutcome, 0, len(items))
	for i, item := range items {
		outcome := BatchOutcome{Index: i}
		data, err := d.batchItem(ctx, principal, entityType, op, item)
		if err != nil {
			outcome.Error = err.Error()
			outcome.Code = Code(err)
		} else {
			outcome.Success = true
			outcome.Data = data
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func (d *Dispatcher) batchItem(ctx context.Context, principal *Principal, entityType string, op Operation, item map[string]any) (any, error) {
	switch op {
	case OpCreate:
		return d.Create(ctx, principal, entityType, item)
	case OpUpdate:
		id := stringAttr(item, "id")
		if id == "" {
			return nil, NewValidation("batch update item requires an id")
		}
		changes := make(map[string]any, len(item))
		for k, v := range item {
			if k == "id" {
				continue
			}
			changes[k] = v
		}
		return d.Update(ctx, principal, entityType, id, changes)
	case OpDelete:
		id := stringAttr(item, "id")
		if id == "" {
			return nil, NewValidation("batch delete item requires an id")
		}
		soft := true
		if flag, ok := item["soft"].(bool); ok {
			soft = flag
		}
		return d.Delete(ctx, principal, entityType, id, soft)
	default:
		return nil, NewValidation("operation %q is not batchable", op)
	}
}

// ClampLimit applies the pagination guard.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
