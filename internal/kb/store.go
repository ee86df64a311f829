package kb

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// identifierPattern restricts filter/group-by field names interpolated into
// json_extract paths.
var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// newID mints an opaque unique entity key.
func newID() string { return uuid.NewString() }

// ─── Types ───────────────────────────────────────────────────────────────────

// Entity is one row of a registered logical type. Every entity carries the
// full audit column set regardless of type; type-specific fields live in
// Attrs.
type Entity struct {
	ID        string         `json:"id"`
	Type      string         `json:"entity_type"`
	Attrs     map[string]any `json:"attrs"`
	Version   int64          `json:"version"`
	IsDeleted bool           `json:"is_deleted"`
	CreatedBy string         `json:"created_by"`
	UpdatedBy string         `json:"updated_by"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
	DeletedBy *string        `json:"deleted_by,omitempty"`
	DeletedAt *string        `json:"deleted_at,omitempty"`
}

// EntityRef names one endpoint of a relationship.
type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Relationship is a typed directed association between two entities.
// Memberships are stored separately; see Membership.
type Relationship struct {
	ID         string         `json:"id"`
	Type       string         `json:"relationship_type"`
	SourceType string         `json:"source_type"`
	SourceID   string         `json:"source_id"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  string         `json:"created_at"`
	CreatedBy  string         `json:"created_by"`
}

// ScopeRef is one hop of an entity's ownership chain, self first,
// organization last.
type ScopeRef struct {
	EntityType string
	ID         string
}

// SearchDocument is the read-only search projection of an entity. Regenerated
// whenever the source entity's searchable fields change; the embedding is
// filled lazily by the search engine and cleared on content change.
type SearchDocument struct {
	EntityType  string
	EntityID    string
	TextContent string
	Embedding   []float32
	UpdatedAt   string
}

// KeywordHit is one FTS5 match with its rank score (lower is better).
type KeywordHit struct {
	EntityType string
	EntityID   string
	Rank       float64
}

// Stats holds aggregate knowledge-base statistics.
type Stats struct {
	Entities      map[string]int `json:"entities"`
	Memberships   int            `json:"memberships"`
	Relationships int            `json:"relationships"`
}

// ─── Config ──────────────────────────────────────────────────────────────────

// StoreConfig holds store configuration.
type StoreConfig struct {
	DataDir      string
	QueryTimeout time.Duration
}

// DefaultStoreConfig returns the default store configuration.
func DefaultStoreConfig() StoreConfig {
	home, _ := os.UserHomeDir()
	return StoreConfig{
		DataDir:      filepath.Join(home, ".atlas"),
		QueryTimeout: 5 * time.Second,
	}
}

// ─── Store ───────────────────────────────────────────────────────────────────

// Store is the transactional entity store backed by SQLite + FTS5. It is the
// single source of truth for concurrency control: optimistic version checks
// and the last-owner invariant are both evaluated under SQLite's own
// transaction isolation.
type Store struct {
	db       *sql.DB
	cfg      StoreConfig
	registry *Registry
	log      zerolog.Logger
}

// Open creates the data directory if needed, opens SQLite with WAL mode, and
// creates every registered entity table plus the membership, relationship,
// and search-projection tables.
func Open(cfg StoreConfig, registry *Registry, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("kb: create data dir: %w", err)
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Second
	}

	dbPath := filepath.Join(cfg.DataDir, "atlas.db")
	db, err := openDB("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("kb: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("kb: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, cfg: cfg, registry: registry, log: log}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("kb: migration: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ─── Migrations ──────────────────────────────────────────────────────────────

func (s *Store) migrate() error {
	// One physical table per registered entity type, all with the same audit
	// column set. Type-specific fields are stored as JSON in attrs and
	// queried with json_extract.
	for _, name := range s.registry.EntityTypes() {
		desc, err := s.registry.Resolve(name)
		if err != nil {
			return err
		}
		schema := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %[1]s (
				id         TEXT PRIMARY KEY,
				attrs      TEXT    NOT NULL DEFAULT '{}',
				parent_id  TEXT,
				version    INTEGER NOT NULL DEFAULT 1,
				is_deleted INTEGER NOT NULL DEFAULT 0,
				created_by TEXT    NOT NULL,
				updated_by TEXT    NOT NULL,
				created_at TEXT    NOT NULL DEFAULT (datetime('now')),
				updated_at TEXT    NOT NULL DEFAULT (datetime('now')),
				deleted_by TEXT,
				deleted_at TEXT
			);
			CREATE INDEX IF NOT EXISTS idx_%[1]s_parent  ON %[1]s(parent_id);
			CREATE INDEX IF NOT EXISTS idx_%[1]s_deleted ON %[1]s(is_deleted);
			CREATE INDEX IF NOT EXISTS idx_%[1]s_updated ON %[1]s(updated_at DESC);
		`, desc.Table)
		if _, err := s.db.Exec(schema); err != nil {
			return err
		}
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memberships (
			id         TEXT PRIMARY KEY,
			scope_type TEXT NOT NULL,
			scope_id   TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			role       TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'active',
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			created_by TEXT NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_memberships_unique ON memberships(scope_type, scope_id, user_id);
		CREATE INDEX IF NOT EXISTS idx_memberships_user  ON memberships(user_id);
		CREATE INDEX IF NOT EXISTS idx_memberships_scope ON memberships(scope_type, scope_id);

		CREATE TABLE IF NOT EXISTS relationships (
			id          TEXT NOT NULL PRIMARY KEY,
			type        TEXT NOT NULL,
			source_type TEXT NOT NULL,
			source_id   TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id   TEXT NOT NULL,
			metadata    TEXT NOT NULL DEFAULT '{}',
			created_at  TEXT NOT NULL DEFAULT (datetime('now')),
			created_by  TEXT NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_rel_unique ON relationships(type, source_type, source_id, target_type, target_id);
		CREATE INDEX IF NOT EXISTS idx_rel_source ON relationships(source_type, source_id);
		CREATE INDEX IF NOT EXISTS idx_rel_target ON relationships(target_type, target_id);

		CREATE TABLE IF NOT EXISTS search_documents (
			entity_type  TEXT NOT NULL,
			entity_id    TEXT NOT NULL,
			text_content TEXT NOT NULL,
			embedding    BLOB,
			updated_at   TEXT NOT NULL DEFAULT (datetime('now'))
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_searchdocs_unique ON search_documents(entity_type, entity_id);

		CREATE VIRTUAL TABLE IF NOT EXISTS search_fts USING fts5(
			text_content,
			entity_type,
			content='search_documents',
			content_rowid='rowid'
		);
	`); err != nil {
		return err
	}

	// FTS triggers (idempotent)
	var name string
	err := s.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='trigger' AND name='searchdocs_fts_insert'",
	).Scan(&name)
	if err == sql.ErrNoRows {
		triggers := `
			CREATE TRIGGER searchdocs_fts_insert AFTER INSERT ON search_documents BEGIN
				INSERT INTO search_fts(rowid, text_content, entity_type)
				VALUES (new.rowid, new.text_content, new.entity_type);
			END;

			CREATE TRIGGER searchdocs_fts_delete AFTER DELETE ON search_documents BEGIN
				INSERT INTO search_fts(search_fts, rowid, text_content, entity_type)
				VALUES ('delete', old.rowid, old.text_content, old.entity_type);
			END;

			CREATE TRIGGER searchdocs_fts_update AFTER UPDATE OF text_content ON search_documents BEGIN
				INSERT INTO search_fts(search_fts, rowid, text_content, entity_type)
				VALUES ('delete', old.rowid, old.text_content, old.entity_type);
				INSERT INTO search_fts(rowid, text_content, entity_type)
				VALUES (new.rowid, new.text_content, new.entity_type);
			END;
		`
		if _, err := s.db.Exec(triggers); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	return nil
}

// ─── Entities ────────────────────────────────────────────────────────────────

// Insert creates a new entity row with version=1 and its search projection.
func (s *Store) Insert(ctx context.Context, desc *EntityTypeDescriptor, id string, attrs map[string]any, actor string) (*Entity, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapStoreError(err, desc.Name, id)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.insertTx(ctx, tx, desc, id, attrs, actor); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapStoreError(err, desc.Name, id)
	}
	return s.Get(ctx, desc, id)
}

// InsertOrganization creates an organization and grants the creator an
// active owner membership inside the same transaction. This is an explicit
// synchronous step, not a datastore trigger: without it the creator would
// fail every subsequent authorization check against their own organization.
func (s *Store) InsertOrganization(ctx context.Context, desc *EntityTypeDescriptor, id string, attrs map[string]any, actor string) (*Entity, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapStoreError(err, desc.Name, id)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.insertTx(ctx, tx, desc, id, attrs, actor); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memberships (id, scope_type, scope_id, user_id, role, status, created_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		newID(), ScopeOrganization, id, actor, RoleOwner, StatusActive, actor,
	); err != nil {
		return nil, mapStoreError(err, "membership", id)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapStoreError(err, desc.Name, id)
	}
	return s.Get(ctx, desc, id)
}

func (s *Store) insertTx(ctx context.Context, tx *sql.Tx, desc *EntityTypeDescriptor, id string, attrs map[string]any, actor string) error {
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return NewValidation("entity data is not serializable: %v", err)
	}

	var parentID any
	if desc.Parent != nil {
		parentID = stringAttr(attrs, desc.Parent.FKField)
	}

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, attrs, parent_id, version, is_deleted, created_by, updated_by)
		 VALUES (?, ?, ?, 1, 0, ?, ?)`, desc.Table),
		id, string(attrsJSON), parentID, actor, actor,
	); err != nil {
		return mapStoreError(err, desc.Name, id)
	}

	return s.upsertSearchDocument(ctx, tx, desc, id, attrs)
}

// Get retrieves an entity by id. Soft-deleted entities are returned with
// is_deleted set; only hard-deleted (removed) entities are NotFound.
func (s *Store) Get(ctx context.Context, desc *EntityTypeDescriptor, id string) (*Entity, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, attrs, version, is_deleted, created_by, updated_by, created_at, updated_at, deleted_by, deleted_at
		 FROM %s WHERE id = ?`, desc.Table), id,
	)
	e, err := scanEntity(row, desc.Name)
	if err != nil {
		return nil, mapStoreError(err, desc.Name, id)
	}
	return e, nil
}

// Update applies a partial attribute update under optimistic concurrency.
//
// Version policy: if the caller does not pass a version it is auto-incremented
// by exactly one; a version lower than the stored value fails with a conflict;
// an equal or explicitly higher version is accepted and stored as given. Only
// version regression is a conflict — an unset version never is.
func (s *Store) Update(ctx context.Context, desc *EntityTypeDescriptor, id string, changes map[string]any, actor string) (*Entity, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapStoreError(err, desc.Name, id)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, attrs, version, is_deleted, created_by, updated_by, created_at, updated_at, deleted_by, deleted_at
		 FROM %s WHERE id = ?`, desc.Table), id,
	)
	current, err := scanEntity(row, desc.Name)
	if err != nil {
		return nil, mapStoreError(err, desc.Name, id)
	}

	newVersion := current.Version + 1
	if raw, ok := changes["version"]; ok {
		requested, err := toInt64(raw)
		if err != nil {
			return nil, NewValidation("version must be an integer")
		}
		if requested < current.Version {
			return nil, NewConflict(desc.Name, id, requested, current.Version)
		}
		newVersion = requested
	}

	isDeleted := current.IsDeleted
	var deletedBy, deletedAt *string
	deletedBy, deletedAt = current.DeletedBy, current.DeletedAt
	if raw, ok := changes["is_deleted"]; ok {
		flag, ok := raw.(bool)
		if !ok {
			return nil, NewValidation("is_deleted must be a boolean")
		}
		isDeleted = flag
		switch {
		case flag && !current.IsDeleted:
			// Deleting through update is still a soft delete: the audit pair
			// is stamped exactly as SoftDelete stamps it.
			now := time.Now().UTC().Format("2006-01-02 15:04:05")
			deletedBy, deletedAt = &actor, &now
		case !flag:
			deletedBy, deletedAt = nil, nil
		}
	}

	merged := make(map[string]any, len(current.Attrs)+len(changes))
	for k, v := range current.Attrs {
		merged[k] = v
	}
	for k, v := range changes {
		switch k {
		case "version", "is_deleted":
			continue
		}
		merged[k] = v
	}
	attrsJSON, err := json.Marshal(merged)
	if err != nil {
		return nil, NewValidation("entity data is not serializable: %v", err)
	}

	var parentID any
	if desc.Parent != nil {
		parentID = stringAttr(merged, desc.Parent.FKField)
	}

	res, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s
		 SET attrs = ?, parent_id = ?, version = ?, is_deleted = ?,
		     deleted_by = ?, deleted_at = ?,
		     updated_by = ?, updated_at = datetime('now')
		 WHERE id = ? AND version = ?`, desc.Table),
		string(attrsJSON), parentID, newVersion, boolToInt(isDeleted),
		deletedBy, deletedAt, actor, id, current.Version,
	)
	if err != nil {
		return nil, mapStoreError(err, desc.Name, id)
	}
	// A concurrent writer moved the version between our read and write.
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, NewConflict(desc.Name, id, current.Version, current.Version+1)
	}

	if isDeleted {
		if err := s.deleteSearchDocument(ctx, tx, desc.Name, id); err != nil {
			return nil, err
		}
	} else if err := s.upsertSearchDocument(ctx, tx, desc, id, merged); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, mapStoreError(err, desc.Name, id)
	}
	return s.Get(ctx, desc, id)
}

// SoftDelete flags an entity deleted while retaining the record. The delete
// is itself an update: version increments and updated_by/updated_at are
// stamped with the same actor and time as deleted_by/deleted_at.
func (s *Store) SoftDelete(ctx context.Context, desc *EntityTypeDescriptor, id string, actor string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapStoreError(err, desc.Name, id)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s
		 SET is_deleted = 1,
		     version = version + 1,
		     deleted_by = ?, deleted_at = datetime('now'),
		     updated_by = ?, updated_at = datetime('now')
		 WHERE id = ? AND is_deleted = 0`, desc.Table),
		actor, actor, id,
	)
	if err != nil {
		return mapStoreError(err, desc.Name, id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewNotFound(desc.Name, id)
	}
	if err := s.deleteSearchDocument(ctx, tx, desc.Name, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapStoreError(err, desc.Name, id)
	}
	return nil
}

// HardDelete removes an entity row permanently. No retention, not reversible.
func (s *Store) HardDelete(ctx context.Context, desc *EntityTypeDescriptor, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapStoreError(err, desc.Name, id)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, desc.Table), id)
	if err != nil {
		return mapStoreError(err, desc.Name, id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewNotFound(desc.Name, id)
	}
	if err := s.deleteSearchDocument(ctx, tx, desc.Name, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapStoreError(err, desc.Name, id)
	}
	return nil
}

// List returns a page of entities matching equality filters (AND semantics)
// plus the total count before pagination. Soft-deleted rows are excluded
// unless the caller filters on is_deleted explicitly.
func (s *Store) List(ctx context.Context, desc *EntityTypeDescriptor, filters map[string]any, limit, offset int) ([]*Entity, int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	where, args := buildFilterClause(filters)

	var count int
	if err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s`, desc.Table, where), args...,
	).Scan(&count); err != nil {
		return nil, 0, mapStoreError(err, desc.Name, "")
	}

	pageArgs := append(append([]any{}, args...), limit, offset)
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, attrs, version, is_deleted, created_by, updated_by, created_at, updated_at, deleted_by, deleted_at
		 FROM %s WHERE %s ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, desc.Table, where),
		pageArgs...,
	)
	if err != nil {
		return nil, 0, mapStoreError(err, desc.Name, "")
	}
	defer func() { _ = rows.Close() }()

	var results []*Entity
	for rows.Next() {
		e, err := scanEntity(rows, desc.Name)
		if err != nil {
			return nil, 0, mapStoreError(err, desc.Name, "")
		}
		results = append(results, e)
	}
	return results, count, rows.Err()
}

// CountBy groups entities by one attribute value, used by the
// aggregate/analyze query surface. Equality conditions narrow the rows
// counted; soft-deleted rows are excluded unless filtered explicitly.
func (s *Store) CountBy(ctx context.Context, desc *EntityTypeDescriptor, field string, conditions map[string]any) (map[string]int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if !identifierPattern.MatchString(field) {
		return nil, NewValidation("invalid group-by field %q", field)
	}
	where, args := buildFilterClause(conditions)
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT COALESCE(json_extract(attrs, '$.%s'), ''), COUNT(*)
		 FROM %s WHERE %s GROUP BY 1`, field, desc.Table, where),
		args...,
	)
	if err != nil {
		return nil, mapStoreError(err, desc.Name, "")
	}
	defer func() { _ = rows.Close() }()

	out := map[string]int{}
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		out[key] = n
	}
	return out, rows.Err()
}

// ─── Ownership chain ─────────────────────────────────────────────────────────

// OwnershipChain resolves the parent chain of an entity, self first,
// terminating at the owning organization. Self-scoped types return a
// single-element chain.
func (s *Store) OwnershipChain(ctx context.Context, entityType, id string) ([]ScopeRef, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var chain []ScopeRef
	curType, curID := entityType, id
	for depth := 0; depth < 8; depth++ {
		desc, err := s.registry.Resolve(curType)
		if err != nil {
			return nil, err
		}
		chain = append(chain, ScopeRef{EntityType: desc.Name, ID: curID})
		if desc.Parent == nil {
			return chain, nil
		}

		var parentID sql.NullString
		err = s.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT parent_id FROM %s WHERE id = ?`, desc.Table), curID,
		).Scan(&parentID)
		// Past the first hop a missing row means the previous link points at
		// a parent that no longer exists: a reference defect, not a lookup miss.
		if err == sql.ErrNoRows && depth > 0 {
			child := chain[len(chain)-2]
			return nil, NewInvalidReference("%s %q has a dangling %s parent %q",
				child.EntityType, child.ID, desc.Name, curID)
		}
		if err != nil {
			return nil, mapStoreError(err, desc.Name, curID)
		}
		if !parentID.Valid || parentID.String == "" {
			return nil, NewInvalidReference("%s %q has no %s parent", desc.Name, curID, desc.Parent.EntityType)
		}
		curType, curID = desc.Parent.EntityType, parentID.String
	}
	return nil, NewInvalidReference("ownership chain for %s %q exceeds maximum depth", entityType, id)
}

// Exists reports whether a live or soft-deleted entity row exists.
func (s *Store) Exists(ctx context.Context, desc *EntityTypeDescriptor, id string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var one int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT 1 FROM %s WHERE id = ?`, desc.Table), id,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, mapStoreError(err, desc.Name, id)
	}
	return true, nil
}

// ─── Memberships ─────────────────────────────────────────────────────────────

// InsertMembership creates a membership row.
func (s *Store) InsertMembership(ctx context.Context, m Membership) (*Membership, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if m.ID == "" {
		m.ID = newID()
	}
	if m.Status == "" {
		m.Status = StatusActive
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO memberships (id, scope_type, scope_id, user_id, role, status, created_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ScopeType, m.ScopeID, m.UserID, m.Role, m.Status, m.CreatedBy,
	); err != nil {
		return nil, mapStoreError(err, "membership", m.ID)
	}
	return s.FindMembership(ctx, m.ScopeType, m.ScopeID, m.UserID)
}

// FindMembership returns the membership for (scope, user), NotFound if none.
func (s *Store) FindMembership(ctx context.Context, scopeType ScopeType, scopeID, userID string) (*Membership, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, scope_type, scope_id, user_id, role, status, created_at, created_by
		 FROM memberships WHERE scope_type = ? AND scope_id = ? AND user_id = ?`,
		scopeType, scopeID, userID,
	)
	var m Membership
	if err := row.Scan(&m.ID, &m.ScopeType, &m.ScopeID, &m.UserID, &m.Role, &m.Status, &m.CreatedAt, &m.CreatedBy); err != nil {
		return nil, mapStoreError(err, "membership", scopeID+"/"+userID)
	}
	return &m, nil
}

// RemoveMembership deletes a membership, enforcing the last-owner invariant
// transactionally: the owner count and the delete happen under one write
// transaction so two concurrent unlinks cannot both observe "not the last
// owner".
func (s *Store) RemoveMembership(ctx context.Context, scopeType ScopeType, scopeID, userID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapStoreError(err, "membership", scopeID)
	}
	defer func() { _ = tx.Rollback() }()

	var m Membership
	err = tx.QueryRowContext(ctx,
		`SELECT id, role, status FROM memberships WHERE scope_type = ? AND scope_id = ? AND user_id = ?`,
		scopeType, scopeID, userID,
	).Scan(&m.ID, &m.Role, &m.Status)
	if err != nil {
		return mapStoreError(err, "membership", scopeID+"/"+userID)
	}

	if m.Role == RoleOwner && m.Status == StatusActive {
		var owners int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM memberships
			 WHERE scope_type = ? AND scope_id = ? AND role = ? AND status = ?`,
			scopeType, scopeID, RoleOwner, StatusActive,
		).Scan(&owners); err != nil {
			return mapStoreError(err, "membership", scopeID)
		}
		if owners <= 1 {
			return &Error{
				Kind:    ErrValidation,
				Message: fmt.Sprintf("cannot remove the last active owner of %s %q", scopeType, scopeID),
				Hint:    "grant another member the owner role first",
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM memberships WHERE id = ?`, m.ID); err != nil {
		return mapStoreError(err, "membership", m.ID)
	}
	if err := tx.Commit(); err != nil {
		return mapStoreError(err, "membership", m.ID)
	}
	return nil
}

// ListMemberships returns all memberships of a scope.
func (s *Store) ListMemberships(ctx context.Context, scopeType ScopeType, scopeID string) ([]Membership, error) {
	return s.queryMemberships(ctx,
		`SELECT id, scope_type, scope_id, user_id, role, status, created_at, created_by
		 FROM memberships WHERE scope_type = ? AND scope_id = ? ORDER BY created_at`,
		scopeType, scopeID)
}

// MembershipsForUser returns every membership a user holds.
func (s *Store) MembershipsForUser(ctx context.Context, userID string) ([]Membership, error) {
	return s.queryMemberships(ctx,
		`SELECT id, scope_type, scope_id, user_id, role, status, created_at, created_by
		 FROM memberships WHERE user_id = ? ORDER BY created_at`,
		userID)
}

// LoadPrincipal builds the request-scoped Principal: user id, explicit active
// organization/project, and a snapshot of the user's memberships.
func (s *Store) LoadPrincipal(ctx context.Context, userID, activeOrg, activeProject string) (*Principal, error) {
	memberships, err := s.MembershipsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Principal{
		UserID:               userID,
		ActiveOrganizationID: activeOrg,
		ActiveProjectID:      activeProject,
		Memberships:          memberships,
	}, nil
}

func (s *Store) queryMemberships(ctx context.Context, query string, args ...any) ([]Membership, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapStoreError(err, "membership", "")
	}
	defer func() { _ = rows.Close() }()

	var results []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.ID, &m.ScopeType, &m.ScopeID, &m.UserID, &m.Role, &m.Status, &m.CreatedAt, &m.CreatedBy); err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// ─── Relationships ───────────────────────────────────────────────────────────

// InsertRelationship creates a typed association row.
func (s *Store) InsertRelationship(ctx context.Context, rel Relationship) (*Relationship, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if rel.ID == "" {
		rel.ID = newID()
	}
	metadataJSON, err := json.Marshal(orEmptyMap(rel.Metadata))
	if err != nil {
		return nil, NewValidation("relationship metadata is not serializable: %v", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO relationships (id, type, source_type, source_id, target_type, target_id, metadata, created_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rel.ID, rel.Type, rel.SourceType, rel.SourceID, rel.TargetType, rel.TargetID, string(metadataJSON), rel.CreatedBy,
	); err != nil {
		return nil, mapStoreError(err, "relationship", rel.ID)
	}
	return s.findRelationshipByID(ctx, rel.ID)
}

// FindRelationship returns the relationship for the given endpoints, or
// NotFound.
func (s *Store) FindRelationship(ctx context.Context, relType string, source, target EntityRef) (*Relationship, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, source_type, source_id, target_type, target_id, metadata, created_at, created_by
		 FROM relationships
		 WHERE type = ? AND source_type = ? AND source_id = ? AND target_type = ? AND target_id = ?`,
		relType, source.Type, source.ID, target.Type, target.ID,
	)
	return scanRelationship(row)
}

// DeleteRelationship removes a relationship row.
func (s *Store) DeleteRelationship(ctx context.Context, relType string, source, target EntityRef) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM relationships
		 WHERE type = ? AND source_type = ? AND source_id = ? AND target_type = ? AND target_id = ?`,
		relType, source.Type, source.ID, target.Type, target.ID,
	)
	if err != nil {
		return mapStoreError(err, "relationship", source.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewNotFound("relationship", fmt.Sprintf("%s:%s->%s", relType, source.ID, target.ID))
	}
	return nil
}

// ListRelationships returns all relationships of a type originating at the
// source entity.
func (s *Store) ListRelationships(ctx context.Context, relType string, source EntityRef) ([]Relationship, error) {
	return s.queryRelationships(ctx,
		`SELECT id, type, source_type, source_id, target_type, target_id, metadata, created_at, created_by
		 FROM relationships WHERE type = ? AND source_type = ? AND source_id = ? ORDER BY created_at`,
		relType, source.Type, source.ID)
}

// RelationshipsTouching returns every relationship where the entity is either
// endpoint.
func (s *Store) RelationshipsTouching(ctx context.Context, ref EntityRef) ([]Relationship, error) {
	return s.queryRelationships(ctx,
		`SELECT id, type, source_type, source_id, target_type, target_id, metadata, created_at, created_by
		 FROM relationships
		 WHERE (source_type = ? AND source_id = ?) OR (target_type = ? AND target_id = ?)
		 ORDER BY created_at`,
		ref.Type, ref.ID, ref.Type, ref.ID)
}

func (s *Store) findRelationshipByID(ctx context.Context, id string) (*Relationship, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, source_type, source_id, target_type, target_id, metadata, created_at, created_by
		 FROM relationships WHERE id = ?`, id,
	)
	return scanRelationship(row)
}

func (s *Store) queryRelationships(ctx context.Context, query string, args ...any) ([]Relationship, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapStoreError(err, "relationship", "")
	}
	defer func() { _ = rows.Close() }()

	var results []Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *rel)
	}
	return results, rows.Err()
}

// ─── Search projection ───────────────────────────────────────────────────────

func (s *Store) upsertSearchDocument(ctx context.Context, tx *sql.Tx, desc *EntityTypeDescriptor, id string, attrs map[string]any) error {
	text := searchText(desc, attrs)
	// Content change invalidates any cached embedding; the engine re-embeds
	// lazily on the next semantic query.
	_, err := tx.ExecContext(ctx,
		`INSERT INTO search_documents (entity_type, entity_id, text_content, updated_at)
		 VALUES (?, ?, ?, datetime('now'))
		 ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		     text_content = excluded.text_content,
		     embedding = NULL,
		     updated_at = excluded.updated_at`,
		desc.Name, id, text,
	)
	if err != nil {
		return mapStoreError(err, desc.Name, id)
	}
	return nil
}

func (s *Store) deleteSearchDocument(ctx context.Context, tx *sql.Tx, entityType, id string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM search_documents WHERE entity_type = ? AND entity_id = ?`, entityType, id,
	); err != nil {
		return mapStoreError(err, entityType, id)
	}
	return nil
}

// KeywordSearch runs an FTS5 query over the search projection, ordered by
// rank then recency.
func (s *Store) KeywordSearch(ctx context.Context, entityTypes []string, query string, limit int) ([]KeywordHit, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ftsQuery := sanitizeFTS(query)
	if ftsQuery == "" {
		return nil, nil
	}

	sqlStr := `
		SELECT d.entity_type, d.entity_id, fts.rank
		FROM search_fts fts
		JOIN search_documents d ON d.rowid = fts.rowid
		WHERE search_fts MATCH ?`
	args := []any{ftsQuery}
	if len(entityTypes) > 0 {
		sqlStr += ` AND d.entity_type IN (` + placeholders(len(entityTypes)) + `)`
		for _, t := range entityTypes {
			args = append(args, t)
		}
	}
	sqlStr += ` ORDER BY fts.rank, d.updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, mapStoreError(err, "search", "")
	}
	defer func() { _ = rows.Close() }()

	var hits []KeywordHit
	for rows.Next() {
		var h KeywordHit
		if err := rows.Scan(&h.EntityType, &h.EntityID, &h.Rank); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// SearchDocuments returns candidate documents for semantic ranking.
func (s *Store) SearchDocuments(ctx context.Context, entityTypes []string, limit int) ([]SearchDocument, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	sqlStr := `SELECT entity_type, entity_id, text_content, embedding, updated_at FROM search_documents`
	var args []any
	if len(entityTypes) > 0 {
		sqlStr += ` WHERE entity_type IN (` + placeholders(len(entityTypes)) + `)`
		for _, t := range entityTypes {
			args = append(args, t)
		}
	}
	sqlStr += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, mapStoreError(err, "search", "")
	}
	defer func() { _ = rows.Close() }()

	var docs []SearchDocument
	for rows.Next() {
		var d SearchDocument
		var blob []byte
		if err := rows.Scan(&d.EntityType, &d.EntityID, &d.TextContent, &blob, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Embedding = decodeVector(blob)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// SetEmbedding caches a computed embedding on a search document.
func (s *Store) SetEmbedding(ctx context.Context, entityType, entityID string, vec []float32) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE search_documents SET embedding = ? WHERE entity_type = ? AND entity_id = ?`,
		encodeVector(vec), entityType, entityID,
	); err != nil {
		return mapStoreError(err, entityType, entityID)
	}
	return nil
}

// ─── Stats ───────────────────────────────────────────────────────────────────

// Stats returns aggregate counts across the knowledge base.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	stats := &Stats{Entities: map[string]int{}}
	for _, name := range s.registry.EntityTypes() {
		desc, err := s.registry.Resolve(name)
		if err != nil {
			return nil, err
		}
		var n int
		if err := s.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE is_deleted = 0`, desc.Table),
		).Scan(&n); err != nil {
			return nil, mapStoreError(err, name, "")
		}
		stats.Entities[name] = n
	}
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memberships`).Scan(&stats.Memberships)
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM relationships`).Scan(&stats.Relationships)
	return stats, nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner, entityType string) (*Entity, error) {
	var e Entity
	var attrsJSON string
	var isDeleted int
	if err := row.Scan(&e.ID, &attrsJSON, &e.Version, &isDeleted,
		&e.CreatedBy, &e.UpdatedBy, &e.CreatedAt, &e.UpdatedAt, &e.DeletedBy, &e.DeletedAt); err != nil {
		return nil, err
	}
	e.Type = entityType
	e.IsDeleted = isDeleted != 0
	if err := json.Unmarshal([]byte(attrsJSON), &e.Attrs); err != nil {
		return nil, fmt.Errorf("decode attrs for %s %q: %w", entityType, e.ID, err)
	}
	return &e, nil
}

func scanRelationship(row rowScanner) (*Relationship, error) {
	var rel Relationship
	var metadataJSON string
	if err := row.Scan(&rel.ID, &rel.Type, &rel.SourceType, &rel.SourceID,
		&rel.TargetType, &rel.TargetID, &metadataJSON, &rel.CreatedAt, &rel.CreatedBy); err != nil {
		return nil, mapStoreError(err, "relationship", "")
	}
	if err := json.Unmarshal([]byte(metadataJSON), &rel.Metadata); err != nil {
		return nil, fmt.Errorf("decode relationship metadata %q: %w", rel.ID, err)
	}
	return &rel, nil
}

// buildFilterClause turns equality filters into a WHERE clause with AND
// semantics. Audit columns match directly; everything else goes through
// json_extract on attrs. Unless the caller filters is_deleted explicitly,
// soft-deleted rows are excluded.
func buildFilterClause(filters map[string]any) (string, []any) {
	clauses := []string{"1=1"}
	var args []any

	hasDeletedFilter := false
	for _, field := range sortedKeys(filters) {
		value := filters[field]
		switch field {
		case "id", "created_by", "updated_by", "parent_id":
			clauses = append(clauses, field+" = ?")
			args = append(args, value)
		case "is_deleted":
			hasDeletedFilter = true
			if flag, ok := value.(bool); ok {
				clauses = append(clauses, "is_deleted = ?")
				args = append(args, boolToInt(flag))
			} else {
				clauses = append(clauses, "is_deleted = ?")
				args = append(args, value)
			}
		default:
			if !identifierPattern.MatchString(field) {
				continue
			}
			clauses = append(clauses, fmt.Sprintf("json_extract(attrs, '$.%s') = ?", field))
			args = append(args, value)
		}
	}
	if !hasDeletedFilter {
		clauses = append(clauses, "is_deleted = 0")
	}
	return strings.Join(clauses, " AND "), args
}

func searchText(desc *EntityTypeDescriptor, attrs map[string]any) string {
	var parts []string
	for _, field := range desc.SearchFields {
		if v := stringAttr(attrs, field); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "\n")
}

// sanitizeFTS wraps each word in quotes for safe FTS5 queries.
// "login flow" → `"login" "flow"`
func sanitizeFTS(query string) string {
	words := strings.Fields(query)
	for i, w := range words {
		w = strings.Trim(w, `"`)
		words[i] = `"` + w + `"`
	}
	return strings.Join(words, " ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringAttr(attrs map[string]any, key string) string {
	if v, ok := attrs[key].(string); ok {
		return v
	}
	return ""
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	default:
		return 0, fmt.Errorf("not an integer: %T", v)
	}
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Stable clause order keeps queries cacheable by SQLite's statement cache.
	sort.Strings(keys)
	return keys
}

// encodeVector serializes an embedding as little-endian float32 bytes.
func encodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.QueryTimeout)
}
