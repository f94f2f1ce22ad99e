// Package store implements the entity data backend on SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"lorekeeper/internal/domain"
)

// Compile-time interface assertion.
var _ domain.EntityBackend = (*SQLiteStore)(nil)

const defaultLimit = 20

// SQLiteStore implements domain.EntityBackend using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath
// and runs the schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open entity db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate entity db: %w", err)
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS entities (
		id            TEXT PRIMARY KEY,
		collection_id TEXT NOT NULL,
		type          TEXT NOT NULL,
		name          TEXT NOT NULL,
		fields        TEXT NOT NULL DEFAULT '{}',
		parent_id     TEXT NOT NULL DEFAULT '',
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entities_collection_type ON entities (collection_id, type)`,
	`CREATE TABLE IF NOT EXISTS relationships (
		id            TEXT PRIMARY KEY,
		source_type   TEXT NOT NULL,
		source_id     TEXT NOT NULL,
		target_type   TEXT NOT NULL,
		target_id     TEXT NOT NULL,
		label         TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		bidirectional INTEGER NOT NULL DEFAULT 0,
		created_at    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_relationships_source ON relationships (source_type, source_id)`,
	`CREATE INDEX IF NOT EXISTS idx_relationships_target ON relationships (target_type, target_id)`,
}

func migrate(db *sql.DB) error {
	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const entityColumns = "id, collection_id, type, name, fields, parent_id, created_at, updated_at"

func (s *SQLiteStore) Get(ctx context.Context, entityType, id string) (*domain.Entity, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+entityColumns+" FROM entities WHERE id = ? AND type = ?", id, entityType,
	)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("SQLiteStore.Get", domain.ErrNotFound, entityType+" "+id)
	}
	return e, err
}

func (s *SQLiteStore) List(ctx context.Context, q domain.ListQuery) ([]domain.Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+entityColumns+" FROM entities WHERE collection_id = ? AND type = ? ORDER BY name COLLATE NOCASE LIMIT ?",
		q.CollectionID, q.Type, limitOrDefault(q.Limit),
	)
	if err != nil {
		return nil, err
	}
	return collectEntities(rows)
}

func (s *SQLiteStore) Search(ctx context.Context, q domain.SearchQuery) ([]domain.Entity, error) {
	pattern := "%" + escapeLike(strings.TrimSpace(q.Text)) + "%"

	// Only field values are searched. Keys and JSON escaping in the stored
	// text must not produce or hide matches.
	query := "SELECT " + entityColumns + " FROM entities WHERE collection_id = ? AND (name LIKE ? ESCAPE '\\'" +
		" OR EXISTS (SELECT 1 FROM json_tree(entities.fields) AS f WHERE f.atom IS NOT NULL AND CAST(f.atom AS TEXT) LIKE ? ESCAPE '\\'))"
	args := []any{q.CollectionID, pattern, pattern}
	if len(q.Types) > 0 {
		query += " AND type IN (" + strings.TrimSuffix(strings.Repeat("?,", len(q.Types)), ",") + ")"
		for _, t := range q.Types {
			args = append(args, t)
		}
	}
	query += " ORDER BY (name LIKE ? ESCAPE '\\') DESC, name COLLATE NOCASE LIMIT ?"
	args = append(args, pattern, limitOrDefault(q.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectEntities(rows)
}

func (s *SQLiteStore) Create(ctx context.Context, ne domain.NewEntity) (*domain.Entity, error) {
	if strings.TrimSpace(ne.Type) == "" || strings.TrimSpace(ne.Name) == "" {
		return nil, domain.NewDomainError("SQLiteStore.Create", domain.ErrInvalidInput, "type and name are required")
	}
	if ne.ParentID != "" {
		if _, err := s.byID(ctx, ne.ParentID); err != nil {
			return nil, domain.WrapOp("SQLiteStore.Create: parent", err)
		}
	}

	fields := maps.Clone(ne.Fields)
	if fields == nil {
		fields = map[string]any{}
	}
	delete(fields, "name")
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal entity fields: %w", err)
	}

	now := s.now()
	e := &domain.Entity{
		ID:           uuid.NewString(),
		CollectionID: ne.CollectionID,
		Type:         ne.Type,
		Name:         strings.TrimSpace(ne.Name),
		Fields:       fields,
		ParentID:     ne.ParentID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO entities ("+entityColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		e.ID, e.CollectionID, e.Type, e.Name, string(fieldsJSON), e.ParentID,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Update merges fields into the entity. A nil value removes the field; the
// "name" key renames the entity.
func (s *SQLiteStore) Update(ctx context.Context, entityType, id string, fields map[string]any) (*domain.Entity, error) {
	e, err := s.Get(ctx, entityType, id)
	if err != nil {
		return nil, err
	}
	if e.Fields == nil {
		e.Fields = map[string]any{}
	}

	for k, v := range fields {
		if k == "name" {
			name, ok := v.(string)
			if !ok || strings.TrimSpace(name) == "" {
				return nil, domain.NewDomainError("SQLiteStore.Update", domain.ErrInvalidInput, "name must be a non-empty string")
			}
			e.Name = strings.TrimSpace(name)
			continue
		}
		if v == nil {
			delete(e.Fields, k)
			continue
		}
		e.Fields[k] = v
	}

	fieldsJSON, err := json.Marshal(e.Fields)
	if err != nil {
		return nil, fmt.Errorf("marshal entity fields: %w", err)
	}
	e.UpdatedAt = s.now()
	_, err = s.db.ExecContext(ctx,
		"UPDATE entities SET name = ?, fields = ?, updated_at = ? WHERE id = ?",
		e.Name, string(fieldsJSON), e.UpdatedAt.Format(time.RFC3339Nano), e.ID,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *SQLiteStore) CreateRelationship(ctx context.Context, r domain.Relationship) (*domain.Relationship, error) {
	if err := validateLabel(r.Label); err != nil {
		return nil, err
	}
	if _, err := s.Get(ctx, r.SourceType, r.SourceID); err != nil {
		return nil, domain.WrapOp("SQLiteStore.CreateRelationship: source", err)
	}
	if _, err := s.Get(ctx, r.TargetType, r.TargetID); err != nil {
		return nil, domain.WrapOp("SQLiteStore.CreateRelationship: target", err)
	}

	r.ID = uuid.NewString()
	r.CreatedAt = s.now()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO relationships (id, source_type, source_id, target_type, target_id, label, description, bidirectional, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		r.ID, r.SourceType, r.SourceID, r.TargetType, r.TargetID, r.Label, r.Description,
		boolToInt(r.Bidirectional), r.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Relationships returns every relationship touching the entity, on either side.
func (s *SQLiteStore) Relationships(ctx context.Context, entityType, id string) ([]domain.Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_type, source_id, target_type, target_id, label, description, bidirectional, created_at
		FROM relationships
		WHERE (source_type = ? AND source_id = ?) OR (target_type = ? AND target_id = ?)
		ORDER BY created_at`,
		entityType, id, entityType, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Relationship
	for rows.Next() {
		var (
			r         domain.Relationship
			bidi      int
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.SourceType, &r.SourceID, &r.TargetType, &r.TargetID,
			&r.Label, &r.Description, &bidi, &createdAt); err != nil {
			return nil, err
		}
		r.Bidirectional = bidi != 0
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Collections returns the distinct collection ids that hold entities.
func (s *SQLiteStore) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT collection_id FROM entities ORDER BY collection_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) byID(ctx context.Context, id string) (*domain.Entity, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+entityColumns+" FROM entities WHERE id = ?", id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("SQLiteStore.Get", domain.ErrNotFound, id)
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (*domain.Entity, error) {
	var (
		e                    domain.Entity
		fieldsJSON           string
		createdAt, updatedAt string
	)
	if err := row.Scan(&e.ID, &e.CollectionID, &e.Type, &e.Name, &fieldsJSON, &e.ParentID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &e.Fields); err != nil {
		return nil, fmt.Errorf("unmarshal entity fields: %w", err)
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &e, nil
}

func collectEntities(rows *sql.Rows) ([]domain.Entity, error) {
	defer rows.Close()

	var out []domain.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	return n
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func validateLabel(label string) error {
	if strings.TrimSpace(label) == "" {
		return domain.NewDomainError("SQLiteStore.CreateRelationship", domain.ErrInvalidInput, "label is required")
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
