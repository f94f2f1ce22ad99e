package domain

import (
	"context"
	"time"
)

// Entity is one record of the worldbuilding knowledge base.
type Entity struct {
	ID           string         `json:"id"`
	CollectionID string         `json:"collection_id"`
	Type         string         `json:"type"`
	Name         string         `json:"name"`
	Fields       map[string]any `json:"fields,omitempty"`
	ParentID     string         `json:"parent_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Snapshot returns the entity's editable values including its name.
func (e *Entity) Snapshot() map[string]any {
	out := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["name"] = e.Name
	return out
}

// NewEntity is the input for creating an entity.
type NewEntity struct {
	CollectionID string
	Type         string
	Name         string
	Fields       map[string]any
	ParentID     string
}

// Relationship links two entities with a label.
type Relationship struct {
	ID            string    `json:"id"`
	SourceType    string    `json:"source_type"`
	SourceID      string    `json:"source_id"`
	TargetType    string    `json:"target_type"`
	TargetID      string    `json:"target_id"`
	Label         string    `json:"label"`
	Description   string    `json:"description,omitempty"`
	Bidirectional bool      `json:"bidirectional"`
	CreatedAt     time.Time `json:"created_at"`
}

// ListQuery selects entities of one type in a collection.
type ListQuery struct {
	CollectionID string
	Type         string
	Limit        int
}

// SearchQuery is a free-text search within a collection.
type SearchQuery struct {
	CollectionID string
	Text         string
	Types        []string
	Limit        int
}

// EntityBackend is the data command boundary. Only tool handlers and the
// proposal reviewer call it.
type EntityBackend interface {
	Get(ctx context.Context, entityType, id string) (*Entity, error)
	List(ctx context.Context, q ListQuery) ([]Entity, error)
	Search(ctx context.Context, q SearchQuery) ([]Entity, error)
	Create(ctx context.Context, e NewEntity) (*Entity, error)
	Update(ctx context.Context, entityType, id string, fields map[string]any) (*Entity, error)
	CreateRelationship(ctx context.Context, r Relationship) (*Relationship, error)
	Relationships(ctx context.Context, entityType, id string) ([]Relationship, error)
}
