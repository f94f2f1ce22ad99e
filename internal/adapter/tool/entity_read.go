package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"lorekeeper/internal/domain"
	"lorekeeper/internal/infra/tracer"
)

// DefaultEntityTypes are the entity types known to the tools when none are configured.
var DefaultEntityTypes = []string{"character", "location", "faction", "item", "event", "lore", "note"}

const maxSearchLimit = 50

// EntityToolsConfig configures the entity read and proposal tools.
type EntityToolsConfig struct {
	EntityTypes []string
	SearchLimit int
}

func (c EntityToolsConfig) types() []string {
	if len(c.EntityTypes) == 0 {
		return DefaultEntityTypes
	}
	return c.EntityTypes
}

func (c EntityToolsConfig) limit(requested int) int {
	if requested <= 0 {
		if c.SearchLimit > 0 {
			return c.SearchLimit
		}
		return 10
	}
	return min(requested, maxSearchLimit)
}

func (c EntityToolsConfig) validateType(name, value string) error {
	return ValidateAll(RequireField(name, value), ValidateEnum(name, value, c.types()...))
}

// typeEnum renders the configured entity types as a JSON array for schemas.
func (c EntityToolsConfig) typeEnum() string {
	data, _ := json.Marshal(c.types())
	return string(data)
}

// collectionFrom returns the active collection carried by ctx.
func collectionFrom(ctx context.Context) (string, error) {
	tc := domain.ToolContextFrom(ctx)
	if tc.CollectionID == "" {
		return "", errors.New("no active collection; ask the user which collection to work in")
	}
	return tc.CollectionID, nil
}

// EntitySummary is the structured form of a search or list hit.
type EntitySummary struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Name     string `json:"name"`
	Citation string `json:"citation"`
}

func summarize(entities []domain.Entity) []EntitySummary {
	out := make([]EntitySummary, 0, len(entities))
	for i := range entities {
		e := &entities[i]
		out = append(out, EntitySummary{ID: e.ID, Type: e.Type, Name: e.Name, Citation: citeEntity(e)})
	}
	return out
}

func renderEntityList(header string, entities []domain.Entity) string {
	var sb strings.Builder
	sb.WriteString(header + "\n")
	for i := range entities {
		e := &entities[i]
		fmt.Fprintf(&sb, "- %s (%s)", citeEntity(e), e.Type)
		if d, ok := e.Fields["summary"].(string); ok && d != "" {
			fmt.Fprintf(&sb, ": %s", truncate(d, 100))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// --- search_entities ---

// SearchEntitiesTool runs a free-text search in the active collection.
type SearchEntitiesTool struct {
	backend domain.EntityBackend
	cfg     EntityToolsConfig
	logger  *slog.Logger
}

// NewSearchEntitiesTool creates the search_entities tool.
func NewSearchEntitiesTool(backend domain.EntityBackend, cfg EntityToolsConfig, logger *slog.Logger) *SearchEntitiesTool {
	return &SearchEntitiesTool{backend: backend, cfg: cfg, logger: logger}
}

func (t *SearchEntitiesTool) Name() string          { return "search_entities" }
func (t *SearchEntitiesTool) Kind() domain.ToolKind { return domain.ToolKindRead }
func (t *SearchEntitiesTool) Description() string {
	return "Search entities in the active collection by free text (name and field contents). " +
		"Results are citations of the form [[type:id:name]]; reuse them verbatim when referring to entities."
}

func (t *SearchEntitiesTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(fmt.Sprintf(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "minLength": 1, "description": "Text to search for"},
				"types": {"type": "array", "items": {"type": "string", "enum": %s}, "description": "Restrict to these entity types"},
				"limit": {"type": "integer", "minimum": 1, "maximum": %d, "description": "Maximum results"}
			},
			"required": ["query"],
			"additionalProperties": false
		}`, t.cfg.typeEnum(), maxSearchLimit)),
	}
}

type searchParams struct {
	Query string   `json:"query"`
	Types []string `json:"types,omitempty"`
	Limit int      `json:"limit,omitempty"`
}

func (t *SearchEntitiesTool) Execute(ctx context.Context, input json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.search_entities", t.logger, input,
		func(ctx context.Context, span trace.Span, p searchParams) (any, error) {
			collection, err := collectionFrom(ctx)
			if err != nil {
				return nil, err
			}
			span.SetAttributes(tracer.StringAttr("tool.query", p.Query))

			hits, err := t.backend.Search(ctx, domain.SearchQuery{
				CollectionID: collection,
				Text:         p.Query,
				Types:        p.Types,
				Limit:        t.cfg.limit(p.Limit),
			})
			if err != nil {
				return nil, fmt.Errorf("search %q: %w", p.Query, err)
			}
			if len(hits) == 0 {
				return DataResult(fmt.Sprintf("No entities match %q.", p.Query), []EntitySummary{}), nil
			}
			return DataResult(renderEntityList(fmt.Sprintf("Found %d entities matching %q:", len(hits), p.Query), hits), summarize(hits)), nil
		})
}

// --- list_entities ---

// ListEntitiesTool lists entities of one type in the active collection.
type ListEntitiesTool struct {
	backend domain.EntityBackend
	cfg     EntityToolsConfig
	logger  *slog.Logger
}

// NewListEntitiesTool creates the list_entities tool.
func NewListEntitiesTool(backend domain.EntityBackend, cfg EntityToolsConfig, logger *slog.Logger) *ListEntitiesTool {
	return &ListEntitiesTool{backend: backend, cfg: cfg, logger: logger}
}

func (t *ListEntitiesTool) Name() string          { return "list_entities" }
func (t *ListEntitiesTool) Kind() domain.ToolKind { return domain.ToolKindRead }
func (t *ListEntitiesTool) Description() string {
	return "List entities of one type in the active collection, sorted by name."
}

func (t *ListEntitiesTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(fmt.Sprintf(`{
			"type": "object",
			"properties": {
				"entity_type": {"type": "string", "enum": %s},
				"limit": {"type": "integer", "minimum": 1, "maximum": %d}
			},
			"required": ["entity_type"],
			"additionalProperties": false
		}`, t.cfg.typeEnum(), maxSearchLimit)),
	}
}

type listParams struct {
	EntityType string `json:"entity_type"`
	Limit      int    `json:"limit,omitempty"`
}

func (t *ListEntitiesTool) Execute(ctx context.Context, input json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.list_entities", t.logger, input,
		func(ctx context.Context, _ trace.Span, p listParams) (any, error) {
			if err := t.cfg.validateType("entity_type", p.EntityType); err != nil {
				return ErrResult("%v", err)
			}
			collection, err := collectionFrom(ctx)
			if err != nil {
				return nil, err
			}
			list, err := t.backend.List(ctx, domain.ListQuery{CollectionID: collection, Type: p.EntityType, Limit: t.cfg.limit(p.Limit)})
			if err != nil {
				return nil, fmt.Errorf("list %s: %w", p.EntityType, err)
			}
			if len(list) == 0 {
				return DataResult(fmt.Sprintf("The collection has no %s entities.", p.EntityType), []EntitySummary{}), nil
			}
			return DataResult(renderEntityList(fmt.Sprintf("%d %s entities:", len(list), p.EntityType), list), summarize(list)), nil
		})
}

// --- get_entity ---

// GetEntityTool reads one entity with its fields and relationships. Without
// arguments it reads the entity on the user's current page.
type GetEntityTool struct {
	backend domain.EntityBackend
	cfg     EntityToolsConfig
	logger  *slog.Logger
}

// NewGetEntityTool creates the get_entity tool.
func NewGetEntityTool(backend domain.EntityBackend, cfg EntityToolsConfig, logger *slog.Logger) *GetEntityTool {
	return &GetEntityTool{backend: backend, cfg: cfg, logger: logger}
}

func (t *GetEntityTool) Name() string          { return "get_entity" }
func (t *GetEntityTool) Kind() domain.ToolKind { return domain.ToolKindRead }
func (t *GetEntityTool) Description() string {
	return "Read one entity's fields and relationships. Omit both arguments to read the entity the user is currently viewing."
}

func (t *GetEntityTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(fmt.Sprintf(`{
			"type": "object",
			"properties": {
				"entity_type": {"type": "string", "enum": %s},
				"entity_id": {"type": "string"}
			},
			"additionalProperties": false
		}`, t.cfg.typeEnum())),
	}
}

type getParams struct {
	EntityType string `json:"entity_type,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
}

// EntityDetail is the structured payload of get_entity.
type EntityDetail struct {
	Entity        *domain.Entity        `json:"entity"`
	Relationships []domain.Relationship `json:"relationships"`
}

func (t *GetEntityTool) Execute(ctx context.Context, input json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.get_entity", t.logger, input,
		func(ctx context.Context, _ trace.Span, p getParams) (any, error) {
			if p.EntityType == "" && p.EntityID == "" {
				if page := domain.ToolContextFrom(ctx).Page; page != nil {
					p.EntityType, p.EntityID = page.EntityType, page.EntityID
				}
			}
			if err := RequireFields("entity_type", p.EntityType, "entity_id", p.EntityID); err != nil {
				return ErrResult("%v (no current page to default to)", err)
			}

			e, err := t.backend.Get(ctx, p.EntityType, p.EntityID)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					return ErrResult("%s %s does not exist; search for it first", p.EntityType, p.EntityID)
				}
				return nil, err
			}
			rels, err := t.backend.Relationships(ctx, e.Type, e.ID)
			if err != nil {
				return nil, fmt.Errorf("relationships of %s: %w", e.ID, err)
			}

			return DataResult(t.render(ctx, e, rels), EntityDetail{Entity: e, Relationships: rels}), nil
		})
}

func (t *GetEntityTool) render(ctx context.Context, e *domain.Entity, rels []domain.Relationship) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## %s\n", citeEntity(e))
	fmt.Fprintf(&sb, "- type: %s\n", e.Type)
	if e.ParentID != "" {
		fmt.Fprintf(&sb, "- parent: `%s`\n", e.ParentID)
	}
	writeFields(&sb, e.Fields)

	if len(rels) > 0 {
		sb.WriteString("\n### Relationships\n")
		for _, r := range rels {
			otherType, otherID, dir := r.TargetType, r.TargetID, "→"
			if r.TargetID == e.ID && r.TargetType == e.Type {
				otherType, otherID, dir = r.SourceType, r.SourceID, "←"
			}
			if r.Bidirectional {
				dir = "↔"
			}
			name := otherID
			if other, err := t.backend.Get(ctx, otherType, otherID); err == nil {
				name = other.Name
			}
			fmt.Fprintf(&sb, "- %s %s %s\n", dir, r.Label, domain.FormatCitation(otherType, otherID, name))
		}
	}
	return sb.String()
}
