package tool

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"

	"lorekeeper/internal/domain"
)

const testCollection = "col-1"

// memBackend is an in-memory domain.EntityBackend.
type memBackend struct {
	mu       sync.Mutex
	entities []domain.Entity
	rels     []domain.Relationship
	nextID   int
	failWith error
}

var _ domain.EntityBackend = (*memBackend)(nil)

func newMemBackend(seed ...domain.Entity) *memBackend {
	b := &memBackend{}
	for _, e := range seed {
		if e.CollectionID == "" {
			e.CollectionID = testCollection
		}
		b.entities = append(b.entities, e)
	}
	return b
}

func (b *memBackend) Get(_ context.Context, entityType, id string) (*domain.Entity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWith != nil {
		return nil, b.failWith
	}
	for _, e := range b.entities {
		if e.Type == entityType && e.ID == id {
			e.Fields = maps.Clone(e.Fields)
			return &e, nil
		}
	}
	return nil, domain.NewDomainError("memBackend.Get", domain.ErrNotFound, entityType+" "+id)
}

func (b *memBackend) List(_ context.Context, q domain.ListQuery) ([]domain.Entity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Entity
	for _, e := range b.entities {
		if e.CollectionID == q.CollectionID && e.Type == q.Type {
			out = append(out, e)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (b *memBackend) Search(_ context.Context, q domain.SearchQuery) ([]domain.Entity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWith != nil {
		return nil, b.failWith
	}
	needle := strings.ToLower(q.Text)
	var out []domain.Entity
	for _, e := range b.entities {
		if e.CollectionID != q.CollectionID {
			continue
		}
		if len(q.Types) > 0 && !containsString(q.Types, e.Type) {
			continue
		}
		if strings.Contains(strings.ToLower(e.Name), needle) || fieldsContain(e.Fields, needle) {
			out = append(out, e)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (b *memBackend) Create(_ context.Context, ne domain.NewEntity) (*domain.Entity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	e := domain.Entity{
		ID:           fmt.Sprintf("new-%d", b.nextID),
		CollectionID: ne.CollectionID,
		Type:         ne.Type,
		Name:         ne.Name,
		Fields:       maps.Clone(ne.Fields),
		ParentID:     ne.ParentID,
	}
	b.entities = append(b.entities, e)
	return &e, nil
}

func (b *memBackend) Update(_ context.Context, entityType, id string, fields map[string]any) (*domain.Entity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.entities {
		e := &b.entities[i]
		if e.Type != entityType || e.ID != id {
			continue
		}
		if e.Fields == nil {
			e.Fields = map[string]any{}
		}
		for k, v := range fields {
			switch {
			case k == "name":
				e.Name, _ = v.(string)
			case v == nil:
				delete(e.Fields, k)
			default:
				e.Fields[k] = v
			}
		}
		out := *e
		out.Fields = maps.Clone(e.Fields)
		return &out, nil
	}
	return nil, domain.ErrNotFound
}

func (b *memBackend) CreateRelationship(_ context.Context, r domain.Relationship) (*domain.Relationship, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r.ID = fmt.Sprintf("rel-%d", len(b.rels)+1)
	b.rels = append(b.rels, r)
	return &r, nil
}

func (b *memBackend) Relationships(_ context.Context, entityType, id string) ([]domain.Relationship, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Relationship
	for _, r := range b.rels {
		if (r.SourceType == entityType && r.SourceID == id) || (r.TargetType == entityType && r.TargetID == id) {
			out = append(out, r)
		}
	}
	return out, nil
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func fieldsContain(fields map[string]any, needle string) bool {
	for _, v := range fields {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), needle) {
			return true
		}
	}
	return false
}

// worldFixture seeds a small world shared by the read and proposal tool tests.
func worldFixture() *memBackend {
	return newMemBackend(
		domain.Entity{ID: "c-mira", Type: "character", Name: "Mira Vale", Fields: map[string]any{
			"summary":     "A smuggler turned cartographer.",
			"description": "Mira grew up in the docks of Saltmere.\nShe maps the drowned coast.",
			"stats":       map[string]any{"cunning": float64(7), "strength": float64(3)},
		}},
		domain.Entity{ID: "l-saltmere", Type: "location", Name: "Saltmere", Fields: map[string]any{
			"summary": "A harbor city built on stilts.",
		}},
		domain.Entity{ID: "f-tide", Type: "faction", Name: "Tide Court"},
	)
}

func toolCtx() context.Context {
	return domain.ContextWithToolContext(context.Background(), domain.ToolContext{CollectionID: testCollection})
}

// recordingEventBus keeps every published event.
type recordingEventBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingEventBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}

func (b *recordingEventBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingEventBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingEventBus) Close()                                                 {}

func (b *recordingEventBus) Events() []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Event(nil), b.events...)
}
