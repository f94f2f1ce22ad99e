package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"lorekeeper/internal/domain"
	"lorekeeper/internal/infra/tracer"
	"lorekeeper/internal/usecase/proposal"
)

const maxReasoningLen = 2000

// ProposalToolDeps holds the collaborators shared by the proposal tools.
type ProposalToolDeps struct {
	Backend   domain.EntityBackend
	Proposals *proposal.Tracker
	Config    EntityToolsConfig
	Bus       domain.EventBus // optional
	Logger    *slog.Logger
}

func (d ProposalToolDeps) validateReasoning(reasoning string) error {
	return ValidateAll(
		RequireField("reasoning", reasoning),
		ValidateMaxLength("reasoning", reasoning, maxReasoningLen),
	)
}

// lookup fetches an entity, turning a missing one into a model-facing error.
func (d ProposalToolDeps) lookup(ctx context.Context, entityType, id string) (*domain.Entity, *domain.ToolResult, error) {
	e, err := d.Backend.Get(ctx, entityType, id)
	if errors.Is(err, domain.ErrNotFound) {
		res, _ := ErrResult("%s %s does not exist; search for it first", entityType, id)
		return nil, res, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return e, nil, nil
}

func (d ProposalToolDeps) created(ctx context.Context, span trace.Span, p domain.Proposal) *domain.ToolResult {
	span.SetAttributes(tracer.StringAttr("proposal.id", p.Base().ID), tracer.StringAttr("proposal.op", string(p.Op())))
	d.Logger.Debug("proposal created", "id", p.Base().ID, "op", p.Op())
	d.publishCreated(ctx, p)
	return proposalResult(p)
}

// publishCreated announces p on the bus, tagged with the session and
// collection the tool ran in.
func (d ProposalToolDeps) publishCreated(ctx context.Context, p domain.Proposal) {
	if d.Bus == nil {
		return
	}
	payload, err := json.Marshal(domain.ProposalPayload{
		ProposalID:   p.Base().ID,
		Op:           p.Op(),
		CollectionID: domain.ToolContextFrom(ctx).CollectionID,
	})
	if err != nil {
		return
	}
	d.Bus.Publish(ctx, domain.Event{
		Type:      domain.EventProposalCreated,
		Timestamp: p.Base().CreatedAt,
		SessionID: domain.SessionIDFromContext(ctx),
		Payload:   payload,
	})
}

// --- propose_create ---

// ProposeCreateTool proposes a new entity for user review.
type ProposeCreateTool struct{ deps ProposalToolDeps }

// NewProposeCreateTool creates the propose_create tool.
func NewProposeCreateTool(deps ProposalToolDeps) *ProposeCreateTool {
	return &ProposeCreateTool{deps: deps}
}

func (t *ProposeCreateTool) Name() string          { return "propose_create" }
func (t *ProposeCreateTool) Kind() domain.ToolKind { return domain.ToolKindWrite }
func (t *ProposeCreateTool) Description() string {
	return "Propose creating a new entity. Nothing is written until the user accepts the proposal. " +
		"Search first to avoid duplicates."
}

func (t *ProposeCreateTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(fmt.Sprintf(`{
			"type": "object",
			"properties": {
				"entity_type": {"type": "string", "enum": %s},
				"name": {"type": "string", "minLength": 1},
				"fields": {"type": "object", "description": "Additional fields such as summary or description"},
				"parent_type": {"type": "string"},
				"parent_id": {"type": "string"},
				"relationships": {
					"type": "array",
					"items": {
						"type": "object",
						"properties": {
							"target_type": {"type": "string"},
							"target_id": {"type": "string"},
							"label": {"type": "string"},
							"bidirectional": {"type": "boolean"}
						},
						"required": ["target_type", "target_id", "label"]
					}
				},
				"reasoning": {"type": "string", "description": "Why this entity should exist, citing sources"}
			},
			"required": ["entity_type", "name", "reasoning"]
		}`, t.deps.Config.typeEnum())),
	}
}

type createParams struct {
	EntityType    string         `json:"entity_type"`
	Name          string         `json:"name"`
	Fields        map[string]any `json:"fields,omitempty"`
	ParentType    string         `json:"parent_type,omitempty"`
	ParentID      string         `json:"parent_id,omitempty"`
	Relationships []struct {
		TargetType    string `json:"target_type"`
		TargetID      string `json:"target_id"`
		Label         string `json:"label"`
		Bidirectional bool   `json:"bidirectional,omitempty"`
	} `json:"relationships,omitempty"`
	Reasoning string `json:"reasoning"`
}

func (t *ProposeCreateTool) Execute(ctx context.Context, input json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.propose_create", t.deps.Logger, input, t.handle)
}

func (t *ProposeCreateTool) handle(ctx context.Context, span trace.Span, p createParams) (any, error) {
	p.Name = strings.TrimSpace(p.Name)
	if err := ValidateAll(
		t.deps.Config.validateType("entity_type", p.EntityType),
		RequireField("name", p.Name),
		t.deps.validateReasoning(p.Reasoning),
	); err != nil {
		return ErrResult("%v", err)
	}

	collection, err := collectionFrom(ctx)
	if err != nil {
		return nil, err
	}

	existing, err := t.deps.Backend.Search(ctx, domain.SearchQuery{
		CollectionID: collection, Text: p.Name, Types: []string{p.EntityType}, Limit: 5,
	})
	if err != nil {
		return nil, fmt.Errorf("check duplicates: %w", err)
	}
	for i := range existing {
		if strings.EqualFold(existing[i].Name, p.Name) {
			return ErrResult("%s already exists; propose an update or patch instead", citeEntity(&existing[i]))
		}
	}

	if p.ParentID != "" {
		if p.ParentType == "" {
			return ErrResult("'parent_type' is required with 'parent_id'")
		}
		if _, res, err := t.deps.lookup(ctx, p.ParentType, p.ParentID); res != nil || err != nil {
			return res, err
		}
	}

	suggested := make([]domain.SuggestedRelationship, 0, len(p.Relationships))
	for _, r := range p.Relationships {
		if err := ValidateLabel("label", r.Label); err != nil {
			return ErrResult("%v", err)
		}
		target, res, err := t.deps.lookup(ctx, r.TargetType, r.TargetID)
		if res != nil || err != nil {
			return res, err
		}
		suggested = append(suggested, domain.SuggestedRelationship{
			TargetType: target.Type, TargetID: target.ID, TargetName: target.Name,
			Label: r.Label, Bidirectional: r.Bidirectional,
		})
	}

	data := make(map[string]any, len(p.Fields)+1)
	for k, v := range p.Fields {
		data[k] = v
	}
	data["name"] = p.Name

	prop := t.deps.Proposals.AddCreate(p.EntityType, data, proposal.CreateOptions{
		Reasoning:              p.Reasoning,
		SuggestedRelationships: suggested,
		ParentID:               p.ParentID,
	})
	return t.deps.created(ctx, span, prop), nil
}

// --- propose_update ---

// ProposeUpdateTool proposes replacing fields of an existing entity.
type ProposeUpdateTool struct{ deps ProposalToolDeps }

// NewProposeUpdateTool creates the propose_update tool.
func NewProposeUpdateTool(deps ProposalToolDeps) *ProposeUpdateTool {
	return &ProposeUpdateTool{deps: deps}
}

func (t *ProposeUpdateTool) Name() string          { return "propose_update" }
func (t *ProposeUpdateTool) Kind() domain.ToolKind { return domain.ToolKindWrite }
func (t *ProposeUpdateTool) Description() string {
	return "Propose replacing whole field values of an existing entity. Use null to clear a field. " +
		"For small edits to long text, prefer propose_patch."
}

func (t *ProposeUpdateTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(fmt.Sprintf(`{
			"type": "object",
			"properties": {
				"entity_type": {"type": "string", "enum": %s},
				"entity_id": {"type": "string", "minLength": 1},
				"changes": {"type": "object", "minProperties": 1},
				"reasoning": {"type": "string"}
			},
			"required": ["entity_type", "entity_id", "changes", "reasoning"]
		}`, t.deps.Config.typeEnum())),
	}
}

type updateParams struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Changes    map[string]any `json:"changes"`
	Reasoning  string         `json:"reasoning"`
}

func (t *ProposeUpdateTool) Execute(ctx context.Context, input json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.propose_update", t.deps.Logger, input, t.handle)
}

func (t *ProposeUpdateTool) handle(ctx context.Context, span trace.Span, p updateParams) (any, error) {
	if err := ValidateAll(
		t.deps.Config.validateType("entity_type", p.EntityType),
		RequireField("entity_id", p.EntityID),
		t.deps.validateReasoning(p.Reasoning),
	); err != nil {
		return ErrResult("%v", err)
	}
	if len(p.Changes) == 0 {
		return ErrResult("'changes' must contain at least one field")
	}
	if name, ok := p.Changes["name"]; ok {
		if s, _ := name.(string); strings.TrimSpace(s) == "" {
			return ErrResult("'name' cannot be cleared")
		}
	}

	e, res, err := t.deps.lookup(ctx, p.EntityType, p.EntityID)
	if res != nil || err != nil {
		return res, err
	}

	snapshot := e.Snapshot()
	current := make(map[string]any, len(p.Changes))
	changed := false
	for k, v := range p.Changes {
		current[k] = snapshot[k]
		if !reflect.DeepEqual(snapshot[k], v) {
			changed = true
		}
	}
	if !changed {
		return ErrResult("%s already has these values; nothing to propose", citeEntity(e))
	}

	prop := t.deps.Proposals.AddUpdate(e.Type, e.ID, p.Changes, proposal.UpdateOptions{
		Reasoning:   p.Reasoning,
		EntityName:  e.Name,
		CurrentData: current,
	})
	return t.deps.created(ctx, span, prop), nil
}

// --- propose_relationship ---

// ProposeRelationshipTool proposes a link between two existing entities.
type ProposeRelationshipTool struct{ deps ProposalToolDeps }

// NewProposeRelationshipTool creates the propose_relationship tool.
func NewProposeRelationshipTool(deps ProposalToolDeps) *ProposeRelationshipTool {
	return &ProposeRelationshipTool{deps: deps}
}

func (t *ProposeRelationshipTool) Name() string          { return "propose_relationship" }
func (t *ProposeRelationshipTool) Kind() domain.ToolKind { return domain.ToolKindWrite }
func (t *ProposeRelationshipTool) Description() string {
	return "Propose a labeled relationship (e.g. member_of, located_in, rival_of) between two existing entities."
}

func (t *ProposeRelationshipTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"source_type": {"type": "string"},
				"source_id": {"type": "string", "minLength": 1},
				"target_type": {"type": "string"},
				"target_id": {"type": "string", "minLength": 1},
				"relationship_type": {"type": "string", "description": "snake_case label"},
				"description": {"type": "string"},
				"bidirectional": {"type": "boolean"},
				"reasoning": {"type": "string"}
			},
			"required": ["source_type", "source_id", "target_type", "target_id", "relationship_type", "reasoning"]
		}`),
	}
}

type relationshipParams struct {
	SourceType       string `json:"source_type"`
	SourceID         string `json:"source_id"`
	TargetType       string `json:"target_type"`
	TargetID         string `json:"target_id"`
	RelationshipType string `json:"relationship_type"`
	Description      string `json:"description,omitempty"`
	Bidirectional    bool   `json:"bidirectional,omitempty"`
	Reasoning        string `json:"reasoning"`
}

func (t *ProposeRelationshipTool) Execute(ctx context.Context, input json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.propose_relationship", t.deps.Logger, input, t.handle)
}

func (t *ProposeRelationshipTool) handle(ctx context.Context, span trace.Span, p relationshipParams) (any, error) {
	if err := ValidateAll(
		t.deps.Config.validateType("source_type", p.SourceType),
		t.deps.Config.validateType("target_type", p.TargetType),
		ValidateLabel("relationship_type", p.RelationshipType),
		t.deps.validateReasoning(p.Reasoning),
	); err != nil {
		return ErrResult("%v", err)
	}
	if p.SourceType == p.TargetType && p.SourceID == p.TargetID {
		return ErrResult("an entity cannot be related to itself")
	}

	src, res, err := t.deps.lookup(ctx, p.SourceType, p.SourceID)
	if res != nil || err != nil {
		return res, err
	}
	dst, res, err := t.deps.lookup(ctx, p.TargetType, p.TargetID)
	if res != nil || err != nil {
		return res, err
	}

	prop := t.deps.Proposals.AddRelationship(
		proposal.Endpoint{Type: src.Type, ID: src.ID, Name: src.Name},
		proposal.Endpoint{Type: dst.Type, ID: dst.ID, Name: dst.Name},
		p.RelationshipType,
		proposal.RelationshipOptions{Description: p.Description, Bidirectional: p.Bidirectional, Reasoning: p.Reasoning},
	)
	return t.deps.created(ctx, span, prop), nil
}
