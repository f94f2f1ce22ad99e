package domain

import (
	"encoding/json"
	"maps"
	"time"
)

// ProposalOp discriminates the proposal variants.
type ProposalOp string

const (
	OpCreate       ProposalOp = "create"
	OpUpdate       ProposalOp = "update"
	OpPatch        ProposalOp = "patch"
	OpRelationship ProposalOp = "relationship"
)

// ProposalStatus is the review state of a proposal. The only legal
// transitions are pending to accepted and pending to rejected.
type ProposalStatus string

const (
	StatusPending  ProposalStatus = "pending"
	StatusAccepted ProposalStatus = "accepted"
	StatusRejected ProposalStatus = "rejected"
)

// Resolved reports whether the status has left pending.
func (s ProposalStatus) Resolved() bool {
	return s == StatusAccepted || s == StatusRejected
}

// Proposal is a reviewable mutation the model wants to perform. The set of
// implementations is closed: *CreateProposal, *UpdateProposal,
// *PatchProposal and *RelationshipProposal.
type Proposal interface {
	Op() ProposalOp
	Base() *ProposalBase
	sealed()
}

// ProposalBase holds the fields common to every proposal.
type ProposalBase struct {
	ID         string         `json:"id"`
	Reasoning  string         `json:"reasoning,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	Status     ProposalStatus `json:"status"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

func (b *ProposalBase) Base() *ProposalBase { return b }
func (b *ProposalBase) sealed()             {}

// SuggestedRelationship links a proposed entity to an existing one once the
// entity is created.
type SuggestedRelationship struct {
	TargetType    string `json:"target_type"`
	TargetID      string `json:"target_id"`
	TargetName    string `json:"target_name,omitempty"`
	Label         string `json:"label"`
	Bidirectional bool   `json:"bidirectional,omitempty"`
}

// CreateProposal proposes a new entity.
type CreateProposal struct {
	ProposalBase
	EntityType             string                  `json:"entity_type"`
	Data                   map[string]any          `json:"data"`
	SuggestedRelationships []SuggestedRelationship `json:"suggested_relationships,omitempty"`
	ParentID               string                  `json:"parent_id,omitempty"`
}

func (*CreateProposal) Op() ProposalOp { return OpCreate }

// Name returns the proposed entity name.
func (p *CreateProposal) Name() string {
	name, _ := p.Data["name"].(string)
	return name
}

// UpdateProposal proposes replacing some fields of an existing entity.
type UpdateProposal struct {
	ProposalBase
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	EntityName  string         `json:"entity_name,omitempty"`
	Changes     map[string]any `json:"changes"`
	CurrentData map[string]any `json:"current_data,omitempty"`
}

func (*UpdateProposal) Op() ProposalOp { return OpUpdate }

// PatchKind selects how a FieldPatch edits its field.
type PatchKind string

const (
	PatchText PatchKind = "text"
	PatchJSON PatchKind = "json"
)

// JSONPatchOp is one structured edit on a JSON field.
type JSONPatchOp struct {
	Op    string          `json:"op"` // "set" or "delete"
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// FieldPatch edits one field. Text patches carry a unified diff of the
// change; JSON patches carry the operations applied.
type FieldPatch struct {
	Field string        `json:"field"`
	Kind  PatchKind     `json:"kind"`
	Diff  string        `json:"diff,omitempty"`
	Ops   []JSONPatchOp `json:"ops,omitempty"`
}

// PatchProposal proposes targeted edits to fields of an existing entity.
type PatchProposal struct {
	ProposalBase
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	EntityName  string         `json:"entity_name,omitempty"`
	Patches     []FieldPatch   `json:"patches"`
	CurrentData map[string]any `json:"current_data,omitempty"`
	PreviewData map[string]any `json:"preview_data,omitempty"`
}

func (*PatchProposal) Op() ProposalOp { return OpPatch }

// RelationshipProposal proposes a link between two existing entities.
type RelationshipProposal struct {
	ProposalBase
	SourceType       string `json:"source_type"`
	SourceID         string `json:"source_id"`
	SourceName       string `json:"source_name"`
	TargetType       string `json:"target_type"`
	TargetID         string `json:"target_id"`
	TargetName       string `json:"target_name"`
	RelationshipType string `json:"relationship_type"`
	Description      string `json:"description,omitempty"`
	Bidirectional    bool   `json:"bidirectional"`
}

func (*RelationshipProposal) Op() ProposalOp { return OpRelationship }

// CloneProposal returns a copy of p that shares no mutable state with it.
func CloneProposal(p Proposal) Proposal {
	switch v := p.(type) {
	case *CreateProposal:
		c := *v
		c.Data = maps.Clone(v.Data)
		c.SuggestedRelationships = append([]SuggestedRelationship(nil), v.SuggestedRelationships...)
		c.ResolvedAt = cloneTime(v.ResolvedAt)
		return &c
	case *UpdateProposal:
		c := *v
		c.Changes = maps.Clone(v.Changes)
		c.CurrentData = maps.Clone(v.CurrentData)
		c.ResolvedAt = cloneTime(v.ResolvedAt)
		return &c
	case *PatchProposal:
		c := *v
		c.Patches = append([]FieldPatch(nil), v.Patches...)
		c.CurrentData = maps.Clone(v.CurrentData)
		c.PreviewData = maps.Clone(v.PreviewData)
		c.ResolvedAt = cloneTime(v.ResolvedAt)
		return &c
	case *RelationshipProposal:
		c := *v
		c.ResolvedAt = cloneTime(v.ResolvedAt)
		return &c
	default:
		panic("domain: unknown proposal type")
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
