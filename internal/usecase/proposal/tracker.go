// Package proposal tracks model-initiated entity mutations awaiting human
// review. It never touches the data backend.
package proposal

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"lorekeeper/internal/domain"
)

// CreateOptions carries the optional parts of a create proposal.
type CreateOptions struct {
	Reasoning              string
	SuggestedRelationships []domain.SuggestedRelationship
	ParentID               string
}

// UpdateOptions carries the optional parts of an update proposal.
type UpdateOptions struct {
	Reasoning   string
	EntityName  string
	CurrentData map[string]any
}

// PatchOptions carries the optional parts of a patch proposal.
type PatchOptions struct {
	Reasoning   string
	EntityName  string
	CurrentData map[string]any
	PreviewData map[string]any
}

// Endpoint identifies one side of a relationship.
type Endpoint struct {
	Type string
	ID   string
	Name string
}

// RelationshipOptions carries the optional parts of a relationship proposal.
type RelationshipOptions struct {
	Description   string
	Bidirectional bool
	Reasoning     string
}

// Tracker is an append-only store of proposals for one session.
type Tracker struct {
	mu      sync.RWMutex
	order   []string
	byID    map[string]domain.Proposal
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		byID:    make(map[string]domain.Proposal),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		now:     time.Now,
	}
}

// AddCreate records a proposal to create a new entity.
func (t *Tracker) AddCreate(entityType string, data map[string]any, opts CreateOptions) *domain.CreateProposal {
	p := &domain.CreateProposal{
		EntityType:             entityType,
		Data:                   data,
		SuggestedRelationships: opts.SuggestedRelationships,
		ParentID:               opts.ParentID,
	}
	t.add(p, opts.Reasoning)
	return p
}

// AddUpdate records a proposal to replace fields of an existing entity.
func (t *Tracker) AddUpdate(entityType, id string, changes map[string]any, opts UpdateOptions) *domain.UpdateProposal {
	p := &domain.UpdateProposal{
		EntityType:  entityType,
		EntityID:    id,
		EntityName:  opts.EntityName,
		Changes:     changes,
		CurrentData: opts.CurrentData,
	}
	t.add(p, opts.Reasoning)
	return p
}

// AddPatch records a proposal to apply field patches to an existing entity.
func (t *Tracker) AddPatch(entityType, id string, patches []domain.FieldPatch, opts PatchOptions) *domain.PatchProposal {
	p := &domain.PatchProposal{
		EntityType:  entityType,
		EntityID:    id,
		EntityName:  opts.EntityName,
		Patches:     patches,
		CurrentData: opts.CurrentData,
		PreviewData: opts.PreviewData,
	}
	t.add(p, opts.Reasoning)
	return p
}

// AddRelationship records a proposal to link two existing entities.
func (t *Tracker) AddRelationship(source, target Endpoint, relationshipType string, opts RelationshipOptions) *domain.RelationshipProposal {
	p := &domain.RelationshipProposal{
		SourceType:       source.Type,
		SourceID:         source.ID,
		SourceName:       source.Name,
		TargetType:       target.Type,
		TargetID:         target.ID,
		TargetName:       target.Name,
		RelationshipType: relationshipType,
		Description:      opts.Description,
		Bidirectional:    opts.Bidirectional,
	}
	t.add(p, opts.Reasoning)
	return p
}

// add stamps p and stores a private copy of it.
func (t *Tracker) add(p domain.Proposal, reasoning string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	b := p.Base()
	b.ID = ulid.MustNew(ulid.Timestamp(now), t.entropy).String()
	b.Reasoning = reasoning
	b.CreatedAt = now
	b.Status = domain.StatusPending

	t.order = append(t.order, b.ID)
	t.byID[b.ID] = domain.CloneProposal(p)
}

// Accept marks a pending proposal accepted.
func (t *Tracker) Accept(id string) (domain.Proposal, error) {
	return t.resolve("Tracker.Accept", id, domain.StatusAccepted)
}

// Reject marks a pending proposal rejected.
func (t *Tracker) Reject(id string) (domain.Proposal, error) {
	return t.resolve("Tracker.Reject", id, domain.StatusRejected)
}

func (t *Tracker) resolve(op, id string, status domain.ProposalStatus) (domain.Proposal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.byID[id]
	if !ok {
		return nil, domain.NewDomainError(op, domain.ErrNotFound, id)
	}
	b := p.Base()
	if b.Status.Resolved() {
		return nil, domain.NewDomainError(op, domain.ErrProposalResolved, id+" is "+string(b.Status))
	}
	now := t.now()
	b.Status = status
	b.ResolvedAt = &now
	return domain.CloneProposal(p), nil
}

// Get returns a snapshot of the proposal with the given id.
func (t *Tracker) Get(id string) (domain.Proposal, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.byID[id]
	if !ok {
		return nil, domain.NewDomainError("Tracker.Get", domain.ErrNotFound, id)
	}
	return domain.CloneProposal(p), nil
}

// List returns snapshots of all proposals in creation order.
func (t *Tracker) List() []domain.Proposal {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]domain.Proposal, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, domain.CloneProposal(t.byID[id]))
	}
	return out
}

// Pending returns snapshots of proposals still awaiting review.
func (t *Tracker) Pending() []domain.Proposal {
	var out []domain.Proposal
	for _, p := range t.List() {
		if p.Base().Status == domain.StatusPending {
			out = append(out, p)
		}
	}
	return out
}

// Len returns the number of proposals ever recorded.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}
