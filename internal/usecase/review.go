package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"lorekeeper/internal/domain"
)

// ReviewerDeps holds the dependencies of a Reviewer.
type ReviewerDeps struct {
	Backend domain.EntityBackend
	Bus     domain.EventBus // optional
	Logger  *slog.Logger
}

// AcceptResult describes the mutation performed for an accepted proposal.
type AcceptResult struct {
	Proposal      domain.Proposal       `json:"proposal"`
	Entity        *domain.Entity        `json:"entity,omitempty"`
	Relationships []domain.Relationship `json:"relationships,omitempty"`
	// Warnings lists suggested relationships that could not be created.
	// The entity itself was created, so the proposal is still accepted.
	Warnings []string `json:"warnings,omitempty"`
}

// Reviewer applies the user's verdict on proposals. Accepting performs the
// mutation on the backend first and only then marks the proposal accepted,
// so a backend failure leaves it pending.
type Reviewer struct {
	deps ReviewerDeps
	mu   sync.Mutex
}

// NewReviewer creates a Reviewer.
func NewReviewer(deps ReviewerDeps) *Reviewer {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Reviewer{deps: deps}
}

// Accept performs the proposal's mutation and marks it accepted.
func (r *Reviewer) Accept(ctx context.Context, s *Session, id string) (*AcceptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := s.Proposals.Get(id)
	if err != nil {
		return nil, err
	}
	if st := p.Base().Status; st.Resolved() {
		return nil, domain.NewDomainError("Reviewer.Accept", domain.ErrProposalResolved, id+" is "+string(st))
	}

	res, err := r.apply(ctx, s, p)
	if err != nil {
		r.deps.Logger.Warn("proposal accept failed", "session_id", s.ID, "proposal_id", id,
			"op", p.Op(), "error", err)
		publishEvent(r.deps.Bus, ctx, domain.EventProposalAcceptFailed, s.ID,
			domain.ProposalPayload{ProposalID: id, Op: p.Op(), Error: err.Error()})
		return nil, err
	}

	accepted, err := s.Proposals.Accept(id)
	if err != nil {
		return nil, err
	}
	res.Proposal = accepted

	r.deps.Logger.Info("proposal accepted", "session_id", s.ID, "proposal_id", id, "op", p.Op())
	publishEvent(r.deps.Bus, ctx, domain.EventProposalAccepted, s.ID,
		domain.ProposalPayload{ProposalID: id, Op: p.Op()})
	return res, nil
}

// Reject marks a proposal rejected. The backend is not touched.
func (r *Reviewer) Reject(ctx context.Context, s *Session, id string) (domain.Proposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := s.Proposals.Reject(id)
	if err != nil {
		return nil, err
	}
	r.deps.Logger.Info("proposal rejected", "session_id", s.ID, "proposal_id", id, "op", p.Op())
	publishEvent(r.deps.Bus, ctx, domain.EventProposalRejected, s.ID,
		domain.ProposalPayload{ProposalID: id, Op: p.Op()})
	return p, nil
}

func (r *Reviewer) apply(ctx context.Context, s *Session, p domain.Proposal) (*AcceptResult, error) {
	switch v := p.(type) {
	case *domain.CreateProposal:
		return r.applyCreate(ctx, s, v)
	case *domain.UpdateProposal:
		e, err := r.deps.Backend.Update(ctx, v.EntityType, v.EntityID, v.Changes)
		if err != nil {
			return nil, domain.WrapOp("Reviewer.Accept", err)
		}
		return &AcceptResult{Entity: e}, nil
	case *domain.PatchProposal:
		return r.applyPatch(ctx, v)
	case *domain.RelationshipProposal:
		rel, err := r.deps.Backend.CreateRelationship(ctx, domain.Relationship{
			SourceType:    v.SourceType,
			SourceID:      v.SourceID,
			TargetType:    v.TargetType,
			TargetID:      v.TargetID,
			Label:         v.RelationshipType,
			Description:   v.Description,
			Bidirectional: v.Bidirectional,
		})
		if err != nil {
			return nil, domain.WrapOp("Reviewer.Accept", err)
		}
		return &AcceptResult{Relationships: []domain.Relationship{*rel}}, nil
	default:
		return nil, fmt.Errorf("unknown proposal type %T", p)
	}
}

func (r *Reviewer) applyCreate(ctx context.Context, s *Session, p *domain.CreateProposal) (*AcceptResult, error) {
	fields := make(map[string]any, len(p.Data))
	for k, v := range p.Data {
		if k != "name" {
			fields[k] = v
		}
	}
	e, err := r.deps.Backend.Create(ctx, domain.NewEntity{
		CollectionID: s.CollectionID,
		Type:         p.EntityType,
		Name:         p.Name(),
		Fields:       fields,
		ParentID:     p.ParentID,
	})
	if err != nil {
		return nil, domain.WrapOp("Reviewer.Accept", err)
	}

	res := &AcceptResult{Entity: e}
	for _, sr := range p.SuggestedRelationships {
		rel, err := r.deps.Backend.CreateRelationship(ctx, domain.Relationship{
			SourceType:    e.Type,
			SourceID:      e.ID,
			TargetType:    sr.TargetType,
			TargetID:      sr.TargetID,
			Label:         sr.Label,
			Bidirectional: sr.Bidirectional,
		})
		if err != nil {
			r.deps.Logger.Warn("suggested relationship not created", "entity_id", e.ID,
				"target_id", sr.TargetID, "label", sr.Label, "error", err)
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("relationship %q to %s %s: %v", sr.Label, sr.TargetType, sr.TargetID, err))
			continue
		}
		res.Relationships = append(res.Relationships, *rel)
	}
	return res, nil
}

// applyPatch writes the previewed values, refusing when the patched fields
// changed after the proposal was made.
func (r *Reviewer) applyPatch(ctx context.Context, p *domain.PatchProposal) (*AcceptResult, error) {
	current, err := r.deps.Backend.Get(ctx, p.EntityType, p.EntityID)
	if err != nil {
		return nil, domain.WrapOp("Reviewer.Accept", err)
	}
	snap := current.Snapshot()
	for field, was := range p.CurrentData {
		if !reflect.DeepEqual(snap[field], was) {
			return nil, domain.NewDomainError("Reviewer.Accept", domain.ErrInvalidInput,
				fmt.Sprintf("field %q of %s changed since the patch was proposed", field, p.EntityID))
		}
	}

	e, err := r.deps.Backend.Update(ctx, p.EntityType, p.EntityID, p.PreviewData)
	if err != nil {
		return nil, domain.WrapOp("Reviewer.Accept", err)
	}
	return &AcceptResult{Entity: e}, nil
}
