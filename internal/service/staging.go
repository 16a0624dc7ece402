package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/storyloom/canon/internal/domain"
	"github.com/storyloom/canon/internal/store"
	"go.uber.org/zap"
)

var (
	ErrInvalidKind      = errors.New("invalid proposal kind")
	ErrInvalidAuthority = errors.New("invalid authority")
	ErrConfidenceRange  = errors.New("confidence must be within [0, 1]")
	ErrPayloadShape     = errors.New("payload does not match proposal kind")
	ErrInvalidEvidence  = errors.New("invalid evidence reference")
	ErrScopeNotFound    = errors.New("scope not found")
	ErrProposalNotFound = errors.New("proposal not found")
)

// StagingService owns the proposal store: validation and staging of
// unreviewed narrative deltas. It never touches the canonical store.
type StagingService struct {
	proposals domain.ProposalStore
	scopes    domain.ScopeStore
	logger    *zap.Logger
}

func NewStagingService(ps domain.ProposalStore, ss domain.ScopeStore, logger *zap.Logger) *StagingService {
	return &StagingService{proposals: ps, scopes: ss, logger: logger}
}

// Stage validates and stores a pending proposal. The owning scope must be
// active; proposals cannot be staged into a scope that is finalizing or
// completed.
func (s *StagingService) Stage(ctx context.Context, p *domain.Proposal) error {
	if err := ValidateProposal(p); err != nil {
		return err
	}

	scope, err := s.scopes.GetByID(ctx, p.ScopeID, p.ChronicleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrScopeNotFound
		}
		return err
	}
	if scope.Status != domain.ScopeActive {
		return domain.ErrScopeNotActive
	}

	p.Status = domain.ProposalPending
	if err := s.proposals.Create(ctx, p); err != nil {
		return fmt.Errorf("stage proposal: %w", err)
	}

	s.logger.Debug("proposal staged",
		zap.String("proposal_id", p.ID.String()),
		zap.String("scope_id", p.ScopeID.String()),
		zap.String("kind", string(p.Kind)),
		zap.String("authority", string(p.Authority)),
	)
	return nil
}

func (s *StagingService) GetByID(ctx context.Context, id uuid.UUID, chronicleID uuid.UUID) (*domain.Proposal, error) {
	p, err := s.proposals.GetByID(ctx, id, chronicleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrProposalNotFound
		}
		return nil, err
	}
	return p, nil
}

// ListByScope returns a scope's proposals in creation order. Resolved
// proposals stay queryable indefinitely along with their rationale.
func (s *StagingService) ListByScope(ctx context.Context, chronicleID, scopeID uuid.UUID, status *domain.ProposalStatus) ([]domain.Proposal, error) {
	if _, err := s.scopes.GetByID(ctx, scopeID, chronicleID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrScopeNotFound
		}
		return nil, err
	}
	return s.proposals.ListByScope(ctx, scopeID, status)
}

// ValidateProposal rejects malformed proposals before they reach the
// store.
func ValidateProposal(p *domain.Proposal) error {
	if !domain.ValidProposalKind(string(p.Kind)) {
		return ErrInvalidKind
	}
	if !domain.ValidAuthority(string(p.Authority)) {
		return ErrInvalidAuthority
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return ErrConfidenceRange
	}
	if len(p.Evidence) == 0 {
		return fmt.Errorf("%w: at least one evidence reference is required", ErrInvalidEvidence)
	}
	for _, ev := range p.Evidence {
		if !domain.ValidEvidenceRefKind(string(ev.Kind)) || ev.Ref == "" {
			return ErrInvalidEvidence
		}
	}
	return validatePayload(p.Kind, p.Payload)
}

func validatePayload(kind domain.ProposalKind, payload domain.Payload) error {
	switch kind {
	case domain.ProposalKindFact, domain.ProposalKindEvent:
		if payload.Statement == "" {
			return fmt.Errorf("%w: %s requires a statement", ErrPayloadShape, kind)
		}
	case domain.ProposalKindEntity:
		if payload.Entity == "" {
			return fmt.Errorf("%w: entity requires an entity id", ErrPayloadShape)
		}
	case domain.ProposalKindRelationship:
		if payload.Entity == "" || payload.Relation == "" || payload.Object == "" {
			return fmt.Errorf("%w: relationship requires entity, relation and object", ErrPayloadShape)
		}
	case domain.ProposalKindStateChange:
		if payload.Entity == "" || len(payload.Tags) == 0 {
			return fmt.Errorf("%w: state_change requires an entity and at least one state tag", ErrPayloadShape)
		}
	}
	return nil
}
