package service

import (
	"github.com/google/uuid"
	"github.com/storyloom/canon/internal/domain"
)

const (
	// DefaultConfidenceThreshold is the minimum effective confidence for
	// acceptance when no threshold is configured.
	DefaultConfidenceThreshold = 0.5
)

// Evaluator turns a proposal plus its detected conflicts into an
// accept/reject decision. Evaluate is pure and total: identical inputs
// always yield the identical decision, which is what makes a checkpoint
// batch replayable after a crash.
type Evaluator struct {
	threshold float32
	weights   map[domain.Authority]float32
}

func NewEvaluator(threshold float32) *Evaluator {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultConfidenceThreshold
	}
	return &Evaluator{
		threshold: threshold,
		weights: map[domain.Authority]float32{
			domain.AuthoritySource:      domain.AuthoritySource.Weight(),
			domain.AuthorityArbiter:     domain.AuthorityArbiter.Weight(),
			domain.AuthorityParticipant: domain.AuthorityParticipant.Weight(),
			domain.AuthorityInferred:    domain.AuthorityInferred.Weight(),
		},
	}
}

// SetWeight overrides an authority weight. Intended for configuration at
// startup, not for runtime mutation.
func (e *Evaluator) SetWeight(a domain.Authority, w float32) {
	e.weights[a] = w
}

func (e *Evaluator) Threshold() float32 {
	return e.threshold
}

// Evaluate decides one proposal.
//
// Conflicts from a non-arbiter authority reject outright; an arbiter
// resolves them by override, scheduling each conflicting item for retcon.
// Surviving proposals are then gated on effective confidence.
func (e *Evaluator) Evaluate(p *domain.Proposal, conflicts []domain.Conflict) domain.Decision {
	weight, ok := e.weights[p.Authority]
	if !ok {
		weight = domain.AuthorityInferred.Weight()
	}
	effective := p.Confidence * weight

	var retcons []uuid.UUID
	if len(conflicts) > 0 {
		if p.Authority != domain.AuthorityArbiter {
			return domain.Decision{
				Outcome:             domain.DecisionReject,
				Rationale:           domain.RationaleContradictsCanon,
				EffectiveConfidence: effective,
			}
		}
		seen := make(map[uuid.UUID]bool, len(conflicts))
		for _, c := range conflicts {
			if !seen[c.ItemID] {
				seen[c.ItemID] = true
				retcons = append(retcons, c.ItemID)
			}
		}
	}

	if effective < e.threshold {
		return domain.Decision{
			Outcome:             domain.DecisionReject,
			Rationale:           domain.RationaleBelowThreshold,
			EffectiveConfidence: effective,
		}
	}

	rationale := domain.RationaleAccepted
	if len(retcons) > 0 {
		rationale = domain.RationaleArbiterOverride
	}
	return domain.Decision{
		Outcome:             domain.DecisionAccept,
		Rationale:           rationale,
		EffectiveConfidence: effective,
		Retcons:             retcons,
	}
}
