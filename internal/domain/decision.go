package domain

import "github.com/google/uuid"

type DecisionOutcome string

const (
	DecisionAccept DecisionOutcome = "accept"
	DecisionReject DecisionOutcome = "reject"
)

// Rationale strings are part of the audit record and stable across
// releases.
const (
	RationaleContradictsCanon = "contradicts canon"
	RationaleBelowThreshold   = "below confidence threshold"
	RationaleAccepted         = "accepted"
	RationaleArbiterOverride  = "accepted by arbiter override"
)

// Decision is the evaluator's verdict on a single proposal. Retcons lists
// canonical items the commit must mark superseded before the new item
// becomes canon.
type Decision struct {
	Outcome             DecisionOutcome `json:"outcome"`
	Rationale           string          `json:"rationale"`
	EffectiveConfidence float32         `json:"effective_confidence"`
	Retcons             []uuid.UUID     `json:"retcons,omitempty"`
}

func (d Decision) Accepted() bool {
	return d.Outcome == DecisionAccept
}
