package domain

import (
	"time"

	"github.com/google/uuid"
)

type ProposalKind string

const (
	ProposalKindFact         ProposalKind = "fact"
	ProposalKindEntity       ProposalKind = "entity"
	ProposalKindRelationship ProposalKind = "relationship"
	ProposalKindStateChange  ProposalKind = "state_change"
	ProposalKindEvent        ProposalKind = "event"
)

func ValidProposalKind(k string) bool {
	switch ProposalKind(k) {
	case ProposalKindFact, ProposalKindEntity, ProposalKindRelationship, ProposalKindStateChange, ProposalKindEvent:
		return true
	}
	return false
}

// Authority is the trust tier of a proposal's originator.
type Authority string

const (
	AuthoritySource      Authority = "authoritative_source"
	AuthorityArbiter     Authority = "arbiter"
	AuthorityParticipant Authority = "participant"
	AuthorityInferred    Authority = "inferred"
)

func ValidAuthority(a string) bool {
	switch Authority(a) {
	case AuthoritySource, AuthorityArbiter, AuthorityParticipant, AuthorityInferred:
		return true
	}
	return false
}

// Weight returns the multiplier applied to a proposal's confidence when
// computing its effective confidence.
func (a Authority) Weight() float32 {
	switch a {
	case AuthoritySource:
		return 1.0
	case AuthorityArbiter:
		return 0.9
	case AuthorityParticipant:
		return 0.7
	case AuthorityInferred:
		return 0.5
	default:
		return 0.5
	}
}

type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalAccepted ProposalStatus = "accepted"
	ProposalRejected ProposalStatus = "rejected"
)

// EvidenceRefKind identifies what an evidence reference points at.
type EvidenceRefKind string

const (
	EvidenceRefTurn   EvidenceRefKind = "turn"
	EvidenceRefSource EvidenceRefKind = "source"
	EvidenceRefRule   EvidenceRefKind = "rule"
)

func ValidEvidenceRefKind(k string) bool {
	switch EvidenceRefKind(k) {
	case EvidenceRefTurn, EvidenceRefSource, EvidenceRefRule:
		return true
	}
	return false
}

// EvidenceRef points at the turn, source document or rule that justifies
// an assertion.
type EvidenceRef struct {
	Kind EvidenceRefKind `json:"kind"`
	Ref  string          `json:"ref"`
}

// Payload is the kind-specific content of a proposal. State tags use a
// "key:value" form; two tags sharing a key assert mutually exclusive
// states (vitality:alive vs vitality:dead).
type Payload struct {
	Entity    string         `json:"entity,omitempty"`
	Object    string         `json:"object,omitempty"`
	Relation  string         `json:"relation,omitempty"`
	Statement string         `json:"statement,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Location  string         `json:"location,omitempty"`
	TimeRef   int64          `json:"time_ref,omitempty"`
	TimeEnd   int64          `json:"time_end,omitempty"`
	DependsOn []uuid.UUID    `json:"depends_on,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Window returns the narrative time interval the payload covers. A zero
// TimeEnd means a point in time.
func (p Payload) Window() (from, to int64) {
	from = p.TimeRef
	to = p.TimeEnd
	if to < from {
		to = from
	}
	return from, to
}

// Proposal is a staged, unconfirmed assertion awaiting evaluation. Once
// resolved it is immutable history.
type Proposal struct {
	ID          uuid.UUID      `json:"id"`
	ChronicleID uuid.UUID      `json:"chronicle_id"`
	ScopeID     uuid.UUID      `json:"scope_id"`
	Kind        ProposalKind   `json:"kind"`
	Payload     Payload        `json:"payload"`
	Evidence    []EvidenceRef  `json:"evidence"`
	Confidence  float32        `json:"confidence"`
	Authority   Authority      `json:"authority"`
	Status      ProposalStatus `json:"status"`
	Rationale   string         `json:"rationale,omitempty"`
	Embedding   []float32      `json:"-"`
	CreatedAt   time.Time      `json:"created_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
}
