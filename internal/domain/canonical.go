package domain

import (
	"time"

	"github.com/google/uuid"
)

type CanonLevel string

const (
	CanonLevelCanon     CanonLevel = "canon"
	CanonLevelRetconned CanonLevel = "retconned"
)

// CanonicalItem is a durable, evidence-backed fact, entity or event.
// Items are never deleted; a superseded item is marked retconned and
// linked forward to its replacement.
type CanonicalItem struct {
	ID          uuid.UUID    `json:"id"`
	ChronicleID uuid.UUID    `json:"chronicle_id"`
	ScopeID     uuid.UUID    `json:"scope_id"`
	ProposalID  uuid.UUID    `json:"proposal_id"`
	Kind        ProposalKind `json:"kind"`
	Payload     Payload      `json:"payload"`
	CanonLevel  CanonLevel   `json:"canon_level"`
	Confidence  float32      `json:"confidence"`
	Authority   Authority    `json:"authority"`
	ReplacedBy  *uuid.UUID   `json:"replaced_by,omitempty"`
	Embedding   []float32    `json:"-"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// CanonFilter narrows a canonical query. Zero values are ignored.
type CanonFilter struct {
	Kind          *ProposalKind
	CanonLevel    *CanonLevel
	Entity        string
	MinConfidence float32
	// Embedding, when set, orders results by vector similarity. The
	// engine never computes embeddings; callers supply them.
	Embedding []float32
	Limit     int
}

type CanonicalItemWithScore struct {
	CanonicalItem
	Score float32 `json:"score,omitempty"`
}
