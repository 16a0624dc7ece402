package domain

import "github.com/google/uuid"

type ConflictKind string

const (
	// ConflictState: the same entity would hold two mutually exclusive
	// state tags at the same time reference.
	ConflictState ConflictKind = "state"
	// ConflictTimeline: a proposed event precedes an event it causally
	// depends on.
	ConflictTimeline ConflictKind = "timeline"
	// ConflictLocation: an entity would be in two disjoint locations over
	// an overlapping time window.
	ConflictLocation ConflictKind = "location"
	// ConflictExplicit marks the target of an explicit retcon. It is
	// produced by the retcon path only, never by detection.
	ConflictExplicit ConflictKind = "explicit"
)

// Conflict describes a contradiction between a candidate proposal and an
// existing canonical item.
type Conflict struct {
	Kind   ConflictKind `json:"kind"`
	ItemID uuid.UUID    `json:"item_id"`
	Detail string       `json:"detail,omitempty"`
}
