package domain

import (
	"time"

	"github.com/google/uuid"
)

// StoryStatus describes the lifecycle state of a story. A story canonizes
// only its own closure event; scene-level canonization belongs to scopes.
type StoryStatus string

const (
	StoryCreated   StoryStatus = "created"
	StoryActive    StoryStatus = "active"
	StoryCompleted StoryStatus = "completed"
)

// Story groups scopes under one narrative arc.
type Story struct {
	ID          uuid.UUID   `json:"id"`
	ChronicleID uuid.UUID   `json:"chronicle_id"`
	Title       string      `json:"title"`
	Status      StoryStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// SessionState describes the top loop level. Sessions never canonize;
// they only delegate to the story and scope machines.
type SessionState string

const (
	SessionIdle      SessionState = "idle"
	SessionExecuting SessionState = "executing"
)

// Turn is the ephemeral record of one interaction inside a scope. Turn
// ids are handed out as evidence references for proposals staged during
// the turn.
type Turn struct {
	ID          uuid.UUID `json:"id"`
	ChronicleID uuid.UUID `json:"chronicle_id"`
	ScopeID     uuid.UUID `json:"scope_id"`
	Input       string    `json:"input"`
	CreatedAt   time.Time `json:"created_at"`
}
