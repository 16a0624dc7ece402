package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ScopeStatus describes the lifecycle state of a scope. Progression is
// one-way: created -> active -> finalizing -> completed.
type ScopeStatus string

const (
	ScopeCreated    ScopeStatus = "created"
	ScopeActive     ScopeStatus = "active"
	ScopeFinalizing ScopeStatus = "finalizing"
	ScopeCompleted  ScopeStatus = "completed"
)

var (
	// ErrAlreadyCanonized indicates a finalize call on a scope that has
	// already completed.
	ErrAlreadyCanonized = errors.New("scope already canonized")
	// ErrScopeNotActive indicates a staging or checkpoint call outside the
	// active state.
	ErrScopeNotActive = errors.New("scope is not active")
	// ErrInvalidTransition indicates a scope status change that the
	// lifecycle does not permit.
	ErrInvalidTransition = errors.New("invalid scope transition")
)

// Scope is the unit of canonization: a bounded narrative unit whose
// pending proposals are resolved together. CanonicalOutcomes is the set
// of canonical item ids produced when the scope completed.
type Scope struct {
	ID                uuid.UUID   `json:"id"`
	ChronicleID       uuid.UUID   `json:"chronicle_id"`
	StoryID           uuid.UUID   `json:"story_id"`
	Name              string      `json:"name"`
	Status            ScopeStatus `json:"status"`
	CanonicalOutcomes []uuid.UUID `json:"canonical_outcomes,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
	CompletedAt       *time.Time  `json:"completed_at,omitempty"`
}

// Activate moves the scope from created to active (context loading).
func (s *Scope) Activate() error {
	if s.Status != ScopeCreated {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, ScopeActive)
	}
	s.Status = ScopeActive
	return nil
}

// BeginFinalize moves the scope into finalizing. A scope already
// finalizing may re-enter (crash recovery resumes the batch); a completed
// scope may not.
func (s *Scope) BeginFinalize() error {
	switch s.Status {
	case ScopeActive, ScopeFinalizing:
		s.Status = ScopeFinalizing
		return nil
	case ScopeCompleted:
		return ErrAlreadyCanonized
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, ScopeFinalizing)
	}
}

// Complete records the canonical outcomes and closes the scope.
func (s *Scope) Complete(outcomes []uuid.UUID, now time.Time) error {
	if s.Status != ScopeFinalizing {
		if s.Status == ScopeCompleted {
			return ErrAlreadyCanonized
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, ScopeCompleted)
	}
	s.Status = ScopeCompleted
	s.CanonicalOutcomes = outcomes
	t := now.UTC()
	s.CompletedAt = &t
	return nil
}
