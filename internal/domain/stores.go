package domain

import (
	"context"

	"github.com/google/uuid"
)

type ChronicleStore interface {
	Create(ctx context.Context, c *Chronicle) error
	GetByAPIKeyHash(ctx context.Context, apiKeyHash string) (*Chronicle, error)
}

type StoryStore interface {
	Create(ctx context.Context, s *Story) error
	GetByID(ctx context.Context, id uuid.UUID, chronicleID uuid.UUID) (*Story, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to StoryStatus) error
}

type ScopeStore interface {
	Create(ctx context.Context, s *Scope) error
	GetByID(ctx context.Context, id uuid.UUID, chronicleID uuid.UUID) (*Scope, error)
	ListByStory(ctx context.Context, storyID uuid.UUID, chronicleID uuid.UUID) ([]Scope, error)
	// UpdateStatus is a compare-and-set; it reports ErrNotFound when the
	// scope is not currently in the from status.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to ScopeStatus) error
	// Complete sets status to completed and records the canonical
	// outcomes, guarded on the finalizing status.
	Complete(ctx context.Context, id uuid.UUID, outcomes []uuid.UUID) error
}

type TurnStore interface {
	Create(ctx context.Context, t *Turn) error
	GetByID(ctx context.Context, id uuid.UUID, chronicleID uuid.UUID) (*Turn, error)
}

type ProposalStore interface {
	Create(ctx context.Context, p *Proposal) error
	GetByID(ctx context.Context, id uuid.UUID, chronicleID uuid.UUID) (*Proposal, error)
	// ListByScope returns proposals in creation order, ties broken by id.
	ListByScope(ctx context.Context, scopeID uuid.UUID, status *ProposalStatus) ([]Proposal, error)
	ListByIDs(ctx context.Context, scopeID uuid.UUID, ids []uuid.UUID) ([]Proposal, error)
	// MarkResolved transitions a pending proposal to accepted or rejected.
	// It reports ErrAlreadyResolved when the proposal is no longer
	// pending.
	MarkResolved(ctx context.Context, id uuid.UUID, status ProposalStatus, rationale string) error
}

// CommitInput carries everything the canonical write path needs to make
// one accepted proposal durable.
type CommitInput struct {
	Proposal *Proposal
	Decision Decision
}

// CanonicalReader is the read surface of the canonical store, open to any
// collaborator.
type CanonicalReader interface {
	GetByID(ctx context.Context, id uuid.UUID, chronicleID uuid.UUID) (*CanonicalItem, error)
	GetBySourceProposal(ctx context.Context, proposalID uuid.UUID) (*CanonicalItem, error)
	// ActiveByEntity returns canon-level items referencing the entity;
	// retconned items are excluded. This is the detector's view.
	ActiveByEntity(ctx context.Context, chronicleID uuid.UUID, entity string) ([]CanonicalItem, error)
	Query(ctx context.Context, chronicleID uuid.UUID, f CanonFilter) ([]CanonicalItemWithScore, error)
	// History walks the retcon chain starting at id, oldest first.
	History(ctx context.Context, id uuid.UUID, chronicleID uuid.UUID) ([]CanonicalItem, error)
}

// CanonicalWriter is the single write path into canon. It is handed only
// to the canonizer; no other component can produce a canonical item.
type CanonicalWriter interface {
	// Commit atomically creates the canonical item, writes its evidence
	// edges, marks any superseded items retconned with a forward replaces
	// link, and resolves the source proposal as accepted. It reports
	// ErrConstraintViolation when the proposal carries no evidence.
	Commit(ctx context.Context, in CommitInput) (uuid.UUID, error)
}

// EvidenceStore is the append-only ledger from canonical items to the
// references that justify them. Rows are only ever added.
type EvidenceStore interface {
	ListByItem(ctx context.Context, itemID uuid.UUID) ([]EvidenceRef, error)
}
