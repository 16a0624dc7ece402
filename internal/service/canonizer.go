package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/storyloom/canon/internal/domain"
	"github.com/storyloom/canon/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrTransactionFailed wraps storage failures during commit. The scope
	// stays in finalizing and a finalize retry is safe: already-committed
	// proposals are skipped by status.
	ErrTransactionFailed = errors.New("canonical commit failed")
	// ErrCanonicalNotFound indicates a canonical item lookup miss.
	ErrCanonicalNotFound = errors.New("canonical item not found")
	// ErrRetconAuthority indicates a retcon attempt without arbiter
	// authority.
	ErrRetconAuthority = errors.New("retcon requires arbiter authority")
)

// IndexNotifier is told about new canonical items after a checkpoint or
// finalize succeeds. Delivery is fire-and-forget, at-least-once; the
// engine never waits for it and never rolls back canonization when
// indexing fails.
type IndexNotifier interface {
	NotifyCanonized(chronicleID, scopeID uuid.UUID, itemIDs []uuid.UUID)
}

// BatchResult reports one checkpoint or finalize batch.
type BatchResult struct {
	Accepted         []uuid.UUID `json:"accepted"`
	Rejected         []uuid.UUID `json:"rejected"`
	CanonicalItemIDs []uuid.UUID `json:"canonical_item_ids"`
}

// RetconResult reports an explicit arbiter override.
type RetconResult struct {
	Decision        domain.Decision `json:"decision"`
	ProposalID      uuid.UUID       `json:"proposal_id"`
	CanonicalItemID uuid.UUID       `json:"canonical_item_id,omitempty"`
}

// Canonizer is the only component holding the canonical write path.
// Commits for a single scope are serialized behind a per-scope lock;
// different scopes canonize fully in parallel.
type Canonizer struct {
	scopes    domain.ScopeStore
	proposals domain.ProposalStore
	reader    domain.CanonicalReader
	writer    domain.CanonicalWriter
	detector  *Detector
	evaluator *Evaluator
	notifier  IndexNotifier
	logger    *zap.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func NewCanonizer(ss domain.ScopeStore, ps domain.ProposalStore, reader domain.CanonicalReader, writer domain.CanonicalWriter, detector *Detector, evaluator *Evaluator, logger *zap.Logger) *Canonizer {
	return &Canonizer{
		scopes:    ss,
		proposals: ps,
		reader:    reader,
		writer:    writer,
		detector:  detector,
		evaluator: evaluator,
		logger:    logger,
		locks:     make(map[uuid.UUID]*sync.Mutex),
	}
}

func (c *Canonizer) SetNotifier(n IndexNotifier) {
	c.notifier = n
}

// scopeLock returns the mutex serializing canonization for one scope.
func (c *Canonizer) scopeLock(scopeID uuid.UUID) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[scopeID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[scopeID] = l
	}
	return l
}

// releaseLock drops a scope's lock entry so the map does not grow with
// every scope ever finalized. Safe only once the scope is completed: a
// late caller racing onto a fresh mutex can only observe the terminal
// status.
func (c *Canonizer) releaseLock(scopeID uuid.UUID) {
	c.mu.Lock()
	delete(c.locks, scopeID)
	c.mu.Unlock()
}

// Checkpoint canonizes the given proposals mid-scope. The scope stays
// active; what counts as a critical event is the caller's business.
func (c *Canonizer) Checkpoint(ctx context.Context, chronicleID, scopeID uuid.UUID, proposalIDs []uuid.UUID) (*BatchResult, error) {
	lock := c.scopeLock(scopeID)
	lock.Lock()
	defer lock.Unlock()

	scope, err := c.scopes.GetByID(ctx, scopeID, chronicleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrScopeNotFound
		}
		return nil, err
	}
	if scope.Status != domain.ScopeActive {
		return nil, domain.ErrScopeNotActive
	}

	batch, err := c.proposals.ListByIDs(ctx, scopeID, proposalIDs)
	if err != nil {
		return nil, err
	}

	result, err := c.processBatch(ctx, batch)
	if err != nil {
		return nil, err
	}

	c.logger.Info("checkpoint canonized",
		zap.String("scope_id", scopeID.String()),
		zap.Int("accepted", len(result.Accepted)),
		zap.Int("rejected", len(result.Rejected)),
	)
	c.notify(chronicleID, scopeID, result.CanonicalItemIDs)
	return result, nil
}

// Finalize canonizes all remaining pending proposals for the scope, in
// proposal-creation order, as one logical batch, then completes the
// scope.
//
// Finalize is resumable: if a previous attempt crashed mid-batch the
// scope is still finalizing and a retry re-runs only the proposals that
// are still pending. Finalizing a completed scope returns the stored
// outcome set alongside ErrAlreadyCanonized so callers observe the same
// canonical_item_ids without any re-processing.
func (c *Canonizer) Finalize(ctx context.Context, chronicleID, scopeID uuid.UUID) (*BatchResult, error) {
	lock := c.scopeLock(scopeID)
	lock.Lock()
	defer lock.Unlock()

	scope, err := c.scopes.GetByID(ctx, scopeID, chronicleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrScopeNotFound
		}
		return nil, err
	}

	switch scope.Status {
	case domain.ScopeCompleted:
		c.releaseLock(scopeID)
		return &BatchResult{CanonicalItemIDs: scope.CanonicalOutcomes}, domain.ErrAlreadyCanonized
	case domain.ScopeActive:
		if err := c.scopes.UpdateStatus(ctx, scopeID, domain.ScopeActive, domain.ScopeFinalizing); err != nil {
			return nil, fmt.Errorf("enter finalizing: %w", err)
		}
	case domain.ScopeFinalizing:
		// Resuming after a crash; the remaining pending proposals are
		// processed below.
	default:
		return nil, fmt.Errorf("%w: finalize from %s", domain.ErrInvalidTransition, scope.Status)
	}

	batch, err := c.proposals.ListByScope(ctx, scopeID, nil)
	if err != nil {
		return nil, err
	}

	result, err := c.processBatch(ctx, batch)
	if err != nil {
		return nil, err
	}

	if err := c.scopes.Complete(ctx, scopeID, result.CanonicalItemIDs); err != nil {
		return nil, fmt.Errorf("complete scope: %w", err)
	}
	c.releaseLock(scopeID)

	c.logger.Info("scope finalized",
		zap.String("scope_id", scopeID.String()),
		zap.Int("accepted", len(result.Accepted)),
		zap.Int("rejected", len(result.Rejected)),
	)
	c.notify(chronicleID, scopeID, result.CanonicalItemIDs)
	return result, nil
}

// processBatch evaluates proposals in the order given. Already-resolved
// proposals are folded into the result by status, never re-decided.
func (c *Canonizer) processBatch(ctx context.Context, batch []domain.Proposal) (*BatchResult, error) {
	result := &BatchResult{
		Accepted:         []uuid.UUID{},
		Rejected:         []uuid.UUID{},
		CanonicalItemIDs: []uuid.UUID{},
	}

	// Snapshot the proposals that are pending at batch start. Two
	// contradictory pending proposals in the same batch reject each
	// other; neither can resolve the other without arbiter authority.
	var pending []*domain.Proposal
	for i := range batch {
		if batch[i].Status == domain.ProposalPending {
			pending = append(pending, &batch[i])
		}
	}

	for i := range batch {
		p := &batch[i]
		switch p.Status {
		case domain.ProposalAccepted:
			result.Accepted = append(result.Accepted, p.ID)
			item, err := c.reader.GetBySourceProposal(ctx, p.ID)
			if err != nil {
				return nil, fmt.Errorf("%w: lookup item for accepted proposal %s: %v", ErrTransactionFailed, p.ID, err)
			}
			result.CanonicalItemIDs = append(result.CanonicalItemIDs, item.ID)
			continue
		case domain.ProposalRejected:
			result.Rejected = append(result.Rejected, p.ID)
			continue
		}

		conflicts, err := c.detector.ConflictsFor(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransactionFailed, err)
		}
		if p.Authority != domain.AuthorityArbiter {
			conflicts = append(conflicts, batchConflicts(p, pending)...)
		}

		decision := c.evaluator.Evaluate(p, conflicts)
		if !decision.Accepted() {
			if err := c.proposals.MarkResolved(ctx, p.ID, domain.ProposalRejected, decision.Rationale); err != nil && !errors.Is(err, store.ErrAlreadyResolved) {
				return nil, fmt.Errorf("%w: %v", ErrTransactionFailed, err)
			}
			result.Rejected = append(result.Rejected, p.ID)
			c.logger.Debug("proposal rejected",
				zap.String("proposal_id", p.ID.String()),
				zap.String("rationale", decision.Rationale),
				zap.Float32("effective_confidence", decision.EffectiveConfidence),
			)
			continue
		}

		itemID, err := c.writer.Commit(ctx, domain.CommitInput{Proposal: p, Decision: decision})
		if err != nil {
			if errors.Is(err, store.ErrConstraintViolation) {
				// Evidence missing at commit time means a caller bypassed
				// the evaluator; not retryable.
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrTransactionFailed, err)
		}
		result.Accepted = append(result.Accepted, p.ID)
		result.CanonicalItemIDs = append(result.CanonicalItemIDs, itemID)
	}
	return result, nil
}

// batchConflicts checks a pending proposal against its still-unresolved
// peers from the same batch, treated as hypothetical canon. Timeline
// conflicts do not apply here since causal dependencies reference
// committed items only.
func batchConflicts(p *domain.Proposal, pending []*domain.Proposal) []domain.Conflict {
	peers := make([]domain.CanonicalItem, 0, len(pending))
	for _, peer := range pending {
		if peer.ID == p.ID {
			continue
		}
		peers = append(peers, domain.CanonicalItem{
			ID:         peer.ID,
			Kind:       peer.Kind,
			Payload:    peer.Payload,
			CanonLevel: domain.CanonLevelCanon,
		})
	}
	return Detect(p, peers)
}

// Retcon is the explicit arbiter override: supersede old with a new
// proposal regardless of detected conflicts. It reuses the
// accept-with-conflict-override branch of the evaluator.
func (c *Canonizer) Retcon(ctx context.Context, chronicleID, oldID uuid.UUID, p *domain.Proposal) (*RetconResult, error) {
	if p.Authority != domain.AuthorityArbiter {
		return nil, ErrRetconAuthority
	}
	if err := ValidateProposal(p); err != nil {
		return nil, err
	}

	old, err := c.reader.GetByID(ctx, oldID, chronicleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrCanonicalNotFound
		}
		return nil, err
	}

	lock := c.scopeLock(p.ScopeID)
	lock.Lock()
	defer lock.Unlock()

	scope, err := c.scopes.GetByID(ctx, p.ScopeID, chronicleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrScopeNotFound
		}
		return nil, err
	}
	if scope.Status != domain.ScopeActive {
		return nil, domain.ErrScopeNotActive
	}

	p.ChronicleID = chronicleID
	p.Status = domain.ProposalPending
	if err := c.proposals.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("stage retcon proposal: %w", err)
	}

	conflicts := []domain.Conflict{{
		Kind:   domain.ConflictExplicit,
		ItemID: old.ID,
		Detail: "explicit retcon",
	}}
	decision := c.evaluator.Evaluate(p, conflicts)

	if !decision.Accepted() {
		if err := c.proposals.MarkResolved(ctx, p.ID, domain.ProposalRejected, decision.Rationale); err != nil && !errors.Is(err, store.ErrAlreadyResolved) {
			return nil, fmt.Errorf("%w: %v", ErrTransactionFailed, err)
		}
		return &RetconResult{Decision: decision, ProposalID: p.ID}, nil
	}

	itemID, err := c.writer.Commit(ctx, domain.CommitInput{Proposal: p, Decision: decision})
	if err != nil {
		if errors.Is(err, store.ErrConstraintViolation) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrTransactionFailed, err)
	}

	c.logger.Info("canonical item retconned",
		zap.String("old_id", old.ID.String()),
		zap.String("new_id", itemID.String()),
	)
	c.notify(chronicleID, p.ScopeID, []uuid.UUID{itemID})
	return &RetconResult{Decision: decision, ProposalID: p.ID, CanonicalItemID: itemID}, nil
}

func (c *Canonizer) notify(chronicleID, scopeID uuid.UUID, itemIDs []uuid.UUID) {
	if c.notifier == nil || len(itemIDs) == 0 {
		return
	}
	c.notifier.NotifyCanonized(chronicleID, scopeID, itemIDs)
}
