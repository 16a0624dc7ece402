package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/storyloom/canon/internal/domain"
	"github.com/storyloom/canon/internal/store"
	"go.uber.org/zap"
)

type canonizerFixture struct {
	canonizer *Canonizer
	scopes    *mockScopeStore
	proposals *mockProposalStore
	canon     *mockCanonicalStore
	notifier  *mockNotifier

	chronicleID uuid.UUID
	scopeID     uuid.UUID
}

func setupCanonizerTest(t *testing.T) *canonizerFixture {
	t.Helper()
	scopes := newMockScopeStore()
	proposals := newMockProposalStore()
	canon := newMockCanonicalStore(proposals)
	notifier := &mockNotifier{}

	detector := NewDetector(canon)
	evaluator := NewEvaluator(0.5)
	c := NewCanonizer(scopes, proposals, canon, canon, detector, evaluator, zap.NewNop())
	c.SetNotifier(notifier)

	chronicleID := uuid.New()
	scope := &domain.Scope{
		ChronicleID: chronicleID,
		StoryID:     uuid.New(),
		Name:        "scene",
		Status:      domain.ScopeActive,
	}
	_ = scopes.Create(context.Background(), scope)

	return &canonizerFixture{
		canonizer:   c,
		scopes:      scopes,
		proposals:   proposals,
		canon:       canon,
		notifier:    notifier,
		chronicleID: chronicleID,
		scopeID:     scope.ID,
	}
}

func (f *canonizerFixture) stage(t *testing.T, p *domain.Proposal) *domain.Proposal {
	t.Helper()
	p.ChronicleID = f.chronicleID
	p.ScopeID = f.scopeID
	p.Status = domain.ProposalPending
	if err := f.proposals.Create(context.Background(), p); err != nil {
		t.Fatalf("stage: %v", err)
	}
	return p
}

func cleanFact(statement string, confidence float32, authority domain.Authority) *domain.Proposal {
	return &domain.Proposal{
		Kind:       domain.ProposalKindFact,
		Payload:    domain.Payload{Statement: statement},
		Evidence:   []domain.EvidenceRef{{Kind: domain.EvidenceRefSource, Ref: "doc:1"}},
		Confidence: confidence,
		Authority:  authority,
	}
}

func TestFinalize_AcceptsCleanProposal(t *testing.T) {
	f := setupCanonizerTest(t)
	ctx := context.Background()

	p := f.stage(t, cleanFact("the keep has two gates", 0.9, domain.AuthoritySource))

	result, err := f.canonizer.Finalize(ctx, f.chronicleID, f.scopeID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(result.Accepted) != 1 || result.Accepted[0] != p.ID {
		t.Fatalf("expected proposal accepted, got %+v", result)
	}
	if len(result.CanonicalItemIDs) != 1 {
		t.Fatalf("expected 1 canonical item, got %d", len(result.CanonicalItemIDs))
	}

	item, err := f.canon.GetBySourceProposal(ctx, p.ID)
	if err != nil {
		t.Fatalf("expected canonical item, got %v", err)
	}
	if item.CanonLevel != domain.CanonLevelCanon {
		t.Fatalf("expected canon level, got %s", item.CanonLevel)
	}
	if len(f.canon.evidence[item.ID]) != 1 {
		t.Fatal("expected evidence to be recorded with the item")
	}

	scope, _ := f.scopes.GetByID(ctx, f.scopeID, f.chronicleID)
	if scope.Status != domain.ScopeCompleted {
		t.Fatalf("expected completed scope, got %s", scope.Status)
	}
	if len(scope.CanonicalOutcomes) != 1 {
		t.Fatalf("expected outcomes recorded on scope, got %d", len(scope.CanonicalOutcomes))
	}
}

func TestFinalize_RejectsConflictingProposal(t *testing.T) {
	f := setupCanonizerTest(t)
	ctx := context.Background()

	// First scope pass canonizes "aldric alive".
	alive := f.stage(t, &domain.Proposal{
		Kind:       domain.ProposalKindStateChange,
		Payload:    domain.Payload{Entity: "aldric", Tags: []string{"vitality:alive"}, TimeRef: 10},
		Evidence:   []domain.EvidenceRef{{Kind: domain.EvidenceRefTurn, Ref: "t1"}},
		Confidence: 0.95,
		Authority:  domain.AuthoritySource,
	})
	if _, err := f.canonizer.Checkpoint(ctx, f.chronicleID, f.scopeID, []uuid.UUID{alive.ID}); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	// A participant then claims "aldric dead" over the same window.
	dead := f.stage(t, &domain.Proposal{
		Kind:       domain.ProposalKindStateChange,
		Payload:    domain.Payload{Entity: "aldric", Tags: []string{"vitality:dead"}, TimeRef: 10},
		Evidence:   []domain.EvidenceRef{{Kind: domain.EvidenceRefTurn, Ref: "t2"}},
		Confidence: 0.95,
		Authority:  domain.AuthorityParticipant,
	})

	result, err := f.canonizer.Finalize(ctx, f.chronicleID, f.scopeID)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(result.Rejected) != 1 || result.Rejected[0] != dead.ID {
		t.Fatalf("expected conflicting proposal rejected, got %+v", result)
	}

	got, _ := f.proposals.GetByID(ctx, dead.ID, f.chronicleID)
	if got.Status != domain.ProposalRejected {
		t.Fatalf("expected rejected status, got %s", got.Status)
	}
	if got.Rationale != domain.RationaleContradictsCanon {
		t.Fatalf("expected rationale %q, got %q", domain.RationaleContradictsCanon, got.Rationale)
	}

	// The original item is untouched.
	item, _ := f.canon.GetBySourceProposal(ctx, alive.ID)
	if item.CanonLevel != domain.CanonLevelCanon {
		t.Fatalf("expected original item to remain canon, got %s", item.CanonLevel)
	}
}

func TestFinalize_MutualContradictionRejectsBoth(t *testing.T) {
	f := setupCanonizerTest(t)
	ctx := context.Background()

	// Two participants contradict each other within one batch. Neither
	// can resolve the other without arbiter authority.
	alive := f.stage(t, &domain.Proposal{
		Kind:       domain.ProposalKindStateChange,
		Payload:    domain.Payload{Entity: "aldric", Tags: []string{"vitality:alive"}, TimeRef: 10},
		Evidence:   []domain.EvidenceRef{{Kind: domain.EvidenceRefTurn, Ref: "t1"}},
		Confidence: 0.95,
		Authority:  domain.AuthorityParticipant,
	})
	dead := f.stage(t, &domain.Proposal{
		Kind:       domain.ProposalKindStateChange,
		Payload:    domain.Payload{Entity: "aldric", Tags: []string{"vitality:dead"}, TimeRef: 10},
		Evidence:   []domain.EvidenceRef{{Kind: domain.EvidenceRefTurn, Ref: "t2"}},
		Confidence: 0.95,
		Authority:  domain.AuthorityParticipant,
	})

	result, err := f.canonizer.Finalize(ctx, f.chronicleID, f.scopeID)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(result.Accepted) != 0 || len(result.CanonicalItemIDs) != 0 {
		t.Fatalf("expected nothing canonized, got %+v", result)
	}
	if len(result.Rejected) != 2 {
		t.Fatalf("expected both proposals rejected, got %+v", result)
	}

	for _, id := range []uuid.UUID{alive.ID, dead.ID} {
		got, _ := f.proposals.GetByID(ctx, id, f.chronicleID)
		if got.Status != domain.ProposalRejected {
			t.Fatalf("proposal %s: expected rejected, got %s", id, got.Status)
		}
		if got.Rationale != domain.RationaleContradictsCanon {
			t.Fatalf("proposal %s: expected rationale %q, got %q", id, domain.RationaleContradictsCanon, got.Rationale)
		}
	}
}

func TestCheckpoint_ArbiterRetconsConflictingItem(t *testing.T) {
	f := setupCanonizerTest(t)
	ctx := context.Background()

	alive := f.stage(t, &domain.Proposal{
		Kind:       domain.ProposalKindStateChange,
		Payload:    domain.Payload{Entity: "aldric", Tags: []string{"vitality:alive"}, TimeRef: 10},
		Evidence:   []domain.EvidenceRef{{Kind: domain.EvidenceRefTurn, Ref: "t1"}},
		Confidence: 0.95,
		Authority:  domain.AuthoritySource,
	})
	if _, err := f.canonizer.Checkpoint(ctx, f.chronicleID, f.scopeID, []uuid.UUID{alive.ID}); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	oldItem, _ := f.canon.GetBySourceProposal(ctx, alive.ID)

	// Arbiter overrides with "aldric dead".
	dead := f.stage(t, &domain.Proposal{
		Kind:       domain.ProposalKindStateChange,
		Payload:    domain.Payload{Entity: "aldric", Tags: []string{"vitality:dead"}, TimeRef: 10},
		Evidence:   []domain.EvidenceRef{{Kind: domain.EvidenceRefRule, Ref: "gm:ruling-7"}},
		Confidence: 1.0,
		Authority:  domain.AuthorityArbiter,
	})
	result, err := f.canonizer.Checkpoint(ctx, f.chronicleID, f.scopeID, []uuid.UUID{dead.ID})
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if len(result.Accepted) != 1 {
		t.Fatalf("expected arbiter proposal accepted, got %+v", result)
	}

	// The old item survives as retconned history with a forward link.
	old, err := f.canon.GetByID(ctx, oldItem.ID, f.chronicleID)
	if err != nil {
		t.Fatalf("retconned item must not be deleted: %v", err)
	}
	if old.CanonLevel != domain.CanonLevelRetconned {
		t.Fatalf("expected retconned level, got %s", old.CanonLevel)
	}
	if old.ReplacedBy == nil || *old.ReplacedBy != result.CanonicalItemIDs[0] {
		t.Fatal("expected replaced_by to point at the superseding item")
	}

	chain, err := f.canon.History(ctx, oldItem.ID, f.chronicleID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("expected 2-item retcon chain, got %d", len(chain))
	}
}

func TestFinalize_Idempotent(t *testing.T) {
	f := setupCanonizerTest(t)
	ctx := context.Background()

	f.stage(t, cleanFact("the keep has two gates", 0.9, domain.AuthoritySource))

	first, err := f.canonizer.Finalize(ctx, f.chronicleID, f.scopeID)
	if err != nil {
		t.Fatalf("first finalize: %v", err)
	}

	second, err := f.canonizer.Finalize(ctx, f.chronicleID, f.scopeID)
	if !errors.Is(err, domain.ErrAlreadyCanonized) {
		t.Fatalf("expected ErrAlreadyCanonized, got %v", err)
	}
	if second == nil {
		t.Fatal("expected stored outcome set alongside the error")
	}
	if len(second.CanonicalItemIDs) != len(first.CanonicalItemIDs) {
		t.Fatalf("expected same outcome set, got %d vs %d", len(second.CanonicalItemIDs), len(first.CanonicalItemIDs))
	}
	for i := range first.CanonicalItemIDs {
		if second.CanonicalItemIDs[i] != first.CanonicalItemIDs[i] {
			t.Fatal("expected identical canonical item ids on re-finalize")
		}
	}
	if f.canon.commits != 1 {
		t.Fatalf("expected no re-processing on second finalize, got %d commits", f.canon.commits)
	}
}

func TestFinalize_ResumesAfterCrash(t *testing.T) {
	f := setupCanonizerTest(t)
	ctx := context.Background()

	good := f.stage(t, cleanFact("gate count", 0.9, domain.AuthoritySource))
	f.stage(t, cleanFact("river name", 0.9, domain.AuthoritySource))

	// Simulate a crash mid-batch: the first proposal committed, then the
	// store started failing before the second one.
	if _, err := f.canon.Commit(ctx, domain.CommitInput{
		Proposal: good,
		Decision: domain.Decision{Outcome: domain.DecisionAccept, Rationale: domain.RationaleAccepted, EffectiveConfidence: 0.9},
	}); err != nil {
		t.Fatalf("pre-commit: %v", err)
	}
	f.canon.commitErr = errors.New("connection reset")

	result, err := f.canonizer.Finalize(ctx, f.chronicleID, f.scopeID)
	if !errors.Is(err, ErrTransactionFailed) {
		t.Fatalf("expected ErrTransactionFailed, got %v", err)
	}
	if result != nil {
		t.Fatal("expected no result on failed finalize")
	}

	scope, _ := f.scopes.GetByID(ctx, f.scopeID, f.chronicleID)
	if scope.Status != domain.ScopeFinalizing {
		t.Fatalf("expected scope stuck in finalizing, got %s", scope.Status)
	}

	// Storage recovers; the retry must process only the still-pending
	// proposal and complete.
	f.canon.commitErr = nil
	commitsBefore := f.canon.commits

	result, err = f.canonizer.Finalize(ctx, f.chronicleID, f.scopeID)
	if err != nil {
		t.Fatalf("resume finalize: %v", err)
	}
	if len(result.Accepted) != 2 {
		t.Fatalf("expected both proposals in the final accepted set, got %d", len(result.Accepted))
	}
	if len(result.CanonicalItemIDs) != 2 {
		t.Fatalf("expected 2 canonical items, got %d", len(result.CanonicalItemIDs))
	}
	if f.canon.commits != commitsBefore+1 {
		t.Fatalf("expected exactly 1 new commit on resume, got %d", f.canon.commits-commitsBefore)
	}

	scope, _ = f.scopes.GetByID(ctx, f.scopeID, f.chronicleID)
	if scope.Status != domain.ScopeCompleted {
		t.Fatalf("expected completed scope after resume, got %s", scope.Status)
	}
}

func TestFinalize_ReleasesScopeLock(t *testing.T) {
	f := setupCanonizerTest(t)
	ctx := context.Background()

	f.stage(t, cleanFact("the keep has two gates", 0.9, domain.AuthoritySource))
	if _, err := f.canonizer.Finalize(ctx, f.chronicleID, f.scopeID); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	f.canonizer.mu.Lock()
	held := len(f.canonizer.locks)
	f.canonizer.mu.Unlock()
	if held != 0 {
		t.Fatalf("expected completed scope's lock to be released, %d still held", held)
	}

	// A replayed finalize rebuilds the entry transiently and drops it
	// again on the completed fast path.
	if _, err := f.canonizer.Finalize(ctx, f.chronicleID, f.scopeID); !errors.Is(err, domain.ErrAlreadyCanonized) {
		t.Fatalf("expected ErrAlreadyCanonized, got %v", err)
	}
	f.canonizer.mu.Lock()
	held = len(f.canonizer.locks)
	f.canonizer.mu.Unlock()
	if held != 0 {
		t.Fatalf("expected replay to release the lock again, %d still held", held)
	}
}

func TestProcessBatch_EvidenceRequired(t *testing.T) {
	f := setupCanonizerTest(t)
	ctx := context.Background()

	p := f.stage(t, cleanFact("unsourced claim", 0.9, domain.AuthoritySource))
	p.Evidence = nil
	f.proposals.proposals[p.ID].Evidence = nil

	_, err := f.canonizer.Finalize(ctx, f.chronicleID, f.scopeID)
	if !errors.Is(err, store.ErrConstraintViolation) {
		t.Fatalf("expected ErrConstraintViolation, got %v", err)
	}
	if errors.Is(err, ErrTransactionFailed) {
		t.Fatal("constraint violation must not be reported as retryable")
	}
}

func TestCheckpoint_ScopeStaysActive(t *testing.T) {
	f := setupCanonizerTest(t)
	ctx := context.Background()

	p := f.stage(t, cleanFact("mid-scene fact", 0.9, domain.AuthoritySource))
	if _, err := f.canonizer.Checkpoint(ctx, f.chronicleID, f.scopeID, []uuid.UUID{p.ID}); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	scope, _ := f.scopes.GetByID(ctx, f.scopeID, f.chronicleID)
	if scope.Status != domain.ScopeActive {
		t.Fatalf("checkpoint must not close the scope, got %s", scope.Status)
	}
}

func TestCheckpoint_RequiresActiveScope(t *testing.T) {
	f := setupCanonizerTest(t)
	ctx := context.Background()

	f.scopes.scopes[f.scopeID].Status = domain.ScopeCompleted
	_, err := f.canonizer.Checkpoint(ctx, f.chronicleID, f.scopeID, []uuid.UUID{uuid.New()})
	if !errors.Is(err, domain.ErrScopeNotActive) {
		t.Fatalf("expected ErrScopeNotActive, got %v", err)
	}
}

func TestCheckpoint_ScopeNotFound(t *testing.T) {
	f := setupCanonizerTest(t)

	_, err := f.canonizer.Checkpoint(context.Background(), f.chronicleID, uuid.New(), nil)
	if !errors.Is(err, ErrScopeNotFound) {
		t.Fatalf("expected ErrScopeNotFound, got %v", err)
	}
}

func TestCheckpoint_AlreadyResolvedSkipped(t *testing.T) {
	// Re-checkpointing the same set must not re-decide anything.
	f := setupCanonizerTest(t)
	ctx := context.Background()

	accepted := f.stage(t, cleanFact("kept", 0.9, domain.AuthoritySource))
	rejected := f.stage(t, cleanFact("dropped", 0.1, domain.AuthorityInferred))
	ids := []uuid.UUID{accepted.ID, rejected.ID}

	first, err := f.canonizer.Checkpoint(ctx, f.chronicleID, f.scopeID, ids)
	if err != nil {
		t.Fatalf("first checkpoint: %v", err)
	}
	commitsBefore := f.canon.commits

	second, err := f.canonizer.Checkpoint(ctx, f.chronicleID, f.scopeID, ids)
	if err != nil {
		t.Fatalf("second checkpoint: %v", err)
	}
	if f.canon.commits != commitsBefore {
		t.Fatal("expected no new commits for already-resolved proposals")
	}
	if len(second.Accepted) != len(first.Accepted) || len(second.Rejected) != len(first.Rejected) {
		t.Fatalf("expected identical batch result, got %+v vs %+v", second, first)
	}
	if second.CanonicalItemIDs[0] != first.CanonicalItemIDs[0] {
		t.Fatal("expected the same canonical item id on replay")
	}
}

func TestRetcon_RequiresArbiter(t *testing.T) {
	f := setupCanonizerTest(t)

	p := cleanFact("correction", 0.9, domain.AuthoritySource)
	_, err := f.canonizer.Retcon(context.Background(), f.chronicleID, uuid.New(), p)
	if !errors.Is(err, ErrRetconAuthority) {
		t.Fatalf("expected ErrRetconAuthority, got %v", err)
	}
}

func TestRetcon_SupersedesWithoutDeleting(t *testing.T) {
	f := setupCanonizerTest(t)
	ctx := context.Background()

	orig := f.stage(t, cleanFact("the envoy arrived by road", 0.9, domain.AuthoritySource))
	if _, err := f.canonizer.Checkpoint(ctx, f.chronicleID, f.scopeID, []uuid.UUID{orig.ID}); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	oldItem, _ := f.canon.GetBySourceProposal(ctx, orig.ID)

	replacement := &domain.Proposal{
		ScopeID:    f.scopeID,
		Kind:       domain.ProposalKindFact,
		Payload:    domain.Payload{Statement: "the envoy arrived by river"},
		Evidence:   []domain.EvidenceRef{{Kind: domain.EvidenceRefRule, Ref: "gm:ruling-9"}},
		Confidence: 1.0,
		Authority:  domain.AuthorityArbiter,
	}
	result, err := f.canonizer.Retcon(ctx, f.chronicleID, oldItem.ID, replacement)
	if err != nil {
		t.Fatalf("retcon: %v", err)
	}
	if !result.Decision.Accepted() {
		t.Fatalf("expected accepted retcon, got %s", result.Decision.Rationale)
	}
	if result.CanonicalItemID == uuid.Nil {
		t.Fatal("expected a new canonical item id")
	}

	old, err := f.canon.GetByID(ctx, oldItem.ID, f.chronicleID)
	if err != nil {
		t.Fatalf("old item must remain queryable: %v", err)
	}
	if old.CanonLevel != domain.CanonLevelRetconned {
		t.Fatalf("expected retconned, got %s", old.CanonLevel)
	}
	if old.ReplacedBy == nil || *old.ReplacedBy != result.CanonicalItemID {
		t.Fatal("expected forward link to the replacement")
	}
}

func TestRetcon_MissingTarget(t *testing.T) {
	f := setupCanonizerTest(t)

	p := cleanFact("correction", 0.9, domain.AuthorityArbiter)
	p.ScopeID = f.scopeID
	_, err := f.canonizer.Retcon(context.Background(), f.chronicleID, uuid.New(), p)
	if !errors.Is(err, ErrCanonicalNotFound) {
		t.Fatalf("expected ErrCanonicalNotFound, got %v", err)
	}
}

func TestCanonizer_CrossScopeParallelism(t *testing.T) {
	// Proposals in different scopes canonize concurrently without
	// interfering with each other's outcomes.
	f := setupCanonizerTest(t)
	ctx := context.Background()

	const scopesN = 8
	scopeIDs := make([]uuid.UUID, scopesN)
	for i := 0; i < scopesN; i++ {
		scope := &domain.Scope{
			ChronicleID: f.chronicleID,
			StoryID:     uuid.New(),
			Name:        "parallel scene",
			Status:      domain.ScopeActive,
		}
		_ = f.scopes.Create(ctx, scope)
		scopeIDs[i] = scope.ID

		p := cleanFact("fact", 0.9, domain.AuthoritySource)
		p.ChronicleID = f.chronicleID
		p.ScopeID = scope.ID
		p.Status = domain.ProposalPending
		_ = f.proposals.Create(ctx, p)
	}

	var wg sync.WaitGroup
	errs := make([]error, scopesN)
	for i := 0; i < scopesN; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.canonizer.Finalize(ctx, f.chronicleID, scopeIDs[i])
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("scope %d: %v", i, err)
		}
	}
	for i, id := range scopeIDs {
		scope, _ := f.scopes.GetByID(ctx, id, f.chronicleID)
		if scope.Status != domain.ScopeCompleted {
			t.Fatalf("scope %d: expected completed, got %s", i, scope.Status)
		}
		if len(scope.CanonicalOutcomes) != 1 {
			t.Fatalf("scope %d: expected 1 outcome, got %d", i, len(scope.CanonicalOutcomes))
		}
	}
}

func TestCanonizer_NotifierInvoked(t *testing.T) {
	f := setupCanonizerTest(t)
	ctx := context.Background()

	f.stage(t, cleanFact("fact", 0.9, domain.AuthoritySource))
	if _, err := f.canonizer.Finalize(ctx, f.chronicleID, f.scopeID); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	if len(f.notifier.events) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(f.notifier.events))
	}
}
