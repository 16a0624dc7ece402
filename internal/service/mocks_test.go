package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/storyloom/canon/internal/domain"
	"github.com/storyloom/canon/internal/store"
)

// mockScopeStore implements domain.ScopeStore for testing.
type mockScopeStore struct {
	mu     sync.Mutex
	scopes map[uuid.UUID]*domain.Scope
}

func newMockScopeStore() *mockScopeStore {
	return &mockScopeStore{scopes: make(map[uuid.UUID]*domain.Scope)}
}

func (m *mockScopeStore) Create(ctx context.Context, s *domain.Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = uuid.New()
	s.CreatedAt = time.Now()
	m.scopes[s.ID] = s
	return nil
}

func (m *mockScopeStore) GetByID(ctx context.Context, id uuid.UUID, chronicleID uuid.UUID) (*domain.Scope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scopes[id]
	if !ok || s.ChronicleID != chronicleID {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *mockScopeStore) ListByStory(ctx context.Context, storyID uuid.UUID, chronicleID uuid.UUID) ([]domain.Scope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var results []domain.Scope
	for _, s := range m.scopes {
		if s.StoryID == storyID && s.ChronicleID == chronicleID {
			results = append(results, *s)
		}
	}
	return results, nil
}

func (m *mockScopeStore) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.ScopeStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scopes[id]
	if !ok || s.Status != from {
		return store.ErrNotFound
	}
	s.Status = to
	return nil
}

func (m *mockScopeStore) Complete(ctx context.Context, id uuid.UUID, outcomes []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scopes[id]
	if !ok || s.Status != domain.ScopeFinalizing {
		return store.ErrNotFound
	}
	s.Status = domain.ScopeCompleted
	s.CanonicalOutcomes = outcomes
	now := time.Now()
	s.CompletedAt = &now
	return nil
}

// mockStoryStore implements domain.StoryStore for testing.
type mockStoryStore struct {
	stories map[uuid.UUID]*domain.Story
}

func newMockStoryStore() *mockStoryStore {
	return &mockStoryStore{stories: make(map[uuid.UUID]*domain.Story)}
}

func (m *mockStoryStore) Create(ctx context.Context, s *domain.Story) error {
	s.ID = uuid.New()
	s.CreatedAt = time.Now()
	m.stories[s.ID] = s
	return nil
}

func (m *mockStoryStore) GetByID(ctx context.Context, id uuid.UUID, chronicleID uuid.UUID) (*domain.Story, error) {
	s, ok := m.stories[id]
	if !ok || s.ChronicleID != chronicleID {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *mockStoryStore) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.StoryStatus) error {
	s, ok := m.stories[id]
	if !ok || s.Status != from {
		return store.ErrNotFound
	}
	s.Status = to
	return nil
}

// mockTurnStore implements domain.TurnStore for testing.
type mockTurnStore struct {
	turns map[uuid.UUID]*domain.Turn
}

func newMockTurnStore() *mockTurnStore {
	return &mockTurnStore{turns: make(map[uuid.UUID]*domain.Turn)}
}

func (m *mockTurnStore) Create(ctx context.Context, t *domain.Turn) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = time.Now()
	m.turns[t.ID] = t
	return nil
}

func (m *mockTurnStore) GetByID(ctx context.Context, id uuid.UUID, chronicleID uuid.UUID) (*domain.Turn, error) {
	t, ok := m.turns[id]
	if !ok || t.ChronicleID != chronicleID {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// mockProposalStore implements domain.ProposalStore for testing. Order of
// creation is preserved for ListByScope.
type mockProposalStore struct {
	mu        sync.Mutex
	proposals map[uuid.UUID]*domain.Proposal
	order     []uuid.UUID
}

func newMockProposalStore() *mockProposalStore {
	return &mockProposalStore{proposals: make(map[uuid.UUID]*domain.Proposal)}
}

func (m *mockProposalStore) Create(ctx context.Context, p *domain.Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	m.proposals[p.ID] = p
	m.order = append(m.order, p.ID)
	return nil
}

func (m *mockProposalStore) GetByID(ctx context.Context, id uuid.UUID, chronicleID uuid.UUID) (*domain.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok || p.ChronicleID != chronicleID {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockProposalStore) ListByScope(ctx context.Context, scopeID uuid.UUID, status *domain.ProposalStatus) ([]domain.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var results []domain.Proposal
	for _, id := range m.order {
		p := m.proposals[id]
		if p.ScopeID != scopeID {
			continue
		}
		if status != nil && p.Status != *status {
			continue
		}
		results = append(results, *p)
	}
	return results, nil
}

func (m *mockProposalStore) ListByIDs(ctx context.Context, scopeID uuid.UUID, ids []uuid.UUID) ([]domain.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var results []domain.Proposal
	for _, id := range m.order {
		p := m.proposals[id]
		if p.ScopeID == scopeID && want[id] {
			results = append(results, *p)
		}
	}
	return results, nil
}

func (m *mockProposalStore) MarkResolved(ctx context.Context, id uuid.UUID, status domain.ProposalStatus, rationale string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok {
		return store.ErrNotFound
	}
	if p.Status != domain.ProposalPending {
		return store.ErrAlreadyResolved
	}
	p.Status = status
	p.Rationale = rationale
	now := time.Now()
	p.ResolvedAt = &now
	return nil
}

// mockCanonicalStore implements both domain.CanonicalReader and
// domain.CanonicalWriter. Commit mirrors the real transaction: evidence
// required, idempotent on proposal id, retcons applied, source proposal
// resolved.
type mockCanonicalStore struct {
	mu        sync.Mutex
	items     map[uuid.UUID]*domain.CanonicalItem
	byProp    map[uuid.UUID]uuid.UUID
	evidence  map[uuid.UUID][]domain.EvidenceRef
	proposals *mockProposalStore

	commitErr error // when set, Commit fails with this error
	commits   int
}

func newMockCanonicalStore(proposals *mockProposalStore) *mockCanonicalStore {
	return &mockCanonicalStore{
		items:     make(map[uuid.UUID]*domain.CanonicalItem),
		byProp:    make(map[uuid.UUID]uuid.UUID),
		evidence:  make(map[uuid.UUID][]domain.EvidenceRef),
		proposals: proposals,
	}
}

func (m *mockCanonicalStore) Commit(ctx context.Context, in domain.CommitInput) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits++
	if m.commitErr != nil {
		return uuid.Nil, m.commitErr
	}
	if len(in.Proposal.Evidence) == 0 {
		return uuid.Nil, store.ErrConstraintViolation
	}
	if existing, ok := m.byProp[in.Proposal.ID]; ok {
		return existing, nil
	}

	item := &domain.CanonicalItem{
		ID:          uuid.New(),
		ChronicleID: in.Proposal.ChronicleID,
		ScopeID:     in.Proposal.ScopeID,
		ProposalID:  in.Proposal.ID,
		Kind:        in.Proposal.Kind,
		Payload:     in.Proposal.Payload,
		CanonLevel:  domain.CanonLevelCanon,
		Confidence:  in.Decision.EffectiveConfidence,
		Authority:   in.Proposal.Authority,
		CreatedAt:   time.Now(),
	}
	m.items[item.ID] = item
	m.byProp[in.Proposal.ID] = item.ID
	m.evidence[item.ID] = append([]domain.EvidenceRef(nil), in.Proposal.Evidence...)

	for _, oldID := range in.Decision.Retcons {
		if old, ok := m.items[oldID]; ok && old.CanonLevel == domain.CanonLevelCanon {
			old.CanonLevel = domain.CanonLevelRetconned
			id := item.ID
			old.ReplacedBy = &id
		}
	}

	if m.proposals != nil {
		_ = m.proposals.MarkResolved(ctx, in.Proposal.ID, domain.ProposalAccepted, in.Decision.Rationale)
	}
	return item.ID, nil
}

func (m *mockCanonicalStore) GetByID(ctx context.Context, id uuid.UUID, chronicleID uuid.UUID) (*domain.CanonicalItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.ChronicleID != chronicleID {
		return nil, store.ErrNotFound
	}
	cp := *item
	return &cp, nil
}

func (m *mockCanonicalStore) GetBySourceProposal(ctx context.Context, proposalID uuid.UUID) (*domain.CanonicalItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byProp[proposalID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m.items[id]
	return &cp, nil
}

func (m *mockCanonicalStore) ActiveByEntity(ctx context.Context, chronicleID uuid.UUID, entity string) ([]domain.CanonicalItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var results []domain.CanonicalItem
	for _, item := range m.items {
		if item.ChronicleID != chronicleID || item.CanonLevel != domain.CanonLevelCanon {
			continue
		}
		if item.Payload.Entity == entity || item.Payload.Object == entity {
			results = append(results, *item)
		}
	}
	return results, nil
}

func (m *mockCanonicalStore) Query(ctx context.Context, chronicleID uuid.UUID, f domain.CanonFilter) ([]domain.CanonicalItemWithScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var results []domain.CanonicalItemWithScore
	for _, item := range m.items {
		if item.ChronicleID != chronicleID {
			continue
		}
		if f.Kind != nil && item.Kind != *f.Kind {
			continue
		}
		if f.CanonLevel != nil && item.CanonLevel != *f.CanonLevel {
			continue
		}
		if f.Entity != "" && item.Payload.Entity != f.Entity {
			continue
		}
		if item.Confidence < f.MinConfidence {
			continue
		}
		results = append(results, domain.CanonicalItemWithScore{CanonicalItem: *item})
	}
	return results, nil
}

func (m *mockCanonicalStore) History(ctx context.Context, id uuid.UUID, chronicleID uuid.UUID) ([]domain.CanonicalItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.ChronicleID != chronicleID {
		return nil, store.ErrNotFound
	}
	chain := []domain.CanonicalItem{*item}
	for item.ReplacedBy != nil {
		next, ok := m.items[*item.ReplacedBy]
		if !ok {
			break
		}
		chain = append(chain, *next)
		item = next
	}
	return chain, nil
}

// mockNotifier records notifications.
type mockNotifier struct {
	mu     sync.Mutex
	events [][]uuid.UUID
}

func (m *mockNotifier) NotifyCanonized(chronicleID, scopeID uuid.UUID, itemIDs []uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, itemIDs)
}
