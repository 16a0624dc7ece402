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
	ErrStoryNotFound  = errors.New("story not found")
	ErrSessionBusy    = errors.New("session is already executing")
	ErrStoryNotActive = errors.New("story is not active")
)

// CriticalFunc decides whether a turn's staged proposals warrant an
// immediate mid-scope checkpoint. The loop controller is agnostic to what
// counts as critical; callers supply the predicate (entity death, an
// explicit commit command, anything).
type CriticalFunc func(turn domain.Turn, staged []domain.Proposal) bool

// LoopService sequences the nested narrative levels: session -> story ->
// scope (scene) -> turn. Each level is its own small machine, composed by
// reference; only scope checkpoints and finalization ever reach the
// canonical store, and only through the canonizer.
type LoopService struct {
	stories   domain.StoryStore
	scopes    domain.ScopeStore
	turns     domain.TurnStore
	staging   *StagingService
	canonizer *Canonizer
	critical  CriticalFunc
	logger    *zap.Logger
}

func NewLoopService(stories domain.StoryStore, scopes domain.ScopeStore, turns domain.TurnStore, staging *StagingService, canonizer *Canonizer, logger *zap.Logger) *LoopService {
	return &LoopService{
		stories:   stories,
		scopes:    scopes,
		turns:     turns,
		staging:   staging,
		canonizer: canonizer,
		logger:    logger,
	}
}

// SetCriticalFunc installs the checkpoint trigger predicate. Without one,
// turns never checkpoint and everything waits for finalize.
func (s *LoopService) SetCriticalFunc(f CriticalFunc) {
	s.critical = f
}

func (s *LoopService) CreateStory(ctx context.Context, chronicleID uuid.UUID, title string) (*domain.Story, error) {
	st := &domain.Story{
		ChronicleID: chronicleID,
		Title:       title,
		Status:      domain.StoryCreated,
	}
	if err := s.stories.Create(ctx, st); err != nil {
		return nil, fmt.Errorf("create story: %w", err)
	}
	return st, nil
}

func (s *LoopService) ActivateStory(ctx context.Context, chronicleID, storyID uuid.UUID) (*domain.Story, error) {
	if err := s.stories.UpdateStatus(ctx, storyID, domain.StoryCreated, domain.StoryActive); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrStoryNotFound
		}
		return nil, err
	}
	return s.stories.GetByID(ctx, storyID, chronicleID)
}

// CompleteStory closes the story. The closure event is the only thing a
// story canonizes itself: an event proposal staged into closureScopeID
// and checkpointed immediately.
func (s *LoopService) CompleteStory(ctx context.Context, chronicleID, storyID, closureScopeID uuid.UUID) (*BatchResult, error) {
	st, err := s.stories.GetByID(ctx, storyID, chronicleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrStoryNotFound
		}
		return nil, err
	}
	if st.Status != domain.StoryActive {
		return nil, ErrStoryNotActive
	}

	closure := &domain.Proposal{
		ChronicleID: chronicleID,
		ScopeID:     closureScopeID,
		Kind:        domain.ProposalKindEvent,
		Payload: domain.Payload{
			Statement: fmt.Sprintf("story %q concluded", st.Title),
			Attrs:     map[string]any{"story_id": storyID.String()},
		},
		Evidence:   []domain.EvidenceRef{{Kind: domain.EvidenceRefRule, Ref: "story:closure"}},
		Confidence: 1.0,
		Authority:  domain.AuthorityArbiter,
	}
	if err := s.staging.Stage(ctx, closure); err != nil {
		return nil, fmt.Errorf("stage closure event: %w", err)
	}

	result, err := s.canonizer.Checkpoint(ctx, chronicleID, closureScopeID, []uuid.UUID{closure.ID})
	if err != nil {
		return nil, err
	}

	if err := s.stories.UpdateStatus(ctx, storyID, domain.StoryActive, domain.StoryCompleted); err != nil {
		return nil, fmt.Errorf("complete story: %w", err)
	}
	s.logger.Info("story completed", zap.String("story_id", storyID.String()))
	return result, nil
}

func (s *LoopService) CreateScene(ctx context.Context, chronicleID, storyID uuid.UUID, name string) (*domain.Scope, error) {
	st, err := s.stories.GetByID(ctx, storyID, chronicleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrStoryNotFound
		}
		return nil, err
	}
	if st.Status != domain.StoryActive {
		return nil, ErrStoryNotActive
	}

	sc := &domain.Scope{
		ChronicleID: chronicleID,
		StoryID:     storyID,
		Name:        name,
		Status:      domain.ScopeCreated,
	}
	if err := s.scopes.Create(ctx, sc); err != nil {
		return nil, fmt.Errorf("create scene: %w", err)
	}
	return sc, nil
}

func (s *LoopService) GetScene(ctx context.Context, chronicleID, scopeID uuid.UUID) (*domain.Scope, error) {
	return s.scopes.GetByID(ctx, scopeID, chronicleID)
}

func (s *LoopService) ListScenes(ctx context.Context, chronicleID, storyID uuid.UUID) ([]domain.Scope, error) {
	return s.scopes.ListByStory(ctx, storyID, chronicleID)
}

// BeginScene loads context: created -> active.
func (s *LoopService) BeginScene(ctx context.Context, chronicleID, scopeID uuid.UUID) (*domain.Scope, error) {
	if err := s.scopes.UpdateStatus(ctx, scopeID, domain.ScopeCreated, domain.ScopeActive); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: activate", domain.ErrInvalidTransition)
		}
		return nil, err
	}
	return s.scopes.GetByID(ctx, scopeID, chronicleID)
}

// TurnInput is one interaction: free-form input plus the proposals the
// (external) narrative and mechanics collaborators derived from it.
type TurnInput struct {
	ChronicleID uuid.UUID
	ScopeID     uuid.UUID
	Input       string
	Proposals   []domain.Proposal
}

// TurnResult reports what a turn staged and, when the critical predicate
// fired, what the resulting checkpoint decided.
type TurnResult struct {
	Turn       domain.Turn  `json:"turn"`
	StagedIDs  []uuid.UUID  `json:"staged_ids"`
	Checkpoint *BatchResult `json:"checkpoint,omitempty"`
}

// Turn records the interaction and stages its proposals, appending the
// turn id to each proposal's evidence. Turns never canonize on their own;
// only the critical predicate can trigger a mid-scope checkpoint.
func (s *LoopService) Turn(ctx context.Context, in TurnInput) (*TurnResult, error) {
	scope, err := s.scopes.GetByID(ctx, in.ScopeID, in.ChronicleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrScopeNotFound
		}
		return nil, err
	}
	if scope.Status != domain.ScopeActive {
		return nil, domain.ErrScopeNotActive
	}

	// The turn id is minted here so its evidence ref can be validated
	// before the turn row is written; a malformed proposal must not
	// leave an orphan turn record.
	turn := &domain.Turn{
		ID:          uuid.New(),
		ChronicleID: in.ChronicleID,
		ScopeID:     in.ScopeID,
		Input:       in.Input,
	}
	staged := make([]domain.Proposal, 0, len(in.Proposals))
	for i := range in.Proposals {
		p := in.Proposals[i]
		p.ChronicleID = in.ChronicleID
		p.ScopeID = in.ScopeID
		p.Evidence = append(p.Evidence, domain.EvidenceRef{
			Kind: domain.EvidenceRefTurn,
			Ref:  turn.ID.String(),
		})
		if err := ValidateProposal(&p); err != nil {
			return nil, err
		}
		staged = append(staged, p)
	}

	if err := s.turns.Create(ctx, turn); err != nil {
		return nil, fmt.Errorf("record turn: %w", err)
	}

	stagedIDs := make([]uuid.UUID, 0, len(staged))
	for i := range staged {
		if err := s.staging.Stage(ctx, &staged[i]); err != nil {
			return nil, err
		}
		stagedIDs = append(stagedIDs, staged[i].ID)
	}

	result := &TurnResult{Turn: *turn, StagedIDs: stagedIDs}
	if s.critical != nil && len(staged) > 0 && s.critical(*turn, staged) {
		checkpoint, err := s.canonizer.Checkpoint(ctx, in.ChronicleID, in.ScopeID, stagedIDs)
		if err != nil {
			return nil, err
		}
		result.Checkpoint = checkpoint
	}
	return result, nil
}

// EndScene finalizes the scope: every remaining pending proposal is
// resolved and the scope completes.
func (s *LoopService) EndScene(ctx context.Context, chronicleID, scopeID uuid.UUID) (*BatchResult, error) {
	return s.canonizer.Finalize(ctx, chronicleID, scopeID)
}

// SessionController is the outermost loop level: idle -> executing ->
// idle. It owns no narrative state and never canonizes; it only brackets
// work delegated to the story and scope machines.
type SessionController struct {
	mu    sync.Mutex
	state domain.SessionState
}

func NewSessionController() *SessionController {
	return &SessionController{state: domain.SessionIdle}
}

func (s *SessionController) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Execute runs fn inside one idle -> executing -> idle cycle. Concurrent
// execution attempts fail rather than queue.
func (s *SessionController) Execute(ctx context.Context, fn func(context.Context) error) error {
	s.mu.Lock()
	if s.state != domain.SessionIdle {
		s.mu.Unlock()
		return ErrSessionBusy
	}
	s.state = domain.SessionExecuting
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.state = domain.SessionIdle
		s.mu.Unlock()
	}()
	return fn(ctx)
}
