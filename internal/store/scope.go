package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/storyloom/canon/internal/domain"
)

type ScopeStore struct {
	db *pgxpool.Pool
}

func NewScopeStore(db *pgxpool.Pool) *ScopeStore {
	return &ScopeStore{db: db}
}

func (s *ScopeStore) Create(ctx context.Context, sc *domain.Scope) error {
	if sc.Status == "" {
		sc.Status = domain.ScopeCreated
	}
	return s.db.QueryRow(ctx,
		`INSERT INTO scopes (chronicle_id, story_id, name, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at, updated_at`,
		sc.ChronicleID, sc.StoryID, sc.Name, sc.Status,
	).Scan(&sc.ID, &sc.CreatedAt, &sc.UpdatedAt)
}

func (s *ScopeStore) GetByID(ctx context.Context, id uuid.UUID, chronicleID uuid.UUID) (*domain.Scope, error) {
	sc := &domain.Scope{}
	err := s.db.QueryRow(ctx,
		`SELECT id, chronicle_id, story_id, name, status, canonical_outcomes, created_at, updated_at, completed_at
		 FROM scopes WHERE id = $1 AND chronicle_id = $2`,
		id, chronicleID,
	).Scan(&sc.ID, &sc.ChronicleID, &sc.StoryID, &sc.Name, &sc.Status, &sc.CanonicalOutcomes, &sc.CreatedAt, &sc.UpdatedAt, &sc.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return sc, nil
}

func (s *ScopeStore) ListByStory(ctx context.Context, storyID uuid.UUID, chronicleID uuid.UUID) ([]domain.Scope, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, chronicle_id, story_id, name, status, canonical_outcomes, created_at, updated_at, completed_at
		 FROM scopes WHERE story_id = $1 AND chronicle_id = $2
		 ORDER BY created_at, id`,
		storyID, chronicleID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.Scope
	for rows.Next() {
		var sc domain.Scope
		if err := rows.Scan(&sc.ID, &sc.ChronicleID, &sc.StoryID, &sc.Name, &sc.Status, &sc.CanonicalOutcomes, &sc.CreatedAt, &sc.UpdatedAt, &sc.CompletedAt); err != nil {
			return nil, err
		}
		results = append(results, sc)
	}
	return results, rows.Err()
}

func (s *ScopeStore) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.ScopeStatus) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE scopes SET status = $3, updated_at = NOW()
		 WHERE id = $1 AND status = $2`,
		id, from, to,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *ScopeStore) Complete(ctx context.Context, id uuid.UUID, outcomes []uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE scopes SET status = $2, canonical_outcomes = $3, updated_at = NOW(), completed_at = NOW()
		 WHERE id = $1 AND status = $4`,
		id, domain.ScopeCompleted, outcomes, domain.ScopeFinalizing,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
