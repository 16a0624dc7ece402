package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/storyloom/canon/internal/domain"
)

type StoryStore struct {
	db *pgxpool.Pool
}

func NewStoryStore(db *pgxpool.Pool) *StoryStore {
	return &StoryStore{db: db}
}

func (s *StoryStore) Create(ctx context.Context, st *domain.Story) error {
	if st.Status == "" {
		st.Status = domain.StoryCreated
	}
	return s.db.QueryRow(ctx,
		`INSERT INTO stories (chronicle_id, title, status)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at, updated_at`,
		st.ChronicleID, st.Title, st.Status,
	).Scan(&st.ID, &st.CreatedAt, &st.UpdatedAt)
}

func (s *StoryStore) GetByID(ctx context.Context, id uuid.UUID, chronicleID uuid.UUID) (*domain.Story, error) {
	st := &domain.Story{}
	err := s.db.QueryRow(ctx,
		`SELECT id, chronicle_id, title, status, created_at, updated_at
		 FROM stories WHERE id = $1 AND chronicle_id = $2`,
		id, chronicleID,
	).Scan(&st.ID, &st.ChronicleID, &st.Title, &st.Status, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return st, nil
}

func (s *StoryStore) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.StoryStatus) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE stories SET status = $3, updated_at = NOW()
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
