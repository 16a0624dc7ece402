package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/storyloom/canon/internal/domain"
)

type TurnStore struct {
	db *pgxpool.Pool
}

func NewTurnStore(db *pgxpool.Pool) *TurnStore {
	return &TurnStore{db: db}
}

func (s *TurnStore) Create(ctx context.Context, t *domain.Turn) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return s.db.QueryRow(ctx,
		`INSERT INTO turns (id, chronicle_id, scope_id, input)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		t.ID, t.ChronicleID, t.ScopeID, t.Input,
	).Scan(&t.CreatedAt)
}

func (s *TurnStore) GetByID(ctx context.Context, id uuid.UUID, chronicleID uuid.UUID) (*domain.Turn, error) {
	t := &domain.Turn{}
	err := s.db.QueryRow(ctx,
		`SELECT id, chronicle_id, scope_id, input, created_at
		 FROM turns WHERE id = $1 AND chronicle_id = $2`,
		id, chronicleID,
	).Scan(&t.ID, &t.ChronicleID, &t.ScopeID, &t.Input, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}
