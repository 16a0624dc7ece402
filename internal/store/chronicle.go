package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/storyloom/canon/internal/domain"
)

type ChronicleStore struct {
	db *pgxpool.Pool
}

func NewChronicleStore(db *pgxpool.Pool) *ChronicleStore {
	return &ChronicleStore{db: db}
}

func (s *ChronicleStore) Create(ctx context.Context, c *domain.Chronicle) error {
	return s.db.QueryRow(ctx,
		`INSERT INTO chronicles (name, api_key_hash) VALUES ($1, $2)
		 RETURNING id, created_at, updated_at`,
		c.Name, c.APIKeyHash,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

func (s *ChronicleStore) GetByAPIKeyHash(ctx context.Context, apiKeyHash string) (*domain.Chronicle, error) {
	c := &domain.Chronicle{}
	err := s.db.QueryRow(ctx,
		`SELECT id, name, api_key_hash, created_at, updated_at
		 FROM chronicles WHERE api_key_hash = $1`,
		apiKeyHash,
	).Scan(&c.ID, &c.Name, &c.APIKeyHash, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return c, nil
}
