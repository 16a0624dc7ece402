package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/storyloom/canon/internal/domain"
)

type ProposalStore struct {
	db *pgxpool.Pool
}

func NewProposalStore(db *pgxpool.Pool) *ProposalStore {
	return &ProposalStore{db: db}
}

func (s *ProposalStore) Create(ctx context.Context, p *domain.Proposal) error {
	var embedding *pgvector.Vector
	if len(p.Embedding) > 0 {
		v := pgvector.NewVector(p.Embedding)
		embedding = &v
	}

	if p.Status == "" {
		p.Status = domain.ProposalPending
	}

	return s.db.QueryRow(ctx,
		`INSERT INTO proposals (chronicle_id, scope_id, kind, payload, evidence, confidence, authority, status, embedding)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, created_at`,
		p.ChronicleID, p.ScopeID, p.Kind, p.Payload, p.Evidence, p.Confidence, p.Authority, p.Status, embedding,
	).Scan(&p.ID, &p.CreatedAt)
}

func (s *ProposalStore) GetByID(ctx context.Context, id uuid.UUID, chronicleID uuid.UUID) (*domain.Proposal, error) {
	p := &domain.Proposal{}
	err := s.db.QueryRow(ctx,
		`SELECT id, chronicle_id, scope_id, kind, payload, evidence, confidence, authority, status, rationale, created_at, resolved_at
		 FROM proposals WHERE id = $1 AND chronicle_id = $2`,
		id, chronicleID,
	).Scan(&p.ID, &p.ChronicleID, &p.ScopeID, &p.Kind, &p.Payload, &p.Evidence, &p.Confidence, &p.Authority, &p.Status, &p.Rationale, &p.CreatedAt, &p.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// ListByScope returns proposals for a scope in creation order, ties
// broken by id so finalize batches are deterministic.
func (s *ProposalStore) ListByScope(ctx context.Context, scopeID uuid.UUID, status *domain.ProposalStatus) ([]domain.Proposal, error) {
	query := `SELECT id, chronicle_id, scope_id, kind, payload, evidence, confidence, authority, status, rationale, created_at, resolved_at
	          FROM proposals WHERE scope_id = $1`
	args := []any{scopeID}
	if status != nil {
		query += ` AND status = $2`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanProposals(rows)
}

func (s *ProposalStore) ListByIDs(ctx context.Context, scopeID uuid.UUID, ids []uuid.UUID) ([]domain.Proposal, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, chronicle_id, scope_id, kind, payload, evidence, confidence, authority, status, rationale, created_at, resolved_at
		 FROM proposals WHERE scope_id = $1 AND id = ANY($2)
		 ORDER BY created_at, id`,
		scopeID, ids,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanProposals(rows)
}

// MarkResolved is a compare-and-set on status = pending. Resolved
// proposals are immutable history.
func (s *ProposalStore) MarkResolved(ctx context.Context, id uuid.UUID, status domain.ProposalStatus, rationale string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE proposals SET status = $2, rationale = $3, resolved_at = NOW()
		 WHERE id = $1 AND status = $4`,
		id, status, rationale, domain.ProposalPending,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var current domain.ProposalStatus
		err := s.db.QueryRow(ctx, `SELECT status FROM proposals WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrAlreadyResolved
	}
	return nil
}

func scanProposals(rows pgx.Rows) ([]domain.Proposal, error) {
	var results []domain.Proposal
	for rows.Next() {
		var p domain.Proposal
		if err := rows.Scan(&p.ID, &p.ChronicleID, &p.ScopeID, &p.Kind, &p.Payload, &p.Evidence, &p.Confidence, &p.Authority, &p.Status, &p.Rationale, &p.CreatedAt, &p.ResolvedAt); err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	return results, rows.Err()
}
