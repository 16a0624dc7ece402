package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/storyloom/canon/internal/domain"
)

// CanonicalStore implements both domain.CanonicalReader and
// domain.CanonicalWriter. The router hands the writer half only to the
// canonizer; everything else sees the reader interface.
type CanonicalStore struct {
	db *pgxpool.Pool
}

func NewCanonicalStore(db *pgxpool.Pool) *CanonicalStore {
	return &CanonicalStore{db: db}
}

// Commit makes one accepted proposal durable: the item row, its evidence
// edges and any retcon marks land in a single transaction, so no reader
// ever observes a canonical item without its evidence. The source
// proposal is resolved in the same transaction, which is what makes a
// finalize retry safe after a crash.
func (s *CanonicalStore) Commit(ctx context.Context, in domain.CommitInput) (uuid.UUID, error) {
	p := in.Proposal
	if len(p.Evidence) == 0 {
		return uuid.Nil, ErrConstraintViolation
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin commit tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var embedding *pgvector.Vector
	if len(p.Embedding) > 0 {
		v := pgvector.NewVector(p.Embedding)
		embedding = &v
	}

	var itemID uuid.UUID
	err = tx.QueryRow(ctx,
		`INSERT INTO canonical_items (chronicle_id, scope_id, proposal_id, kind, payload, canon_level, confidence, authority, embedding)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (proposal_id) DO NOTHING
		 RETURNING id`,
		p.ChronicleID, p.ScopeID, p.ID, p.Kind, p.Payload, domain.CanonLevelCanon, p.Confidence, p.Authority, embedding,
	).Scan(&itemID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Already committed by an earlier attempt; return the existing
			// item so the caller stays idempotent.
			return s.existingItemID(ctx, p.ID)
		}
		return uuid.Nil, fmt.Errorf("insert canonical item: %w", err)
	}

	for i, ev := range p.Evidence {
		if _, err := tx.Exec(ctx,
			`INSERT INTO evidence (canonical_item_id, ref_kind, ref, ordinal)
			 VALUES ($1, $2, $3, $4)`,
			itemID, ev.Kind, ev.Ref, i,
		); err != nil {
			return uuid.Nil, fmt.Errorf("insert evidence: %w", err)
		}
	}

	for _, oldID := range in.Decision.Retcons {
		if _, err := tx.Exec(ctx,
			`UPDATE canonical_items
			 SET canon_level = $3, replaced_by = $4, updated_at = NOW()
			 WHERE id = $1 AND chronicle_id = $2 AND canon_level = $5`,
			oldID, p.ChronicleID, domain.CanonLevelRetconned, itemID, domain.CanonLevelCanon,
		); err != nil {
			return uuid.Nil, fmt.Errorf("mark retconned: %w", err)
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE proposals SET status = $2, rationale = $3, resolved_at = NOW()
		 WHERE id = $1 AND status = $4`,
		p.ID, domain.ProposalAccepted, in.Decision.Rationale, domain.ProposalPending,
	); err != nil {
		return uuid.Nil, fmt.Errorf("resolve proposal: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("commit tx: %w", err)
	}
	return itemID, nil
}

func (s *CanonicalStore) existingItemID(ctx context.Context, proposalID uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.QueryRow(ctx,
		`SELECT id FROM canonical_items WHERE proposal_id = $1`, proposalID,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("lookup committed item: %w", err)
	}
	return id, nil
}

func (s *CanonicalStore) GetByID(ctx context.Context, id uuid.UUID, chronicleID uuid.UUID) (*domain.CanonicalItem, error) {
	item := &domain.CanonicalItem{}
	err := s.db.QueryRow(ctx,
		`SELECT id, chronicle_id, scope_id, proposal_id, kind, payload, canon_level, confidence, authority, replaced_by, created_at, updated_at
		 FROM canonical_items WHERE id = $1 AND chronicle_id = $2`,
		id, chronicleID,
	).Scan(&item.ID, &item.ChronicleID, &item.ScopeID, &item.ProposalID, &item.Kind, &item.Payload, &item.CanonLevel, &item.Confidence, &item.Authority, &item.ReplacedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return item, nil
}

func (s *CanonicalStore) GetBySourceProposal(ctx context.Context, proposalID uuid.UUID) (*domain.CanonicalItem, error) {
	item := &domain.CanonicalItem{}
	err := s.db.QueryRow(ctx,
		`SELECT id, chronicle_id, scope_id, proposal_id, kind, payload, canon_level, confidence, authority, replaced_by, created_at, updated_at
		 FROM canonical_items WHERE proposal_id = $1`,
		proposalID,
	).Scan(&item.ID, &item.ChronicleID, &item.ScopeID, &item.ProposalID, &item.Kind, &item.Payload, &item.CanonLevel, &item.Confidence, &item.Authority, &item.ReplacedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return item, nil
}

// ActiveByEntity returns canon-level items whose payload references the
// entity, as subject or object. Retconned items never participate in
// contradiction detection.
func (s *CanonicalStore) ActiveByEntity(ctx context.Context, chronicleID uuid.UUID, entity string) ([]domain.CanonicalItem, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, chronicle_id, scope_id, proposal_id, kind, payload, canon_level, confidence, authority, replaced_by, created_at, updated_at
		 FROM canonical_items
		 WHERE chronicle_id = $1 AND canon_level = $2
		   AND (payload->>'entity' = $3 OR payload->>'object' = $3)
		 ORDER BY created_at, id`,
		chronicleID, domain.CanonLevelCanon, entity,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.CanonicalItem
	for rows.Next() {
		var item domain.CanonicalItem
		if err := rows.Scan(&item.ID, &item.ChronicleID, &item.ScopeID, &item.ProposalID, &item.Kind, &item.Payload, &item.CanonLevel, &item.Confidence, &item.Authority, &item.ReplacedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, err
		}
		results = append(results, item)
	}
	return results, rows.Err()
}

func (s *CanonicalStore) Query(ctx context.Context, chronicleID uuid.UUID, f domain.CanonFilter) ([]domain.CanonicalItemWithScore, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}

	var conditions []string
	var args []any

	conditions = append(conditions, fmt.Sprintf("chronicle_id = $%d", len(args)+1))
	args = append(args, chronicleID)

	if f.Kind != nil {
		conditions = append(conditions, fmt.Sprintf("kind = $%d", len(args)+1))
		args = append(args, string(*f.Kind))
	}

	if f.CanonLevel != nil {
		conditions = append(conditions, fmt.Sprintf("canon_level = $%d", len(args)+1))
		args = append(args, string(*f.CanonLevel))
	}

	if f.Entity != "" {
		conditions = append(conditions, fmt.Sprintf("(payload->>'entity' = $%d OR payload->>'object' = $%d)", len(args)+1, len(args)+1))
		args = append(args, f.Entity)
	}

	if f.MinConfidence > 0 {
		conditions = append(conditions, fmt.Sprintf("confidence >= $%d", len(args)+1))
		args = append(args, f.MinConfidence)
	}

	score := "0 AS score"
	order := "confidence DESC, created_at DESC"
	if len(f.Embedding) > 0 {
		conditions = append(conditions, "embedding IS NOT NULL")
		embeddingParam := len(args) + 1
		args = append(args, pgvector.NewVector(f.Embedding))
		score = fmt.Sprintf("1 - (embedding <=> $%d) AS score", embeddingParam)
		order = fmt.Sprintf("embedding <=> $%d", embeddingParam)
	}

	limitParam := len(args) + 1
	args = append(args, f.Limit)

	query := fmt.Sprintf(
		`SELECT id, chronicle_id, scope_id, proposal_id, kind, payload, canon_level, confidence, authority, replaced_by, created_at, updated_at, %s
		 FROM canonical_items
		 WHERE %s
		 ORDER BY %s
		 LIMIT $%d`,
		score,
		strings.Join(conditions, " AND "),
		order,
		limitParam,
	)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("canon query: %w", err)
	}
	defer rows.Close()

	var results []domain.CanonicalItemWithScore
	for rows.Next() {
		var item domain.CanonicalItemWithScore
		if err := rows.Scan(&item.ID, &item.ChronicleID, &item.ScopeID, &item.ProposalID, &item.Kind, &item.Payload, &item.CanonLevel, &item.Confidence, &item.Authority, &item.ReplacedBy, &item.CreatedAt, &item.UpdatedAt, &item.Score); err != nil {
			return nil, err
		}
		results = append(results, item)
	}
	return results, rows.Err()
}

// History follows the replaces chain forward from id: the item itself
// first, then each successor, newest last.
func (s *CanonicalStore) History(ctx context.Context, id uuid.UUID, chronicleID uuid.UUID) ([]domain.CanonicalItem, error) {
	var chain []domain.CanonicalItem
	next := &id
	for next != nil {
		item, err := s.GetByID(ctx, *next, chronicleID)
		if err != nil {
			return nil, err
		}
		chain = append(chain, *item)
		next = item.ReplacedBy
		// Retcon chains are acyclic by construction; the bound is a
		// safeguard against corrupted links.
		if len(chain) > 1000 {
			return nil, fmt.Errorf("retcon chain too long starting at %s", id)
		}
	}
	return chain, nil
}
