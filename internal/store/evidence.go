package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/storyloom/canon/internal/domain"
)

// EvidenceStore reads the append-only evidence ledger. Rows are written
// only inside CanonicalStore.Commit; this type intentionally has no
// insert, update or delete statements. A retcon leaves the superseded
// item's rows in place for audit.
type EvidenceStore struct {
	db *pgxpool.Pool
}

func NewEvidenceStore(db *pgxpool.Pool) *EvidenceStore {
	return &EvidenceStore{db: db}
}

func (s *EvidenceStore) ListByItem(ctx context.Context, itemID uuid.UUID) ([]domain.EvidenceRef, error) {
	rows, err := s.db.Query(ctx,
		`SELECT ref_kind, ref FROM evidence
		 WHERE canonical_item_id = $1
		 ORDER BY ordinal`,
		itemID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.EvidenceRef
	for rows.Next() {
		var ev domain.EvidenceRef
		if err := rows.Scan(&ev.Kind, &ev.Ref); err != nil {
			return nil, err
		}
		results = append(results, ev)
	}
	return results, rows.Err()
}
