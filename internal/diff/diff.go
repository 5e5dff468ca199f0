// Package diff implements the hash-based set difference between a previous
// and current snapshot table (C6).
package diff

import (
	"context"
	"fmt"

	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/snapshot"
)

// Spec names the tables and columns the diff is computed over.
type Spec struct {
	PreviousTable string // e.g. "address_previous"
	CurrentTable  string // e.g. "address_current"
	HashColumn    string // e.g. "id" or "hash"
	BusinessKey   string // e.g. "address_pid", "la_code", "road_id"
}

// Result holds the business ids that must be deleted from, and inserted
// into, the remote feature service to converge it to the current snapshot.
type Result struct {
	Deleted []string
	Added   []string
}

// Compute returns:
//
//	deleted := { p.K | p ∈ P ∧ ¬∃ c ∈ C . c.H = p.H }
//	added   := { c.K | c ∈ C ∧ ¬∃ p ∈ P . c.H = p.H }
//
// Rows whose attribute changes move their business id to a new hash and so
// appear on BOTH sides with the same id — this is correct and required by
// the sync engine's delete-then-insert-union protocol.
func Compute(ctx context.Context, s *snapshot.Store, spec Spec) (Result, error) {
	deleted, err := queryKeys(ctx, s, fmt.Sprintf(`
		SELECT DISTINCT p.%[1]s
		FROM %[2]s p
		LEFT JOIN %[3]s c ON p.%[4]s = c.%[4]s
		WHERE c.%[4]s IS NULL
	`, spec.BusinessKey, spec.PreviousTable, spec.CurrentTable, spec.HashColumn))
	if err != nil {
		return Result{}, fmt.Errorf("failed to compute deleted set for %s: %w", spec.CurrentTable, err)
	}

	added, err := queryKeys(ctx, s, fmt.Sprintf(`
		SELECT DISTINCT c.%[1]s
		FROM %[2]s c
		LEFT JOIN %[3]s p ON c.%[4]s = p.%[4]s
		WHERE p.%[4]s IS NULL
	`, spec.BusinessKey, spec.CurrentTable, spec.PreviousTable, spec.HashColumn))
	if err != nil {
		return Result{}, fmt.Errorf("failed to compute added set for %s: %w", spec.CurrentTable, err)
	}

	return Result{Deleted: deleted, Added: added}, nil
}

func queryKeys(ctx context.Context, s *snapshot.Store, query string) ([]string, error) {
	rows, err := s.DB().QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
