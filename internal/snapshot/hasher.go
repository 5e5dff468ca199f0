package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/rowhash"
)

// HashTable computes the content hash of every row in t.Name and
// stores it in t.HashColumn, excluding rowid and the hash column itself.
// Column iteration order is t.Columns' declared order.
func HashTable(ctx context.Context, log *slog.Logger, s *Store, t Table) error {
	log.Info("hashing rows", "table", t.Name)

	var selectCols []string
	for _, c := range t.Columns {
		if c.Name == t.HashColumn {
			continue
		}
		selectCols = append(selectCols, c.Name)
	}

	query := fmt.Sprintf("SELECT rowid, %s FROM %s", strings.Join(selectCols, ", "), t.Name)
	rows, err := s.DB().QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to select rows from %s for hashing: %w", t.Name, err)
	}

	type update struct {
		rowid int64
		hash  string
	}
	var updates []update

	dest := make([]any, len(selectCols)+1)
	var rowid int64
	dest[0] = &rowid
	scanVals := make([]any, len(selectCols))
	for i := range scanVals {
		dest[i+1] = &scanVals[i]
	}

	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan row from %s: %w", t.Name, err)
		}

		fields := make(rowhash.Row, len(selectCols))
		for i, name := range selectCols {
			fields[i] = rowhash.Field{Name: name, Value: driverValueToRowhashValue(scanVals[i])}
		}

		h, err := rowhash.Hash(fields)
		if err != nil {
			rows.Close()
			return fmt.Errorf("failed to hash row %d of %s: %w", rowid, t.Name, err)
		}
		updates = append(updates, update{rowid: rowid, hash: h})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("failed to iterate rows of %s: %w", t.Name, err)
	}
	rows.Close()

	tx, err := s.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin hash-update tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("UPDATE %s SET %s = ? WHERE rowid = ?", t.Name, t.HashColumn))
	if err != nil {
		return fmt.Errorf("failed to prepare hash update: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, u.hash, u.rowid); err != nil {
			return fmt.Errorf("failed to set hash for rowid %d in %s: %w", u.rowid, t.Name, err)
		}
	}

	return tx.Commit()
}

// driverValueToRowhashValue maps a value scanned from database/sql (int64,
// float64, string, []byte, bool, or nil) to a rowhash.Value, preserving the
// distinction between numeric and text storage classes so that numeric
// values serialise to their canonical decimal form.
func driverValueToRowhashValue(v any) rowhash.Value {
	switch val := v.(type) {
	case nil:
		return rowhash.NullValue()
	case int64:
		return rowhash.Int64Value(val)
	case float64:
		return rowhash.Float64Value(val)
	case string:
		return rowhash.StringValue(val)
	case []byte:
		return rowhash.StringValue(string(val))
	case bool:
		if val {
			return rowhash.Int64Value(1)
		}
		return rowhash.Int64Value(0)
	default:
		return rowhash.StringValue(fmt.Sprintf("%v", val))
	}
}
