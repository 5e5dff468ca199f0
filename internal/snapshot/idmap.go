package snapshot

import (
	"context"
	"fmt"
	"strings"
)

// IDMap rewrites a table's IRI-valued column to the dense integer id
// assigned by the named map table:
//
//  1. insert distinct unresolved values into the map table;
//  2. update the focus table in batches of 10,000 rows, joining the map
//     table;
//  3. rebuild the focus table with the column redefined as INTEGER,
//     preserving the other columns.
//
// Running Rewrite twice over the same inputs is idempotent (testable
// property 3): once an IRI has been assigned an id, step 1 finds no new
// unresolved values and step 2/3 are no-ops in effect (the rebuilt table has
// identical contents).
type IDMap struct {
	MapTable   string
	FocusTable string
	Column     string
	BatchSize  int // default 10,000
}

func (m IDMap) batchSize() int {
	if m.BatchSize > 0 {
		return m.BatchSize
	}
	return 10000
}

// Rewrite performs the full insert/update/rebuild sequence. rebuiltColumns
// must list every column of FocusTable in declared order with Column's type
// already set to ColInteger, since the rebuild needs the complete target
// schema (Go has no PRAGMA table_info to introspect from, unlike the
// original implementation this is grounded on).
func (m IDMap) Rewrite(ctx context.Context, s *Store, rebuiltColumns []Column) error {
	if err := m.insertNewIdentifiers(ctx, s); err != nil {
		return err
	}
	if err := m.updateFocusTableInBatches(ctx, s); err != nil {
		return err
	}
	return m.rebuildWithIntegerColumn(ctx, s, rebuiltColumns)
}

func (m IDMap) insertNewIdentifiers(ctx context.Context, s *Store) error {
	tx, err := s.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("idmap: failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	insertStmt := fmt.Sprintf(`
		INSERT INTO %s (iri)
		SELECT DISTINCT f.%s
		FROM %s f
		LEFT JOIN %s m ON f.%s = m.iri
		WHERE m.iri IS NULL AND f.%s IS NOT NULL AND typeof(f.%s) = 'text'
	`, m.MapTable, m.Column, m.FocusTable, m.MapTable, m.Column, m.Column, m.Column)

	if _, err := tx.ExecContext(ctx, insertStmt); err != nil {
		return fmt.Errorf("idmap: failed to insert new identifiers into %s: %w", m.MapTable, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("idmap: failed to commit new identifiers: %w", err)
	}
	return nil
}

func (m IDMap) updateFocusTableInBatches(ctx context.Context, s *Store) error {
	var total int
	row := s.DB().QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", m.FocusTable))
	if err := row.Scan(&total); err != nil {
		return fmt.Errorf("idmap: failed to count %s: %w", m.FocusTable, err)
	}

	batch := m.batchSize()
	for offset := 0; offset < total; offset += batch {
		updateStmt := fmt.Sprintf(`
			UPDATE %s
			SET %s = (SELECT id FROM %s WHERE iri = %s.%s)
			WHERE rowid IN (
				SELECT rowid FROM %s ORDER BY rowid LIMIT %d OFFSET %d
			) AND %s IS NOT NULL AND typeof(%s) = 'text'
		`, m.FocusTable, m.Column, m.MapTable, m.FocusTable, m.Column, m.FocusTable, batch, offset, m.Column, m.Column)

		if _, err := s.DB().ExecContext(ctx, updateStmt); err != nil {
			return fmt.Errorf("idmap: failed to update batch at offset %d: %w", offset, err)
		}
	}
	return nil
}

func (m IDMap) rebuildWithIntegerColumn(ctx context.Context, s *Store, rebuiltColumns []Column) error {
	tx, err := s.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("idmap: failed to begin rebuild tx: %w", err)
	}
	defer tx.Rollback()

	var cols []string
	var names []string
	for _, c := range rebuiltColumns {
		cols = append(cols, c.ddl())
		names = append(names, c.Name)
	}

	newTable := m.FocusTable + "_rewritten"
	createStmt := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", newTable, strings.Join(cols, ",\n  "))
	if _, err := tx.ExecContext(ctx, createStmt); err != nil {
		return fmt.Errorf("idmap: failed to create rebuild table %s: %w", newTable, err)
	}

	copyStmt := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", newTable, strings.Join(names, ", "), strings.Join(names, ", "), m.FocusTable)
	if _, err := tx.ExecContext(ctx, copyStmt); err != nil {
		return fmt.Errorf("idmap: failed to copy rows into %s: %w", newTable, err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE %s", m.FocusTable)); err != nil {
		return fmt.Errorf("idmap: failed to drop old table %s: %w", m.FocusTable, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", newTable, m.FocusTable)); err != nil {
		return fmt.Errorf("idmap: failed to rename %s to %s: %w", newTable, m.FocusTable, err)
	}

	return tx.Commit()
}
