// Package snapshot implements the embedded, content-addressed relational
// database that backs one ETL run (C4), plus the schema/indexing machinery
// (C10). Tuning PRAGMAs applied during bulk load are restored to safe
// defaults before the run finishes; the post-load foreign-key check is the
// integrity gate and is never skipped.
package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/errs"
)

// Store is a single embedded database file for one pipeline run.
type Store struct {
	db   *sql.DB
	log  *slog.Logger
	path string
}

// bulkLoadPragmas disable durability fsyncs and constraint enforcement for
// the duration of the extract phase. safePragmas restores them.
var bulkLoadPragmas = []string{
	"PRAGMA foreign_keys = OFF",
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = OFF",
	"PRAGMA cache_size = -200000", // ~200MB page cache
	"PRAGMA mmap_size = 536870912",
	"PRAGMA page_size = 8192",
	"PRAGMA auto_vacuum = NONE",
	"PRAGMA temp_store = MEMORY",
}

var safePragmas = []string{
	"PRAGMA synchronous = FULL",
	"PRAGMA foreign_keys = ON",
}

// Open creates (if absent) and opens the snapshot file at path, applying the
// bulk-load tuning PRAGMAs.
func Open(ctx context.Context, log *slog.Logger, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // concurrent writers to the same database file are not supported

	s := &Store{db: db, log: log, path: path}
	for _, pragma := range bulkLoadPragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragma %q: %w", pragma, err)
		}
	}
	return s, nil
}

// DB returns the underlying *sql.DB for packages (schema, idmap, rowhash,
// diff, sync) that need direct SQL access.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the local filesystem path of the snapshot file.
func (s *Store) Path() string { return s.path }

// Finalize restores safe durability/constraint-enforcement defaults and runs
// the foreign-key integrity check. Per the design notes, this check is the
// integrity gate and MUST NOT be skipped: any violation is returned as
// errs.DataIntegrity.
func (s *Store) Finalize(ctx context.Context) error {
	for _, pragma := range safePragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to restore pragma %q: %w", pragma, err)
		}
	}

	rows, err := s.db.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return fmt.Errorf("failed to run foreign key check: %w", err)
	}
	defer rows.Close()

	var violations []string
	for rows.Next() {
		var table string
		var rowid sql.NullInt64
		var parent string
		var fkid int
		if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return fmt.Errorf("failed to scan foreign key violation: %w", err)
		}
		violations = append(violations, fmt.Sprintf("%s (rowid=%v) -> %s (fk #%d)", table, rowid, parent, fkid))
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate foreign key violations: %w", err)
	}
	if len(violations) > 0 {
		return &errs.DataIntegrity{Op: "finalize", Err: fmt.Errorf("orphaned rows after load: %v", violations)}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Checkpoint folds the WAL file into the main database file, so that
// Path() alone is a complete, self-contained snapshot safe to publish while
// the connection is still open.
func (s *Store) Checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to checkpoint wal: %w", err)
	}
	return nil
}

// AttachPrevious attaches the previous-run snapshot file under alias
// "previous" for the diff's attach/detach protocol. The database is attached
// with a plain ATTACH, so SQLite does not open it read-only; the run only
// reads from it.
func (s *Store) AttachPrevious(ctx context.Context, previousPath string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("ATTACH DATABASE %s AS previous", quoteLiteral(previousPath)))
	if err != nil {
		return fmt.Errorf("failed to attach previous snapshot %q: %w", previousPath, err)
	}
	return nil
}

// DetachPrevious detaches the previous-run snapshot before publication.
func (s *Store) DetachPrevious(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DETACH DATABASE previous")
	if err != nil {
		return fmt.Errorf("failed to detach previous snapshot: %w", err)
	}
	return nil
}

// quoteLiteral quotes a filesystem path as a SQLite string literal.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
