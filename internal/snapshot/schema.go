package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// ColumnType is the SQLite storage class used for a column.
type ColumnType string

const (
	ColText    ColumnType = "TEXT"
	ColInteger ColumnType = "INTEGER"
	ColReal    ColumnType = "REAL"
)

// Column describes one column of a snapshot table, including the
// CHECK-constraint invariants (e.g. la_name <= 40,
// state = 'QLD', status length = 1). An implementer may instead validate in
// application code; this store enforces the declared constraints in the
// database so that a row violating them is rejected before upload.
type Column struct {
	Name      string
	Type      ColumnType
	NotNull   bool
	MaxLength int    // 0 = unconstrained
	ExactLen  int    // 0 = unconstrained; e.g. status CHAR(1)
	Equals    string // non-empty = CHECK(col = 'Equals'), e.g. state = 'QLD'
}

func (c Column) ddl() string {
	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteByte(' ')
	b.WriteString(string(c.Type))
	if c.NotNull {
		b.WriteString(" NOT NULL")
	}
	if c.MaxLength > 0 {
		fmt.Fprintf(&b, " CHECK (length(%s) <= %d)", c.Name, c.MaxLength)
	}
	if c.ExactLen > 0 {
		fmt.Fprintf(&b, " CHECK (length(%s) = %d)", c.Name, c.ExactLen)
	}
	if c.Equals != "" {
		fmt.Fprintf(&b, " CHECK (%s = '%s')", c.Name, c.Equals)
	}
	return b.String()
}

// ForeignKey declares an advisory (enforced only after id-map rewriting and
// Store.Finalize) reference from Column to Table(RefColumn).
type ForeignKey struct {
	Column     string
	RefTable   string
	RefColumn  string
}

// Table describes one snapshot entity's current-table definition. The
// _previous and _loaded companion tables are derived from it.
type Table struct {
	Name        string
	Columns     []Column
	HashColumn  string // e.g. "id" (location-address) or "hash" (PLS)
	BusinessKey string // the id/business-id column used by the diff and sync engines
	ForeignKeys []ForeignKey
}

// ColumnNames returns the table's columns in declared order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// CreateCurrent creates the current-snapshot table (empty) if absent.
func (t Table) CreateCurrent(ctx context.Context, s *Store) error {
	return t.create(ctx, s, t.Name)
}

// CreatePrevious creates the <entity>_previous table, used only as the
// attach-and-copy target for the prior run's snapshot.
func (t Table) CreatePrevious(ctx context.Context, s *Store) error {
	return t.create(ctx, s, t.Name+"_previous")
}

// CreateStaging creates an ephemeral staging table with the same shape as
// the current table, used during extraction before the joined/rewritten
// current table is populated.
func (t Table) CreateStaging(ctx context.Context, s *Store) error {
	return t.create(ctx, s, t.Name+"_staging")
}

func (t Table) create(ctx context.Context, s *Store, name string) error {
	var cols []string
	for _, c := range t.Columns {
		cols = append(cols, c.ddl())
	}
	// Foreign keys are declared but advisory during bulk load: foreign_keys
	// is OFF until Store.Finalize re-enables enforcement.
	for _, fk := range t.ForeignKeys {
		cols = append(cols, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s(%s)", fk.Column, fk.RefTable, fk.RefColumn))
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", name, strings.Join(cols, ",\n  "))
	if _, err := s.DB().ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create table %s: %w", name, err)
	}
	return nil
}

// CreateLoadedQueue creates the <entity>_loaded queue table used by the sync
// engine to track per-record publication progress across a crash/resume.
func CreateLoadedQueue(ctx context.Context, s *Store, entity, businessKeyType string) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_loaded (
  business_id %s NOT NULL,
  loaded INTEGER NOT NULL DEFAULT 0
)`, entity, businessKeyType)
	if _, err := s.DB().ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create loaded queue for %s: %w", entity, err)
	}
	return nil
}

// CreateIDMap creates the {id INTEGER AUTO, iri TEXT UNIQUE} mapping table
// used to rewrite IRI columns to dense integers.
func CreateIDMap(ctx context.Context, s *Store, name string) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  iri TEXT NOT NULL
)`, name)
	if _, err := s.DB().ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create id-map table %s: %w", name, err)
	}
	return nil
}

// CreateMetadataTable creates the singleton { id=1, start_time, end_time }
// metadata row table.
func CreateMetadataTable(ctx context.Context, s *Store) error {
	stmt := `CREATE TABLE IF NOT EXISTS metadata (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  start_time TEXT,
  end_time TEXT
)`
	if _, err := s.DB().ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create metadata table: %w", err)
	}
	_, err := s.DB().ExecContext(ctx, `INSERT OR IGNORE INTO metadata (id, start_time, end_time) VALUES (1, NULL, NULL)`)
	if err != nil {
		return fmt.Errorf("failed to seed metadata row: %w", err)
	}
	return nil
}

// Indexes creates, after bulk insert (indexes are created after load to
// preserve insert throughput), one index on the business id,
// one per foreign-key column, and entity-specific extra indexes (e.g.
// geocode's address_pid/site_id).
func (t Table) Indexes(ctx context.Context, s *Store, extra ...string) error {
	statements := []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)", t.Name, t.BusinessKey, t.Name, t.BusinessKey),
	}
	for _, fk := range t.ForeignKeys {
		statements = append(statements, fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)", t.Name, fk.Column, t.Name, fk.Column))
	}
	for _, col := range extra {
		statements = append(statements, fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)", t.Name, col, t.Name, col))
	}
	statements = append(statements, fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_%s_unique ON %s (%s)", t.Name, t.HashColumn, t.Name, t.HashColumn))

	for _, stmt := range statements {
		if _, err := s.DB().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index (%s): %w", stmt, err)
		}
	}
	return nil
}

// WriteMetadataStartTime records the run's start time in the singleton
// metadata row.
func WriteMetadataStartTime(ctx context.Context, s *Store, t time.Time) error {
	_, err := s.DB().ExecContext(ctx, "UPDATE metadata SET start_time = ? WHERE id = 1", t.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to write metadata start time: %w", err)
	}
	return nil
}

// WriteMetadataEndTime records the run's end time.
func WriteMetadataEndTime(ctx context.Context, s *Store, t time.Time) error {
	_, err := s.DB().ExecContext(ctx, "UPDATE metadata SET end_time = ? WHERE id = 1", t.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to write metadata end time: %w", err)
	}
	return nil
}

// ReadPreviousStartTime reads the start_time recorded in the attached
// previous snapshot's metadata table, used as the geocode extraction
// watermark. ok is false when the previous run never
// recorded a start time, or recorded none (first run after a failed run).
func ReadPreviousStartTime(ctx context.Context, s *Store) (t time.Time, ok bool, err error) {
	var raw sql.NullString
	row := s.DB().QueryRowContext(ctx, "SELECT start_time FROM previous.metadata WHERE id = 1")
	if err := row.Scan(&raw); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read previous start time: %w", err)
	}
	if !raw.Valid || raw.String == "" {
		return time.Time{}, false, nil
	}
	t, err = time.Parse(time.RFC3339, raw.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse previous start time %q: %w", raw.String, err)
	}
	return t, true, nil
}

// CopyPreviousRows copies every row of the attached previous snapshot's
// table into <table>_previous.
func CopyPreviousRows(ctx context.Context, s *Store, table string) error {
	stmt := fmt.Sprintf("INSERT INTO %s_previous SELECT * FROM previous.%s", table, table)
	if _, err := s.DB().ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to copy previous rows for %s: %w", table, err)
	}
	return nil
}

// IDMapUniqueIndex creates the unique index on iri.
func IDMapUniqueIndex(ctx context.Context, s *Store, mapTable string) error {
	stmt := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_iri ON %s (iri)", mapTable, mapTable)
	if _, err := s.DB().ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create id-map unique index on %s: %w", mapTable, err)
	}
	return nil
}
