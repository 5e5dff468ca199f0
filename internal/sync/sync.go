// Package sync implements the sync engine (C7): reconciling the remote
// feature service with a diff.Result by deleting stale business ids and
// inserting the union of added and deleted ids (a changed row appears on
// both sides of the diff and must be deleted then reinserted with its new
// attributes).
package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/errs"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/featureservice"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/snapshot"
)

const (
	deleteBatchSize = 2000
	insertBatchSize = 2000
	// tokenPaceBatches mirrors crud.py's token_use = 10: one fresh token
	// serves up to this many delete/insert batches before being refreshed.
	tokenPaceBatches = 10
)

// TokenSource supplies bearer tokens, refreshing as needed.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// Spec names the table, columns, and feature-service client one entity
// syncs through.
type Spec struct {
	Entity              string   // log label, e.g. "address", "road"
	CurrentTable        string   // snapshot table to read insert rows from
	BusinessKey         string   // business-id column, e.g. "address_pid"
	BusinessKeyIsString bool     // true => quote ids with '...' in where clauses
	OutFields           []string // attribute columns to select for insert, in ESRI field order
	GeometryX           string   // longitude column name, "" if the entity has no geometry
	GeometryY           string   // latitude column name, "" if the entity has no geometry
	Client              *featureservice.Client
}

// Engine runs the delete-then-insert-union protocol against one snapshot
// store, pacing ESRI tokens across batches.
type Engine struct {
	store  *snapshot.Store
	tokens TokenSource
}

// New constructs an Engine bound to a snapshot store and token source.
func New(store *snapshot.Store, tokens TokenSource) *Engine {
	return &Engine{store: store, tokens: tokens}
}

// Sync reconciles the remote feature service for one entity: every id in
// deleted is removed, then the union of added and deleted ids is
// re-fetched from CurrentTable and inserted. Rows whose hash changed are
// present in both deleted and added, so they are deleted and reinserted
// with their new attributes.
func (e *Engine) Sync(ctx context.Context, spec Spec, deleted, added []string) error {
	pacer := newTokenPacer(e.tokens, tokenPaceBatches)

	if err := e.deleteBatches(ctx, spec, pacer, deleted); err != nil {
		return fmt.Errorf("sync %s: delete phase: %w", spec.Entity, err)
	}

	toInsert := unionDedup(added, deleted)
	if err := e.insertBatches(ctx, spec, pacer, toInsert); err != nil {
		return fmt.Errorf("sync %s: insert phase: %w", spec.Entity, err)
	}
	return nil
}

func (e *Engine) deleteBatches(ctx context.Context, spec Spec, pacer *tokenPacer, ids []string) error {
	for _, batch := range chunk(ids, deleteBatchSize) {
		where, err := whereIn(spec.BusinessKey, batch, spec.BusinessKeyIsString)
		if err != nil {
			return err
		}

		token, err := pacer.next(ctx)
		if err != nil {
			return err
		}

		objectIDs, err := spec.Client.QueryObjectIDs(ctx, token, where, "objectid", 0, deleteBatchSize)
		if isAuthExpired(err) {
			token, err = pacer.forceRefresh(ctx)
			if err != nil {
				return err
			}
			objectIDs, err = spec.Client.QueryObjectIDs(ctx, token, where, "objectid", 0, deleteBatchSize)
		}
		if err != nil {
			return fmt.Errorf("resolve objectids for delete: %w", err)
		}
		if len(objectIDs) == 0 {
			continue
		}

		if err := spec.Client.ApplyDeletes(ctx, token, objectIDs); isAuthExpired(err) {
			token, err = pacer.forceRefresh(ctx)
			if err != nil {
				return err
			}
			err = spec.Client.ApplyDeletes(ctx, token, objectIDs)
			if err != nil {
				return fmt.Errorf("apply deletes: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("apply deletes: %w", err)
		}
	}
	return nil
}

// insertBatches drains the entity's _loaded queue, which was seeded with
// every id in toInsert before the first batch, so a crash mid-sync resumes
// from the unloaded remainder on the next run.
func (e *Engine) insertBatches(ctx context.Context, spec Spec, pacer *tokenPacer, toInsert []string) error {
	if err := e.seedLoadedQueue(ctx, spec, toInsert); err != nil {
		return err
	}

	for {
		batch, err := e.popUnloadedBatch(ctx, spec, insertBatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		rows, err := e.fetchCurrentRows(ctx, spec, batch)
		if err != nil {
			return err
		}

		features := make([]featureservice.Feature, 0, len(rows))
		for _, row := range rows {
			f := featureservice.Feature{Attributes: row}
			if spec.GeometryX != "" && spec.GeometryY != "" {
				x, xok := toFloat(row[spec.GeometryX])
				y, yok := toFloat(row[spec.GeometryY])
				if xok && yok {
					f.Geometry = featureservice.NewGDA94Geometry(x, y)
				}
			}
			features = append(features, f)
		}

		token, err := pacer.next(ctx)
		if err != nil {
			return err
		}
		if err := spec.Client.ApplyInserts(ctx, token, features); isAuthExpired(err) {
			token, err = pacer.forceRefresh(ctx)
			if err != nil {
				return err
			}
			if err := spec.Client.ApplyInserts(ctx, token, features); err != nil {
				return fmt.Errorf("apply inserts: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("apply inserts: %w", err)
		}

		if err := e.markLoaded(ctx, spec, batch); err != nil {
			return err
		}
	}
}

func (e *Engine) seedLoadedQueue(ctx context.Context, spec Spec, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := e.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("seed loaded queue: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s_loaded (business_id, loaded) VALUES (?, 0)", spec.Entity))
	if err != nil {
		return fmt.Errorf("seed loaded queue: prepare: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("seed loaded queue: insert %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (e *Engine) popUnloadedBatch(ctx context.Context, spec Spec, limit int) ([]string, error) {
	rows, err := e.store.DB().QueryContext(ctx, fmt.Sprintf(
		"SELECT business_id FROM %s_loaded WHERE loaded = 0 LIMIT ?", spec.Entity), limit)
	if err != nil {
		return nil, fmt.Errorf("pop unloaded batch: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("pop unloaded batch: scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (e *Engine) markLoaded(ctx context.Context, spec Spec, ids []string) error {
	where, err := whereIn("business_id", ids, true)
	if err != nil {
		return err
	}
	_, err = e.store.DB().ExecContext(ctx, fmt.Sprintf("UPDATE %s_loaded SET loaded = 1 WHERE %s", spec.Entity, where))
	if err != nil {
		return fmt.Errorf("mark loaded: %w", err)
	}
	return nil
}

func (e *Engine) fetchCurrentRows(ctx context.Context, spec Spec, ids []string) ([]map[string]any, error) {
	where, err := whereIn(spec.BusinessKey, ids, spec.BusinessKeyIsString)
	if err != nil {
		return nil, err
	}
	cols := strings.Join(spec.OutFields, ", ")
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", cols, spec.CurrentTable, where)

	rows, err := e.store.DB().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("fetch current rows: %w", err)
	}
	defer rows.Close()

	var result []map[string]any
	dest := make([]any, len(spec.OutFields))
	for i := range dest {
		dest[i] = new(any)
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("fetch current rows: scan: %w", err)
		}
		attrs := make(map[string]any, len(spec.OutFields))
		for i, name := range spec.OutFields {
			attrs[name] = *(dest[i].(*any))
		}
		result = append(result, attrs)
	}
	return result, rows.Err()
}

// whereIn builds "column IN (v1,v2,...)". String ids containing a single
// quote are rejected rather than escaped: business ids are
// machine-generated identifiers and should never contain one; one that
// does indicates upstream data corruption worth failing loudly on.
func whereIn(column string, ids []string, quoted bool) (string, error) {
	parts := make([]string, len(ids))
	for i, id := range ids {
		if quoted {
			if strings.Contains(id, "'") {
				return "", &errs.DataIntegrity{Op: "sync.whereIn", Err: fmt.Errorf("business id %q contains a quote character", id)}
			}
			parts[i] = "'" + id + "'"
		} else {
			if _, err := strconv.ParseInt(id, 10, 64); err != nil {
				return "", &errs.DataIntegrity{Op: "sync.whereIn", Err: fmt.Errorf("business id %q is not numeric: %w", id, err)}
			}
			parts[i] = id
		}
	}
	return fmt.Sprintf("%s IN (%s)", column, strings.Join(parts, ",")), nil
}

func unionDedup(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, id := range a {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, id := range b {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func chunk(ids []string, size int) [][]string {
	var batches [][]string
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		batches = append(batches, ids[i:end])
	}
	return batches
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func isAuthExpired(err error) bool {
	var authErr *errs.AuthExpired
	return errors.As(err, &authErr)
}

// tokenPacer hands out the current token, forcing a refresh every N calls
// to next, mirroring crud.py's token_use = 10 counter.
type tokenPacer struct {
	src     TokenSource
	every   int
	count   int
	current string
}

func newTokenPacer(src TokenSource, every int) *tokenPacer {
	return &tokenPacer{src: src, every: every}
}

func (p *tokenPacer) next(ctx context.Context) (string, error) {
	if p.current == "" || p.count >= p.every {
		fetch := p.src.Token
		if p.current != "" {
			fetch = p.src.ForceRefresh
		}
		tok, err := fetch(ctx)
		if err != nil {
			return "", err
		}
		p.current = tok
		p.count = 0
	}
	p.count++
	return p.current, nil
}

func (p *tokenPacer) forceRefresh(ctx context.Context) (string, error) {
	tok, err := p.src.ForceRefresh(ctx)
	if err != nil {
		return "", err
	}
	p.current = tok
	p.count = 1
	return tok, nil
}
