// Package sparqlload is the shared IRI-batch extraction step used by both
// pipeline variants: list an entity's IRIs, pull detail rows chunk by
// chunk, and insert them into one snapshot table. It exists so that
// locationaddress and pls repeat only their query templates and column
// lists, not the pagination/insert plumbing.
package sparqlload

import (
	"context"
	"fmt"
	"strings"

	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/paginate"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/snapshot"
)

// Entity describes one SPARQL-sourced table: how to list its IRIs, how to
// fetch detail rows for a chunk of them, and which SPARQL binding names map
// to which (in order) insert columns.
type Entity struct {
	Table       string
	Columns     []string // insert column order; must match Rows' map keys
	IRIsQuery   string    // fully-rendered IRI-listing query, no VALUES restriction
	IRIVar      string    // SELECT variable bound to the IRI in IRIsQuery
	ChunkSize   int
	DetailQuery func(chunk []string) string // fully-rendered detail query for one chunk
}

// Load lists e's IRIs, fetches detail rows chunk by chunk, and inserts every
// row into e.Table. A binding absent from a row (an OPTIONAL that didn't
// match) is inserted as NULL.
func Load(ctx context.Context, s *snapshot.Store, sparqlClient paginate.SparqlQuerier, endpoint string, e Entity) (int, error) {
	pager := paginate.IRIBatchPaginator{
		Endpoint:    endpoint,
		Client:      sparqlClient,
		ChunkSize:   e.ChunkSize,
		IRIsQuery:   e.IRIsQuery,
		IRIVar:      e.IRIVar,
		DetailQuery: e.DetailQuery,
	}

	placeholders := make([]string, len(e.Columns))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	insertStmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", e.Table, strings.Join(e.Columns, ", "), strings.Join(placeholders, ", "))

	stmt, err := s.DB().PrepareContext(ctx, insertStmt)
	if err != nil {
		return 0, fmt.Errorf("sparqlload: prepare insert for %s: %w", e.Table, err)
	}
	defer stmt.Close()

	total := 0
	err = pager.Pages(ctx, func(rows []map[string]string) error {
		for _, row := range rows {
			values := make([]any, len(e.Columns))
			for i, col := range e.Columns {
				if v, ok := row[col]; ok && v != "" {
					values[i] = v
				} else {
					values[i] = nil
				}
			}
			if _, err := stmt.ExecContext(ctx, values...); err != nil {
				return fmt.Errorf("sparqlload: insert row into %s: %w", e.Table, err)
			}
			total++
		}
		return nil
	})
	if err != nil {
		return total, err
	}
	return total, nil
}
