package sparqlload

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/logger"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/paginate"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/snapshot"
)

// fakeResult implements paginate.SparqlResult over a fixed row set.
type fakeResult struct{ rows []map[string]string }

func (r fakeResult) Rows() []map[string]string { return r.rows }

// fakeSparqlClient answers the IRI-listing query with a fixed IRI set and
// every detail query with rows keyed by the requested chunk.
type fakeSparqlClient struct {
	iris   []string
	detail map[string]map[string]string // iri -> row
}

func (c *fakeSparqlClient) SparqlPost(ctx context.Context, endpoint, query string) (paginate.SparqlResult, error) {
	if strings.Contains(query, "LIST_IRIS") {
		rows := make([]map[string]string, len(c.iris))
		for i, iri := range c.iris {
			rows[i] = map[string]string{"iri": iri}
		}
		return fakeResult{rows: rows}, nil
	}
	var rows []map[string]string
	for _, iri := range c.iris {
		if strings.Contains(query, iri) {
			rows = append(rows, c.detail[iri])
		}
	}
	return fakeResult{rows: rows}, nil
}

func openWidgetSchema(t *testing.T) *snapshot.Store {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "widget.db")
	s, err := snapshot.Open(ctx, logger.New(false), path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	table := snapshot.Table{
		Name: "widget",
		Columns: []snapshot.Column{
			{Name: "iri", Type: snapshot.ColText, NotNull: true},
			{Name: "name", Type: snapshot.ColText},
			{Name: "optional_field", Type: snapshot.ColText},
		},
		BusinessKey: "iri",
	}
	require.NoError(t, table.CreateCurrent(ctx, s))
	return s
}

// TestLoadInsertsEveryDetailRow verifies the IRI-list-then-detail-chunk
// pipeline inserts one row per IRI with its bound columns.
func TestLoadInsertsEveryDetailRow(t *testing.T) {
	ctx := context.Background()
	s := openWidgetSchema(t)

	client := &fakeSparqlClient{
		iris: []string{"https://example/1", "https://example/2"},
		detail: map[string]map[string]string{
			"https://example/1": {"iri": "https://example/1", "name": "one", "optional_field": "present"},
			"https://example/2": {"iri": "https://example/2", "name": "two"}, // optional_field absent (OPTIONAL didn't match)
		},
	}

	entity := Entity{
		Table:     "widget",
		Columns:   []string{"iri", "name", "optional_field"},
		IRIsQuery: "LIST_IRIS",
		IRIVar:    "iri",
		ChunkSize: 10,
		DetailQuery: func(chunk []string) string {
			return "DETAIL " + strings.Join(chunk, " ")
		},
	}

	n, err := Load(ctx, s, client, "https://endpoint/sparql", entity)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	var name string
	require.NoError(t, s.DB().QueryRowContext(ctx, "SELECT name FROM widget WHERE iri = ?", "https://example/1").Scan(&name))
	require.Equal(t, "one", name)

	var optional *string
	require.NoError(t, s.DB().QueryRowContext(ctx, "SELECT optional_field FROM widget WHERE iri = ?", "https://example/2").Scan(&optional))
	require.Nil(t, optional)
}
