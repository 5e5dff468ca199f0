package paginate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/errs"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/paginate"
)

type fakeTokens struct {
	refreshes int
}

func (f *fakeTokens) Token(ctx context.Context) (string, error) { return "tok", nil }
func (f *fakeTokens) ForceRefresh(ctx context.Context) (string, error) {
	f.refreshes++
	return "tok-refreshed", nil
}

type fakeService struct {
	total       int
	failAtOffset int // -1 = never fail
	failed      bool
}

func (f *fakeService) Count(ctx context.Context, token, where string) (int, error) {
	return f.total, nil
}

func (f *fakeService) Query(ctx context.Context, token, where string, outFields []string, offset, limit int) ([]map[string]any, error) {
	if offset == f.failAtOffset && !f.failed {
		f.failed = true
		return nil, &errs.AuthExpired{Op: "query"}
	}
	n := limit
	if offset+n > f.total {
		n = f.total - offset
	}
	rows := make([]map[string]any, n)
	for i := range rows {
		rows[i] = map[string]any{"id": offset + i}
	}
	return rows, nil
}

// TestOffsetPaginatorRecoversFromAuthExpiryMidRun verifies scenario E: a
// 498 mid-pagination triggers exactly one refresh and the batch completes.
func TestOffsetPaginatorRecoversFromAuthExpiryMidRun(t *testing.T) {
	tokens := &fakeTokens{}
	svc := &fakeService{total: 10000, failAtOffset: 4000}
	p := paginate.OffsetPaginator{Client: svc, Tokens: tokens, BatchSize: 2000}

	var total int
	err := p.Pages(context.Background(), "1=1", nil, func(rows []map[string]any) error {
		total += len(rows)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 10000, total)
	require.Equal(t, 1, tokens.refreshes)
}

func TestOffsetPaginatorStopsAtTotal(t *testing.T) {
	tokens := &fakeTokens{}
	svc := &fakeService{total: 5000, failAtOffset: -1}
	p := paginate.OffsetPaginator{Client: svc, Tokens: tokens, BatchSize: 2000}

	var pages, total int
	err := p.Pages(context.Background(), "1=1", nil, func(rows []map[string]any) error {
		pages++
		total += len(rows)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, pages) // 2000, 2000, 1000
	require.Equal(t, 5000, total)
}

func TestChunkSizePerEntity(t *testing.T) {
	require.Equal(t, 5000, paginate.ChunkSize("address"))
	require.Equal(t, 10000, paginate.ChunkSize("road"))
	require.Equal(t, 10000, paginate.ChunkSize("parcel"))
	require.Equal(t, 10000, paginate.ChunkSize("site"))
}

type fakeSparqlResult struct{ rows []map[string]string }

func (r fakeSparqlResult) Rows() []map[string]string { return r.rows }

type fakeSparqlClient struct {
	iriResult    fakeSparqlResult
	detailCalls  []string
	detailResult fakeSparqlResult
}

func (f *fakeSparqlClient) SparqlPost(ctx context.Context, endpoint, query string) (paginate.SparqlResult, error) {
	if len(f.detailCalls) == 0 && query == "iris-query" {
		f.detailCalls = append(f.detailCalls, query)
		return f.iriResult, nil
	}
	f.detailCalls = append(f.detailCalls, query)
	return f.detailResult, nil
}

func TestIRIBatchPaginatorChunksDetailQueries(t *testing.T) {
	client := &fakeSparqlClient{
		iriResult: fakeSparqlResult{rows: []map[string]string{
			{"iri": "a"}, {"iri": "b"}, {"iri": "c"},
		}},
		detailResult: fakeSparqlResult{rows: []map[string]string{{"iri": "a", "value": "1"}}},
	}

	p := paginate.IRIBatchPaginator{
		Client:    client,
		ChunkSize: 2,
		IRIsQuery: "iris-query",
		IRIVar:    "iri",
		DetailQuery: func(chunk []string) string {
			return "detail-query"
		},
	}

	var pageCount int
	err := p.Pages(context.Background(), func(rows []map[string]string) error {
		pageCount++
		return nil
	})
	require.NoError(t, err)
	// 3 IRIs at chunk size 2 -> two detail-query pages.
	require.Equal(t, 2, pageCount)
	require.Len(t, client.detailCalls, 3) // 1 iris-query + 2 detail queries
}
