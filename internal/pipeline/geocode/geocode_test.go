package geocode

import (
	"context"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/featureservice"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/logger"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/snapshot"
)

// fakeRequester serves Count/Query against an in-memory row set, mimicking
// the ESRI feature-service JSON response shape.
type fakeRequester struct {
	rows []map[string]any
}

func (f *fakeRequester) ServiceRequest(ctx context.Context, method, target string, form url.Values) (map[string]any, error) {
	if form.Get("returnCountOnly") == "true" {
		return map[string]any{"count": float64(len(f.rows))}, nil
	}
	offset, _ := strconv.Atoi(form.Get("resultOffset"))
	limit, _ := strconv.Atoi(form.Get("resultRecordCount"))
	end := offset + limit
	if end > len(f.rows) {
		end = len(f.rows)
	}
	var features []any
	if offset < len(f.rows) {
		for _, r := range f.rows[offset:end] {
			features = append(features, map[string]any{"attributes": r})
		}
	}
	return map[string]any{"features": features}, nil
}

func (f *fakeRequester) BulkServiceRequest(ctx context.Context, target string, form url.Values) (map[string]any, error) {
	return f.ServiceRequest(ctx, "POST", target, form)
}

type fakeTokens struct{}

func (fakeTokens) Token(ctx context.Context) (string, error)        { return "tok", nil }
func (fakeTokens) ForceRefresh(ctx context.Context) (string, error) { return "tok", nil }

func openGeocodeSchema(t *testing.T) *snapshot.Store {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "geocode.db")
	s, err := snapshot.Open(ctx, logger.New(false), path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, CreateSchema(ctx, s, "address_pid"))
	return s
}

// TestExtractUpsertsFetchedRows verifies a first run (no watermark) fetches
// and inserts every row, including geocode_type.
func TestExtractUpsertsFetchedRows(t *testing.T) {
	ctx := context.Background()
	s := openGeocodeSchema(t)

	req := &fakeRequester{rows: []map[string]any{
		{"objectid": float64(1), "address_pid": "PID-1", "geocode_type": "PRIMARY", "x": 152.1, "y": -27.1, "last_edited_date": "2025-01-01T00:00:00Z"},
		{"objectid": float64(2), "address_pid": "PID-2", "geocode_type": "SECONDARY", "x": 152.2, "y": -27.2, "last_edited_date": "2025-01-02T00:00:00Z"},
	}}
	client := featureservice.New(req, "https://example/query", "https://example/applyEdits")

	err := Extract(ctx, s, Source{Client: client, Tokens: fakeTokens{}, KeyField: "address_pid"}, time.Time{}, false, false)
	require.NoError(t, err)

	var count int
	require.NoError(t, s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM geocode").Scan(&count))
	require.Equal(t, 2, count)

	var geocodeType string
	require.NoError(t, s.DB().QueryRowContext(ctx, "SELECT geocode_type FROM geocode WHERE objectid = 1").Scan(&geocodeType))
	require.Equal(t, "PRIMARY", geocodeType)
}

// TestExtractUpsertIsIdempotent verifies that re-fetching the same objectid
// updates the row in place rather than duplicating it.
func TestExtractUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openGeocodeSchema(t)

	req := &fakeRequester{rows: []map[string]any{
		{"objectid": float64(1), "address_pid": "PID-1", "geocode_type": "PRIMARY", "x": 152.1, "y": -27.1, "last_edited_date": "2025-01-01T00:00:00Z"},
	}}
	client := featureservice.New(req, "https://example/query", "https://example/applyEdits")
	src := Source{Client: client, Tokens: fakeTokens{}, KeyField: "address_pid"}

	require.NoError(t, Extract(ctx, s, src, time.Time{}, false, false))

	req.rows[0]["x"] = 999.0
	require.NoError(t, Extract(ctx, s, src, time.Time{}, false, false))

	var count int
	require.NoError(t, s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM geocode").Scan(&count))
	require.Equal(t, 1, count)

	var x float64
	require.NoError(t, s.DB().QueryRowContext(ctx, "SELECT x FROM geocode WHERE objectid = 1").Scan(&x))
	require.Equal(t, 999.0, x)
}
