package loader_test

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/loader"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/logger"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/pipeline/geocode"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/snapshot"
)

func newGeocodeSnapshot(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "seed.db")

	store, err := snapshot.Open(ctx, logger.New(false), path)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, geocode.CreateSchema(ctx, store, "address_pid"))
	require.NoError(t, store.Finalize(ctx))
	require.NoError(t, store.Checkpoint(ctx))
	return path
}

func writeSeedCSV(t *testing.T, rows [][]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.csv")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteString("objectid,address_pid,geocode_type,x,y,last_edited_date\n")
	require.NoError(t, err)
	for _, r := range rows {
		_, err := f.WriteString(r[0] + "," + r[1] + "," + r[2] + "," + r[3] + "," + r[4] + "," + r[5] + "\n")
		require.NoError(t, err)
	}
	return path
}

func TestLoadUpsertsEveryRowAcrossBatches(t *testing.T) {
	dbPath := newGeocodeSnapshot(t)

	var rows [][]string
	for i := 1; i <= loader.BatchSize+10; i++ {
		id := strconv.Itoa(i)
		rows = append(rows, []string{id, "PID-" + id, "PRIMARY", "152.0", "-27.0", "2025-01-01T00:00:00Z"})
	}
	csvPath := writeSeedCSV(t, rows)

	n, err := loader.Load(context.Background(), loader.Config{
		SnapshotPath: dbPath,
		CSVPath:      csvPath,
		KeyColumn:    "address_pid",
		Workers:      2,
		Log:          logger.New(false),
	})
	require.NoError(t, err)
	require.Equal(t, len(rows), n)

	ctx := context.Background()
	store, err := snapshot.Open(ctx, logger.New(false), dbPath)
	require.NoError(t, err)
	defer store.Close()

	var count int
	require.NoError(t, store.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM geocode").Scan(&count))
	require.Equal(t, len(rows), count)
}

func TestLoadIsIdempotentOnRerun(t *testing.T) {
	dbPath := newGeocodeSnapshot(t)
	csvPath := writeSeedCSV(t, [][]string{
		{"1", "PID-1", "PRIMARY", "152.1", "-27.1", "2025-01-01T00:00:00Z"},
	})

	cfg := loader.Config{SnapshotPath: dbPath, CSVPath: csvPath, KeyColumn: "address_pid", Workers: 1, Log: logger.New(false)}
	_, err := loader.Load(context.Background(), cfg)
	require.NoError(t, err)
	_, err = loader.Load(context.Background(), cfg)
	require.NoError(t, err)

	ctx := context.Background()
	store, err := snapshot.Open(ctx, logger.New(false), dbPath)
	require.NoError(t, err)
	defer store.Close()

	var count int
	require.NoError(t, store.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM geocode").Scan(&count))
	require.Equal(t, 1, count)

	var x float64
	require.NoError(t, store.DB().QueryRowContext(ctx, "SELECT x FROM geocode WHERE objectid = 1").Scan(&x))
	require.InDelta(t, 152.1, x, 0.0001)
}
