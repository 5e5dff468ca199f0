package locationaddress

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/logger"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/snapshot"
)

func openSchema(t *testing.T) *snapshot.Store {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "address.db")
	s, err := snapshot.Open(ctx, logger.New(false), path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	p := &Pipeline{}
	require.NoError(t, p.CreateSchema(ctx, s))
	return s
}

func insertStagedAddress(t *testing.T, s *snapshot.Store, pid string) {
	t.Helper()
	_, err := s.DB().ExecContext(context.Background(), `
		INSERT INTO address_staging (iri, address_pid, state, unit_number, street_no_1, street_full, locality)
		VALUES (?, ?, 'QLD', '2', '10', 'Example Street', 'Brisbane')
	`, "https://example/iri/"+pid, pid)
	require.NoError(t, err)
}

func insertGeocode(t *testing.T, s *snapshot.Store, objectID int, pid, geocodeType string, x, y float64) {
	t.Helper()
	_, err := s.DB().ExecContext(context.Background(), `
		INSERT INTO geocode (objectid, address_pid, geocode_type, x, y, last_edited_date) VALUES (?, ?, ?, ?, ?, '2025-01-01T00:00:00Z')
	`, objectID, pid, geocodeType, x, y)
	require.NoError(t, err)
}

// TestJoinGeocodesMultipliesRowsPerMatch verifies that an address with two
// matching geocode rows produces two address rows, one per geocode.
func TestJoinGeocodesMultipliesRowsPerMatch(t *testing.T) {
	ctx := context.Background()
	s := openSchema(t)

	insertStagedAddress(t, s, "PID-1")
	insertGeocode(t, s, 1, "PID-1", "PRIMARY", 152.1, -27.1)
	insertGeocode(t, s, 2, "PID-1", "SECONDARY", 152.2, -27.2)

	require.NoError(t, joinGeocodesIntoAddress(ctx, s))

	var count int
	require.NoError(t, s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM address WHERE address_pid = 'PID-1'").Scan(&count))
	require.Equal(t, 2, count)

	rows, err := s.DB().QueryContext(ctx, "SELECT geocode_type FROM address WHERE address_pid = 'PID-1' ORDER BY geocode_type")
	require.NoError(t, err)
	defer rows.Close()
	var types []string
	for rows.Next() {
		var gt string
		require.NoError(t, rows.Scan(&gt))
		types = append(types, gt)
	}
	require.Equal(t, []string{"PRIMARY", "SECONDARY"}, types)
}

// TestJoinGeocodesDropsAddressWithoutGeocode verifies the inner-join
// semantics: a staged address with zero matching geocode rows never appears
// in the final address table.
func TestJoinGeocodesDropsAddressWithoutGeocode(t *testing.T) {
	ctx := context.Background()
	s := openSchema(t)

	insertStagedAddress(t, s, "PID-NO-GEOCODE")

	require.NoError(t, joinGeocodesIntoAddress(ctx, s))

	var count int
	require.NoError(t, s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM address").Scan(&count))
	require.Equal(t, 0, count)
}

// TestJoinGeocodesComputesFullAddress verifies the computed "address"
// column concatenates unit/street-number/street_full/locality/state.
func TestJoinGeocodesComputesFullAddress(t *testing.T) {
	ctx := context.Background()
	s := openSchema(t)

	insertStagedAddress(t, s, "PID-2")
	insertGeocode(t, s, 1, "PID-2", "PRIMARY", 152.1, -27.1)

	require.NoError(t, joinGeocodesIntoAddress(ctx, s))

	var full string
	require.NoError(t, s.DB().QueryRowContext(ctx, "SELECT address FROM address WHERE address_pid = 'PID-2'").Scan(&full))
	require.Equal(t, "2/10 Example Street Brisbane QLD", full)
}
