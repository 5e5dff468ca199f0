package pls

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/logger"
	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/snapshot"
)

func findCollection(t *testing.T, name string) collection {
	t.Helper()
	for _, c := range collections {
		if c.name == name {
			return c
		}
	}
	t.Fatalf("no collection named %q", name)
	return collection{}
}

// TestLocalityDataColumnsMatchFullFieldSet pins the locality collection's
// attribute set against truncation regressions: locality_type, state and
// status must all survive extraction, not just locality_code/locality_name.
func TestLocalityDataColumnsMatchFullFieldSet(t *testing.T) {
	c := findCollection(t, "locality")
	require.ElementsMatch(t, []string{"locality_code", "locality_name", "locality_type", "la_code", "state", "status"}, c.dataColumns)
}

// TestRoadDataColumnsMatchFullFieldSet pins road_name_suffix and
// road_cat_desc, distinguished from road_name_type.
func TestRoadDataColumnsMatchFullFieldSet(t *testing.T) {
	c := findCollection(t, "road")
	require.ElementsMatch(t, []string{"road_name", "road_name_suffix", "road_name_type", "road_cat_desc", "locality_code"}, c.dataColumns)
}

// TestSiteDataColumnsMatchFullFieldSet pins site's attribute columns, previously nil.
func TestSiteDataColumnsMatchFullFieldSet(t *testing.T) {
	c := findCollection(t, "site")
	require.ElementsMatch(t, []string{"parent_site_id", "site_type"}, c.dataColumns)
}

// TestAddressDataColumnsMatchFullFieldSet pins address's full attribute set,
// previously truncated to just address_pid.
func TestAddressDataColumnsMatchFullFieldSet(t *testing.T) {
	c := findCollection(t, "address")
	require.ElementsMatch(t, []string{
		"address_pid", "parcel_id", "addr_status_code", "unit_type", "unit_no", "unit_suffix",
		"level_type", "level_no", "level_suffix", "street_no_first", "street_no_first_suffix",
		"street_no_last", "street_no_last_suffix", "location_desc", "address_standard",
	}, c.dataColumns)
}

// TestAddressHasTwoForeignKeys verifies address carries both site_id and
// road_id as foreign keys, not just one.
func TestAddressHasTwoForeignKeys(t *testing.T) {
	c := findCollection(t, "address")
	require.Len(t, c.fks, 2)
	require.Equal(t, "site_id", c.fks[0].column)
	require.Equal(t, "site_map", c.fks[0].mapTable)
	require.Equal(t, "road_id", c.fks[1].column)
	require.Equal(t, "road_map", c.fks[1].mapTable)
}

// TestRewriteCollectionIDsResolvesMultipleForeignKeys exercises the
// address collection's two-step id-map rewrite end to end: both site_id and
// road_id must resolve to dense integers referencing their own map tables,
// without clobbering each other's rewrite step.
func TestRewriteCollectionIDsResolvesMultipleForeignKeys(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pls.db")
	s, err := snapshot.Open(ctx, logger.New(false), path)
	require.NoError(t, err)
	defer s.Close()

	addr := findCollection(t, "address")

	require.NoError(t, snapshot.CreateIDMap(ctx, s, addr.mapTable()))
	require.NoError(t, snapshot.IDMapUniqueIndex(ctx, s, addr.mapTable()))
	require.NoError(t, snapshot.CreateIDMap(ctx, s, "site_map"))
	require.NoError(t, snapshot.IDMapUniqueIndex(ctx, s, "site_map"))
	require.NoError(t, snapshot.CreateIDMap(ctx, s, "road_map"))
	require.NoError(t, snapshot.IDMapUniqueIndex(ctx, s, "road_map"))

	raw := snapshot.Table{Name: addr.name, Columns: addr.rawColumns(), HashColumn: "hash", BusinessKey: addr.idColumn}
	require.NoError(t, raw.CreateCurrent(ctx, s))

	_, err = s.DB().ExecContext(ctx, `
		INSERT INTO address (address_id, address_pid, site_id, road_id)
		VALUES ('https://addr/1', 'PID-1', 'https://site/1', 'https://road/1'),
		       ('https://addr/2', 'PID-2', 'https://site/2', 'https://road/1')
	`)
	require.NoError(t, err)

	require.NoError(t, rewriteCollectionIDs(ctx, s, addr))

	rows, err := s.DB().QueryContext(ctx, "SELECT address_pid, site_id, road_id FROM address ORDER BY address_pid")
	require.NoError(t, err)
	defer rows.Close()

	var pids []string
	var siteIDs, roadIDs []int64
	for rows.Next() {
		var pid string
		var siteID, roadID int64
		require.NoError(t, rows.Scan(&pid, &siteID, &roadID))
		pids = append(pids, pid)
		siteIDs = append(siteIDs, siteID)
		roadIDs = append(roadIDs, roadID)
	}
	require.Equal(t, []string{"PID-1", "PID-2"}, pids)
	require.NotEqual(t, siteIDs[0], siteIDs[1]) // distinct site IRIs resolve to distinct ids
	require.Equal(t, roadIDs[0], roadIDs[1])    // shared road IRI resolves to the same id

	var siteMapCount, roadMapCount int
	require.NoError(t, s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM site_map").Scan(&siteMapCount))
	require.NoError(t, s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM road_map").Scan(&roadMapCount))
	require.Equal(t, 2, siteMapCount)
	require.Equal(t, 1, roadMapCount)
}
