package publisher_test

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Spatial-Information-QLD/cam-location-addressing-feature-service-etl/internal/publisher"
)

func TestBuildKeyFormat(t *testing.T) {
	ts := time.Date(2026, 7, 30, 10, 15, 0, 0, time.FixedZone("+10:00", 10*60*60))
	key := publisher.BuildKey("snapshots/", ts, "location-address")
	require.Equal(t, "snapshots/2026-07-30T10:15:00+10:00/location-address.db", key)
}

func TestBuildKeyAddsMissingPrefixSlash(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	key := publisher.BuildKey("snapshots", ts, "pls")
	require.Equal(t, "snapshots/2026-01-01T00:00:00Z/pls.db", key)
}

// TestISO8601LexicographicOrderMatchesTemporalOrder verifies that sorting
// keys lexicographically descending picks the most recent snapshot, as
// long as every timestamp shares the same UTC offset.
func TestISO8601LexicographicOrderMatchesTemporalOrder(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var keys []string
	for i := 0; i < 5; i++ {
		keys = append(keys, publisher.BuildKey("snapshots/", base.Add(time.Duration(i)*time.Hour), "db"))
	}

	sorted := append([]string(nil), keys...)
	sort.Sort(sort.Reverse(sort.StringSlice(sorted)))
	require.Equal(t, keys[len(keys)-1], sorted[0])
}
