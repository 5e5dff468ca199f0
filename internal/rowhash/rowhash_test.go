package rowhash

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestHashStability verifies property 1 of the testable-properties section:
// hash({rowid:1, a:1, b:2, c:3}) excluding {rowid} equals hash({a:1, b:2,
// c:3}) and equals the literal BLAKE2b-128 digest of "a=1b=2c=3".
func TestHashStability(t *testing.T) {
	withRowID := Row{
		{Name: "rowid", Value: Int64Value(1)},
		{Name: "a", Value: Int64Value(1)},
		{Name: "b", Value: Int64Value(2)},
		{Name: "c", Value: Int64Value(3)},
	}
	withoutRowID := Row{
		{Name: "a", Value: Int64Value(1)},
		{Name: "b", Value: Int64Value(2)},
		{Name: "c", Value: Int64Value(3)},
	}

	got1, err := Hash(withRowID, "rowid")
	require.NoError(t, err)
	got2, err := Hash(withoutRowID)
	require.NoError(t, err)

	require.Equal(t, got1, got2)
	require.Equal(t, "a80482d74631d666f097f2da3bccc534", got1)
}

// TestHashSpecNullSerialization verifies scenario F: a row with column order
// (a,b,c,d) = (1, "x", null, 3.14) serialises to "a=1b=xc=Noned=3.14" and
// hashes accordingly.
func TestHashSpecNullSerialization(t *testing.T) {
	row := Row{
		{Name: "a", Value: Int64Value(1)},
		{Name: "b", Value: StringValue("x")},
		{Name: "c", Value: NullValue()},
		{Name: "d", Value: Float64Value(3.14)},
	}

	require.Equal(t, "a=1b=xc=Noned=3.14", Canonicalize(row))

	got, err := Hash(row)
	require.NoError(t, err)
	require.Equal(t, "6e7a4539c5ee3dc7a09a8af4e64d3d62", got)
}

// TestAbsentAndNullSerializeIdentically verifies the design note that absent
// and null fields must serialise uniformly, both to "None".
func TestAbsentAndNullSerializeIdentically(t *testing.T) {
	nullRow := Row{{Name: "a", Value: NullValue()}}
	absentRow := Row{{Name: "a", Value: AbsentValue()}}

	nullHash, err := Hash(nullRow)
	require.NoError(t, err)
	absentHash, err := Hash(absentRow)
	require.NoError(t, err)

	require.Equal(t, nullHash, absentHash)
}

// TestColumnOrderMatters verifies that Canonicalize iterates in the row's
// declared order, not some other (e.g. alphabetical) order.
func TestColumnOrderMatters(t *testing.T) {
	forward := Row{
		{Name: "a", Value: Int64Value(1)},
		{Name: "b", Value: Int64Value(2)},
	}
	reversed := Row{
		{Name: "b", Value: Int64Value(2)},
		{Name: "a", Value: Int64Value(1)},
	}

	require.NotEqual(t, Canonicalize(forward), Canonicalize(reversed))
}

// TestExcludeColumns verifies that excluded columns never contribute to the
// canonical serialisation, including the hash column itself.
func TestExcludeColumns(t *testing.T) {
	row := Row{
		{Name: "hash", Value: StringValue("stale")},
		{Name: "a", Value: Int64Value(1)},
	}
	require.Equal(t, "a=1", Canonicalize(row, "hash"))
}

func TestIntegerSerializesWithoutDecimalPoint(t *testing.T) {
	row := Row{{Name: "a", Value: Int64Value(42)}}
	require.Equal(t, "a=42", Canonicalize(row))
}

func TestFloatSerializesCanonically(t *testing.T) {
	row := Row{{Name: "a", Value: Float64Value(3.14)}}
	require.Equal(t, "a=3.14", Canonicalize(row))
}
