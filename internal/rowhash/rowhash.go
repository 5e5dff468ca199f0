// Package rowhash computes the stable per-row content fingerprint used
// throughout the snapshot store as a set-membership key (C5).
//
// A row is modelled as an ordered sequence of named fields rather than a
// generic map, so that "key absent" and "key present but null" are
// distinguishable at the type level even though both serialise identically
// (see the design note on dynamic, heterogeneous row records).
package rowhash

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// DigestSize is the size, in bytes, of the content hash (128 bits).
const DigestSize = 16

// Value is one field's value: present-and-set, present-and-null, or absent.
// Absent and null both serialise to the literal string "None", matching the
// historical behaviour existing snapshots depend on.
type Value struct {
	Present bool
	Null    bool
	Int     *int64
	Float   *float64
	Str     *string
}

// Int64Value returns a present, non-null integer value.
func Int64Value(v int64) Value { return Value{Present: true, Int: &v} }

// Float64Value returns a present, non-null float value.
func Float64Value(v float64) Value { return Value{Present: true, Float: &v} }

// StringValue returns a present, non-null string value.
func StringValue(v string) Value { return Value{Present: true, Str: &v} }

// NullValue returns a present-but-null value.
func NullValue() Value { return Value{Present: true, Null: true} }

// AbsentValue returns a value whose key was never set for this row.
func AbsentValue() Value { return Value{Present: false} }

func (v Value) serialize() string {
	if !v.Present || v.Null {
		return "None"
	}
	switch {
	case v.Int != nil:
		return strconv.FormatInt(*v.Int, 10)
	case v.Float != nil:
		return strconv.FormatFloat(*v.Float, 'g', -1, 64)
	case v.Str != nil:
		return *v.Str
	default:
		// Present, not null, and no payload set: treat as empty string,
		// matching a row whose column holds the empty string.
		return ""
	}
}

// Field is one named, ordered column of a row.
type Field struct {
	Name  string
	Value Value
}

// Row is an ordered sequence of fields, in the table's declared column
// order. Column iteration order MUST be this declared order, never the
// insertion order of a map.
type Row []Field

// Canonicalize builds the canonical "key=value"-concatenated serialisation
// of row, excluding any field whose name is in exclude, in row's declared
// order.
func Canonicalize(row Row, exclude ...string) string {
	excluded := make(map[string]struct{}, len(exclude))
	for _, c := range exclude {
		excluded[c] = struct{}{}
	}

	var b strings.Builder
	for _, f := range row {
		if _, skip := excluded[f.Name]; skip {
			continue
		}
		b.WriteString(f.Name)
		b.WriteByte('=')
		b.WriteString(f.Value.serialize())
	}
	return b.String()
}

// Hash computes the BLAKE2b-128 hex digest of row's canonical serialisation,
// excluding the named columns (conventionally "rowid" and the hash column
// itself).
func Hash(row Row, exclude ...string) (string, error) {
	canonical := Canonicalize(row, exclude...)
	h, err := blake2b.New(DigestSize, nil)
	if err != nil {
		return "", fmt.Errorf("failed to construct blake2b hasher: %w", err)
	}
	if _, err := h.Write([]byte(canonical)); err != nil {
		return "", fmt.Errorf("failed to hash canonical row: %w", err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// MustHash is like Hash but panics on error. Errors from Hash only occur on
// hasher-construction failure, which cannot happen with a valid DigestSize,
// so MustHash is safe to use when building static fixtures and tests.
func MustHash(row Row, exclude ...string) string {
	h, err := Hash(row, exclude...)
	if err != nil {
		panic(err)
	}
	return h
}
