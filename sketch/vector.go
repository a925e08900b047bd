package sketch

import (
	"fmt"
	"math"
	"slices"
)

// Feature is one nonzero entry of a sparse action vector
type Feature struct {
	Index uint64  // hashed feature index
	Value float64 // feature weight
}

// Vector is the sparse feature vector of one action. Repeated indices are
// treated as a sum of their weights.
type Vector []Feature

// Validate rejects non-finite weights
func (v Vector) Validate() error {
	for _, f := range v {
		if math.IsNaN(f.Value) || math.IsInf(f.Value, 0) {
			return fmt.Errorf("%w: index %d has weight %v", ErrInvalidFeature, f.Index, f.Value)
		}
	}
	return nil
}

// IsZero reports whether every weight of the vector is zero
func (v Vector) IsZero() bool {
	for _, f := range v {
		if f.Value != 0 {
			return false
		}
	}
	return true
}

// Columns returns the sorted distinct feature indices used by a round.
// They form the compact column space of the action-feature matrix.
func Columns(actions []Vector) []uint64 {
	seen := make(map[uint64]struct{})
	for _, v := range actions {
		for _, f := range v {
			seen[f.Index] = struct{}{}
		}
	}
	cols := make([]uint64, 0, len(seen))
	for idx := range seen {
		cols = append(cols, idx)
	}
	slices.Sort(cols)
	return cols
}

// ColumnIndex maps feature indices to their position in cols
func ColumnIndex(cols []uint64) map[uint64]int {
	index := make(map[uint64]int, len(cols))
	for i, c := range cols {
		index[c] = i
	}
	return index
}
