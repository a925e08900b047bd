package las

import "strings"

// Status reports recoverable conditions of a round as a bit set
type Status uint8

const (
	// StatusReducedRank marks fewer usable dimensions than the target rank
	StatusReducedRank Status = 1 << iota
	// StatusDegenerate marks a round with no actions or only zero vectors
	StatusDegenerate
	// StatusNotConverged marks a spanner exchange stopped by its pass bound
	StatusNotConverged
)

// StatusOK is a round at full rank with a converged spanner
const StatusOK Status = 0

// Has reports whether all bits of flag are set
func (s Status) Has(flag Status) bool {
	return s&flag == flag
}

// String returns the flag names joined by "|"
func (s Status) String() string {
	if s == StatusOK {
		return "ok"
	}
	var parts []string
	if s.Has(StatusReducedRank) {
		parts = append(parts, "reduced_rank")
	}
	if s.Has(StatusDegenerate) {
		parts = append(parts, "degenerate")
	}
	if s.Has(StatusNotConverged) {
		parts = append(parts, "not_converged")
	}
	return strings.Join(parts, "|")
}
