// Package lowrank turns a round sketch into a low-rank representation of
// the action-feature matrix: an orthonormal basis Q of the sketch, the small
// matrix B = Qᵗ·A formed by a second pass over the sparse actions, and the
// reconstructed left singular vectors U = Q·Uᵦ.
//
// Every row of U is a fixed linear map of the corresponding action vector,
// so duplicate actions share a representation and linear combinations of
// actions map to the same combination of rows.
package lowrank

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-bandit-spanner/sketch"
)

var (
	// ErrInvalidRank is returned for a non-positive target rank
	ErrInvalidRank = errors.New("target rank must be positive")
	// ErrDimensionMismatch is returned when matrix shapes disagree
	ErrDimensionMismatch = errors.New("dimension mismatch")
)

// Result is the low-rank representation of one round
type Result struct {
	Q      *mat.Dense // orthonormal sketch basis (actions × BasisRank)
	U      *mat.Dense // representation (actions × Rank), nil when Rank is 0
	Values []float64  // retained singular values, descending
	Rank   int        // effective rank, at most the target rank

	BasisRank int // columns kept by the orthogonalizer
}

// Solver runs the orthogonalization and SVD stages
type Solver struct {
	orth Orthogonalizer
	svd  SVDStrategy
	tol  float64
}

// Option configures a Solver
type Option func(*Solver)

// WithOrthogonalizer sets the orthogonalization strategy
func WithOrthogonalizer(o Orthogonalizer) Option {
	return func(s *Solver) {
		s.orth = o
	}
}

// WithSVD sets the SVD strategy
func WithSVD(strategy SVDStrategy) Option {
	return func(s *Solver) {
		s.svd = strategy
	}
}

// WithTolerance sets the relative tolerance used to discard singular values
func WithTolerance(tol float64) Option {
	return func(s *Solver) {
		s.tol = tol
	}
}

// NewSolver creates a solver, Householder and dense SVD by default
func NewSolver(options ...Option) *Solver {
	s := &Solver{
		tol: DefaultTolerance,
	}
	for _, opt := range options {
		opt(s)
	}
	if s.orth == nil {
		s.orth = Householder{Tol: s.tol}
	}
	if s.svd == nil {
		s.svd = DenseSVD{}
	}
	return s
}

// Orthogonalizer returns the configured orthogonalization strategy
func (s *Solver) Orthogonalizer() Orthogonalizer {
	return s.orth
}

// SVD returns the configured SVD strategy
func (s *Solver) SVD() SVDStrategy {
	return s.svd
}

// Solve computes U for the sketch y of actions, keeping at most rank
// columns. Rank deficiency is reported through Result.Rank, never as an
// error.
func (s *Solver) Solve(y *mat.Dense, actions []sketch.Vector, rank int) (*Result, error) {
	if rank <= 0 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidRank, rank)
	}
	if y == nil {
		if len(actions) != 0 {
			return nil, fmt.Errorf("%w: nil sketch for %d actions", ErrDimensionMismatch, len(actions))
		}
		return &Result{}, nil
	}
	if n, _ := y.Dims(); n != len(actions) {
		return nil, fmt.Errorf("%w: sketch has %d rows, got %d actions", ErrDimensionMismatch, n, len(actions))
	}

	q, err := s.orth.Orthogonalize(y)
	if err != nil {
		return nil, fmt.Errorf("orthogonalize: %w", err)
	}
	if q == nil {
		return &Result{}, nil
	}
	_, k := q.Dims()
	res := &Result{Q: q, BasisRank: k}

	b, _ := Project(q, actions)
	if b == nil {
		return res, nil
	}

	ub, values, ok := s.svd.LeftSingular(b)
	if !ok {
		return nil, fmt.Errorf("%s: factorization failed", s.svd.Name())
	}
	if len(values) == 0 || values[0] <= 0 {
		return res, nil
	}

	keep := 0
	cutoff := s.tol * values[0]
	for keep < len(values) && keep < rank && values[keep] > cutoff {
		keep++
	}
	u := mat.NewDense(len(actions), keep, nil)
	u.Mul(q, ub.Slice(0, k, 0, keep))
	canonicalSigns(u)

	res.U = u
	res.Values = append([]float64(nil), values[:keep]...)
	res.Rank = keep
	return res, nil
}

// Project computes B = Qᵗ·A over the compact column space of the round and
// returns it together with the feature index of each column of B. A round
// without features yields a nil matrix.
func Project(q *mat.Dense, actions []sketch.Vector) (*mat.Dense, []uint64) {
	cols := sketch.Columns(actions)
	if len(cols) == 0 || q == nil {
		return nil, cols
	}
	index := sketch.ColumnIndex(cols)
	_, k := q.Dims()

	// Accumulate Bᵗ row by row so each update is a contiguous axpy.
	bt := mat.NewDense(len(cols), k, nil)
	for i, v := range actions {
		qi := q.RawRowView(i)
		for _, f := range v {
			if f.Value == 0 {
				continue
			}
			floats.AddScaled(bt.RawRowView(index[f.Index]), f.Value, qi)
		}
	}
	return mat.DenseCopyOf(bt.T()), cols
}

// canonicalSigns flips each column so that its largest-magnitude entry is
// positive, the first such entry winning ties
func canonicalSigns(m *mat.Dense) {
	r, c := m.Dims()
	for j := 0; j < c; j++ {
		best, arg := -1.0, 0
		for i := 0; i < r; i++ {
			if a := math.Abs(m.At(i, j)); a > best {
				best, arg = a, i
			}
		}
		if m.At(arg, j) < 0 {
			negateColumn(m, j)
		}
	}
}
