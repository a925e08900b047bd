// Package spanner selects a small set of actions whose representations
// approximately maximize the volume (|det|) of the selected rows.
//
// Selection starts from the identity, fills one row at a time with the
// action that maximizes the determinant, then runs exchange passes that
// swap in any action improving |det| by more than a factor C. Determinant
// ratios and inverses are maintained with Sherman-Morrison rank-one updates
// and refreshed from scratch at the start of every pass.
package spanner

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInvalidAnchor is returned for an anchor outside the action range
	ErrInvalidAnchor = errors.New("anchor index out of range")
	// ErrInvalidC is returned for an exchange factor below one
	ErrInvalidC = errors.New("exchange factor must be at least 1")
)

// NoAnchor disables the anchor action
const NoAnchor = -1

const (
	defaultC         = 2.0
	defaultMaxPasses = 50
	defaultTol       = 1e-10
	improvementEps   = 1e-9
)

// Result is the spanner chosen for one round
type Result struct {
	Indices   []int   // selected action indices, ascending
	Rank      int     // rows filled by actions
	Converged bool    // false when MaxPasses ran out before a pass found no improving swap
	Passes    int     // exchange passes performed
	Swaps     int     // successful exchanges
	LogDet    float64 // log|det| of the selected rows, identity rows included
	Anchored  bool    // anchor appended on top of the spanner
}

// Selector runs the determinant-maximizing exchange
type Selector struct {
	c         float64
	maxPasses int
	tol       float64
}

// Option configures a Selector
type Option func(*Selector)

// WithC sets the multiplicative improvement a swap must achieve.
// C = 1 accepts any swap that strictly grows |det|.
func WithC(c float64) Option {
	return func(s *Selector) {
		s.c = c
	}
}

// WithMaxPasses bounds the number of exchange passes
func WithMaxPasses(passes int) Option {
	return func(s *Selector) {
		s.maxPasses = passes
	}
}

// WithTolerance sets the ratio below which a candidate cannot fill a row
func WithTolerance(tol float64) Option {
	return func(s *Selector) {
		s.tol = tol
	}
}

// NewSelector creates a selector
func NewSelector(options ...Option) (*Selector, error) {
	s := &Selector{
		c:         defaultC,
		maxPasses: defaultMaxPasses,
		tol:       defaultTol,
	}
	for _, opt := range options {
		opt(s)
	}
	if s.c < 1 || math.IsNaN(s.c) {
		return nil, fmt.Errorf("%w, got %v", ErrInvalidC, s.c)
	}
	if s.maxPasses < 0 {
		return nil, fmt.Errorf("max passes must be non-negative, got %d", s.maxPasses)
	}
	if s.tol <= 0 {
		s.tol = defaultTol
	}
	return s, nil
}

// C returns the exchange factor
func (s *Selector) C() float64 { return s.c }

// MaxPasses returns the exchange pass bound
func (s *Selector) MaxPasses() int { return s.maxPasses }

// Select picks up to d rows of u (actions × d). When anchor is not
// NoAnchor and the spanner does not already contain it, it is appended,
// giving d+1 indices. A rank-deficient u yields fewer than d indices.
func (s *Selector) Select(u *mat.Dense, anchor int) (*Result, error) {
	if u == nil {
		if anchor != NoAnchor {
			return nil, fmt.Errorf("%w: %d with no actions", ErrInvalidAnchor, anchor)
		}
		return &Result{Converged: true}, nil
	}
	n, d := u.Dims()
	if anchor != NoAnchor && (anchor < 0 || anchor >= n) {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidAnchor, anchor, n)
	}

	st := newState(u)
	st.fill(s.tol)

	// Converged only once a pass finds no improving swap. A bound of zero
	// passes leaves a filled spanner unverified.
	res := &Result{Converged: st.filled() == 0}
	for st.filled() > 0 && res.Passes < s.maxPasses {
		res.Passes++
		st.refresh()
		if !st.exchange(s.c * (1 + improvementEps)) {
			res.Converged = true
			break
		}
		res.Swaps++
	}

	res.Rank = st.filled()
	res.LogDet, _ = mat.LogDet(st.x)
	res.Indices = make([]int, 0, d+1)
	for _, a := range st.sel {
		if a >= 0 {
			res.Indices = append(res.Indices, a)
		}
	}
	if anchor != NoAnchor && !slices.Contains(res.Indices, anchor) {
		res.Indices = append(res.Indices, anchor)
		res.Anchored = true
	}
	slices.Sort(res.Indices)
	return res, nil
}

// state holds the selected rows X, their inverse and the chosen actions
type state struct {
	u      *mat.Dense
	x      *mat.Dense
	xInv   *mat.Dense
	ratios *mat.Dense // u · xInv, entry (a, r) is det(X with row r ← u_a) / det(X)
	sel    []int      // action in each row, -1 for an identity row
	member map[int]bool
}

func newState(u *mat.Dense) *state {
	n, d := u.Dims()
	st := &state{
		u:      u,
		x:      mat.NewDense(d, d, nil),
		xInv:   mat.NewDense(d, d, nil),
		ratios: mat.NewDense(n, d, nil),
		sel:    make([]int, d),
		member: make(map[int]bool, d),
	}
	for r := 0; r < d; r++ {
		st.x.Set(r, r, 1)
		st.xInv.Set(r, r, 1)
		st.sel[r] = -1
	}
	return st
}

func (st *state) filled() int {
	k := 0
	for _, a := range st.sel {
		if a >= 0 {
			k++
		}
	}
	return k
}

// fill replaces each identity row with the action maximizing |det|
func (st *state) fill(tol float64) {
	n, d := st.u.Dims()
	col := mat.NewVecDense(d, nil)
	for r := 0; r < d; r++ {
		col.CopyVec(st.xInv.ColView(r))
		best, arg := 0.0, -1
		for a := 0; a < n; a++ {
			if st.member[a] {
				continue
			}
			ratio := mat.Dot(st.u.RowView(a), col)
			if math.Abs(ratio) > best {
				best, arg = math.Abs(ratio), a
			}
		}
		if arg < 0 || best <= tol {
			continue
		}
		st.swap(r, arg, mat.Dot(st.u.RowView(arg), col))
	}
}

// refresh recomputes the inverse from X to shed accumulated update error
func (st *state) refresh() {
	var inv mat.Dense
	if err := inv.Inverse(st.x); err == nil {
		st.xInv.Copy(&inv)
	}
}

// exchange performs the best single swap if it improves |det| by more
// than threshold and reports whether it did
func (st *state) exchange(threshold float64) bool {
	n, d := st.u.Dims()
	st.ratios.Mul(st.u, st.xInv)

	best, bestA, bestR := 0.0, -1, -1
	for a := 0; a < n; a++ {
		if st.member[a] {
			continue
		}
		row := st.ratios.RawRowView(a)
		for r := 0; r < d; r++ {
			if st.sel[r] < 0 {
				continue
			}
			if v := math.Abs(row[r]); v > best {
				best, bestA, bestR = v, a, r
			}
		}
	}
	if bestA < 0 || best <= threshold {
		return false
	}
	st.swap(bestR, bestA, st.ratios.At(bestA, bestR))
	return true
}

// swap puts action a into row r. ratio must equal (u_a · X⁻¹)_r.
func (st *state) swap(r, a int, ratio float64) {
	_, d := st.u.Dims()
	ua := st.u.RawRowView(a)
	xr := st.x.RawRowView(r)

	// X' = X + e_r·δᵗ with δ = u_a - x_r, so
	// X'⁻¹ = X⁻¹ - (X⁻¹e_r)(δᵗX⁻¹) / ratio.
	delta := mat.NewVecDense(d, nil)
	for j := 0; j < d; j++ {
		delta.SetVec(j, ua[j]-xr[j])
	}
	colR := mat.VecDenseCopyOf(st.xInv.ColView(r))
	var rowT mat.VecDense
	rowT.MulVec(st.xInv.T(), delta)

	var update mat.Dense
	update.Outer(1/ratio, colR, &rowT)
	st.xInv.Sub(st.xInv, &update)

	copy(xr, ua)
	if prev := st.sel[r]; prev >= 0 {
		delete(st.member, prev)
	}
	st.sel[r] = a
	st.member[a] = true
}
