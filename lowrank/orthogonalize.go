package lowrank

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/lapack/lapack64"
	"gonum.org/v1/gonum/mat"
)

// DefaultTolerance is the relative threshold below which a direction is
// treated as numerically dependent
const DefaultTolerance = 1e-10

// Orthogonalizer computes an orthonormal basis of the column space of a
// sketch. The returned basis has k ≤ w columns, where columns of the sketch
// that are numerically dependent on earlier ones are dropped. A sketch of
// rank zero yields a nil basis.
type Orthogonalizer interface {
	Orthogonalize(y *mat.Dense) (*mat.Dense, error)
	Name() string
}

// ParseOrthogonalizer maps a configuration name to a strategy
func ParseOrthogonalizer(name string, tol float64) (Orthogonalizer, error) {
	switch name {
	case "", "householder":
		return Householder{Tol: tol}, nil
	case "gram_schmidt", "mgs":
		return GramSchmidt{Tol: tol}, nil
	default:
		return nil, fmt.Errorf("unknown orthogonalizer %q", name)
	}
}

// Width returns the sketch width for a target rank: rank plus slack,
// clamped to the number of actions
func Width(rank, slack, actions int) int {
	w := rank + slack
	if w > actions {
		w = actions
	}
	if w < 0 {
		w = 0
	}
	return w
}

// Householder orthogonalizes with Householder reflections (LAPACK geqrf/orgqr).
// Column signs follow R_jj ≥ 0 so the basis is unique for a full-rank sketch.
type Householder struct {
	Tol float64 // relative drop tolerance, DefaultTolerance when zero
}

// Name returns the configuration name
func (Householder) Name() string { return "householder" }

// Orthogonalize returns Q with orthonormal columns spanning range(y)
func (h Householder) Orthogonalize(y *mat.Dense) (*mat.Dense, error) {
	_, w, err := checkSketch(y)
	if err != nil {
		return nil, err
	}
	threshold := tolerance(h.Tol) * maxColumnNorm(y)
	if threshold == 0 {
		return nil, nil
	}

	cols := make([]int, w)
	for j := range cols {
		cols[j] = j
	}

	// A column with a vanishing R_jj lies in the span of the columns
	// before it; drop it and factorize again until every pivot survives.
	for len(cols) > 0 {
		q, diag := thinQR(selectColumns(y, cols))

		kept := cols[:0:0]
		for j := range cols {
			if math.Abs(diag[j]) > threshold {
				kept = append(kept, cols[j])
			}
		}
		if len(kept) < len(cols) {
			cols = kept
			continue
		}

		for j, rjj := range diag {
			if rjj < 0 {
				negateColumn(q, j)
			}
		}
		return q, nil
	}
	return nil, nil
}

// thinQR factorizes the n×k matrix a in place and returns the n×k Q
// together with the diagonal of R. Only the leading k columns of Q are
// formed.
func thinQR(a *mat.Dense) (*mat.Dense, []float64) {
	_, k := a.Dims()
	raw := a.RawMatrix()
	tau := make([]float64, k)

	work := []float64{0}
	lapack64.Geqrf(raw, tau, work, -1)
	work = make([]float64, int(work[0]))
	lapack64.Geqrf(raw, tau, work, len(work))

	diag := make([]float64, k)
	for j := range diag {
		diag[j] = a.At(j, j)
	}

	work = []float64{0}
	lapack64.Orgqr(raw, tau, work, -1)
	work = make([]float64, int(work[0]))
	lapack64.Orgqr(raw, tau, work, len(work))
	return a, diag
}

// GramSchmidt orthogonalizes with modified Gram-Schmidt and a second
// reorthogonalization pass.
type GramSchmidt struct {
	Tol float64 // relative drop tolerance, DefaultTolerance when zero
}

// Name returns the configuration name
func (GramSchmidt) Name() string { return "gram_schmidt" }

// Orthogonalize returns Q with orthonormal columns spanning range(y)
func (g GramSchmidt) Orthogonalize(y *mat.Dense) (*mat.Dense, error) {
	n, w, err := checkSketch(y)
	if err != nil {
		return nil, err
	}
	threshold := tolerance(g.Tol) * maxColumnNorm(y)
	if threshold == 0 {
		return nil, nil
	}

	q := mat.NewDense(n, w, nil)
	v := mat.NewVecDense(n, nil)
	k := 0
	for j := 0; j < w; j++ {
		v.CopyVec(y.ColView(j))
		for pass := 0; pass < 2; pass++ {
			for i := 0; i < k; i++ {
				qi := q.ColView(i)
				v.AddScaledVec(v, -mat.Dot(qi, v), qi)
			}
		}
		norm := mat.Norm(v, 2)
		if norm <= threshold {
			continue
		}
		v.ScaleVec(1/norm, v)
		q.ColView(k).(*mat.VecDense).CopyVec(v)
		k++
	}
	if k == 0 {
		return nil, nil
	}
	return mat.DenseCopyOf(q.Slice(0, n, 0, k)), nil
}

func checkSketch(y *mat.Dense) (int, int, error) {
	if y == nil {
		return 0, 0, fmt.Errorf("%w: nil sketch", ErrDimensionMismatch)
	}
	n, w := y.Dims()
	if w > n {
		return 0, 0, fmt.Errorf("%w: sketch width %d exceeds %d actions", ErrDimensionMismatch, w, n)
	}
	return n, w, nil
}

func tolerance(tol float64) float64 {
	if tol <= 0 {
		return DefaultTolerance
	}
	return tol
}

func maxColumnNorm(m *mat.Dense) float64 {
	_, c := m.Dims()
	best := 0.0
	for j := 0; j < c; j++ {
		best = math.Max(best, mat.Norm(m.ColView(j), 2))
	}
	return best
}

func selectColumns(m *mat.Dense, cols []int) *mat.Dense {
	r, _ := m.Dims()
	out := mat.NewDense(r, len(cols), nil)
	for j, c := range cols {
		out.ColView(j).(*mat.VecDense).CopyVec(m.ColView(c))
	}
	return out
}

func negateColumn(m *mat.Dense, j int) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		m.Set(i, j, -m.At(i, j))
	}
}
