package lowrank

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// SVDStrategy computes the left singular vectors of the small matrix B.
// Values are returned in descending order, one per column of the returned
// matrix.
type SVDStrategy interface {
	LeftSingular(b *mat.Dense) (u *mat.Dense, values []float64, ok bool)
	Name() string
}

// ParseSVD maps a configuration name to a strategy
func ParseSVD(name string) (SVDStrategy, error) {
	switch name {
	case "", "dense":
		return DenseSVD{}, nil
	case "gram":
		return GramSVD{}, nil
	default:
		return nil, fmt.Errorf("unknown svd strategy %q", name)
	}
}

// DenseSVD factorizes B directly with a thin SVD
type DenseSVD struct{}

// Name returns the configuration name
func (DenseSVD) Name() string { return "dense" }

// LeftSingular returns the thin left singular vectors of b
func (DenseSVD) LeftSingular(b *mat.Dense) (*mat.Dense, []float64, bool) {
	var svd mat.SVD
	if !svd.Factorize(b, mat.SVDThinU) {
		return nil, nil, false
	}
	var u mat.Dense
	svd.UTo(&u)
	return &u, svd.Values(nil), true
}

// GramSVD eigendecomposes the k×k Gram matrix B·Bᵗ. It avoids factorizing
// the wide matrix B when a round touches many distinct features, at the
// cost of squaring the condition number.
type GramSVD struct{}

// Name returns the configuration name
func (GramSVD) Name() string { return "gram" }

// LeftSingular returns the eigenvectors of b·bᵗ as left singular vectors
func (GramSVD) LeftSingular(b *mat.Dense) (*mat.Dense, []float64, bool) {
	k, _ := b.Dims()
	gram := mat.NewSymDense(k, nil)
	gram.SymOuterK(1, b)

	var eig mat.EigenSym
	if !eig.Factorize(gram, true) {
		return nil, nil, false
	}
	ascending := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	u := mat.NewDense(k, k, nil)
	values := make([]float64, k)
	for j := 0; j < k; j++ {
		src := k - 1 - j
		values[j] = math.Sqrt(math.Max(ascending[src], 0))
		u.ColView(j).(*mat.VecDense).CopyVec(vectors.ColView(src))
	}
	return u, values, true
}
