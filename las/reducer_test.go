package las

import (
	"bytes"
	"context"
	"errors"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-bandit-spanner/projector"
	"github.com/n0madic/go-bandit-spanner/sketch"
)

const constantFeature = 11650396

// parseAction turns "name:value name ..." into a sparse vector with hashed
// feature indices. A bare name has weight 1.
func parseAction(t testing.TB, line string, constant bool) sketch.Vector {
	t.Helper()
	var v sketch.Vector
	for _, tok := range strings.Fields(line) {
		name, value := tok, 1.0
		if i := strings.LastIndexByte(tok, ':'); i >= 0 {
			var err error
			name = tok[:i]
			value, err = strconv.ParseFloat(tok[i+1:], 64)
			require.NoError(t, err)
		}
		h := fnv.New64a()
		h.Write([]byte(name))
		v = append(v, sketch.Feature{Index: h.Sum64(), Value: value})
	}
	if constant {
		v = append(v, sketch.Feature{Index: constantFeature, Value: 1})
	}
	return v
}

func parseRound(t testing.TB, constant bool, lines ...string) []sketch.Vector {
	t.Helper()
	actions := make([]sketch.Vector, len(lines))
	for i, line := range lines {
		actions[i] = parseAction(t, line, constant)
	}
	return actions
}

func randomRound(n, universe, nnz int, seed uint64) []sketch.Vector {
	rng := rand.New(rand.NewPCG(seed, 3))
	actions := make([]sketch.Vector, n)
	for i := range actions {
		v := make(sketch.Vector, nnz)
		for j := range v {
			v[j] = sketch.Feature{Index: uint64(rng.IntN(universe)), Value: rng.NormFloat64()}
		}
		actions[i] = v
	}
	return actions
}

func rowsApprox(a, b []float64, tol float64) bool {
	if len(a) != len(b) {
		return false
	}
	scale := 0.0
	for i := range a {
		scale = math.Max(scale, math.Max(math.Abs(a[i]), math.Abs(b[i])))
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol*math.Max(scale, 1e-12) {
			return false
		}
	}
	return true
}

func TestNewReducer(t *testing.T) {
	r, err := NewReducer(3)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Rank())
	assert.Equal(t, DefaultConfig(3), r.Config())

	tests := []struct {
		name    string
		rank    int
		options []Option
		wantErr error
	}{
		{name: "zero rank", rank: 0, wantErr: ErrInvalidRank},
		{name: "negative rank", rank: -2, wantErr: ErrInvalidRank},
		{name: "negative slack", rank: 3, options: []Option{WithSlack(-1)}, wantErr: ErrInvalidConfig},
		{name: "negative workers", rank: 3, options: []Option{WithWorkers(-1)}, wantErr: ErrInvalidConfig},
		{name: "small spanner c", rank: 3, options: []Option{WithSpannerC(0.9)}, wantErr: ErrInvalidConfig},
		{name: "unknown orthogonalizer", rank: 3, options: []Option{WithOrthogonalizer("givens")}, wantErr: ErrInvalidConfig},
		{name: "unknown svd", rank: 3, options: []Option{WithSVDStrategy("lanczos")}, wantErr: ErrInvalidConfig},
		{name: "zero tolerance", rank: 3, options: []Option{WithTolerance(0)}, wantErr: ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReducer(tt.rank, tt.options...)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSameActionsSameRepresentation(t *testing.T) {
	const d = 3
	actions := parseRound(t, true,
		"1:0.1 2:0.12 3:0.13 b200:2 c500:9",
		"a_1:0.5 a_2:0.65 a_3:0.12 a100:4 a200:33",
		"a_1:0.5 a_2:0.65 a_3:0.12 a100:4 a200:33",
		"a_4:0.8 a_5:0.32 a_6:0.15 d1:0.2 d10:0.2",
		"a_7 a_8 a_9 v1:0.99",
		"a_10 a_11 a_12",
		"a_13 a_14 a_15",
		"a_16 a_17 a_18:0.2",
	)

	var results []*Result
	for _, workers := range []int{0, 2} {
		r, err := NewReducer(d, WithSeed(5), WithWorkers(workers))
		require.NoError(t, err)

		res, err := r.Reduce(context.Background(), actions, NoAnchor)
		require.NoError(t, err)
		require.Equal(t, d, res.Rank)
		assert.True(t, rowsApprox(res.Representation(1), res.Representation(2), 1e-9),
			"workers=%d: duplicates differ: %v vs %v", workers, res.Representation(1), res.Representation(2))
		results = append(results, res)
	}

	assert.True(t, mat.Equal(results[0].U, results[1].U))
	assert.Equal(t, results[0].Spanner, results[1].Spanner)
}

func TestLinearCombinationOfActions(t *testing.T) {
	const d = 3
	actions := parseRound(t, false,
		"1:0.1 2:0.12 3:0.13 b200:2 c500:9",
		"a_1:0.5 a_2:0.65 a_3:0.12 a100:4 a200:33",
		"a_1:0.8 a_2:0.32 a_3:0.15 a100:0.2 a200:0.2",
		// action 3 = action 1 + 2 × action 2
		"a_1:2.1 a_2:1.29 a_3:0.42 a100:4.4 a200:33.4",
		"a_4:0.8 a_5:0.32 a_6:0.15 d1:0.2 d10:0.2",
		"a_7 a_8 a_9 v1:0.99",
		"a_10 a_11 a_12",
		"a_13 a_14 a_15",
		"a_16 a_17 a_18:0.2",
	)

	for _, workers := range []int{0, 2} {
		r, err := NewReducer(d, WithSeed(5), WithWorkers(workers))
		require.NoError(t, err)

		res, err := r.Reduce(context.Background(), actions, NoAnchor)
		require.NoError(t, err)
		require.Equal(t, d, res.Rank)

		a2, a3, a4 := res.Representation(1), res.Representation(2), res.Representation(3)
		combined := make([]float64, d)
		for j := range combined {
			combined[j] = a2[j] + 2*a3[j]
		}
		assert.True(t, rowsApprox(combined, a4, 1e-8), "workers=%d: %v vs %v", workers, combined, a4)
	}
}

func TestDeterministicAcrossWorkers(t *testing.T) {
	actions := randomRound(500, 20000, 15, 42)
	// Plant duplicates and a linear combination.
	actions[10] = append(sketch.Vector(nil), actions[3]...)
	combo := sketch.Vector{}
	for _, f := range actions[5] {
		combo = append(combo, sketch.Feature{Index: f.Index, Value: 0.5 * f.Value})
	}
	for _, f := range actions[6] {
		combo = append(combo, sketch.Feature{Index: f.Index, Value: -3 * f.Value})
	}
	actions[20] = combo

	for _, orth := range []string{"householder", "gram_schmidt"} {
		for _, svd := range []string{"dense", "gram"} {
			t.Run(orth+"/"+svd, func(t *testing.T) {
				var base *Result
				for _, workers := range []int{0, 1, 2, 7, 32} {
					r, err := NewReducer(8, WithSeed(77), WithWorkers(workers),
						WithOrthogonalizer(orth), WithSVDStrategy(svd))
					require.NoError(t, err)
					res, err := r.ReduceRound(context.Background(), 9, actions, NoAnchor)
					require.NoError(t, err)
					require.Equal(t, 8, res.Rank)

					if base == nil {
						base = res
						continue
					}
					assert.True(t, mat.Equal(base.U, res.U), "workers=%d changed U", workers)
					assert.True(t, mat.Equal(base.Q, res.Q), "workers=%d changed Q", workers)
					assert.Equal(t, base.Spanner, res.Spanner, "workers=%d changed spanner", workers)
				}

				assert.True(t, rowsApprox(base.Representation(3), base.Representation(10), 1e-8))
				combined := make([]float64, 8)
				r5, r6 := base.Representation(5), base.Representation(6)
				for j := range combined {
					combined[j] = 0.5*r5[j] - 3*r6[j]
				}
				assert.True(t, rowsApprox(combined, base.Representation(20), 1e-7))
			})
		}
	}
}

func TestInvariants(t *testing.T) {
	actions := randomRound(60, 400, 6, 8)
	const d = 5

	r, err := NewReducer(d, WithSeed(1), WithWorkers(4))
	require.NoError(t, err)
	res, err := r.Reduce(context.Background(), actions, 17)
	require.NoError(t, err)

	_, cols := res.U.Dims()
	assert.LessOrEqual(t, cols, d)
	assert.LessOrEqual(t, len(res.Spanner), d+1)
	assert.Contains(t, res.Spanner, 17)
	assert.Equal(t, d+5, res.Width)
	for i, a := range res.Spanner {
		assert.True(t, a >= 0 && a < len(actions))
		if i > 0 {
			assert.Less(t, res.Spanner[i-1], a)
		}
	}

	// QᵗQ = I
	var gram mat.Dense
	gram.Mul(res.Q.T(), res.Q)
	_, k := res.Q.Dims()
	assert.True(t, mat.EqualApprox(&gram, eye(k), 1e-10))
	assert.Equal(t, StatusOK, res.Status)
}

func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func TestFewerActionsThanRank(t *testing.T) {
	r, err := NewReducer(4)
	require.NoError(t, err)

	actions := parseRound(t, false, "x:1 y:2", "z:1")
	res, err := r.Reduce(context.Background(), actions, NoAnchor)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Rank)
	assert.Equal(t, 2, res.Width)
	assert.Equal(t, []int{0, 1}, res.Spanner)
	assert.True(t, res.Status.Has(StatusReducedRank))
	assert.False(t, res.Status.Has(StatusDegenerate))
}

func TestRankDeficientRound(t *testing.T) {
	r, err := NewReducer(3)
	require.NoError(t, err)

	// Six actions spanning only two directions.
	actions := parseRound(t, false,
		"p:1 q:1", "p:2 q:2", "r:1", "r:-4", "p:1 q:1 r:1", "p:3 q:3 r:-1",
	)
	res, err := r.Reduce(context.Background(), actions, NoAnchor)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Rank)
	assert.Len(t, res.Spanner, 2)
	assert.True(t, res.Status.Has(StatusReducedRank))
	assert.Equal(t, "reduced_rank", res.Status.String())
}

func TestZeroPassesNotConverged(t *testing.T) {
	r, err := NewReducer(2, WithMaxPasses(0))
	require.NoError(t, err)

	actions := parseRound(t, false, "a:1", "b:1", "a:1 b:1")
	res, err := r.Reduce(context.Background(), actions, NoAnchor)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Passes)
	assert.True(t, res.Status.Has(StatusNotConverged))
	assert.Len(t, res.Spanner, 2)
}

func TestDegenerateRounds(t *testing.T) {
	r, err := NewReducer(3)
	require.NoError(t, err)

	res, err := r.Reduce(context.Background(), nil, NoAnchor)
	require.NoError(t, err)
	assert.True(t, res.Status.Has(StatusDegenerate))
	assert.Empty(t, res.Spanner)
	assert.Nil(t, res.U)
	assert.Nil(t, res.Representation(0))

	zero := []sketch.Vector{{}, {{Index: 1, Value: 0}}, {}}
	res, err = r.Reduce(context.Background(), zero, NoAnchor)
	require.NoError(t, err)
	assert.Equal(t, StatusDegenerate|StatusReducedRank, res.Status)
	assert.Equal(t, 0, res.Rank)
	assert.Empty(t, res.Spanner)

	res, err = r.Reduce(context.Background(), zero, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, res.Spanner)

	stats := r.GetStats()
	assert.Equal(t, uint64(3), stats["degenerate_rounds"])
}

func TestReduceErrors(t *testing.T) {
	r, err := NewReducer(2)
	require.NoError(t, err)
	actions := parseRound(t, false, "a:1", "b:1", "c:1")

	_, err = r.Reduce(context.Background(), actions, 3)
	var inputErr *InputError
	require.True(t, errors.As(err, &inputErr))
	assert.Equal(t, "anchor", inputErr.Field)
	assert.Equal(t, 3, inputErr.Got)

	bad := append(parseRound(t, false, "a:1"), sketch.Vector{{Index: 1, Value: math.Inf(1)}})
	_, err = r.Reduce(context.Background(), bad, NoAnchor)
	assert.ErrorIs(t, err, sketch.ErrInvalidFeature)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Reduce(ctx, actions, NoAnchor)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRoundCounter(t *testing.T) {
	actions := randomRound(30, 300, 5, 4)
	r, err := NewReducer(3, WithSeed(9))
	require.NoError(t, err)

	first, err := r.Reduce(context.Background(), actions, NoAnchor)
	require.NoError(t, err)
	second, err := r.Reduce(context.Background(), actions, NoAnchor)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), first.Round)
	assert.Equal(t, uint64(1), second.Round)
	assert.NotEqual(t, first.Seed, second.Seed)
	assert.Equal(t, uint64(2), r.Round())

	replay, err := r.ReduceRound(context.Background(), 0, actions, NoAnchor)
	require.NoError(t, err)
	assert.True(t, mat.Equal(first.U, replay.U))
	assert.Equal(t, uint64(2), r.Round(), "ReduceRound must not advance the counter")

	r.Reset()
	assert.Equal(t, uint64(0), r.Round())
	assert.Equal(t, uint64(0), r.GetStats()["rounds"])
}

func TestStrategiesAgree(t *testing.T) {
	actions := randomRound(80, 1000, 8, 5)

	base, err := NewReducer(4, WithSeed(3))
	require.NoError(t, err)
	want, err := base.ReduceRound(context.Background(), 0, actions, NoAnchor)
	require.NoError(t, err)

	other, err := NewReducer(4, WithSeed(3), WithOrthogonalizer("gram_schmidt"), WithSVDStrategy("gram"))
	require.NoError(t, err)
	got, err := other.ReduceRound(context.Background(), 0, actions, NoAnchor)
	require.NoError(t, err)

	assert.True(t, mat.EqualApprox(want.U, got.U, 1e-6))
	assert.Equal(t, want.Spanner, got.Spanner)
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	r, err := NewReducer(2, WithLogger(logger))
	require.NoError(t, err)
	_, err = r.Reduce(context.Background(), parseRound(t, false, "a:1", "b:1", "c:1 a:1"), NoAnchor)
	require.NoError(t, err)
	_, err = r.Reduce(context.Background(), nil, NoAnchor)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"message":"round reduced"`)
	assert.Contains(t, out, `"level":"debug"`)
	assert.Contains(t, out, `"status":"reduced_rank|degenerate"`)
	assert.Contains(t, out, `"target_rank":2`)
}

func TestGetStats(t *testing.T) {
	r, err := NewReducer(3, WithWorkers(2), WithDistribution(projector.Rademacher))
	require.NoError(t, err)
	_, err = r.Reduce(context.Background(), randomRound(20, 100, 4, 1), NoAnchor)
	require.NoError(t, err)

	stats := r.GetStats()
	assert.Equal(t, uint64(1), stats["rounds"])
	assert.Equal(t, int64(3), stats["last_rank"])
	assert.Equal(t, 2, stats["workers"])
	assert.Equal(t, "rademacher", stats["distribution"])
	assert.Equal(t, "householder", stats["orthogonalizer"])
}
