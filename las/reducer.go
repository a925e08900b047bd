// Package las reduces the per-round action set of a large-action-space
// contextual bandit to a low-rank representation and a small spanner.
//
// A round runs Sketch Builder → Orthogonalizer → Low-Rank Solver → Spanner
// Selector. The output is bit-for-bit independent of the worker count and
// of worker scheduling for a fixed round and seed.
package las

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-bandit-spanner/lowrank"
	"github.com/n0madic/go-bandit-spanner/projector"
	"github.com/n0madic/go-bandit-spanner/sketch"
	"github.com/n0madic/go-bandit-spanner/spanner"
)

// NoAnchor disables the anchor action of a round
const NoAnchor = spanner.NoAnchor

// Result is the reduced representation of one round
type Result struct {
	Round   uint64     // round counter the seed was derived from
	Seed    uint64     // projection seed of the round
	U       *mat.Dense // actions × Rank representation, nil when Rank is 0
	Q       *mat.Dense // orthonormal sketch basis
	Values  []float64  // retained singular values
	Spanner []int      // selected action indices, ascending
	Rank    int        // effective rank
	Width   int        // sketch width used
	Status  Status     // recoverable conditions of the round
	Passes  int        // spanner exchange passes
}

// Representation returns a copy of the reduced vector of action i
func (r *Result) Representation(i int) []float64 {
	if r.U == nil {
		return nil
	}
	return mat.Row(nil, i, r.U)
}

// Reducer runs the reduction pipeline round after round. It is safe for
// concurrent use; the only state shared between rounds is the round counter.
type Reducer struct {
	rank      int
	slack     int
	workers   int
	seed      uint64
	c         float64
	maxPasses int
	tol       float64
	dist      projector.Distribution
	orth      string
	svd       string

	logger  zerolog.Logger
	metrics *Metrics

	builder  *sketch.Builder
	solver   *lowrank.Solver
	selector *spanner.Selector

	round         uint64 // atomic round counter
	nRounds       uint64 // atomic
	nReduced      uint64 // atomic
	nDegenerate   uint64 // atomic
	nNotConverged uint64 // atomic
	lastRank      int64  // atomic
	lastSpanner   int64  // atomic
}

// Option defines a functional option for configuring a Reducer
type Option func(*Reducer)

// WithSlack sets the number of sketch columns beyond the target rank
func WithSlack(slack int) Option {
	return func(r *Reducer) {
		r.slack = slack
	}
}

// WithWorkers sets the sketch worker pool size; 0 or 1 is single-threaded
func WithWorkers(workers int) Option {
	return func(r *Reducer) {
		r.workers = workers
	}
}

// WithSeed sets the base seed rounds derive their projection seed from
func WithSeed(seed uint64) Option {
	return func(r *Reducer) {
		r.seed = seed
	}
}

// WithSpannerC sets the improvement factor a spanner swap must exceed
func WithSpannerC(c float64) Option {
	return func(r *Reducer) {
		r.c = c
	}
}

// WithMaxPasses bounds the spanner exchange passes
func WithMaxPasses(passes int) Option {
	return func(r *Reducer) {
		r.maxPasses = passes
	}
}

// WithTolerance sets the relative tolerance for dropping directions
func WithTolerance(tol float64) Option {
	return func(r *Reducer) {
		r.tol = tol
	}
}

// WithDistribution sets the projection entry distribution
func WithDistribution(dist projector.Distribution) Option {
	return func(r *Reducer) {
		r.dist = dist
	}
}

// WithOrthogonalizer selects "householder" or "gram_schmidt"
func WithOrthogonalizer(name string) Option {
	return func(r *Reducer) {
		r.orth = name
	}
}

// WithSVDStrategy selects "dense" or "gram"
func WithSVDStrategy(name string) Option {
	return func(r *Reducer) {
		r.svd = name
	}
}

// WithLogger sets the logger, zerolog.Nop() by default
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Reducer) {
		r.logger = logger
	}
}

// WithMetrics attaches Prometheus metrics
func WithMetrics(m *Metrics) Option {
	return func(r *Reducer) {
		r.metrics = m
	}
}

// NewReducer creates a Reducer for target rank d
func NewReducer(rank int, options ...Option) (*Reducer, error) {
	if rank <= 0 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidRank, rank)
	}
	cfg := DefaultConfig(rank)
	r := &Reducer{
		rank:      rank,
		slack:     cfg.Slack,
		workers:   cfg.Workers,
		seed:      cfg.Seed,
		c:         cfg.SpannerC,
		maxPasses: cfg.MaxPasses,
		tol:       cfg.Tolerance,
		orth:      cfg.Orthogonalizer,
		svd:       cfg.SVD,
		logger:    zerolog.Nop(),
	}

	for _, opt := range options {
		opt(r)
	}

	if r.slack < 0 {
		return nil, fmt.Errorf("%w: slack must be non-negative, got %d", ErrInvalidConfig, r.slack)
	}
	if r.tol <= 0 {
		return nil, fmt.Errorf("%w: tolerance must be positive, got %v", ErrInvalidConfig, r.tol)
	}

	var err error
	r.builder, err = sketch.NewBuilder(sketch.WithWorkers(r.workers))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	orth, err := lowrank.ParseOrthogonalizer(r.orth, r.tol)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	svd, err := lowrank.ParseSVD(r.svd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	r.orth, r.svd = orth.Name(), svd.Name()
	r.solver = lowrank.NewSolver(
		lowrank.WithOrthogonalizer(orth),
		lowrank.WithSVD(svd),
		lowrank.WithTolerance(r.tol),
	)

	r.selector, err = spanner.NewSelector(
		spanner.WithC(r.c),
		spanner.WithMaxPasses(r.maxPasses),
		spanner.WithTolerance(r.tol),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return r, nil
}

// Rank returns the target rank
func (r *Reducer) Rank() int {
	return r.rank
}

// Round returns the number of rounds started through Reduce
func (r *Reducer) Round() uint64 {
	return atomic.LoadUint64(&r.round)
}

// Reduce runs the next round. The round counter advances once per call.
func (r *Reducer) Reduce(ctx context.Context, actions []sketch.Vector, anchor int) (*Result, error) {
	round := atomic.AddUint64(&r.round, 1) - 1
	return r.ReduceRound(ctx, round, actions, anchor)
}

// ReduceRound runs the pipeline for an explicit round without touching the
// round counter. anchor is an action that must be part of the spanner, or
// NoAnchor.
func (r *Reducer) ReduceRound(ctx context.Context, round uint64, actions []sketch.Vector, anchor int) (*Result, error) {
	n := len(actions)
	if anchor != NoAnchor && (anchor < 0 || anchor >= n) {
		return nil, &InputError{Field: "anchor", Limit: n, Got: anchor}
	}

	start := time.Now()
	seed := projector.RoundSeed(r.seed, round)
	res := &Result{Round: round, Seed: seed, Spanner: []int{}}

	if n == 0 {
		res.Status = StatusDegenerate | StatusReducedRank
		r.finish(res, n, start)
		return res, nil
	}

	res.Width = lowrank.Width(r.rank, r.slack, n)
	proj := projector.New(seed, projector.WithDistribution(r.dist))

	y, err := r.builder.Build(ctx, actions, res.Width, proj)
	if err != nil {
		return nil, fmt.Errorf("round %d: sketch: %w", round, err)
	}

	lr, err := r.solver.Solve(y, actions, r.rank)
	if err != nil {
		return nil, fmt.Errorf("round %d: solve: %w", round, err)
	}
	res.Q, res.U, res.Values, res.Rank = lr.Q, lr.U, lr.Values, lr.Rank

	if lr.Rank == 0 {
		res.Status = StatusDegenerate | StatusReducedRank
		if anchor != NoAnchor {
			res.Spanner = []int{anchor}
		}
		r.finish(res, n, start)
		return res, nil
	}
	if lr.Rank < r.rank {
		res.Status |= StatusReducedRank
	}

	sp, err := r.selector.Select(lr.U, anchor)
	if err != nil {
		return nil, fmt.Errorf("round %d: spanner: %w", round, err)
	}
	res.Spanner = sp.Indices
	res.Passes = sp.Passes
	if !sp.Converged {
		res.Status |= StatusNotConverged
	}
	if sp.Rank < lr.Rank {
		res.Status |= StatusReducedRank
	}

	r.finish(res, n, start)
	return res, nil
}

// finish records statistics, metrics and the round log line
func (r *Reducer) finish(res *Result, actions int, start time.Time) {
	elapsed := time.Since(start)

	atomic.AddUint64(&r.nRounds, 1)
	if res.Status.Has(StatusReducedRank) {
		atomic.AddUint64(&r.nReduced, 1)
	}
	if res.Status.Has(StatusDegenerate) {
		atomic.AddUint64(&r.nDegenerate, 1)
	}
	if res.Status.Has(StatusNotConverged) {
		atomic.AddUint64(&r.nNotConverged, 1)
	}
	atomic.StoreInt64(&r.lastRank, int64(res.Rank))
	atomic.StoreInt64(&r.lastSpanner, int64(len(res.Spanner)))

	if r.metrics != nil {
		r.metrics.observe(res, elapsed)
	}

	event := r.logger.Debug()
	switch {
	case res.Status.Has(StatusDegenerate):
		event = r.logger.Info()
	case res.Status != StatusOK:
		event = r.logger.Warn()
	}
	event.
		Uint64("round", res.Round).
		Int("actions", actions).
		Int("width", res.Width).
		Int("rank", res.Rank).
		Int("target_rank", r.rank).
		Int("spanner", len(res.Spanner)).
		Int("passes", res.Passes).
		Stringer("status", res.Status).
		Dur("elapsed", elapsed).
		Msg("round reduced")
}

// GetStats returns current reducer statistics
func (r *Reducer) GetStats() map[string]any {
	return map[string]any{
		"rounds":               atomic.LoadUint64(&r.nRounds),
		"round_counter":        atomic.LoadUint64(&r.round),
		"reduced_rank_rounds":  atomic.LoadUint64(&r.nReduced),
		"degenerate_rounds":    atomic.LoadUint64(&r.nDegenerate),
		"not_converged_rounds": atomic.LoadUint64(&r.nNotConverged),
		"last_rank":            atomic.LoadInt64(&r.lastRank),
		"last_spanner_size":    atomic.LoadInt64(&r.lastSpanner),
		"rank":                 r.rank,
		"slack":                r.slack,
		"workers":              r.workers,
		"spanner_c":            r.c,
		"max_passes":           r.maxPasses,
		"orthogonalizer":       r.orth,
		"svd":                  r.svd,
		"distribution":         r.dist.String(),
	}
}

// Reset rewinds the round counter and clears statistics
func (r *Reducer) Reset() {
	atomic.StoreUint64(&r.round, 0)
	atomic.StoreUint64(&r.nRounds, 0)
	atomic.StoreUint64(&r.nReduced, 0)
	atomic.StoreUint64(&r.nDegenerate, 0)
	atomic.StoreUint64(&r.nNotConverged, 0)
	atomic.StoreInt64(&r.lastRank, 0)
	atomic.StoreInt64(&r.lastSpanner, 0)
}
