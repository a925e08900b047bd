// Package sketch builds the dense random sketch Y = A·Ω of a round's sparse
// action-feature matrix A.
//
// Rows are computed independently and written into pre-allocated slots
// addressed by action index, so the sketch is bit-identical for every
// worker count and scheduling order.
package sketch

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-bandit-spanner/projector"
)

var (
	// ErrInvalidWidth is returned for a non-positive sketch width
	ErrInvalidWidth = errors.New("sketch width must be positive")
	// ErrInvalidWorkers is returned for a negative worker count
	ErrInvalidWorkers = errors.New("worker count must be non-negative")
	// ErrInvalidFeature is returned for NaN or infinite feature weights
	ErrInvalidFeature = errors.New("invalid feature weight")
)

// Builder projects sparse action vectors into a dense sketch
type Builder struct {
	workers int // 0 or 1 means single-threaded
}

// Option configures a Builder
type Option func(*Builder)

// WithWorkers sets the size of the worker pool
func WithWorkers(workers int) Option {
	return func(b *Builder) {
		b.workers = workers
	}
}

// NewBuilder creates a sketch builder
func NewBuilder(options ...Option) (*Builder, error) {
	b := &Builder{}
	for _, opt := range options {
		opt(b)
	}
	if b.workers < 0 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidWorkers, b.workers)
	}
	return b, nil
}

// Workers returns the configured worker pool size
func (b *Builder) Workers() int {
	return b.workers
}

// Build returns the num_actions × width sketch of actions. An empty round
// yields a nil matrix and no error. An action without nonzero features
// yields an all-zero row.
func (b *Builder) Build(ctx context.Context, actions []Vector, width int, p *projector.Projector) (*mat.Dense, error) {
	if width <= 0 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidWidth, width)
	}
	for i, v := range actions {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
	}
	if len(actions) == 0 {
		return nil, nil
	}

	y := mat.NewDense(len(actions), width, nil)
	parts := Partition(len(actions), b.workers)

	if len(parts) == 1 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		projectRows(y, actions, parts[0], p)
		return y, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for _, part := range parts {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			projectRows(y, actions, part, p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return y, nil
}

// projectRows fills the rows of y covered by span. Each call writes only
// its own rows.
func projectRows(y *mat.Dense, actions []Vector, span Span, p *projector.Projector) {
	_, width := y.Dims()
	buf := make([]float64, width)
	for i := span.Start; i < span.End; i++ {
		row := y.RawRowView(i)
		for _, f := range actions[i] {
			if f.Value == 0 {
				continue
			}
			p.Fill(f.Index, buf)
			floats.AddScaled(row, f.Value, buf)
		}
	}
}

// Span is a half-open range of action indices
type Span struct {
	Start, End int
}

// Partition splits n actions into at most workers contiguous spans of
// near-equal size. A worker count of 0 or 1 yields a single span.
func Partition(n, workers int) []Span {
	if n <= 0 {
		return nil
	}
	if workers <= 1 {
		return []Span{{Start: 0, End: n}}
	}
	if workers > n {
		workers = n
	}
	spans := make([]Span, 0, workers)
	size, extra := n/workers, n%workers
	start := 0
	for w := 0; w < workers; w++ {
		end := start + size
		if w < extra {
			end++
		}
		spans = append(spans, Span{Start: start, End: end})
		start = end
	}
	return spans
}
