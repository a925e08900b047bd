package las

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/n0madic/go-bandit-spanner/lowrank"
	"github.com/n0madic/go-bandit-spanner/projector"
)

// Config is the file form of the reducer options
type Config struct {
	Rank           int     `yaml:"rank"`
	Slack          int     `yaml:"slack"`
	Workers        int     `yaml:"workers"`
	Seed           uint64  `yaml:"seed"`
	SpannerC       float64 `yaml:"spanner_c"`
	MaxPasses      int     `yaml:"max_passes"`
	Orthogonalizer string  `yaml:"orthogonalizer"`
	SVD            string  `yaml:"svd"`
	Distribution   string  `yaml:"distribution"`
	Tolerance      float64 `yaml:"tolerance"`
}

// DefaultConfig returns the defaults for a target rank
func DefaultConfig(rank int) Config {
	return Config{
		Rank:           rank,
		Slack:          5,
		Workers:        0,
		Seed:           0,
		SpannerC:       2.0,
		MaxPasses:      50,
		Orthogonalizer: "householder",
		SVD:            "dense",
		Distribution:   "gaussian",
		Tolerance:      lowrank.DefaultTolerance,
	}
}

// LoadConfig decodes a YAML document on top of the defaults. Unknown keys
// are rejected.
func LoadConfig(r io.Reader) (Config, error) {
	cfg, err := DecodeConfig(r, DefaultConfig(0))
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DecodeConfig reads YAML over base without validating, so callers can
// apply overrides before calling Validate
func DecodeConfig(r io.Reader, base Config) (Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&base); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return base, nil
}

// Validate checks every field of the configuration
func (c Config) Validate() error {
	switch {
	case c.Rank <= 0:
		return fmt.Errorf("%w, got %d", ErrInvalidRank, c.Rank)
	case c.Slack < 0:
		return fmt.Errorf("%w: slack must be non-negative, got %d", ErrInvalidConfig, c.Slack)
	case c.Workers < 0:
		return fmt.Errorf("%w: workers must be non-negative, got %d", ErrInvalidConfig, c.Workers)
	case c.SpannerC < 1:
		return fmt.Errorf("%w: spanner_c must be at least 1, got %v", ErrInvalidConfig, c.SpannerC)
	case c.MaxPasses < 0:
		return fmt.Errorf("%w: max_passes must be non-negative, got %d", ErrInvalidConfig, c.MaxPasses)
	case c.Tolerance <= 0:
		return fmt.Errorf("%w: tolerance must be positive, got %v", ErrInvalidConfig, c.Tolerance)
	}
	if _, err := lowrank.ParseOrthogonalizer(c.Orthogonalizer, c.Tolerance); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, err := lowrank.ParseSVD(c.SVD); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, err := projector.ParseDistribution(c.Distribution); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Options converts the configuration to reducer options
func (c Config) Options() ([]Option, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	dist, _ := projector.ParseDistribution(c.Distribution)
	return []Option{
		WithSlack(c.Slack),
		WithWorkers(c.Workers),
		WithSeed(c.Seed),
		WithSpannerC(c.SpannerC),
		WithMaxPasses(c.MaxPasses),
		WithTolerance(c.Tolerance),
		WithOrthogonalizer(c.Orthogonalizer),
		WithSVDStrategy(c.SVD),
		WithDistribution(dist),
	}, nil
}

// NewReducerFromConfig creates a Reducer from a configuration. Options in
// extra are applied after the configured ones.
func NewReducerFromConfig(c Config, extra ...Option) (*Reducer, error) {
	options, err := c.Options()
	if err != nil {
		return nil, err
	}
	return NewReducer(c.Rank, append(options, extra...)...)
}

// Config returns the configuration the reducer runs with
func (r *Reducer) Config() Config {
	return Config{
		Rank:           r.rank,
		Slack:          r.slack,
		Workers:        r.workers,
		Seed:           r.seed,
		SpannerC:       r.c,
		MaxPasses:      r.maxPasses,
		Orthogonalizer: r.orth,
		SVD:            r.svd,
		Distribution:   r.dist.String(),
		Tolerance:      r.tol,
	}
}
