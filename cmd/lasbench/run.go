package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-bandit-spanner/las"
	"github.com/n0madic/go-bandit-spanner/sketch"
)

// runCmd represents the run subcommand
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the reducer on synthetic rounds",
	RunE:  runRounds,
}

var (
	runActions    int
	runFeatures   int
	runNNZ        int
	runRank       int
	runWorkers    int
	runSeed       uint64
	runRoundCount int
	runConfig     string
	runVerify     bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().IntVar(&runActions, "actions", 2000, "Actions per round")
	runCmd.Flags().IntVar(&runFeatures, "features", 1<<18, "Size of the hashed feature space")
	runCmd.Flags().IntVar(&runNNZ, "nnz", 20, "Nonzero features per action")
	runCmd.Flags().IntVar(&runRank, "rank", 8, "Target rank d")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "Sketch worker pool size")
	runCmd.Flags().Uint64Var(&runSeed, "seed", 5, "Base random seed")
	runCmd.Flags().IntVar(&runRoundCount, "rounds", 1, "Number of rounds")
	runCmd.Flags().StringVar(&runConfig, "config", "", "YAML reducer configuration (flags override it)")
	runCmd.Flags().BoolVar(&runVerify, "verify", false, "Re-run each round single-threaded and compare")
}

func loadConfig(cmd *cobra.Command) (las.Config, error) {
	cfg := las.DefaultConfig(runRank)
	if runConfig != "" {
		f, err := os.Open(runConfig)
		if err != nil {
			return las.Config{}, err
		}
		defer f.Close()
		if cfg, err = las.DecodeConfig(f, cfg); err != nil {
			return las.Config{}, fmt.Errorf("%s: %w", runConfig, err)
		}
	}
	flags := cmd.Flags()
	if runConfig == "" || flags.Changed("rank") {
		cfg.Rank = runRank
	}
	if runConfig == "" || flags.Changed("workers") {
		cfg.Workers = runWorkers
	}
	if runConfig == "" || flags.Changed("seed") {
		cfg.Seed = runSeed
	}
	return cfg, cfg.Validate()
}

func runRounds(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if runActions <= 0 || runFeatures <= 0 || runNNZ <= 0 {
		return fmt.Errorf("actions, features and nnz must be positive")
	}

	reducer, err := las.NewReducerFromConfig(cfg, las.WithLogger(log.Logger))
	if err != nil {
		return err
	}
	var reference *las.Reducer
	if runVerify {
		single := cfg
		single.Workers = 0
		if reference, err = las.NewReducerFromConfig(single); err != nil {
			return err
		}
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, 0x6c617362))
	ctx := context.Background()
	for i := 0; i < runRoundCount; i++ {
		actions := generateRound(rng, runActions, runFeatures, runNNZ)

		start := time.Now()
		res, err := reducer.Reduce(ctx, actions, las.NoAnchor)
		if err != nil {
			return err
		}
		elapsed := time.Since(start)

		fmt.Fprintf(cmd.OutOrStdout(), "round %d: rank %d/%d width %d spanner %v status %s (%s)\n",
			res.Round, res.Rank, cfg.Rank, res.Width, res.Spanner, res.Status, elapsed.Round(time.Microsecond))

		if reference != nil {
			want, err := reference.ReduceRound(ctx, res.Round, actions, las.NoAnchor)
			if err != nil {
				return err
			}
			same := sameMatrix(want.U, res.U) && fmt.Sprint(want.Spanner) == fmt.Sprint(res.Spanner)
			fmt.Fprintf(cmd.OutOrStdout(), "round %d: matches single-threaded run: %t\n", res.Round, same)
			if !same {
				return fmt.Errorf("round %d differs between %d workers and one", res.Round, cfg.Workers)
			}
		}
	}
	return nil
}

// generateRound draws actions with nnz random features each
func generateRound(rng *rand.Rand, actions, features, nnz int) []sketch.Vector {
	round := make([]sketch.Vector, actions)
	for i := range round {
		v := make(sketch.Vector, nnz)
		for j := range v {
			v[j] = sketch.Feature{Index: uint64(rng.IntN(features)), Value: rng.NormFloat64()}
		}
		round[i] = v
	}
	return round
}

func sameMatrix(a, b *mat.Dense) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return mat.Equal(a, b)
}
