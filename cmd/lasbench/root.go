package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var logLevel string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "lasbench",
	Short: "Reduce synthetic large action spaces",
	Long: `lasbench generates rounds of sparse action feature vectors and runs the
sketch, low-rank and spanner pipeline on them.

Examples:
  lasbench run --actions 5000 --rank 16 --workers 4
  lasbench run --config reducer.yaml --rounds 10 --verify`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			Level(level).
			With().Timestamp().Logger()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
}
