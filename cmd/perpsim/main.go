package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	flagVerbose bool
	log         zerolog.Logger
)

func main() {
	// Ambient env is optional; a missing .env is not an error.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "perpsim",
		Short:         "Deterministic backtesting engine for crypto perpetual futures",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := zerolog.InfoLevel
			if flagVerbose {
				level = zerolog.DebugLevel
			}
			log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
				Level(level).With().Timestamp().Logger()
		},
	}
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newRunCmd())
	root.AddCommand(newVerifyCmd())

	if err := root.Execute(); err != nil {
		if log.GetLevel() == zerolog.Disabled {
			log = zerolog.New(os.Stderr)
		}
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
