package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "vsr",
	Short:         "NHTSA vehicle safety rating cache",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if os.Getenv("NO_COLOR") != "" {
			noColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(reimportCmd)
	rootCmd.AddCommand(clearCacheCmd)
	rootCmd.AddCommand(resetFailuresCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(lookupCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(ratingCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := run(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return fmt.Errorf("vsr: %w", err)
	}
	return nil
}
