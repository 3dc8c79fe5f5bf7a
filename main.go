package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "orchestra",
	Short: "Multi-agent task orchestration engine",
	Long: `Orchestra splits a natural-language request into capability-typed tasks,
schedules them across agents (sequential, parallel, pipeline or conditional),
retries and times out each step, and folds the results into one outcome.

Configuration is read from orchestra.yaml (see --config) with ORCHESTRA_*
environment overrides.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to orchestra.yaml (default: $ORCHESTRA_CONFIG, ./orchestra.yaml, /etc/orchestra/orchestra.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
