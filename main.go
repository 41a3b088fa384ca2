// Command sift runs particle-filter data assimilation experiments over
// gridded geophysical fields: an OSSE driver, a synthetic observation
// generator, and a diagnostics evaluator.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagConfig string
	flagDebug  bool
)

var rootCmd = &cobra.Command{
	Use:           "sift",
	Short:         "Particle-filter data assimilation for gridded geophysical fields",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config.yaml (empty = embedded defaults)")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "human-readable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(genobsCmd)
	rootCmd.AddCommand(evalCmd)
}

// newLogger builds the process logger: development config when --debug is
// set, JSON production config otherwise.
func newLogger() (*zap.Logger, error) {
	if flagDebug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
