// Nyumba — a safety-first smart-home agent service.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "nyumba",
	Short: "Nyumba — a safety-first smart-home agent service.",
	Long: `Nyumba lets a language model observe and, with operator approval, act on
a smart home. Analysis scripts the model writes run inside a hardened
container sandbox; everything the scripts emit is validated before it is
kept. State-changing actions never execute without a human decision.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, runCmd, reportCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
