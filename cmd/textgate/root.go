package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "textgate",
	Short: "Admission gate for a costed text-improvement backend",
	Long: `TextGate sits in front of a paid text-improvement provider and decides,
per request, whether the call may proceed: daily quota enforcement per
identity, behavioral abuse scoring per source address, and graceful
degradation to a local rewrite when the provider is down.

Quick start:
  textgate serve     # Start the server

Management:
  textgate identities  # Manage identities and tiers
  textgate keys        # Manage API keys
  textgate validate    # Validate configuration`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "textgate.yaml", "config file path")
}
