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
	Use:   "imgrelay",
	Short: "Caching reverse proxy for images",
	Long: `imgrelay is a caching reverse proxy for images.

It fetches images from origin sites on first request, stores them in a
local cache, and serves every later request from the cache with long-lived
browser caching headers. Per-site usage is metered for billing.

Quick start:
  imgrelay serve    # Start the proxy server

Management:
  imgrelay usage     # Show per-site usage totals
  imgrelay validate  # Validate configuration`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "imgrelay.yaml", "config file path")
}
