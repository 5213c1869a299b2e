// Package cmd provides the CLI commands for the subsync admission gate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/subsync/subsync-limiter/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "subsync-limiter",
	Short: "subsync-limiter - GCRA admission gate",
	Long: `subsync-limiter is an admission gate that rate limits HTTP traffic to an
upstream service using the Generic Cell Rate Algorithm.

Each rule selects requests with an optional CEL expression and keys them by
client IP, user, route or a single global key. Requests over their rule's
rate are answered with 429 Too Many Requests and a Retry-After header.

Quick start:
  1. Create a config file: subsync-limiter.yaml
  2. Run: subsync-limiter start

Configuration:
  Config is loaded from subsync-limiter.yaml in the current directory,
  $HOME/.subsync-limiter/, or /etc/subsync-limiter/.

  Environment variables can override config values with the SUBSYNC_LIMITER_ prefix.
  Example: SUBSYNC_LIMITER_SERVER_HTTP_ADDR=:9090

Commands:
  start       Start the gate
  stop        Stop the running gate
  check       Validate the configuration and list the effective rules
  config      Print the effective configuration as YAML
  version     Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./subsync-limiter.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
