// Package main is the entry point for the polis-limitsize binary.
// It runs a reverse proxy that rejects requests and responses whose bodies
// exceed the configured limits.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const serviceName = "polis-limitsize"

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		var exitErr *exitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// exitError signals a failure whose details were already printed.
type exitError struct {
	err error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

// newRootCmd creates the root command for polis-limitsize
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Payload size limiting reverse proxy",
		Long: `A reverse proxy that replaces oversized exchanges with a local response.

Requests whose body exceeds maxRequestSize are answered with 413 Payload Too
Large, upstream responses whose body exceeds maxResponseSize with 502 Bad
Gateway. Limits are read from a JSON filter configuration that is reloaded
when the file changes.

Example:
  polis-limitsize serve --upstream http://127.0.0.1:9000 --filter-config limitsize.json`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newValidateCmd(),
		newDefaultsCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", serviceName, version)
			return err
		},
	}
}
