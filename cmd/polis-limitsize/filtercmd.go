package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-limitsize/pkg/config"
)

// Context lines printed around a configuration syntax error.
const errorContextLines = 4

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a filter configuration file and print the effective limits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateFilterConfig(cmd, args[0])
		},
	}
}

func newDefaultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "defaults",
		Short: "Print the filter configuration used when none is supplied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printFilterConfig(cmd, config.DefaultFilterConfig())
		},
	}
}

func validateFilterConfig(cmd *cobra.Command, path string) error {
	// #nosec G304 -- path is the command argument
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read filter config %s: %w", path, err)
	}

	cfg, err := config.ParseFilterConfig(data)
	if err != nil {
		var cfgErr *config.ConfigError
		if !errors.As(err, &cfgErr) {
			return err
		}
		out := cmd.ErrOrStderr()
		fmt.Fprintf(out, "%s: invalid filter configuration\n", path)
		for _, line := range cfgErr.ErrorLines(string(data), errorContextLines, errorContextLines) {
			fmt.Fprintln(out, line)
		}
		return &exitError{err: err}
	}

	return printFilterConfig(cmd, cfg)
}

func printFilterConfig(cmd *cobra.Command, cfg config.FilterConfig) error {
	data, err := cfg.Encode()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
