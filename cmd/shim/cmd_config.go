package main

import (
	"fmt"

	"shim/pkg/config"

	"github.com/spf13/cobra"
)

// newConfigCmd creates the config command, which prints the effective
// configuration after file, environment and defaults are applied.
func newConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.home)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return fmt.Errorf("render config: %w", err)
			}
			w := cmd.OutOrStdout()
			source := cfg.Source
			if source == "" {
				source = "defaults (no config file)"
			}
			fmt.Fprintf(w, "# home: %s\n# source: %s\n", cfg.Home, source)
			_, err = w.Write(out)
			return err
		},
	}
}
