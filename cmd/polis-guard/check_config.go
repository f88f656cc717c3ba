package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-guard/pkg/canonical"
)

func newCheckConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Load the configuration and build the pipeline without serving",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			g, err := buildGuard(cmd.Context(), cfg, newLogger(cfg))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration OK: %s\n", opts.ConfigPath)
			fmt.Fprintf(out, "pipeline %s: %d rules\n", g.pipeline.ID(), len(g.pipeline.Rules()))
			for i, r := range g.pipeline.Rules() {
				fmt.Fprintf(out, "  %d. %s (%s)\n", i+1, r.ID(), r.Type())
			}
			fmt.Fprintf(out, "validation types: %s\n", strings.Join(g.validator.Registry().Names(), ", "))
			fmt.Fprintf(out, "decoders: %s (available: %s)\n",
				strings.Join(g.validator.Canonicalizer().Decoders(), ", "),
				strings.Join(canonical.DecoderNames(), ", "))
			return nil
		},
	}
}
