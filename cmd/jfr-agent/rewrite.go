package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/grafana/jfr-agent/pkg/jfragent"
)

var rwConfig jfragent.RewriteConfig

func init() {
	rootCmd.AddCommand(cmdRewrite)
	f := cmdRewrite.Flags()
	f.StringVar(&rwConfig.SpecPath, "probes", "", "event specification file (XML or YAML)")
	f.StringVar(&rwConfig.Input, "in", "", "input jar file or directory of classes")
	f.StringVar(&rwConfig.Output, "out", "", "output jar file or directory")
	f.StringVar(&rwConfig.Strategy, "strategy", jfragent.DefaultRewriteStrategy, "event API of the target JVM: modern or legacy")
	f.StringVar(&rwConfig.LegacyRegistrar, "legacy-registrar", jfragent.DefaultLegacyRegistrar, "class registering legacy events")
	for _, name := range []string{"probes", "in", "out"} {
		_ = cmdRewrite.MarkFlagRequired(name)
	}
}

var cmdRewrite = &cobra.Command{
	Use:   "rewrite --probes <file> --in <jar|dir> --out <jar|dir>",
	Short: "Instrument the classes of an archive ahead of time",
	Long: `The rewrite command applies an event specification to every class of a jar file or
directory, and writes the rewritten classes together with the generated event classes.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		res, err := jfragent.Rewrite(cmd.Context(), rwConfig)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "rewrote %d of %d classes into %s\n", res.Modified, res.Classes, rwConfig.Output)
		return nil
	},
}
