package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/grafana/jfr-agent/pkg/jfragent"
)

func init() {
	rootCmd.AddCommand(cmdValidate)
	cmdValidate.Flags().String("probes", "", "event specification file (XML or YAML)")
	_ = cmdValidate.MarkFlagRequired("probes")
}

var cmdValidate = &cobra.Command{
	Use:   "validate --probes <file>",
	Short: "Check a probe specification",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, _ := cmd.Flags().GetString("probes")
		sum, err := jfragent.Validate(path)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tMETHOD\tEVENT CLASS")
		for _, e := range sum.Events {
			fmt.Fprintf(w, "%s\t%s\t%s\n", e.ID, e.Method, e.EventClass)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d events in %d classes\n", len(sum.Events), sum.Classes)
		return nil
	},
}
