package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/grafana/jfr-agent/pkg/jfragent"
)

var (
	attachPID    int32
	attachName   string
	attachConfig jfragent.AttachConfig
)

func init() {
	rootCmd.AddCommand(cmdAttach)
	f := cmdAttach.Flags()
	f.Int32Var(&attachPID, "pid", 0, "process ID of the JVM")
	f.StringVar(&attachName, "name", "", "attach to every JVM whose command line contains this text")
	f.StringVar(&attachConfig.ShimJar, "jar", "", "path of the agent shim jar, as seen by the JVM")
	f.StringVar(&attachConfig.BridgeURL, "bridge", "http://127.0.0.1:7171", "URL of the engine bridge")
	_ = cmdAttach.MarkFlagRequired("jar")
	cmdAttach.MarkFlagsMutuallyExclusive("pid", "name")
	cmdAttach.MarkFlagsOneRequired("pid", "name")
}

var cmdAttach = &cobra.Command{
	Use:   "attach --jar <shim.jar> (--pid <pid> | --name <text>)",
	Short: "Load the agent shim into running JVMs",
	Long: `The attach command loads the agent shim into running JVMs, which connect to a running
engine and retransform the classes matching its probe specification.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		attached, err := jfragent.AttachJVMs(cmd.Context(), attachConfig, attachPID, attachName)
		for _, pid := range attached {
			fmt.Fprintf(cmd.OutOrStdout(), "attached to JVM %d\n", pid)
		}
		return err
	},
}
