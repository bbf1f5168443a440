package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var lvl = &slog.LevelVar{}

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "jfr-agent [command]",
	Short: "jfr-agent: flight recorder events for unmodified Java code",
	Long: `jfr-agent rewrites the byte code of Java classes, as they load, so that the methods
described in a probe specification emit flight recorder events.`,
	SilenceUsage: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		if logLevel == "" {
			return nil
		}
		return lvl.UnmarshalText([]byte(logLevel))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: DEBUG, INFO, WARN or ERROR")
}

func main() {
	lvl.Set(slog.LevelInfo)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
