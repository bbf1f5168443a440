package main

import (
	"fmt"
	"io"
	"log/slog"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/grafana/pyroscope-go/godeltaprof/http/pprof"
	"github.com/prometheus/common/version"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/jfr-agent/pkg/jfragent"
)

var serveConfigPath string

func init() {
	rootCmd.AddCommand(cmdServe)
	cmdServe.Flags().StringVar(&serveConfigPath, "config", "", "path to the configuration file")
}

var cmdServe = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine for the agent shim of a JVM",
	Long: `The serve command runs the instrumentation engine. The agent shim loaded into the JVM
forwards every class load to it, and the management API changes the instrumentation
while the JVM runs.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if serveConfigPath == "" {
			serveConfigPath = os.Getenv("JFR_AGENT_CONFIG_PATH")
		}
		config, err := loadConfig(serveConfigPath)
		if err != nil {
			return err
		}
		if logLevel == "" {
			if err := lvl.UnmarshalText([]byte(config.LogLevel)); err != nil {
				return fmt.Errorf("unknown log level specified, choices are [DEBUG, INFO, WARN, ERROR]: %w", err)
			}
		}
		slog.Info("starting jfr-agent engine", "Version", version.Version, "Revision", version.Revision)

		// Adding shutdown hook for graceful stop.
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		engine, err := jfragent.New(config)
		if err != nil {
			return err
		}
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return jfragent.ServeProfiling(gctx, config)
		})
		g.Go(func() error {
			return engine.Start(gctx, config.AttachMode)
		})
		err = g.Wait()
		slog.Info("engine stopped. Exiting now")
		return err
	},
}

func loadConfig(path string) (*jfragent.Config, error) {
	var configReader io.ReadCloser
	if path != "" {
		var err error
		if configReader, err = os.Open(path); err != nil {
			return nil, fmt.Errorf("can't open %s: %w", path, err)
		}
		defer configReader.Close()
	}
	config, err := jfragent.LoadConfig(configReader)
	if err != nil {
		return nil, fmt.Errorf("wrong configuration: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("wrong configuration: %w", err)
	}
	return config, nil
}
