// Command stepbus encodes driving steps into CAN frames, stores them and
// serves the reconstructed steps over HTTP, WebSocket and SSE.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stepbus/stepbus/internal/config"
	"github.com/stepbus/stepbus/internal/logging"
	intOtel "github.com/stepbus/stepbus/internal/otel"
)

const appName = "stepbus"

// set at build time with -ldflags
var (
	BuildVersion = "dev"
	BuildCommit  = "none"
	BuildDate    = "unknown"
)

var (
	// SessionStartTime names this run's log files.
	SessionStartTime = time.Now()

	// SlogManager owns every slog output of the process.
	SlogManager = logging.NewSlogManager()
	// Logger is the process-wide logger, replaced once setupLogging runs.
	Logger = slog.Default()

	// OTelProvider is nil unless otel.enabled is set.
	OTelProvider *intOtel.Provider

	configDir string
	logLevel  string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           appName,
		Short:         "CAN frame codec and driving-step streaming service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Load(configDir); err != nil {
				var notFound viper.ConfigFileNotFoundError
				if !errors.As(err, &notFound) {
					return err
				}
			}
			if cmd.Flags().Changed("log-level") {
				viper.Set("logLevel", logLevel)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configDir, "config", ".", "directory containing stepbus.json")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")

	root.AddCommand(
		newServeCmd(),
		newSimulateCmd(),
		newDecodeCmd(),
		newSchemaCmd(),
		newExportCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (commit %s, built %s)\n", appName, BuildVersion, BuildCommit, BuildDate)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		Logger.Error("Command failed", "error", err)
		fmt.Fprintln(os.Stderr, "error:", err)
		flushLogs()
		os.Exit(1)
	}
	flushLogs()
}

func flushLogs() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := SlogManager.Flush(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "flush logs:", err)
	}
	if OTelProvider != nil {
		if err := OTelProvider.Shutdown(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "shutdown otel:", err)
		}
	}
}
