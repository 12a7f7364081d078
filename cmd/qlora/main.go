package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-qlora/internal/config"
	"github.com/23skdu/longbow-qlora/internal/device"
	"github.com/23skdu/longbow-qlora/internal/logger"
	"github.com/23skdu/longbow-qlora/internal/monitoring"
)

// Process-wide state shared by the subcommands.
var (
	registry = device.NewRegistry(device.DefaultCandidates()...)
	monitor  *monitoring.HealthMonitor
)

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func newRootCmd() *cobra.Command {
	var (
		logLevel    string
		logFormat   string
		metricsAddr string
	)
	root := &cobra.Command{
		Use:   "qlora",
		Short: "Quantized linear layers with low-rank adapters",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true
			logger.Setup(logLevel, logFormat)
			if metricsAddr == "" {
				return
			}
			monitor = monitoring.NewHealthMonitor(registry)
			go func() {
				if err := monitor.Start(metricsAddr); err != nil {
					logger.Log.Error("metrics server error", "error", err)
				}
			}()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if monitor == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			monitor.Stop(ctx)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", envOr(config.EnvLogLevel, "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", envOr(config.EnvLogFormat, "console"), "Log format (console or json)")
	root.PersistentFlags().StringVar(&metricsAddr, "metrics", "", "Address to serve /metrics, /health and /status (e.g. :9090)")

	cobra.EnableCommandSorting = false
	root.AddCommand(
		newBackendsCmd(),
		newInspectCmd(),
		newForwardCmd(),
		newExportCmd(),
		newInitAdapterCmd(),
		newServeCheckpointCmd(),
		newEnvCmd(),
	)
	return root
}

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "List environment overrides",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			vars := append(config.EnvVars(),
				config.EnvVar{Name: device.EnvDisableCUDA, Description: "Skip the cuda backend during detection"},
				config.EnvVar{Name: device.EnvDisableTriton, Description: "Skip the triton backend during detection"},
			)
			for _, v := range vars {
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %s\n", v.Name, v.Description)
			}
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
