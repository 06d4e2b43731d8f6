package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/cs150ctl"
	"github.com/spf13/cobra"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := buildRoot(command{open: cs150ctl.Open})
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands
func buildRoot(c command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	measureFlags := &MeasureFlags{}
	watchFlags := &WatchFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createMeasureCommand(c, globalFlags, measureFlags),
		createIntegCommand(c, globalFlags),
		createBacklightCommand(c, globalFlags),
		createWatchCommand(c, globalFlags, watchFlags),
		createVersionCommand(),
	)
	return root
}

// createRootCommand creates the root command with persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "cs150ctl",
		Short: "Control a CS-150 colorimeter through its measurement server",
		Long: `cs150ctl starts the CS-150 measurement server, connects the instrument
and takes readings over the server's line protocol.

Examples:
  cs150ctl measure
  cs150ctl measure --integ=0.5 --count=10 --interval=1s --json
  cs150ctl integ auto
  cs150ctl backlight off
  cs150ctl watch --interval=2s --metrics-listen=:9150`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.ServerPath, "server", "", "path to the measurement server executable")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flags.LogFormat, "log-format", "", "log format (text, json, color)")
	root.PersistentFlags().DurationVar(&flags.ReadTimeout, "read-timeout", 0, "give up on a response after this long (0 waits forever)")

	return root
}

func createMeasureCommand(c command, g *GlobalFlags, f *MeasureFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "measure",
		Short: "Take one or more readings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Measure(cmd.Context(), cmd.OutOrStdout(), *g, *f)
		},
	}
	cmd.Flags().StringVar(&f.Integ, "integ", "", "integration time in seconds or 'auto'")
	cmd.Flags().IntVar(&f.Count, "count", 1, "number of readings")
	cmd.Flags().DurationVar(&f.Interval, "interval", 0, "delay between readings")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print readings as JSON lines")
	return cmd
}

func createIntegCommand(c command, g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "integ <seconds|auto>",
		Short: "Set the integration time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Integ(cmd.Context(), cmd.OutOrStdout(), *g, args[0])
		},
	}
}

func createBacklightCommand(c command, g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:       "backlight <on|off>",
		Short:     "Switch the instrument backlight",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Backlight(cmd.Context(), cmd.OutOrStdout(), *g, args[0] == "on")
		},
	}
}

func createWatchCommand(c command, g *GlobalFlags, f *WatchFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Measure periodically, optionally serving /metrics and /status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Watch(cmd.Context(), cmd.OutOrStdout(), *g, *f)
		},
	}
	cmd.Flags().StringVar(&f.Integ, "integ", "", "integration time in seconds or 'auto'")
	cmd.Flags().DurationVar(&f.Interval, "interval", time.Second, "delay between readings")
	cmd.Flags().IntVar(&f.Count, "count", 0, "stop after this many readings (0 runs until interrupted)")
	cmd.Flags().StringVar(&f.MetricsListen, "metrics-listen", "", "serve /metrics, /status and /healthz on this address")
	cmd.Flags().BoolVar(&f.ProcessMetrics, "process-metrics", false, "sample CPU and memory of the measurement server")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print readings as JSON lines")
	return cmd
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cs150ctl %s\n", version)
		},
	}
}
