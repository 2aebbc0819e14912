package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/gcs-go/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// skipConfigAnnotation marks commands that must run without a loadable
// config file (config init creates it).
const skipConfigAnnotation = "skipConfig"

// CLIFlags holds the persistent flags. Pointer-valued overrides are built
// from it only for flags the user actually set.
type CLIFlags struct {
	ConfigPath  string
	Endpoint    string
	TokenFile   string
	LogLevel    string
	MetricsAddr string
	JSON        bool
	Verbose     bool
	Quiet       bool
}

// CLIContext is what PersistentPreRunE hands to every subcommand through
// the command context.
type CLIContext struct {
	Flags  CLIFlags
	Logger *slog.Logger
	Cfg    *config.Holder
}

type cliContextKey struct{}

func withCLIContext(ctx context.Context, cc *CLIContext) context.Context {
	return context.WithValue(ctx, cliContextKey{}, cc)
}

// mustCLIContext returns the CLIContext installed by the root pre-run. A
// missing context is a programming error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("CLIContext not installed; command ran without the root pre-run")
	}

	return cc
}

// newRootCmd builds the root command with all subcommands registered.
func newRootCmd() *cobra.Command {
	var flags CLIFlags

	cmd := &cobra.Command{
		Use:     "gcs-go",
		Short:   "Resilient cloud storage client",
		Long:    "Copy, inspect, and manage objects with retries, resumable transfers, and a local emulator.",
		Version: version,
		// We print errors ourselves in main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := loadCLIContext(cmd, flags)
			if err != nil {
				return err
			}

			cmd.SetContext(withCLIContext(cmd.Context(), cc))

			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "config file path")
	pf.StringVar(&flags.Endpoint, "endpoint", "", "service root URL, e.g. a local emulator")
	pf.StringVar(&flags.TokenFile, "token-file", "", "OAuth2 token file (empty sends anonymous requests)")
	pf.StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&flags.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	pf.BoolVar(&flags.JSON, "json", false, "output in JSON format")
	pf.BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newCpCmd())
	cmd.AddCommand(newCatCmd())
	cmd.AddCommand(newStatCmd())
	cmd.AddCommand(newRmCmd())
	cmd.AddCommand(newIamCmd())
	cmd.AddCommand(newRestoreCmd())
	cmd.AddCommand(newOperationsCmd())
	cmd.AddCommand(newEmulatorCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newAuthCmd())

	return cmd
}

// loadCLIContext resolves the effective configuration through the
// defaults -> file -> env -> flags chain and builds the logger from it.
func loadCLIContext(cmd *cobra.Command, flags CLIFlags) (*CLIContext, error) {
	if cmd.Annotations[skipConfigAnnotation] == "true" {
		cfg := config.DefaultConfig()

		return &CLIContext{
			Flags:  flags,
			Logger: buildLogger(cfg, flags, os.Stderr, isTerminal(os.Stderr)),
			Cfg:    config.NewHolder(cfg, flags.ConfigPath),
		}, nil
	}

	holder, err := config.Resolve(config.ReadEnvOverrides(), cliOverrides(cmd, flags))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := buildLogger(holder.Config(), flags, os.Stderr, isTerminal(os.Stderr))
	logger.Debug("config resolved", slog.String("path", holder.Path()))

	return &CLIContext{Flags: flags, Logger: logger, Cfg: holder}, nil
}

// cliOverrides passes only explicitly set flags to the resolver.
func cliOverrides(cmd *cobra.Command, flags CLIFlags) config.CLIOverrides {
	cli := config.CLIOverrides{ConfigPath: flags.ConfigPath}
	changed := cmd.Flags().Changed

	if changed("endpoint") {
		cli.Endpoint = &flags.Endpoint
	}

	if changed("token-file") {
		cli.TokenFile = &flags.TokenFile
	}

	if changed("log-level") {
		cli.LogLevel = &flags.LogLevel
	}

	if changed("metrics-addr") {
		cli.MetricsAddr = &flags.MetricsAddr
	}

	return cli
}

// buildLogger creates the logger for cfg. The config level is the baseline;
// --verbose and --quiet override it. log_format "auto" picks text on a
// terminal and JSON otherwise.
func buildLogger(cfg *config.Config, flags CLIFlags, w io.Writer, terminal bool) *slog.Logger {
	level := slog.LevelInfo

	switch cfg.Logging.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	switch cfg.Logging.LogFormat {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts))
	case "text":
		return slog.New(slog.NewTextHandler(w, opts))
	}

	if terminal {
		return slog.New(slog.NewTextHandler(w, opts))
	}

	return slog.New(slog.NewJSONHandler(w, opts))
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
