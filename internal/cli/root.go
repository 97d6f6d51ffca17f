// Package cli defines the command-line interface for stagectl.
package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/codex-k8s/stagectl/internal/engine"
	"github.com/codex-k8s/stagectl/internal/logging"
)

const (
	// defaultConfigPath is the default path to the pipeline definition.
	defaultConfigPath = "pipeline.yaml"
)

// Options stores global CLI options shared between commands.
type Options struct {
	ConfigPath string
	RunsDir    string
	LogLevel   logging.Level
}

// Execute builds the root command, runs it with the provided args and logger, and returns any error.
func Execute(args []string, logger *slog.Logger) error {
	if logger == nil {
		logger = logging.NewLogger(os.Stderr, logging.LevelInfo)
	}

	rootOpts := &Options{
		ConfigPath: defaultConfigPath,
		RunsDir:    engine.DefaultRunDir,
		LogLevel:   logging.LevelInfo,
	}

	rootCmd := newRootCommand(rootOpts, logger)
	rootCmd.SetArgs(args)

	return rootCmd.Execute()
}

// newRootCommand constructs the root cobra.Command with global flags and subcommands.
func newRootCommand(opts *Options, logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "stagectl",
		Short:         "stagectl runs declarative CI pipelines stage by stage",
		Long:          "stagectl runs the stages of a pipeline.yaml in order on local workers, ssh nodes, cluster partitions or container profiles, always runs the cleanup stage and collects logs, artifacts and test reports into a run report.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := applyBaseEnv(cmd, opts); err != nil {
				return err
			}
			level := logging.ParseLevel(cmd.Flag("log-level").Value.String())
			opts.LogLevel = level
			logger = logging.NewLogger(os.Stderr, level)
			cmd.SetContext(context.WithValue(cmd.Context(), loggerKey{}, logger))
			logger.Debug("logger initialized", "level", level)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", defaultConfigPath, "Path to pipeline.yaml (or .jsonc) definition")
	cmd.PersistentFlags().StringVar(&opts.RunsDir, "runs-dir", engine.DefaultRunDir, "Directory holding one sub-directory per run")
	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		newRunCommand(opts),
		newValidateCommand(opts),
		newPlanCommand(opts),
		newDoctorCommand(opts),
		newReportCommand(opts),
		newServeCommand(opts),
	)

	return cmd
}

// applyBaseEnv fills global options from STAGECTL_* variables unless the
// matching flag was set explicitly.
func applyBaseEnv(cmd *cobra.Command, opts *Options) error {
	var be baseEnv
	if err := parseEnv(&be); err != nil {
		return err
	}
	flags := cmd.Flags()
	if be.ConfigPath != "" && !flags.Changed("config") {
		opts.ConfigPath = be.ConfigPath
	}
	if be.RunsDir != "" && !flags.Changed("runs-dir") {
		opts.RunsDir = be.RunsDir
	}
	if be.LogLevel != "" && !flags.Changed("log-level") {
		if err := flags.Set("log-level", be.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// loggerKey is a private context key used to store a logger in command contexts.
type loggerKey struct{}

// LoggerFromContext extracts a logger from the context or falls back to a default logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return logging.NewLogger(os.Stderr, logging.LevelInfo)
	}
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return logging.NewLogger(os.Stderr, logging.LevelInfo)
}
