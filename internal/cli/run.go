package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codex-k8s/stagectl/internal/action"
	"github.com/codex-k8s/stagectl/internal/artifact"
	"github.com/codex-k8s/stagectl/internal/engine"
	"github.com/codex-k8s/stagectl/internal/ghoutput"
	"github.com/codex-k8s/stagectl/internal/pipeline"
	"github.com/codex-k8s/stagectl/internal/placement"
	"github.com/codex-k8s/stagectl/internal/report"
	"github.com/codex-k8s/stagectl/internal/server"
	"github.com/codex-k8s/stagectl/internal/shell"
)

// newRunCommand creates the "run" subcommand that executes the pipeline.
func newRunCommand(opts *Options) *cobra.Command {
	var (
		failOnUnstable bool
		compression    string
		serveAddr      string
		runID          string
		format         string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline stages in order, then the cleanup stage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := LoggerFromContext(cmd.Context())

			var re runEnv
			if err := parseEnv(&re); err != nil {
				return err
			}
			flags := cmd.Flags()
			if !flags.Changed("fail-on-unstable") && envPresent("STAGECTL_FAIL_ON_UNSTABLE") {
				failOnUnstable = re.FailOnUnstable
			}
			compression = flagOrEnv(flags, "compression", re.Compression)
			serveAddr = flagOrEnv(flags, "serve", re.Serve)
			runID = flagOrEnv(flags, "run-id", re.RunID)

			outFormat, err := report.ParseFormat(format)
			if err != nil {
				return err
			}
			comp, err := artifact.ParseCompression(compression)
			if err != nil {
				return err
			}

			cfg, p, tmpl, err := loadPipelineFromCmd(opts, cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			engineOpts := []engine.Option{
				engine.WithRunsDir(opts.RunsDir),
				engine.WithCompression(comp),
			}
			if runID != "" {
				id := runID
				engineOpts = append(engineOpts, engine.WithRunID(func() string { return id }))
			}

			if serveAddr != "" {
				srv := server.New(opts.RunsDir, logger)
				engineOpts = append(engineOpts, engine.WithObserver(srv.Track))
				serveCtx, cancelServe := context.WithCancel(context.WithoutCancel(ctx))
				defer cancelServe()
				go func() {
					if err := srv.ListenAndServe(serveCtx, serveAddr); err != nil {
						logger.Error("http server failed", "error", err)
					}
				}()
			}

			resolver := placement.NewResolver(cfg, logger)
			executor := action.NewExecutor(shell.NewRunner(), logger)
			eng := engine.NewEngine(resolver, executor, logger, engineOpts...)

			rep, err := eng.Run(ctx, p, tmpl)
			if err != nil {
				return err
			}

			reportPath := filepath.Join(opts.RunsDir, rep.RunID, engine.ReportFile)
			if err := report.Encode(cmd.OutOrStdout(), rep, outFormat); err != nil {
				return err
			}
			if err := ghoutput.WriteRun(rep, reportPath); err != nil {
				logger.Warn("failed to write GitHub outputs", "error", err)
			}

			return exitStatus(rep, failOnUnstable)
		},
	}

	addVarsFlags(cmd)
	cmd.Flags().BoolVar(&failOnUnstable, "fail-on-unstable", false, "Exit non-zero when the pipeline finishes Unstable")
	cmd.Flags().StringVar(&compression, "compression", string(artifact.CompressionZstd), "Artifact compression (zstd, lz4, none)")
	cmd.Flags().StringVar(&serveAddr, "serve", "", "Serve the HTTP API on this address while the run is in progress")
	cmd.Flags().StringVar(&runID, "run-id", "", "Use this run identifier instead of a generated UUID")
	cmd.Flags().StringVarP(&format, "output", "o", string(report.FormatTable), "Report output format (table, json, yaml, cbor)")

	return cmd
}

// exitStatus maps the final pipeline status to the command error.
func exitStatus(rep *report.Report, failOnUnstable bool) error {
	switch {
	case rep.Status.Failed():
		return fmt.Errorf("pipeline %q finished with status %s", rep.Pipeline, rep.Status)
	case rep.Status == pipeline.StatusUnstable && failOnUnstable:
		return fmt.Errorf("pipeline %q finished with status %s", rep.Pipeline, rep.Status)
	default:
		return nil
	}
}
