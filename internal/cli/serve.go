package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codex-k8s/stagectl/internal/server"
)

// newServeCommand creates the "serve" subcommand that exposes the runs directory over HTTP.
func newServeCommand(opts *Options) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve run reports, results and artifacts over a read-only HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := LoggerFromContext(cmd.Context())

			var se serveEnv
			if err := parseEnv(&se); err != nil {
				return err
			}
			addr = flagOrEnv(cmd.Flags(), "addr", se.Addr)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return server.New(opts.RunsDir, logger).ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "Listen address")
	return cmd
}
