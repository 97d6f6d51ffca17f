package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

// newDoctorCommand creates the "doctor" subcommand that checks the external tools the pipeline needs.
func newDoctorCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that the tools required by the pipeline placements are available",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := LoggerFromContext(cmd.Context())

			cfg, p, _, err := loadPipelineFromCmd(opts, cmd)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			if err := runDoctorChecks(ctx, logger, cfg, p); err != nil {
				return err
			}

			logger.Info("doctor checks completed successfully", "pipeline", p.Name)
			return nil
		},
	}

	addVarsFlags(cmd)
	return cmd
}
