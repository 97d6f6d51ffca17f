package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// newValidateCommand creates the "validate" subcommand that loads and checks the pipeline definition.
func newValidateCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the pipeline definition",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := LoggerFromContext(cmd.Context())

			_, p, _, err := loadPipelineFromCmd(opts, cmd)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pipeline %s: %d stage(s), workspace %s\n", p.Name, len(p.Stages), p.Workspace)
			for _, st := range p.Stages {
				names := make([]string, 0, len(st.Actions))
				for _, a := range st.Actions {
					names = append(names, a.Name)
				}
				fmt.Fprintf(out, "  %d. %s [%s]: %s\n", st.Index+1, st.Name, st.Placement, strings.Join(names, ", "))
			}
			if len(p.Cleanup.Actions) > 0 {
				fmt.Fprintf(out, "  cleanup [%s]: %d action(s), timeout %s\n", p.Cleanup.Placement, len(p.Cleanup.Actions), p.Cleanup.Timeout)
			}

			logger.Info("pipeline definition is valid", "pipeline", p.Name, "config", opts.ConfigPath)
			return nil
		},
	}

	addVarsFlags(cmd)
	return cmd
}
