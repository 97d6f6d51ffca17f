package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codex-k8s/stagectl/internal/config"
	"github.com/codex-k8s/stagectl/internal/pipeline"
	"github.com/codex-k8s/stagectl/internal/placement"
)

// planEntry describes how one stage would be executed.
type planEntry struct {
	Stage     string             `json:"stage"`
	Placement pipeline.Placement `json:"placement"`
	Target    string             `json:"target,omitempty"`
	Command   string             `json:"command,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// newPlanCommand creates the "plan" subcommand that resolves placements without running anything.
func newPlanCommand(opts *Options) *cobra.Command {
	var (
		output  string
		noProbe bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Resolve stage placements and print the command each stage would run under",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := LoggerFromContext(cmd.Context())

			cfg, p, _, err := loadPipelineFromCmd(opts, cmd)
			if err != nil {
				return err
			}

			var resolverOpts []placement.Option
			if noProbe {
				resolverOpts = append(resolverOpts, placement.WithProber(func(context.Context, config.NodeSpec) error { return nil }))
			}
			resolver := placement.NewResolver(cfg, logger, resolverOpts...)

			entries := buildPlan(cmd.Context(), resolver, p)
			unavailable := 0
			for _, e := range entries {
				if e.Error != "" {
					unavailable++
				}
			}

			switch strings.ToLower(output) {
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(entries); err != nil {
					return err
				}
			default:
				printPlan(cmd.OutOrStdout(), entries)
			}

			if unavailable > 0 {
				return fmt.Errorf("%d placement(s) unavailable", unavailable)
			}
			return nil
		},
	}

	addVarsFlags(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format (text, json)")
	cmd.Flags().BoolVar(&noProbe, "no-probe", false, "Skip node probe commands")

	return cmd
}

func buildPlan(ctx context.Context, resolver *placement.Resolver, p *pipeline.Pipeline) []planEntry {
	entries := make([]planEntry, 0, len(p.Stages)+1)
	add := func(name string, pl pipeline.Placement) {
		e := planEntry{Stage: name, Placement: pl}
		h, err := resolver.NewScope().Resolve(ctx, pl)
		if err != nil {
			e.Error = err.Error()
		} else {
			e.Target = h.Describe()
			e.Command = h.Command(placement.Invocation{Name: name, Script: "<action>"}).String()
		}
		entries = append(entries, e)
	}
	for _, st := range p.Stages {
		add(st.Name, st.Placement)
	}
	if len(p.Cleanup.Actions) > 0 {
		add("cleanup", p.Cleanup.Placement)
	}
	return entries
}

func printPlan(w io.Writer, entries []planEntry) {
	for _, e := range entries {
		if e.Error != "" {
			fmt.Fprintf(w, "%s [%s]: UNAVAILABLE: %s\n", e.Stage, e.Placement, e.Error)
			continue
		}
		fmt.Fprintf(w, "%s [%s]: %s\n    %s\n", e.Stage, e.Placement, e.Target, e.Command)
	}
}
