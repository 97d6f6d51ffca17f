package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/codex-k8s/stagectl/internal/engine"
	"github.com/codex-k8s/stagectl/internal/report"
)

// newReportCommand creates the "report" subcommand that renders a stored run report.
func newReportCommand(opts *Options) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "report [run-id|path]",
		Short: "Render the report of a run (default: the latest run)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outFormat, err := report.ParseFormat(format)
			if err != nil {
				return err
			}

			path, err := resolveReportPath(opts.RunsDir, args)
			if err != nil {
				return err
			}
			rep, err := report.Load(path)
			if err != nil {
				return err
			}
			return report.Encode(cmd.OutOrStdout(), rep, outFormat)
		},
	}

	cmd.Flags().StringVarP(&format, "output", "o", string(report.FormatTable), "Output format (table, json, yaml, cbor)")
	return cmd
}

// resolveReportPath accepts a report file, a run directory, a run ID or
// nothing, in which case the most recently modified run is used.
func resolveReportPath(runsDir string, args []string) (string, error) {
	if len(args) == 1 {
		arg := args[0]
		if info, err := os.Stat(arg); err == nil {
			if info.IsDir() {
				return filepath.Join(arg, engine.ReportFile), nil
			}
			return arg, nil
		}
		return filepath.Join(runsDir, arg, engine.ReportFile), nil
	}

	entries, err := os.ReadDir(runsDir)
	if err != nil {
		return "", fmt.Errorf("read runs directory %q: %w", runsDir, err)
	}
	var (
		latest string
		newest int64
	)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := os.Stat(filepath.Join(runsDir, e.Name(), engine.ReportFile))
		if err != nil {
			continue
		}
		if mt := info.ModTime().UnixNano(); latest == "" || mt > newest {
			latest, newest = e.Name(), mt
		}
	}
	if latest == "" {
		return "", fmt.Errorf("no runs found in %q", runsDir)
	}
	return filepath.Join(runsDir, latest, engine.ReportFile), nil
}
