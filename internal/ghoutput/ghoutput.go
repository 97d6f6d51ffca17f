// Package ghoutput publishes run results as GitHub Actions step outputs.
package ghoutput

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/codex-k8s/stagectl/internal/report"
)

// Write appends GitHub Actions outputs to the GITHUB_OUTPUT file when available.
func Write(values map[string]string) error {
	return WriteTo(strings.TrimSpace(os.Getenv("GITHUB_OUTPUT")), values)
}

// WriteTo appends key=value lines to path, sorted by key. An empty path is a no-op.
func WriteTo(path string, values map[string]string) error {
	if path == "" || len(values) == 0 {
		return nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open github output: %w", err)
	}
	defer func() { _ = f.Close() }()

	keys := make([]string, 0, len(values))
	for k := range values {
		if strings.TrimSpace(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if _, err := fmt.Fprintf(f, "%s=%s\n", key, sanitize(values[key])); err != nil {
			return fmt.Errorf("write github output %s: %w", key, err)
		}
	}
	return nil
}

// RunOutputs returns the outputs published for a finished run.
func RunOutputs(r *report.Report, reportPath string) map[string]string {
	return map[string]string{
		"run_id":       r.RunID,
		"status":       string(r.Status),
		"report":       reportPath,
		"tests_failed": strconv.Itoa(r.Totals.Tests.Failed + r.Totals.Tests.Errors),
		"warnings":     strconv.Itoa(r.Totals.Warnings),
	}
}

// WriteRun publishes the outputs of a finished run.
func WriteRun(r *report.Report, reportPath string) error {
	return Write(RunOutputs(r, reportPath))
}

func sanitize(value string) string {
	if value == "" {
		return ""
	}
	value = strings.ReplaceAll(value, "\r", "%0D")
	value = strings.ReplaceAll(value, "\n", "%0A")
	return value
}
