package action

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/codex-k8s/stagectl/internal/artifact"
	"github.com/codex-k8s/stagectl/internal/junit"
	"github.com/codex-k8s/stagectl/internal/pipeline"
	"github.com/codex-k8s/stagectl/internal/report"
	"github.com/codex-k8s/stagectl/internal/shell"
	"github.com/codex-k8s/stagectl/internal/warnings"
)

func failed(err error) outcome {
	return outcome{exitCode: -1, err: err}
}

// checkout fetches a single ref into the workspace with git, reusing an
// existing clone when one is present.
func (e *Executor) checkout(ctx context.Context, rc RunContext, a pipeline.Action, out io.Writer) outcome {
	var opts checkoutOptions
	if err := decodeWith(a.With, &opts); err != nil {
		return failed(err)
	}
	if strings.TrimSpace(opts.URL) == "" {
		return failed(fmt.Errorf("checkout: with.url is required"))
	}
	ref := strings.TrimSpace(opts.Ref)
	if ref == "" {
		ref = "HEAD"
	}
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		dir = "."
	}

	q := shell.Quote
	fetch := "git -C " + q(dir) + " fetch --quiet"
	if opts.Depth > 0 {
		fetch += fmt.Sprintf(" --depth=%d", opts.Depth)
	}
	fetch += " origin " + q(ref)

	script := strings.Join([]string{
		"set -e",
		"mkdir -p " + q(dir),
		"if [ ! -d " + q(path.Join(dir, ".git")) + " ]; then git init --quiet " + q(dir) + "; git -C " + q(dir) + " remote add origin " + q(opts.URL) + "; fi",
		"git -C " + q(dir) + " remote set-url origin " + q(opts.URL),
		fetch,
		"git -C " + q(dir) + " checkout --quiet --force FETCH_HEAD",
		"git -C " + q(dir) + " rev-parse HEAD",
	}, "\n")
	return e.runScript(ctx, rc, a, script, out)
}

// cleanWorkspace removes the workspace contents while keeping the directory.
func (e *Executor) cleanWorkspace(ctx context.Context, rc RunContext, a pipeline.Action, out io.Writer) outcome {
	var opts cleanWorkspaceOptions
	if err := decodeWith(a.With, &opts); err != nil {
		return failed(err)
	}
	if rc.Handle == nil {
		return failed(fmt.Errorf("no execution handle"))
	}
	ws := rc.Handle.Workspace
	if dir := strings.TrimSpace(a.Dir); dir != "" {
		if path.IsAbs(dir) {
			ws = dir
		} else {
			ws = path.Join(ws, dir)
		}
	}
	if ws == "" || path.Clean(ws) == "/" {
		return failed(fmt.Errorf("clean-workspace: refusing to clean %q", ws))
	}

	script := "find . -mindepth 1 -maxdepth 1"
	for _, keep := range opts.Keep {
		script += " ! -name " + shell.Quote(keep)
	}
	script += " -exec rm -rf {} +"

	a.Dir = ws
	return e.runScript(ctx, rc, a, script, out)
}

// archive copies matched workspace files into the run's artifact store.
func (e *Executor) archive(ctx context.Context, rc RunContext, a pipeline.Action, res *report.ActionResult, out io.Writer) outcome {
	var opts archiveOptions
	if err := decodeWith(a.With, &opts); err != nil {
		return failed(err)
	}
	if len(opts.Patterns) == 0 {
		return failed(fmt.Errorf("archive: with.patterns is required"))
	}
	if rc.Artifacts == nil {
		return failed(fmt.Errorf("archive: no artifact store configured"))
	}
	compression := rc.Artifacts.Compression
	if opts.Compression != "" {
		c, err := artifact.ParseCompression(opts.Compression)
		if err != nil {
			return failed(err)
		}
		compression = c
	}
	store := artifact.NewStore(rc.Artifacts.Dir, compression)

	entries, err := store.Archive(ctx, rc.StageName, localDir(rc, a.Dir), opts.Patterns, opts.AllowEmpty)
	res.Artifacts = entries
	for _, en := range entries {
		fmt.Fprintf(out, "archived %s (%d bytes, %s)\n", en.Path, en.Size, en.Digest)
	}
	if err != nil {
		return failed(err)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "no artifacts matched")
	}
	return outcome{}
}

// junit ingests test reports and applies failure thresholds.
func (e *Executor) junit(rc RunContext, a pipeline.Action, res *report.ActionResult, out io.Writer) outcome {
	var opts junitOptions
	if err := decodeWith(a.With, &opts); err != nil {
		return failed(err)
	}
	if len(opts.Patterns) == 0 {
		return failed(fmt.Errorf("junit: with.patterns is required"))
	}
	mode, err := normalizeOnThreshold(opts.OnThreshold)
	if err != nil {
		return failed(err)
	}

	sum, err := junit.Collect(localDir(rc, a.Dir), opts.Patterns)
	if err != nil {
		if errors.Is(err, junit.ErrNoReports) && opts.AllowEmpty {
			fmt.Fprintln(out, "no test reports matched")
			return outcome{}
		}
		return failed(err)
	}
	res.Tests = &sum
	fmt.Fprintf(out, "tests: total %d, passed %d, failed %d, errors %d, skipped %d\n", sum.Total, sum.Passed, sum.Failed, sum.Errors, sum.Skipped)
	for _, c := range sum.Failures {
		fmt.Fprintf(out, "%s: %s.%s: %s\n", c.Kind, c.ClassName, c.Name, c.Message)
	}

	errorThreshold := opts.FailureThreshold
	if opts.ErrorThreshold != nil {
		errorThreshold = *opts.ErrorThreshold
	}
	var exceeded *pipeline.ThresholdExceededError
	switch {
	case sum.Failed > opts.FailureThreshold:
		exceeded = &pipeline.ThresholdExceededError{Kind: "test failures", Count: sum.Failed, Threshold: opts.FailureThreshold}
	case sum.Errors > errorThreshold:
		exceeded = &pipeline.ThresholdExceededError{Kind: "test errors", Count: sum.Errors, Threshold: errorThreshold}
	}
	return thresholdOutcome(exceeded, mode, res)
}

// warnings parses build logs for diagnostics and applies a threshold.
func (e *Executor) warnings(rc RunContext, a pipeline.Action, res *report.ActionResult, out io.Writer) outcome {
	var opts warningsOptions
	if err := decodeWith(a.With, &opts); err != nil {
		return failed(err)
	}
	mode, err := normalizeOnThreshold(opts.OnThreshold)
	if err != nil {
		return failed(err)
	}

	var logs []string
	if len(opts.Logs) > 0 {
		dir := localDir(rc, a.Dir)
		matches, err := artifact.Match(dir, opts.Logs)
		if err != nil {
			return failed(err)
		}
		for _, m := range matches {
			logs = append(logs, filepath.Join(dir, filepath.FromSlash(m)))
		}
	} else if rc.StageLogs != nil {
		stage := opts.FromStage
		if stage == "" {
			stage = rc.StageName
		}
		for _, l := range rc.StageLogs(stage) {
			if l != res.LogPath {
				logs = append(logs, l)
			}
		}
	}
	if len(logs) == 0 {
		return failed(fmt.Errorf("warnings: no logs to parse"))
	}

	sum, err := warnings.ParseFiles(logs, warnings.Options{Parser: opts.Parser, Exclude: opts.Exclude})
	if err != nil {
		return failed(err)
	}
	res.Warnings = &sum
	fmt.Fprintf(out, "warnings: %d (%d errors, %d excluded) in %d log(s)\n", sum.Total, sum.Errors, sum.Excluded, len(logs))
	for _, w := range sum.Warnings {
		fmt.Fprintf(out, "%s:%d: %s: %s\n", w.File, w.Line, w.Severity, w.Message)
	}

	var exceeded *pipeline.ThresholdExceededError
	if opts.Threshold != nil && sum.Total > *opts.Threshold {
		exceeded = &pipeline.ThresholdExceededError{Kind: "warnings", Count: sum.Total, Threshold: *opts.Threshold}
	}
	return thresholdOutcome(exceeded, mode, res)
}

func thresholdOutcome(exceeded *pipeline.ThresholdExceededError, mode string, res *report.ActionResult) outcome {
	if exceeded == nil {
		return outcome{}
	}
	if mode == OnThresholdFailure {
		return outcome{exitCode: -1, err: exceeded}
	}
	res.Error = exceeded.Error()
	return outcome{unstable: true}
}

// localDir resolves dir against the orchestrator's workspace.
func localDir(rc RunContext, dir string) string {
	ws := ""
	if rc.Pipeline != nil {
		ws = rc.Pipeline.Workspace
	}
	switch {
	case dir == "":
		return ws
	case filepath.IsAbs(dir):
		return dir
	default:
		return filepath.Join(ws, dir)
	}
}
