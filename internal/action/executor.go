// Package action executes individual pipeline actions: shell scripts and the
// built-in checkout, workspace cleanup, artifact, test-report and warnings
// actions.
package action

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/codex-k8s/stagectl/internal/artifact"
	"github.com/codex-k8s/stagectl/internal/config"
	"github.com/codex-k8s/stagectl/internal/logging"
	"github.com/codex-k8s/stagectl/internal/pipeline"
	"github.com/codex-k8s/stagectl/internal/placement"
	"github.com/codex-k8s/stagectl/internal/report"
	"github.com/codex-k8s/stagectl/internal/shell"
	"github.com/codex-k8s/stagectl/internal/storage"
)

// RunContext carries everything an action needs from the surrounding run.
type RunContext struct {
	// RunID identifies the pipeline run.
	RunID string
	// Pipeline is the running pipeline.
	Pipeline *pipeline.Pipeline
	// StageIndex and StageName locate the owning stage; cleanup uses the
	// index after the last stage and the name "cleanup".
	StageIndex int
	StageName  string
	// Handle is the execution target of the stage.
	Handle *placement.Handle
	// Logs stores per-action output.
	Logs *storage.LogStorage
	// Artifacts is the run's artifact store.
	Artifacts *artifact.Store
	// Template is used to evaluate when conditions.
	Template config.TemplateContext
	// StageLogs returns the log files recorded so far for a stage.
	StageLogs func(stage string) []string
}

// Executor runs actions.
type Executor struct {
	runner *shell.Runner
	logger *slog.Logger
	now    func() time.Time
}

// NewExecutor constructs a new Executor.
func NewExecutor(runner *shell.Runner, logger *slog.Logger) *Executor {
	if runner == nil {
		runner = shell.NewRunner()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Executor{
		runner: runner,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// outcome is what a single action implementation reports back.
type outcome struct {
	exitCode int
	unstable bool
	err      error
}

// Execute runs a and returns its result. A nil error means the stage may
// continue; the result status tells whether the action succeeded, was
// skipped, turned the stage unstable or failed but was tolerated.
// A non-nil error is a *pipeline.ActionFailureError, a
// *pipeline.ThresholdExceededError or a context error.
func (e *Executor) Execute(ctx context.Context, rc RunContext, index int, a pipeline.Action) (report.ActionResult, error) {
	logger := e.logger.With("stage", rc.StageName, "action", a.Name)
	res := report.ActionResult{
		Name:      a.Name,
		Kind:      a.Kind,
		StartedAt: e.now(),
	}
	if rc.Handle != nil {
		res.Handle = rc.Handle.ID
	}

	enabled, err := config.EvaluateCondition(a.Name, a.When, rc.Template)
	if err != nil {
		return e.fail(&res, logger, a, rc, -1, fmt.Errorf("evaluate when: %w", err))
	}
	if !enabled {
		res.Status = report.ActionSkipped
		res.FinishedAt = e.now()
		logger.Info("action skipped by when condition")
		return res, nil
	}

	var out io.Writer
	fw := logging.NewWriter(e.logger, "stage", rc.StageName, "action", a.Name).WithLevel(logging.LevelDebug)
	if rc.Logs != nil {
		f, path, err := rc.Logs.Create(rc.StageIndex, rc.StageName, index, a.Name)
		if err != nil {
			return e.fail(&res, logger, a, rc, -1, err)
		}
		defer func() { _ = f.Close() }()
		res.LogPath = path
		out = io.MultiWriter(f, fw)
	} else {
		out = fw
	}
	defer fw.Flush()

	actx := ctx
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	logger.Info("action started", "kind", a.Kind)
	var o outcome
	switch a.Kind {
	case pipeline.KindRun:
		o = e.runScript(actx, rc, a, a.Run, out)
	case pipeline.KindCheckout:
		o = e.checkout(actx, rc, a, out)
	case pipeline.KindCleanWorkspace:
		o = e.cleanWorkspace(actx, rc, a, out)
	case pipeline.KindArchive:
		o = e.archive(actx, rc, a, &res, out)
	case pipeline.KindJUnit:
		o = e.junit(rc, a, &res, out)
	case pipeline.KindWarnings:
		o = e.warnings(rc, a, &res, out)
	default:
		o = outcome{exitCode: -1, err: fmt.Errorf("unknown action kind %q", a.Kind)}
	}
	res.ExitCode = o.exitCode

	if ctx.Err() != nil {
		res.Status = report.ActionAborted
		res.FinishedAt = e.now()
		res.Error = ctx.Err().Error()
		logger.Warn("action aborted", "error", ctx.Err())
		return res, ctx.Err()
	}
	if actx.Err() != nil {
		o.err = fmt.Errorf("timed out after %s", a.Timeout)
	}
	if o.err == nil && o.exitCode != 0 {
		o.err = exitCodeError(o.exitCode)
	}
	if o.err != nil {
		return e.fail(&res, logger, a, rc, o.exitCode, o.err)
	}

	res.Status = report.ActionSuccess
	if o.unstable {
		res.Status = report.ActionUnstable
	}
	res.FinishedAt = e.now()
	logger.Info("action finished", "status", res.Status, "duration", res.Duration())
	return res, nil
}

func (e *Executor) fail(res *report.ActionResult, logger *slog.Logger, a pipeline.Action, rc RunContext, code int, cause error) (report.ActionResult, error) {
	res.Status = report.ActionFailed
	res.ExitCode = code
	res.FinishedAt = e.now()

	err := cause
	if !pipeline.IsThresholdExceededError(cause) {
		err = &pipeline.ActionFailureError{Stage: rc.StageName, Action: a.Name, ExitCode: code, Err: unwrapExit(cause)}
	}
	res.Error = err.Error()

	if a.ContinueOnError {
		res.Tolerated = true
		logger.Warn("action failed, continuing", "error", err)
		return *res, nil
	}
	logger.Error("action failed", "error", err)
	return *res, err
}

// unwrapExit drops the synthetic "exit code" error so the failure message
// carries the code only once.
func unwrapExit(err error) error {
	var ec exitCodeError
	if errors.As(err, &ec) {
		return nil
	}
	return err
}

type exitCodeError int

func (e exitCodeError) Error() string { return fmt.Sprintf("exit code %d", int(e)) }

func (e *Executor) runScript(ctx context.Context, rc RunContext, a pipeline.Action, script string, out io.Writer) outcome {
	if rc.Handle == nil {
		return outcome{exitCode: -1, err: fmt.Errorf("no execution handle")}
	}
	inv := placement.Invocation{
		Name:   a.Name,
		Script: script,
		Dir:    a.Dir,
		Env:    e.actionEnv(rc, a),
	}
	cmd := rc.Handle.Command(inv)
	e.logger.Debug("running command", "stage", rc.StageName, "action", a.Name, "command", cmd.String())

	code, err := e.runner.Run(ctx, cmd, out, a.GracePeriod)
	if err != nil {
		return outcome{exitCode: code, err: err}
	}
	if code != 0 {
		return outcome{exitCode: code, err: exitCodeError(code)}
	}
	return outcome{}
}

func (e *Executor) actionEnv(rc RunContext, a pipeline.Action) map[string]string {
	env := make(map[string]string)
	if rc.Pipeline != nil {
		for k, v := range rc.Pipeline.Env {
			env[k] = v
		}
	}
	for k, v := range a.Env {
		env[k] = v
	}
	env["STAGECTL_RUN_ID"] = rc.RunID
	env["STAGECTL_STAGE"] = rc.StageName
	env["STAGECTL_ACTION"] = a.Name
	if rc.Handle != nil && rc.Handle.Workspace != "" {
		env["STAGECTL_WORKSPACE"] = rc.Handle.Workspace
	}
	return env
}
