// Package engine contains the high-level orchestration logic: it runs the
// stages of a pipeline in order, guarantees the cleanup pass and persists
// the run directory.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/codex-k8s/stagectl/internal/action"
	"github.com/codex-k8s/stagectl/internal/artifact"
	"github.com/codex-k8s/stagectl/internal/cleanup"
	"github.com/codex-k8s/stagectl/internal/config"
	"github.com/codex-k8s/stagectl/internal/logging"
	"github.com/codex-k8s/stagectl/internal/pipeline"
	"github.com/codex-k8s/stagectl/internal/placement"
	"github.com/codex-k8s/stagectl/internal/report"
	"github.com/codex-k8s/stagectl/internal/storage"
)

// Files and directories inside a run directory.
const (
	ReportFile    = "report.json"
	ResultsFile   = "results.jsonl"
	LogsDir       = "logs"
	ArtifactsDir  = "artifacts"
	CleanupStage  = "cleanup"
	DefaultRunDir = ".stagectl/runs"
)

// ActionExecutor runs a single action of a stage.
type ActionExecutor interface {
	Execute(ctx context.Context, rc action.RunContext, index int, a pipeline.Action) (report.ActionResult, error)
}

// Engine sequences the stages of a pipeline.
type Engine struct {
	resolver    *placement.Resolver
	executor    ActionExecutor
	logger      *slog.Logger
	runsDir     string
	compression artifact.Compression
	newRunID    func() string
	onStart     func(runID string, c *report.Collector)
}

// Option customizes an Engine.
type Option func(*Engine)

// WithRunsDir sets the directory that receives one sub-directory per run.
func WithRunsDir(dir string) Option {
	return func(e *Engine) { e.runsDir = dir }
}

// WithCompression sets the default artifact compression.
func WithCompression(c artifact.Compression) Option {
	return func(e *Engine) { e.compression = c }
}

// WithRunID overrides run ID generation.
func WithRunID(fn func() string) Option {
	return func(e *Engine) { e.newRunID = fn }
}

// WithObserver registers a callback invoked once a run has started; it
// receives the live collector.
func WithObserver(fn func(runID string, c *report.Collector)) Option {
	return func(e *Engine) { e.onStart = fn }
}

// NewEngine constructs a new Engine instance.
func NewEngine(resolver *placement.Resolver, executor ActionExecutor, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	if executor == nil {
		executor = action.NewExecutor(nil, logger)
	}
	e := &Engine{
		resolver:    resolver,
		executor:    executor,
		logger:      logger,
		runsDir:     DefaultRunDir,
		compression: artifact.CompressionZstd,
		newRunID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// run holds the mutable state of one pipeline invocation.
type run struct {
	id        string
	dir       string
	p         *pipeline.Pipeline
	collector *report.Collector
	logs      *storage.LogStorage
	artifacts *artifact.Store
	tmpl      config.TemplateContext
	status    pipeline.Status
	cause     error
}

// Run executes p and returns its final report. The pipeline outcome is carried
// by the report status; the error is non-nil only when the run could not be
// set up or its report could not be written.
func (e *Engine) Run(ctx context.Context, p *pipeline.Pipeline, tmpl config.TemplateContext) (*report.Report, error) {
	if p == nil {
		return nil, fmt.Errorf("pipeline is nil")
	}
	if e.resolver == nil {
		return nil, fmt.Errorf("placement resolver is nil")
	}

	r := &run{id: e.newRunID(), p: p, tmpl: tmpl, status: pipeline.StatusRunning}
	r.dir = filepath.Join(e.runsDir, r.id)
	for _, dir := range []string{r.dir, filepath.Join(r.dir, LogsDir), filepath.Join(r.dir, ArtifactsDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create run directory: %w", err)
		}
	}
	if p.Workspace != "" {
		if err := os.MkdirAll(p.Workspace, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace %q: %w", p.Workspace, err)
		}
	}

	logger := e.logger.With("run", r.id, "pipeline", p.Name)
	results, err := report.NewResultLog(filepath.Join(r.dir, ResultsFile), logger)
	if err != nil {
		return nil, err
	}
	defer func() { _ = results.Close() }()

	r.collector = report.NewCollector(r.id, p, results)
	r.logs = storage.NewLogStorage(filepath.Join(r.dir, LogsDir))
	r.artifacts = artifact.NewStore(filepath.Join(r.dir, ArtifactsDir), e.compression)
	r.tmpl.RunID = r.id
	if e.onStart != nil {
		e.onStart(r.id, r.collector)
	}

	logger.Info("pipeline started", "stages", len(p.Stages), "dir", r.dir)
	p.Status = pipeline.StatusRunning
	r.collector.Start()
	e.persist(logger, r)

	guard := cleanup.NewGuard(func(cctx context.Context) error {
		return e.runCleanup(cctx, logger, r)
	}, p.Cleanup.Timeout, logger)
	guard.OnFailure = func(err error) {
		var joined interface{ Unwrap() []error }
		if errors.As(err, &joined) {
			for _, ferr := range joined.Unwrap() {
				r.collector.RecordCleanupFailure(ferr)
			}
			return
		}
		r.collector.RecordCleanupFailure(err)
	}

	_ = cleanup.Run(ctx, guard, func(ctx context.Context) error {
		e.runStages(ctx, logger, r)
		return r.cause
	})

	p.Status = r.status
	rep := r.collector.Finish(r.status, r.cause)
	if err := report.Save(filepath.Join(r.dir, ReportFile), rep); err != nil {
		return rep, err
	}
	logger.Info("pipeline finished", "status", rep.Status, "duration", rep.FinishedAt.Sub(rep.StartedAt))
	return rep, nil
}

// runStages executes stages in declaration order and stops at the first
// failed or aborted stage.
func (e *Engine) runStages(ctx context.Context, logger *slog.Logger, r *run) {
	status := pipeline.StatusSuccess
	next := 0
	for i, st := range r.p.Stages {
		next = i + 1
		if err := ctx.Err(); err != nil {
			status = pipeline.StatusAborted
			r.cause = err
			next = i
			break
		}

		stageStatus, err := e.runStage(ctx, logger, r, i, st, status)
		st.Status = stageStatus
		r.collector.EndStage(i, stageStatus, err)
		e.persist(logger, r)

		if stageStatus == pipeline.StageUnstable && status == pipeline.StatusSuccess {
			status = pipeline.StatusUnstable
		}
		if stageStatus == pipeline.StageFailed {
			status = pipeline.StatusFailed
			r.cause = err
			break
		}
		if stageStatus == pipeline.StageAborted {
			status = pipeline.StatusAborted
			r.cause = err
			break
		}
	}

	for i := next; i < len(r.p.Stages); i++ {
		r.p.Stages[i].Status = pipeline.StageSkipped
		r.collector.SkipStage(i)
		logger.Info("stage skipped", "stage", r.p.Stages[i].Name)
	}
	r.status = status
}

// runStage resolves the stage placement and runs its actions. status is the
// pipeline status so far and feeds when conditions.
func (e *Engine) runStage(ctx context.Context, logger *slog.Logger, r *run, index int, st *pipeline.Stage, status pipeline.Status) (pipeline.StageStatus, error) {
	logger = logger.With("stage", st.Name)
	st.Status = pipeline.StageRunning
	r.collector.BeginStage(index)
	logger.Info("stage started", "placement", st.Placement.String())

	handle, err := e.resolver.NewScope().Resolve(ctx, st.Placement)
	if err != nil {
		logger.Error("placement resolution failed", "error", err)
		if ctx.Err() != nil {
			return pipeline.StageAborted, ctx.Err()
		}
		return pipeline.StageFailed, err
	}
	r.collector.SetHandle(index, handle.ID)
	logger.Info("stage placed", "handle", handle.ID, "target", handle.Describe())

	rc := e.runContext(r, index, st.Name, handle, status)
	unstable := false
	for j, a := range st.Actions {
		res, err := e.execute(ctx, rc, j, a)
		r.collector.RecordAction(index, res)
		if err != nil {
			if ctx.Err() != nil {
				return pipeline.StageAborted, err
			}
			return pipeline.StageFailed, err
		}
		if res.Status == report.ActionUnstable || res.Tolerated {
			unstable = true
		}
	}
	if unstable {
		return pipeline.StageUnstable, nil
	}
	return pipeline.StageSuccess, nil
}

// execute runs one action and turns a panic into an action failure.
func (e *Engine) execute(ctx context.Context, rc action.RunContext, index int, a pipeline.Action) (res report.ActionResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res.Name = a.Name
			res.Kind = a.Kind
			res.Status = report.ActionFailed
			res.ExitCode = -1
			err = &pipeline.ActionFailureError{Stage: rc.StageName, Action: a.Name, ExitCode: -1, Err: fmt.Errorf("panic: %v", rec)}
			res.Error = err.Error()
		}
	}()
	return e.executor.Execute(ctx, rc, index, a)
}

// runCleanup is the registered teardown: it runs every cleanup action whose
// if filter matches the final status, continuing past failures.
func (e *Engine) runCleanup(ctx context.Context, logger *slog.Logger, r *run) error {
	logger = logger.With("stage", CleanupStage)
	r.collector.BeginCleanup()
	defer r.collector.EndCleanup()

	final := r.status
	if !final.Terminal() {
		final = pipeline.StatusFailed
		r.status = final
	}
	actions := r.p.Cleanup.Actions
	if len(actions) == 0 {
		return nil
	}
	logger.Info("cleanup started", "actions", len(actions), "status", final)

	handle, err := e.resolver.NewScope().Resolve(ctx, r.p.Cleanup.Placement)
	if err != nil {
		return &pipeline.CleanupFailureError{Action: "placement", Err: err}
	}

	rc := e.runContext(r, len(r.p.Stages), CleanupStage, handle, final)
	var errs []error
	for j, a := range actions {
		if !a.If.Matches(final) {
			now := time.Now().UTC()
			r.collector.RecordCleanupAction(report.ActionResult{
				Name: a.Name, Kind: a.Kind, Status: report.ActionSkipped,
				Handle: handle.ID, StartedAt: now, FinishedAt: now,
			})
			logger.Info("cleanup action skipped", "action", a.Name, "if", a.If)
			continue
		}
		res, err := e.execute(ctx, rc, j, a)
		r.collector.RecordCleanupAction(res)
		if err != nil {
			errs = append(errs, &pipeline.CleanupFailureError{Action: a.Name, Err: err})
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) runContext(r *run, index int, name string, h *placement.Handle, status pipeline.Status) action.RunContext {
	tmpl := r.tmpl
	tmpl.Status = string(status)
	return action.RunContext{
		RunID:      r.id,
		Pipeline:   r.p,
		StageIndex: index,
		StageName:  name,
		Handle:     h,
		Logs:       r.logs,
		Artifacts:  r.artifacts,
		Template:   tmpl,
		StageLogs:  func(stage string) []string { return stageLogs(r, stage) },
	}
}

// stageLogs lists the log files written so far by the named stage.
func stageLogs(r *run, stage string) []string {
	index := len(r.p.Stages)
	if stage != CleanupStage {
		index = slices.IndexFunc(r.p.Stages, func(s *pipeline.Stage) bool { return s.Name == stage })
		if index < 0 {
			return nil
		}
	}
	logs, err := r.logs.StageLogs(index, stage)
	if err != nil {
		return nil
	}
	return logs
}

// persist writes the in-flight report so readers can follow the run.
func (e *Engine) persist(logger *slog.Logger, r *run) {
	snap := r.collector.Snapshot()
	if err := report.Save(filepath.Join(r.dir, ReportFile), &snap); err != nil {
		logger.Warn("write report snapshot failed", "error", err)
	}
}
