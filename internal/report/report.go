// Package report accumulates per-stage results of a pipeline run into a final
// structured report and persists it.
package report

import (
	"time"

	"github.com/codex-k8s/stagectl/internal/artifact"
	"github.com/codex-k8s/stagectl/internal/junit"
	"github.com/codex-k8s/stagectl/internal/pipeline"
	"github.com/codex-k8s/stagectl/internal/warnings"
)

// ActionStatus is the outcome of a single action.
type ActionStatus string

const (
	ActionSuccess  ActionStatus = "Success"
	ActionUnstable ActionStatus = "Unstable"
	ActionFailed   ActionStatus = "Failed"
	ActionSkipped  ActionStatus = "Skipped"
	ActionAborted  ActionStatus = "Aborted"
)

// ActionResult records one executed (or skipped) action.
type ActionResult struct {
	Name       string              `json:"name" yaml:"name"`
	Kind       pipeline.ActionKind `json:"kind" yaml:"kind"`
	Status     ActionStatus        `json:"status" yaml:"status"`
	ExitCode   int                 `json:"exitCode" yaml:"exitCode"`
	Handle     string              `json:"handle,omitempty" yaml:"handle,omitempty"`
	LogPath    string              `json:"logPath,omitempty" yaml:"logPath,omitempty"`
	StartedAt  time.Time           `json:"startedAt" yaml:"startedAt"`
	FinishedAt time.Time           `json:"finishedAt" yaml:"finishedAt"`
	Error      string              `json:"error,omitempty" yaml:"error,omitempty"`
	Tolerated  bool                `json:"tolerated,omitempty" yaml:"tolerated,omitempty"`
	Artifacts  []artifact.Entry    `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	Tests      *junit.Summary      `json:"tests,omitempty" yaml:"tests,omitempty"`
	Warnings   *warnings.Summary   `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Duration returns the wall time of the action.
func (a ActionResult) Duration() time.Duration {
	if a.FinishedAt.IsZero() || a.StartedAt.IsZero() {
		return 0
	}
	return a.FinishedAt.Sub(a.StartedAt)
}

// StageResult records one stage.
type StageResult struct {
	Name       string               `json:"name" yaml:"name"`
	Index      int                  `json:"index" yaml:"index"`
	Placement  pipeline.Placement   `json:"placement" yaml:"placement"`
	Handle     string               `json:"handle,omitempty" yaml:"handle,omitempty"`
	Status     pipeline.StageStatus `json:"status" yaml:"status"`
	StartedAt  time.Time            `json:"startedAt,omitempty" yaml:"startedAt,omitempty"`
	FinishedAt time.Time            `json:"finishedAt,omitempty" yaml:"finishedAt,omitempty"`
	Error      string               `json:"error,omitempty" yaml:"error,omitempty"`
	Actions    []ActionResult       `json:"actions,omitempty" yaml:"actions,omitempty"`
}

// CleanupResult records the cleanup pass.
type CleanupResult struct {
	Ran        bool           `json:"ran" yaml:"ran"`
	StartedAt  time.Time      `json:"startedAt,omitempty" yaml:"startedAt,omitempty"`
	FinishedAt time.Time      `json:"finishedAt,omitempty" yaml:"finishedAt,omitempty"`
	Actions    []ActionResult `json:"actions,omitempty" yaml:"actions,omitempty"`
	Failures   []string       `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// Totals aggregates counts across all stages.
type Totals struct {
	Stages        map[pipeline.StageStatus]int `json:"stages" yaml:"stages"`
	Tests         junit.Summary                `json:"tests" yaml:"tests"`
	Warnings      int                          `json:"warnings" yaml:"warnings"`
	Artifacts     int                          `json:"artifacts" yaml:"artifacts"`
	ArtifactBytes int64                        `json:"artifactBytes" yaml:"artifactBytes"`
}

// Report is the final structured outcome of a pipeline run.
type Report struct {
	RunID      string           `json:"runId" yaml:"runId"`
	Pipeline   string           `json:"pipeline" yaml:"pipeline"`
	Workspace  string           `json:"workspace,omitempty" yaml:"workspace,omitempty"`
	Status     pipeline.Status  `json:"status" yaml:"status"`
	StartedAt  time.Time        `json:"startedAt" yaml:"startedAt"`
	FinishedAt time.Time        `json:"finishedAt,omitempty" yaml:"finishedAt,omitempty"`
	Error      string           `json:"error,omitempty" yaml:"error,omitempty"`
	Stages     []StageResult    `json:"stages" yaml:"stages"`
	Cleanup    CleanupResult    `json:"cleanup" yaml:"cleanup"`
	Totals     Totals           `json:"totals" yaml:"totals"`
	Manifest   []artifact.Entry `json:"manifest,omitempty" yaml:"manifest,omitempty"`
}

// Stage returns the result for the named stage, or nil.
func (r *Report) Stage(name string) *StageResult {
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &r.Stages[i]
		}
	}
	return nil
}

// computeTotals recomputes Totals and Manifest from the stage results.
func (r *Report) computeTotals() {
	t := Totals{Stages: make(map[pipeline.StageStatus]int)}
	var manifest []artifact.Entry
	for _, s := range r.Stages {
		t.Stages[s.Status]++
		for _, a := range s.Actions {
			if a.Tests != nil {
				sum := *a.Tests
				sum.Failures = nil
				t.Tests.Add(sum)
			}
			if a.Warnings != nil {
				t.Warnings += a.Warnings.Total
			}
			for _, e := range a.Artifacts {
				t.Artifacts++
				t.ArtifactBytes += e.Size
				manifest = append(manifest, e)
			}
		}
	}
	r.Totals = t
	r.Manifest = manifest
}
