// Package pipeline holds the in-memory model the sequencer mutates: pipelines,
// stages, placements and immutable actions.
package pipeline

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a pipeline run.
type Status string

const (
	// StatusPending means the run has not started.
	StatusPending Status = "Pending"
	// StatusRunning means stages are executing.
	StatusRunning Status = "Running"
	// StatusSuccess means every stage succeeded.
	StatusSuccess Status = "Success"
	// StatusUnstable means stages completed but a threshold or tolerated failure was recorded.
	StatusUnstable Status = "Unstable"
	// StatusFailed means a stage failed.
	StatusFailed Status = "Failed"
	// StatusAborted means the run was cancelled.
	StatusAborted Status = "Aborted"
)

// StageStatus is the lifecycle state of a single stage.
type StageStatus string

const (
	StagePending  StageStatus = "Pending"
	StageRunning  StageStatus = "Running"
	StageSuccess  StageStatus = "Success"
	StageUnstable StageStatus = "Unstable"
	StageFailed   StageStatus = "Failed"
	StageSkipped  StageStatus = "Skipped"
	StageAborted  StageStatus = "Aborted"
)

// Terminal reports whether s can no longer change.
func (s StageStatus) Terminal() bool {
	switch s {
	case StageSuccess, StageUnstable, StageFailed, StageSkipped, StageAborted:
		return true
	}
	return false
}

// Terminal reports whether s can no longer change.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusUnstable, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// Failed reports whether s should make a CI job exit non-zero.
func (s Status) Failed() bool {
	return s == StatusFailed || s == StatusAborted
}

// Placement describes where actions execute. Empty dimensions are inactive.
type Placement struct {
	// Node is a node name or label.
	Node string `json:"node,omitempty" yaml:"node,omitempty"`
	// Partition is a cluster partition name.
	Partition string `json:"partition,omitempty" yaml:"partition,omitempty"`
	// Container is a container profile name.
	Container string `json:"container,omitempty" yaml:"container,omitempty"`
}

// IsZero reports whether no dimension is set.
func (p Placement) IsZero() bool {
	return p.Node == "" && p.Partition == "" && p.Container == ""
}

// Key returns a stable identifier for equal placements.
func (p Placement) Key() string {
	return "node=" + p.Node + "|partition=" + p.Partition + "|container=" + p.Container
}

// String renders the active dimensions for logs.
func (p Placement) String() string {
	if p.IsZero() {
		return "local"
	}
	var parts []string
	if p.Node != "" {
		parts = append(parts, "node="+p.Node)
	}
	if p.Partition != "" {
		parts = append(parts, "partition="+p.Partition)
	}
	if p.Container != "" {
		parts = append(parts, "container="+p.Container)
	}
	return strings.Join(parts, ",")
}

// ActionKind selects how an action is executed.
type ActionKind string

const (
	KindRun            ActionKind = "run"
	KindCheckout       ActionKind = "checkout"
	KindCleanWorkspace ActionKind = "clean-workspace"
	KindArchive        ActionKind = "archive"
	KindJUnit          ActionKind = "junit"
	KindWarnings       ActionKind = "warnings"
)

// Remote reports whether the action executes through the stage's placement.
// Other kinds run on the orchestrator against the shared workspace.
func (k ActionKind) Remote() bool {
	switch k {
	case KindRun, KindCheckout, KindCleanWorkspace:
		return true
	}
	return false
}

// CleanupIf filters cleanup actions by pipeline outcome.
type CleanupIf string

const (
	IfAlways  CleanupIf = "always"
	IfSuccess CleanupIf = "success"
	IfFailure CleanupIf = "failure"
)

// Matches reports whether a cleanup action with this filter runs for status.
func (c CleanupIf) Matches(status Status) bool {
	switch c {
	case IfSuccess:
		return status == StatusSuccess || status == StatusUnstable
	case IfFailure:
		return status == StatusFailed || status == StatusAborted
	default:
		return true
	}
}

// Action is an atomic unit of work. It is passed by value and never mutated.
type Action struct {
	Kind            ActionKind
	Name            string
	Run             string
	With            map[string]any
	Env             map[string]string
	Dir             string
	When            string
	If              CleanupIf
	Timeout         time.Duration
	GracePeriod     time.Duration
	ContinueOnError bool
}

// Stage is a named phase. Only the sequencer changes Status.
type Stage struct {
	Name      string
	Index     int
	Placement Placement
	Actions   []Action
	Status    StageStatus
}

// Cleanup is the teardown sequence registered for a pipeline.
type Cleanup struct {
	Placement Placement
	Actions   []Action
	Timeout   time.Duration
}

// Pipeline is an ordered sequence of stages plus the registered cleanup.
type Pipeline struct {
	Name      string
	Workspace string
	Env       map[string]string
	Stages    []*Stage
	Cleanup   Cleanup
	Status    Status
}

// Stage returns the stage with the given name, or nil.
func (p *Pipeline) Stage(name string) *Stage {
	for _, s := range p.Stages {
		if s.Name == name {
			return s
		}
	}
	return nil
}
