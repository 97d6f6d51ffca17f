package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/codex-k8s/stagectl/internal/config"
)

const (
	// DefaultActionTimeout bounds an action when neither it nor the pipeline sets a timeout.
	DefaultActionTimeout = 2 * time.Hour
	// DefaultGracePeriod is the time between SIGTERM and SIGKILL.
	DefaultGracePeriod = 10 * time.Second
	// DefaultCleanupTimeout bounds the whole cleanup pass.
	DefaultCleanupTimeout = 10 * time.Minute
)

// Build converts a validated pipeline definition into a runnable Pipeline.
// Every stage starts Pending.
func Build(cfg *config.PipelineConfig) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("pipeline config is nil")
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate pipeline %q: %w", cfg.Name, err)
	}

	actionTimeout, err := durationOr(cfg.Timeouts.Action, DefaultActionTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse timeouts.action: %w", err)
	}
	cleanupTimeout, err := durationOr(cfg.Timeouts.Cleanup, DefaultCleanupTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse timeouts.cleanup: %w", err)
	}

	p := &Pipeline{
		Name:      cfg.Name,
		Workspace: cfg.Workspace,
		Env:       copyMap(cfg.Env),
		Status:    StatusPending,
	}

	for i, spec := range cfg.Stages {
		stage := &Stage{
			Name:      spec.Name,
			Index:     i,
			Placement: placementFrom(spec.Placement),
			Status:    StagePending,
		}
		for j, as := range spec.Actions {
			a, err := buildAction(as, j, actionTimeout)
			if err != nil {
				return nil, fmt.Errorf("stage %q: %w", spec.Name, err)
			}
			stage.Actions = append(stage.Actions, a)
		}
		p.Stages = append(p.Stages, stage)
	}

	p.Cleanup = Cleanup{
		Placement: placementFrom(cfg.Cleanup.Placement),
		Timeout:   cleanupTimeout,
	}
	for j, as := range cfg.Cleanup.Actions {
		a, err := buildAction(as, j, actionTimeout)
		if err != nil {
			return nil, fmt.Errorf("cleanup: %w", err)
		}
		if a.If == "" {
			a.If = IfAlways
		}
		p.Cleanup.Actions = append(p.Cleanup.Actions, a)
	}

	return p, nil
}

func buildAction(spec config.ActionSpec, index int, defaultTimeout time.Duration) (Action, error) {
	a := Action{
		Name:            strings.TrimSpace(spec.Name),
		Run:             spec.Run,
		With:            spec.With,
		Env:             copyMap(spec.Env),
		Dir:             spec.Dir,
		When:            spec.When,
		If:              CleanupIf(spec.If),
		ContinueOnError: spec.ContinueOnError,
	}
	if strings.TrimSpace(spec.Run) != "" {
		a.Kind = KindRun
	} else {
		a.Kind = ActionKind(spec.Use)
	}
	if a.Name == "" {
		a.Name = fmt.Sprintf("%s-%d", a.Kind, index+1)
	}

	var err error
	if a.Timeout, err = durationOr(spec.Timeout, defaultTimeout); err != nil {
		return Action{}, fmt.Errorf("action %q timeout: %w", a.Name, err)
	}
	if a.GracePeriod, err = durationOr(spec.GracePeriod, DefaultGracePeriod); err != nil {
		return Action{}, fmt.Errorf("action %q gracePeriod: %w", a.Name, err)
	}
	return a, nil
}

func placementFrom(spec config.PlacementSpec) Placement {
	return Placement{
		Node:      strings.TrimSpace(spec.Node),
		Partition: strings.TrimSpace(spec.Partition),
		Container: strings.TrimSpace(spec.Container),
	}
}

func durationOr(value string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(value) == "" {
		return def, nil
	}
	return time.ParseDuration(value)
}

func copyMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
