package config

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"
)

// Validate performs structural checks on a parsed pipeline definition and
// returns every problem found, joined into a single error.
func Validate(cfg *PipelineConfig) error {
	if cfg == nil {
		return fmt.Errorf("pipeline config is nil")
	}

	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(cfg.Name) == "" {
		add("pipeline name is required")
	}
	if len(cfg.Stages) == 0 {
		add("pipeline %q declares no stages", cfg.Name)
	}

	for _, d := range []struct{ field, value string }{
		{"timeouts.action", cfg.Timeouts.Action},
		{"timeouts.cleanup", cfg.Timeouts.Cleanup},
	} {
		if err := checkDuration(d.value); err != nil {
			add("%s: %v", d.field, err)
		}
	}

	errs = append(errs, validateEnvKeys("env", cfg.Env)...)

	nodeNames := make(map[string]struct{}, len(cfg.Nodes))
	for i, n := range cfg.Nodes {
		if strings.TrimSpace(n.Name) == "" {
			add("nodes[%d]: name is required", i)
			continue
		}
		if _, dup := nodeNames[n.Name]; dup {
			add("nodes[%d]: duplicate node name %q", i, n.Name)
		}
		nodeNames[n.Name] = struct{}{}
	}

	if cfg.Cluster != nil {
		switch cfg.Cluster.SchedulerName() {
		case SchedulerSlurm, SchedulerKubernetes:
		default:
			add("cluster.scheduler: unsupported scheduler %q", cfg.Cluster.Scheduler)
		}
	}

	for name := range cfg.Containers {
		profile, err := ResolveContainerProfile(cfg, name)
		if err != nil {
			add("containers.%s: %v", name, err)
			continue
		}
		errs = append(errs, validateEnvKeys("containers."+name+".env", cfg.Containers[name].Env)...)
		if strings.TrimSpace(profile.Image) == "" {
			add("containers.%s: image is required", name)
		}
		switch profile.Runtime {
		case RuntimeDocker, RuntimePodman, RuntimeApptainer, RuntimeSingularity:
		default:
			add("containers.%s: unsupported runtime %q", name, profile.Runtime)
		}
	}

	stageNames := make(map[string]struct{}, len(cfg.Stages))
	for i, stage := range cfg.Stages {
		where := fmt.Sprintf("stages[%d]", i)
		if strings.TrimSpace(stage.Name) == "" {
			add("%s: name is required", where)
		} else {
			where = fmt.Sprintf("stage %q", stage.Name)
			if _, dup := stageNames[stage.Name]; dup {
				add("%s: duplicate stage name", where)
			}
			stageNames[stage.Name] = struct{}{}
		}
		if len(stage.Actions) == 0 {
			add("%s: declares no actions", where)
		}
		errs = append(errs, validatePlacement(cfg, where, stage.Placement)...)
		for j, action := range stage.Actions {
			errs = append(errs, validateAction(fmt.Sprintf("%s action[%d]", where, j), action, false)...)
		}
	}

	if len(cfg.Cleanup.Actions) > 0 {
		errs = append(errs, validatePlacement(cfg, "cleanup", cfg.Cleanup.Placement)...)
	}
	for j, action := range cfg.Cleanup.Actions {
		errs = append(errs, validateAction(fmt.Sprintf("cleanup action[%d]", j), action, true)...)
	}

	return errors.Join(errs...)
}

func validatePlacement(cfg *PipelineConfig, where string, p PlacementSpec) []error {
	var errs []error
	if p.Node != "" && len(cfg.NodesMatching(p.Node)) == 0 {
		errs = append(errs, fmt.Errorf("%s: no node matches %q", where, p.Node))
	}
	if p.Partition != "" {
		switch {
		case cfg.Cluster == nil:
			errs = append(errs, fmt.Errorf("%s: partition %q requested but no cluster is configured", where, p.Partition))
		default:
			if _, ok := cfg.Cluster.Partitions[p.Partition]; !ok {
				errs = append(errs, fmt.Errorf("%s: partition %q is not declared", where, p.Partition))
			}
		}
	}
	if p.Container != "" {
		if _, ok := cfg.Containers[p.Container]; !ok {
			errs = append(errs, fmt.Errorf("%s: container profile %q is not declared", where, p.Container))
		}
	}
	return errs
}

func validateAction(where string, a ActionSpec, cleanup bool) []error {
	var errs []error
	hasRun := strings.TrimSpace(a.Run) != ""
	hasUse := strings.TrimSpace(a.Use) != ""
	switch {
	case hasRun && hasUse:
		errs = append(errs, fmt.Errorf("%s: run and use are mutually exclusive", where))
	case !hasRun && !hasUse:
		errs = append(errs, fmt.Errorf("%s: one of run or use is required", where))
	case hasUse && !slices.Contains(BuiltinActions, a.Use):
		errs = append(errs, fmt.Errorf("%s: unknown built-in action %q (want one of %s)", where, a.Use, strings.Join(BuiltinActions, ", ")))
	}
	errs = append(errs, validateEnvKeys(where+": env", a.Env)...)
	if err := checkDuration(a.Timeout); err != nil {
		errs = append(errs, fmt.Errorf("%s: timeout: %w", where, err))
	}
	if err := checkDuration(a.GracePeriod); err != nil {
		errs = append(errs, fmt.Errorf("%s: gracePeriod: %w", where, err))
	}
	switch a.If {
	case "":
	case "always", "success", "failure":
		if !cleanup {
			errs = append(errs, fmt.Errorf("%s: if is only supported on cleanup actions", where))
		}
	default:
		errs = append(errs, fmt.Errorf("%s: unsupported if %q (want always, success or failure)", where, a.If))
	}
	return errs
}

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validateEnvKeys rejects names that cannot be exported by a POSIX shell.
func validateEnvKeys(where string, vars map[string]string) []error {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, k := range keys {
		if !envKeyPattern.MatchString(k) {
			errs = append(errs, fmt.Errorf("%s: invalid variable name %q", where, k))
		}
	}
	return errs
}

func checkDuration(value string) error {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("duration %q must be positive", value)
	}
	return nil
}
