package config

import (
	"fmt"
	"sort"
	"strings"
)

// ResolveContainerProfile returns the effective container profile for the given name,
// following optional "from" links and applying overrides.
func ResolveContainerProfile(cfg *PipelineConfig, name string) (ContainerProfile, error) {
	if cfg == nil {
		return ContainerProfile{}, fmt.Errorf("pipeline config is nil")
	}

	visited := make(map[string]struct{})
	var resolve func(current string) (ContainerProfile, error)

	resolve = func(current string) (ContainerProfile, error) {
		if _, seen := visited[current]; seen {
			return ContainerProfile{}, fmt.Errorf("container profile inheritance cycle detected at %q", current)
		}
		visited[current] = struct{}{}

		profile, ok := cfg.Containers[current]
		if !ok {
			return ContainerProfile{}, fmt.Errorf("container profile %q not defined", current)
		}

		if profile.From == "" {
			return withDefaultRuntime(profile), nil
		}

		base, err := resolve(profile.From)
		if err != nil {
			return ContainerProfile{}, err
		}

		merged := base
		merged.From = ""
		if profile.Runtime != "" {
			merged.Runtime = profile.Runtime
		}
		if profile.Image != "" {
			merged.Image = profile.Image
		}
		if len(profile.Mounts) > 0 {
			merged.Mounts = append(append([]string(nil), base.Mounts...), profile.Mounts...)
		}
		if len(profile.Args) > 0 {
			merged.Args = append(append([]string(nil), base.Args...), profile.Args...)
		}
		if len(profile.Env) > 0 {
			env := make(map[string]string, len(base.Env)+len(profile.Env))
			for k, v := range base.Env {
				env[k] = v
			}
			for k, v := range profile.Env {
				env[k] = v
			}
			merged.Env = env
		}
		return merged, nil
	}

	return resolve(name)
}

func withDefaultRuntime(p ContainerProfile) ContainerProfile {
	if strings.TrimSpace(p.Runtime) == "" {
		p.Runtime = RuntimeDocker
	}
	return p
}

// SchedulerName returns the normalized scheduler flavour of the cluster block.
func (c *ClusterSpec) SchedulerName() string {
	if c == nil {
		return ""
	}
	s := strings.ToLower(strings.TrimSpace(c.Scheduler))
	if s == "" {
		return SchedulerSlurm
	}
	return s
}

// LauncherName returns the submission binary, defaulting per scheduler.
func (c *ClusterSpec) LauncherName() string {
	if c == nil {
		return ""
	}
	if l := strings.TrimSpace(c.Launcher); l != "" {
		return l
	}
	if c.SchedulerName() == SchedulerKubernetes {
		return "kubectl"
	}
	return "srun"
}

// NodesMatching returns the nodes whose name or labels match selector,
// sorted by node name.
func (c *PipelineConfig) NodesMatching(selector string) []NodeSpec {
	var out []NodeSpec
	for _, n := range c.Nodes {
		if n.Name == selector {
			out = append(out, n)
			continue
		}
		for _, l := range n.Labels {
			if l == selector {
				out = append(out, n)
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
