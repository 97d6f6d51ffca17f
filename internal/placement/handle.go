package placement

import (
	"path"
	"sort"
	"strings"

	"github.com/codex-k8s/stagectl/internal/config"
	"github.com/codex-k8s/stagectl/internal/kube"
	"github.com/codex-k8s/stagectl/internal/pipeline"
	"github.com/codex-k8s/stagectl/internal/shell"
)

// Handle is a resolved execution target. Actions run through Command.
type Handle struct {
	// ID identifies the handle in logs and reports.
	ID string
	// Placement is the placement this handle was resolved from.
	Placement pipeline.Placement
	// Node is the selected worker, nil for the orchestrator itself.
	Node *config.NodeSpec
	// Cluster is the scheduler used for partition placements.
	Cluster *config.ClusterSpec
	// PartitionName is the requested partition.
	PartitionName string
	// Partition holds partition settings.
	Partition config.PartitionSpec
	// ContainerName is the requested container profile.
	ContainerName string
	// Container is the resolved container profile.
	Container *config.ContainerProfile
	// Workspace is the workspace path as seen on the target.
	Workspace string

	kube         *kube.Client
	defaultImage string
	// instance is unique per resolution and keeps pod names of concurrent
	// runs apart.
	instance string
}

// Invocation is a script to run through a handle.
type Invocation struct {
	// Name labels the invocation; used for job and pod names.
	Name string
	// Script is passed to sh -c on the target.
	Script string
	// Dir is the working directory, relative to the workspace unless absolute.
	Dir string
	// Env is exported before Script runs.
	Env map[string]string
}

// Local reports whether the outermost process is started on the orchestrator
// without ssh.
func (h *Handle) Local() bool {
	return h.Node == nil || h.Node.Host == ""
}

// Command composes the layers of the handle around inv: ssh for remote nodes,
// the cluster launcher for partitions, the container runtime for profiles and
// finally sh -c in the working directory.
func (h *Handle) Command(inv Invocation) shell.Command {
	env := h.env(inv)

	var argv []string
	var extraEnv []string
	switch {
	case h.kube != nil:
		argv = h.kube.RunPodArgs(h.podName(inv.Name), h.podImage(), env, h.innerScript(inv, nil))
		extraEnv = h.kube.Environ()
	default:
		argv = []string{"sh", "-c", h.innerScript(inv, env)}
		if h.Container != nil {
			argv = h.containerArgs(argv)
		}
		if h.Cluster != nil {
			argv = h.slurmArgs(inv.Name, argv)
		}
	}

	if !h.Local() {
		remote := shell.Command{Argv: argv}.String()
		prefix := h.Node.SSH
		if len(prefix) == 0 {
			prefix = []string{"ssh", "-o", "BatchMode=yes"}
		}
		argv = append(append(append([]string(nil), prefix...), h.Node.Host, "--"), remote)
	}

	return shell.Command{Argv: argv, Env: extraEnv}
}

// Describe returns a one-line summary of the handle for plans and logs.
func (h *Handle) Describe() string {
	var parts []string
	if h.Node != nil {
		host := h.Node.Host
		if host == "" {
			host = "local"
		}
		parts = append(parts, "node "+h.Node.Name+" ("+host+")")
	} else {
		parts = append(parts, "local")
	}
	if h.Cluster != nil {
		parts = append(parts, h.Cluster.SchedulerName()+" partition "+h.PartitionName)
	}
	if h.Container != nil {
		rt := h.Container.Runtime
		if h.kube != nil {
			rt = "pod"
		}
		parts = append(parts, rt+" "+h.Container.Image)
	} else if h.kube != nil {
		parts = append(parts, "pod "+h.podImage())
	}
	return strings.Join(parts, " / ")
}

func (h *Handle) nodeName() string {
	if h.Node == nil {
		return ""
	}
	return h.Node.Name
}

func (h *Handle) workDir(dir string) string {
	switch {
	case dir == "":
		return h.Workspace
	case path.IsAbs(dir):
		return dir
	default:
		return path.Join(h.Workspace, dir)
	}
}

// env merges the container profile env with the invocation env.
func (h *Handle) env(inv Invocation) map[string]string {
	env := make(map[string]string)
	if h.Container != nil {
		for k, v := range h.Container.Env {
			env[k] = v
		}
	}
	for k, v := range inv.Env {
		env[k] = v
	}
	return env
}

// innerScript exports env, changes into the working directory and runs the
// invocation script.
func (h *Handle) innerScript(inv Invocation, env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString("export " + k + "=" + shell.Quote(env[k]) + "; ")
	}
	// Pods do not mount the orchestrator workspace.
	if h.kube != nil && inv.Dir == "" {
		b.WriteString(inv.Script)
		return b.String()
	}
	if wd := h.workDir(inv.Dir); wd != "" {
		b.WriteString("cd " + shell.Quote(wd) + " && ")
	}
	b.WriteString(inv.Script)
	return b.String()
}

func (h *Handle) containerArgs(inner []string) []string {
	c := h.Container
	ws := h.Workspace
	var args []string
	switch c.Runtime {
	case config.RuntimeApptainer, config.RuntimeSingularity:
		args = []string{c.Runtime, "exec"}
		if ws != "" {
			args = append(args, "--bind", ws, "--pwd", ws)
		}
		for _, m := range c.Mounts {
			args = append(args, "--bind", m)
		}
	default:
		args = []string{c.Runtime, "run", "--rm", "-i"}
		if ws != "" {
			args = append(args, "-v", ws+":"+ws, "-w", ws)
		}
		for _, m := range c.Mounts {
			args = append(args, "-v", m)
		}
	}
	args = append(args, c.Args...)
	args = append(args, c.Image)
	return append(args, inner...)
}

func (h *Handle) slurmArgs(name string, inner []string) []string {
	args := []string{h.Cluster.LauncherName(), "--partition=" + h.PartitionName}
	if name != "" {
		args = append(args, "--job-name="+name)
	}
	args = append(args, h.Cluster.Args...)
	args = append(args, h.Partition.Args...)
	return append(args, inner...)
}

func (h *Handle) podImage() string {
	if h.Container != nil && h.Container.Image != "" {
		return h.Container.Image
	}
	return h.defaultImage
}

// podName builds a DNS-1123 label from the handle ID, the invocation name
// and the handle instance.
func (h *Handle) podName(name string) string {
	limit := 63
	if h.instance != "" {
		limit -= len(h.instance) + 1
	}
	n := slug("stagectl-" + h.ID + "-" + name)
	if len(n) > limit {
		n = strings.TrimSuffix(n[:limit], "-")
	}
	if h.instance != "" {
		n += "-" + h.instance
	}
	return n
}
