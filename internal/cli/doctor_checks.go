package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"

	"github.com/codex-k8s/stagectl/internal/config"
	"github.com/codex-k8s/stagectl/internal/kube"
	"github.com/codex-k8s/stagectl/internal/pipeline"
	"github.com/codex-k8s/stagectl/internal/placement"
)

// requiredTools lists the external programs the pipeline needs on the
// orchestrator, with the reason each is needed.
func requiredTools(cfg *config.PipelineConfig, p *pipeline.Pipeline) map[string]string {
	tools := map[string]string{"sh": "runs every local action"}

	placements := make([]pipeline.Placement, 0, len(p.Stages)+1)
	var actions []pipeline.Action
	for _, st := range p.Stages {
		placements = append(placements, st.Placement)
		actions = append(actions, st.Actions...)
	}
	if len(p.Cleanup.Actions) > 0 {
		placements = append(placements, p.Cleanup.Placement)
		actions = append(actions, p.Cleanup.Actions...)
	}

	remoteOnly := true
	for _, pl := range placements {
		nodes := cfg.NodesMatching(pl.Node)
		local := pl.Node == ""
		for _, n := range nodes {
			if n.Host == "" {
				local = true
				continue
			}
			prefix := "ssh"
			if len(n.SSH) > 0 {
				prefix = n.SSH[0]
			}
			tools[prefix] = "reaches node " + n.Name
		}
		if !local {
			continue
		}
		remoteOnly = false
		if pl.Partition != "" && cfg.Cluster != nil {
			tools[cfg.Cluster.LauncherName()] = "submits to partition " + pl.Partition
			continue
		}
		if pl.Container != "" {
			if profile, err := config.ResolveContainerProfile(cfg, pl.Container); err == nil {
				tools[profile.Runtime] = "runs container profile " + pl.Container
			}
		}
	}

	if !remoteOnly {
		for _, a := range actions {
			if a.Kind == pipeline.KindCheckout {
				tools["git"] = "checkout actions"
				break
			}
		}
	}
	return tools
}

func runDoctorChecks(ctx context.Context, logger *slog.Logger, cfg *config.PipelineConfig, p *pipeline.Pipeline) error {
	if logger == nil {
		logger = slog.Default()
	}

	required := requiredTools(cfg, p)
	names := make([]string, 0, len(required))
	for name := range required {
		names = append(names, name)
	}
	sort.Strings(names)

	missing := make([]string, 0, len(names))
	for _, tool := range names {
		if _, err := exec.LookPath(tool); err != nil {
			logger.Error("doctor check failed: missing required tool", "tool", tool, "reason", required[tool], "error", err)
			missing = append(missing, tool)
			continue
		}
		logger.Info("doctor check ok", "tool", tool, "reason", required[tool])
	}

	var fatalErrs []error
	if len(missing) > 0 {
		fatalErrs = append(fatalErrs, fmt.Errorf("required tools missing from PATH: %s", strings.Join(missing, ", ")))
	}

	if cfg.Cluster != nil && cfg.Cluster.SchedulerName() == config.SchedulerKubernetes {
		k := cfg.Cluster.Kubernetes
		if k == nil {
			k = &config.KubernetesSpec{}
		}
		client := kube.NewClient(k.Kubeconfig, k.Context, k.Namespace)
		client.Binary = cfg.Cluster.LauncherName()
		if out, err := client.Version(ctx); err != nil {
			logger.Error("kubectl version check failed", "error", err)
			fatalErrs = append(fatalErrs, err)
		} else {
			logger.Info("kubectl version check ok", "version", firstLine(out))
		}
	}

	for _, n := range cfg.Nodes {
		if strings.TrimSpace(n.Probe) == "" {
			continue
		}
		if err := placement.ProbeNode(ctx, n); err != nil {
			logger.Warn("node probe failed", "node", n.Name, "error", err)
			continue
		}
		logger.Info("node probe ok", "node", n.Name)
	}

	if len(fatalErrs) > 0 {
		return fmt.Errorf("doctor found %d fatal issue(s); see log for details", len(fatalErrs))
	}
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
