// Package placement maps a stage's placement constraint to a live execution
// handle: a local or labelled remote worker, an optional cluster allocation
// and an optional container wrapper.
package placement

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/codex-k8s/stagectl/internal/config"
	"github.com/codex-k8s/stagectl/internal/kube"
	"github.com/codex-k8s/stagectl/internal/pipeline"
	"github.com/codex-k8s/stagectl/internal/shell"
)

// DefaultProbeTimeout bounds a node probe command.
const DefaultProbeTimeout = 30 * time.Second

// Prober checks whether a node is reachable.
type Prober func(ctx context.Context, node config.NodeSpec) error

// Resolver resolves placements against a pipeline definition.
type Resolver struct {
	cfg      *config.PipelineConfig
	logger   *slog.Logger
	lookPath func(string) (string, error)
	probe    Prober
	seq      atomic.Int64
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithLookPath replaces exec.LookPath for tool availability checks.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(r *Resolver) { r.lookPath = fn }
}

// WithProber replaces the default node probe.
func WithProber(p Prober) Option {
	return func(r *Resolver) { r.probe = p }
}

// NewResolver constructs a Resolver for cfg.
func NewResolver(cfg *config.PipelineConfig, logger *slog.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Resolver{
		cfg:      cfg,
		logger:   logger,
		lookPath: exec.LookPath,
	}
	r.probe = ProbeNode
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Scope caches resolved handles for the lifetime of one stage.
type Scope struct {
	r       *Resolver
	mu      sync.Mutex
	handles map[string]*Handle
}

// NewScope returns an empty per-stage cache.
func (r *Resolver) NewScope() *Scope {
	return &Scope{r: r, handles: make(map[string]*Handle)}
}

// Resolve returns the handle for p, resolving it on first use. Equal
// placements resolved through the same scope yield the same handle.
func (s *Scope) Resolve(ctx context.Context, p pipeline.Placement) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := p.Key()
	if h, ok := s.handles[key]; ok {
		return h, nil
	}
	h, err := s.r.Resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	s.handles[key] = h
	return h, nil
}

// Resolve turns p into a new handle or returns a *pipeline.PlacementUnavailableError.
func (r *Resolver) Resolve(ctx context.Context, p pipeline.Placement) (*Handle, error) {
	if r.cfg == nil {
		return nil, fmt.Errorf("pipeline config is nil")
	}

	h := &Handle{
		Placement: p,
		Workspace: r.cfg.Workspace,
		instance:  strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
	}

	if p.Node != "" {
		node, err := r.resolveNode(ctx, p.Node)
		if err != nil {
			return nil, err
		}
		h.Node = node
		if node.Workspace != "" {
			h.Workspace = node.Workspace
		}
	}
	local := h.Node == nil || h.Node.Host == ""

	if p.Partition != "" {
		if err := r.resolvePartition(h, p.Partition, local); err != nil {
			return nil, err
		}
	}

	if p.Container != "" {
		if err := r.resolveContainer(h, p.Container, local); err != nil {
			return nil, err
		}
	}

	if h.kube != nil && h.podImage() == "" {
		return nil, &pipeline.PlacementUnavailableError{
			Dimension: "partition",
			Value:     p.Partition,
			Reason:    "kubernetes placement needs a container profile or cluster.kubernetes.defaultImage",
		}
	}

	h.ID = fmt.Sprintf("%s-%d", slug(p.String()), r.seq.Add(1))
	r.logger.Debug("placement resolved", "placement", p.String(), "handle", h.ID, "node", h.nodeName())
	return h, nil
}

func (r *Resolver) resolveNode(ctx context.Context, selector string) (*config.NodeSpec, error) {
	candidates := r.cfg.NodesMatching(selector)
	if len(candidates) == 0 {
		return nil, &pipeline.PlacementUnavailableError{Dimension: "node", Value: selector, Reason: "no node matches"}
	}

	var failures []string
	for _, n := range candidates {
		if err := r.probe(ctx, n); err != nil {
			r.logger.Warn("node probe failed", "node", n.Name, "error", err)
			failures = append(failures, fmt.Sprintf("%s: %v", n.Name, err))
			continue
		}
		node := n
		return &node, nil
	}
	return nil, &pipeline.PlacementUnavailableError{
		Dimension: "node",
		Value:     selector,
		Reason:    "no reachable node (" + strings.Join(failures, "; ") + ")",
	}
}

func (r *Resolver) resolvePartition(h *Handle, name string, local bool) error {
	cluster := r.cfg.Cluster
	if cluster == nil {
		return &pipeline.PlacementUnavailableError{Dimension: "partition", Value: name, Reason: "no cluster is configured"}
	}
	part, ok := cluster.Partitions[name]
	if !ok {
		return &pipeline.PlacementUnavailableError{Dimension: "partition", Value: name, Reason: "partition is not declared"}
	}
	launcher := cluster.LauncherName()
	if local {
		if _, err := r.lookPath(launcher); err != nil {
			return &pipeline.PlacementUnavailableError{Dimension: "partition", Value: name, Reason: fmt.Sprintf("launcher %q not found", launcher)}
		}
	}

	h.Cluster = cluster
	h.PartitionName = name
	h.Partition = part

	if cluster.SchedulerName() == config.SchedulerKubernetes {
		k := cluster.Kubernetes
		if k == nil {
			k = &config.KubernetesSpec{}
		}
		ns := k.Namespace
		if part.Namespace != "" {
			ns = part.Namespace
		}
		h.kube = kube.NewClient(k.Kubeconfig, k.Context, ns)
		h.kube.Binary = launcher
		h.defaultImage = k.DefaultImage
	}
	return nil
}

func (r *Resolver) resolveContainer(h *Handle, name string, local bool) error {
	profile, err := config.ResolveContainerProfile(r.cfg, name)
	if err != nil {
		return &pipeline.PlacementUnavailableError{Dimension: "container", Value: name, Reason: err.Error()}
	}
	if strings.TrimSpace(profile.Image) == "" {
		return &pipeline.PlacementUnavailableError{Dimension: "container", Value: name, Reason: "profile has no image"}
	}
	// Pods carry the image themselves; no local runtime is involved.
	if h.kube == nil && local && h.Cluster == nil {
		if _, err := r.lookPath(profile.Runtime); err != nil {
			return &pipeline.PlacementUnavailableError{Dimension: "container", Value: name, Reason: fmt.Sprintf("runtime %q not found", profile.Runtime)}
		}
	}
	h.ContainerName = name
	h.Container = &profile
	return nil
}

// ProbeNode executes the node's probe command locally. Nodes without a probe
// are considered reachable.
func ProbeNode(ctx context.Context, node config.NodeSpec) error {
	if strings.TrimSpace(node.Probe) == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultProbeTimeout)
	defer cancel()

	code, err := shell.NewRunner().Run(ctx, shell.Command{
		Argv: []string{"sh", "-c", node.Probe},
		Env:  []string{"STAGECTL_NODE=" + node.Name, "STAGECTL_NODE_HOST=" + node.Host},
	}, nil, 0)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("probe exited with code %d", code)
	}
	return nil
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, ch := range strings.ToLower(s) {
		if (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') {
			b.WriteRune(ch)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
