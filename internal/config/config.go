// Package config contains the loader and strongly typed model for pipeline
// definitions (pipeline.yaml or pipeline.jsonc).
package config

// PipelineConfig represents a declarative pipeline definition.
// It mirrors the structure of pipeline.yaml after template rendering.
type PipelineConfig struct {
	// Name is the pipeline identifier used in logs and reports.
	Name string `yaml:"name"`
	// Workspace is the working directory shared by all stages. Relative paths
	// are resolved against the directory containing the definition file.
	Workspace string `yaml:"workspace,omitempty"`
	// EnvFiles lists .env files to load before rendering.
	EnvFiles []string `yaml:"envFiles,omitempty"`
	// Env holds variables exported to every action.
	Env map[string]string `yaml:"env,omitempty"`
	// Vars provides named values available in templates as .Vars.
	Vars map[string]string `yaml:"vars,omitempty"`
	// Nodes lists labelled workers that stages may be placed on.
	Nodes []NodeSpec `yaml:"nodes,omitempty"`
	// Cluster configures the batch scheduler used for partition placements.
	Cluster *ClusterSpec `yaml:"cluster,omitempty"`
	// Containers declares container profiles keyed by name.
	Containers map[string]ContainerProfile `yaml:"containers,omitempty"`
	// Stages is the ordered list of stages.
	Stages []StageSpec `yaml:"stages"`
	// Cleanup describes the teardown actions run once after the stages.
	Cleanup CleanupSpec `yaml:"cleanup,omitempty"`
	// Timeouts holds default durations.
	Timeouts TimeoutSpec `yaml:"timeouts,omitempty"`
}

// NodeSpec describes a worker that can execute actions.
type NodeSpec struct {
	// Name uniquely identifies the node.
	Name string `yaml:"name"`
	// Labels are matched against placement node constraints.
	Labels []string `yaml:"labels,omitempty"`
	// Host is the remote host reached over ssh. Empty means the local machine.
	Host string `yaml:"host,omitempty"`
	// SSH overrides the ssh command prefix (default: ssh -o BatchMode=yes).
	SSH []string `yaml:"ssh,omitempty"`
	// Probe is an optional local shell command; a non-zero exit marks the node unreachable.
	Probe string `yaml:"probe,omitempty"`
	// Workspace overrides the pipeline workspace on this node.
	Workspace string `yaml:"workspace,omitempty"`
}

// ClusterSpec describes the batch scheduler used for partition placements.
type ClusterSpec struct {
	// Scheduler selects the launcher flavour: "slurm" (default) or "kubernetes".
	Scheduler string `yaml:"scheduler,omitempty"`
	// Launcher is the submission binary (default "srun" for slurm, "kubectl" for kubernetes).
	Launcher string `yaml:"launcher,omitempty"`
	// Args are appended to every submission.
	Args []string `yaml:"args,omitempty"`
	// Partitions declares the partitions stages may request.
	Partitions map[string]PartitionSpec `yaml:"partitions,omitempty"`
	// Kubernetes configures pod submission when Scheduler is "kubernetes".
	Kubernetes *KubernetesSpec `yaml:"kubernetes,omitempty"`
}

// PartitionSpec describes a single scheduler partition.
type PartitionSpec struct {
	// Args are appended to submissions targeting this partition.
	Args []string `yaml:"args,omitempty"`
	// Namespace overrides the Kubernetes namespace for this partition.
	Namespace string `yaml:"namespace,omitempty"`
}

// KubernetesSpec describes kubectl connection settings.
type KubernetesSpec struct {
	// Kubeconfig is the path to the kubeconfig file to use.
	Kubeconfig string `yaml:"kubeconfig,omitempty"`
	// Context selects the kubeconfig context name.
	Context string `yaml:"context,omitempty"`
	// Namespace is the default namespace for action pods.
	Namespace string `yaml:"namespace,omitempty"`
	// DefaultImage is used for partition placements without a container profile.
	DefaultImage string `yaml:"defaultImage,omitempty"`
}

// ContainerProfile describes the image and runtime options an action runs in.
type ContainerProfile struct {
	// From references another profile to inherit from.
	From string `yaml:"from,omitempty"`
	// Runtime is one of docker, podman, apptainer, singularity.
	Runtime string `yaml:"runtime,omitempty"`
	// Image is the container image reference.
	Image string `yaml:"image,omitempty"`
	// Mounts are extra bind mounts in src:dst form.
	Mounts []string `yaml:"mounts,omitempty"`
	// Env is exported inside the container.
	Env map[string]string `yaml:"env,omitempty"`
	// Args are extra runtime arguments placed before the image.
	Args []string `yaml:"args,omitempty"`
}

// StageSpec describes a named stage.
type StageSpec struct {
	// Name is the stage identifier used in logs and reports.
	Name string `yaml:"name"`
	// Placement constrains where the stage's actions run.
	Placement PlacementSpec `yaml:"placement,omitempty"`
	// Actions are executed in order.
	Actions []ActionSpec `yaml:"actions"`
}

// PlacementSpec holds at most one value per placement dimension.
type PlacementSpec struct {
	// Node is a node name or label.
	Node string `yaml:"node,omitempty"`
	// Partition is a cluster partition name.
	Partition string `yaml:"partition,omitempty"`
	// Container is a container profile name.
	Container string `yaml:"container,omitempty"`
}

// ActionSpec describes a single action.
// It either runs a shell command or invokes a built-in action via Use.
type ActionSpec struct {
	// Name is the identifier used in logs.
	Name string `yaml:"name,omitempty"`
	// Run is a shell script executed with sh -c.
	Run string `yaml:"run,omitempty"`
	// Use selects a built-in action.
	Use string `yaml:"use,omitempty"`
	// With provides parameters to built-in actions.
	With map[string]any `yaml:"with,omitempty"`
	// Env is exported to the action in addition to the pipeline env.
	Env map[string]string `yaml:"env,omitempty"`
	// Dir is the working directory relative to the workspace.
	Dir string `yaml:"dir,omitempty"`
	// When is a template expression that enables the action.
	When string `yaml:"when,omitempty"`
	// If filters cleanup actions by outcome: always (default), success or failure.
	If string `yaml:"if,omitempty"`
	// Timeout is a duration string for the action execution.
	Timeout string `yaml:"timeout,omitempty"`
	// GracePeriod is the time between SIGTERM and SIGKILL on timeout.
	GracePeriod string `yaml:"gracePeriod,omitempty"`
	// ContinueOnError records failures without failing the stage.
	ContinueOnError bool `yaml:"continueOnError,omitempty"`
}

// CleanupSpec describes the teardown sequence.
type CleanupSpec struct {
	// Placement constrains where cleanup actions run.
	Placement PlacementSpec `yaml:"placement,omitempty"`
	// Actions run in order; each failure is logged and the next action still runs.
	Actions []ActionSpec `yaml:"actions,omitempty"`
}

// TimeoutSpec holds string-form durations.
// Empty values fall back to built-in defaults.
type TimeoutSpec struct {
	// Action is the default per-action timeout (e.g. "30m").
	Action string `yaml:"action,omitempty"`
	// Cleanup bounds the whole cleanup pass (e.g. "10m").
	Cleanup string `yaml:"cleanup,omitempty"`
}

// Built-in action names accepted in ActionSpec.Use.
const (
	UseCheckout       = "checkout"
	UseCleanWorkspace = "clean-workspace"
	UseArchive        = "archive"
	UseJUnit          = "junit"
	UseWarnings       = "warnings"
)

// BuiltinActions lists every accepted ActionSpec.Use value.
var BuiltinActions = []string{UseCheckout, UseCleanWorkspace, UseArchive, UseJUnit, UseWarnings}

// Scheduler flavours accepted in ClusterSpec.Scheduler.
const (
	SchedulerSlurm      = "slurm"
	SchedulerKubernetes = "kubernetes"
)

// Container runtimes accepted in ContainerProfile.Runtime.
const (
	RuntimeDocker      = "docker"
	RuntimePodman      = "podman"
	RuntimeApptainer   = "apptainer"
	RuntimeSingularity = "singularity"
)
