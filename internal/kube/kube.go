// Package kube provides low-level integration with Kubernetes via kubectl.
package kube

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
)

// Client wraps kubectl execution with optional kubeconfig, context and namespace selection.
type Client struct {
	Kubeconfig string
	Context    string
	Namespace  string
	// Binary is the kubectl executable (default "kubectl").
	Binary string
}

// NewClient constructs a new Kubernetes client wrapper.
func NewClient(kubeconfig, context, namespace string) *Client {
	return &Client{
		Kubeconfig: kubeconfig,
		Context:    context,
		Namespace:  namespace,
	}
}

func (c *Client) binary() string {
	if strings.TrimSpace(c.Binary) != "" {
		return c.Binary
	}
	return "kubectl"
}

// RunPodArgs returns the argv of a kubectl run invocation that starts a
// single-use pod, streams its output and removes it on exit. The pod runs
// script with sh -c; its exit code becomes the exit code of kubectl.
func (c *Client) RunPodArgs(name, image string, env map[string]string, script string) []string {
	args := []string{c.binary()}
	if c.Context != "" {
		args = append(args, "--context", c.Context)
	}
	if c.Namespace != "" {
		args = append(args, "-n", c.Namespace)
	}
	args = append(args, "run", name,
		"--image="+image,
		"--restart=Never",
		"--rm", "-i", "--quiet",
		"--pod-running-timeout=24h",
	)

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--env="+k+"="+env[k])
	}

	return append(args, "--command", "--", "sh", "-c", script)
}

// Environ returns the extra environment kubectl needs, e.g. KUBECONFIG.
func (c *Client) Environ() []string {
	if c.Kubeconfig == "" {
		return nil
	}
	return []string{"KUBECONFIG=" + c.Kubeconfig}
}

// Version returns the client and server version output of kubectl.
func (c *Client) Version(ctx context.Context) (string, error) {
	out, err := c.runKubectl(ctx, "version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *Client) runKubectl(ctx context.Context, args ...string) ([]byte, error) {
	cmdArgs := make([]string, 0, len(args)+4)
	if c.Context != "" {
		cmdArgs = append(cmdArgs, "--context", c.Context)
	}
	cmdArgs = append(cmdArgs, args...)

	cmd := exec.CommandContext(ctx, c.binary(), cmdArgs...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if env := c.Environ(); len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("kubectl %v failed: %w: %s", args, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
