// Package shell runs external commands in their own process group and maps
// their termination to exit codes.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Command is a fully composed invocation ready to execute on the orchestrator.
type Command struct {
	// Argv is the program and its arguments.
	Argv []string
	// Env holds extra KEY=VALUE entries appended to the orchestrator environment.
	Env []string
	// Dir is the local working directory of the outermost process.
	Dir string
}

// String renders the command as a copy-pasteable shell line.
func (c Command) String() string {
	parts := make([]string, len(c.Argv))
	for i, a := range c.Argv {
		parts[i] = Quote(a)
	}
	return strings.Join(parts, " ")
}

// Runner executes commands.
type Runner struct {
	// WaitDelay bounds how long Run waits for output pipes after the process
	// exits or is killed. Zero uses a short default.
	WaitDelay time.Duration
}

// NewRunner constructs a Runner with default settings.
func NewRunner() *Runner {
	return &Runner{}
}

// Run executes cmd with stdout and stderr written to out and returns the
// exit code. A non-zero exit is not an error. When ctx is done the process
// group receives SIGTERM, then SIGKILL after grace; a zero grace kills
// immediately. Start failures and cancellation return -1 with an error.
func (r *Runner) Run(ctx context.Context, c Command, out io.Writer, grace time.Duration) (int, error) {
	if len(c.Argv) == 0 {
		return -1, fmt.Errorf("command is empty")
	}
	if out == nil {
		out = io.Discard
	}

	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	setProcessGroup(cmd, grace)

	delay := r.WaitDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	cmd.WaitDelay = grace + delay

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, fmt.Errorf("run %s: %w", c.Argv[0], ctxErr)
	}
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("run %s: %w", c.Argv[0], err)
}

// Quote returns s unchanged when it holds only shell-safe characters,
// otherwise wraps it in single quotes.
func Quote(s string) string {
	safe := s != ""
	for _, ch := range s {
		if !isSafe(ch) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isSafe(ch rune) bool {
	switch {
	case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		return true
	}
	switch ch {
	case '-', '_', '.', '/', ':', '=', '+', ',', '@':
		return true
	}
	return false
}
