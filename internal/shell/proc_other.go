//go:build !unix

package shell

import (
	"os/exec"
	"time"
)

func setProcessGroup(cmd *exec.Cmd, _ time.Duration) {
	cmd.Cancel = func() error {
		return cmd.Process.Kill()
	}
}
