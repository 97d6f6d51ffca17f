//go:build unix

package shell

import (
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// setProcessGroup starts cmd in its own process group and replaces the
// default cancel with a group-wide signal.
func setProcessGroup(cmd *exec.Cmd, grace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if grace <= 0 {
		cmd.Cancel = func() error {
			return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		}
		return
	}
	cmd.Cancel = func() error {
		pgid := -cmd.Process.Pid
		if err := unix.Kill(pgid, unix.SIGTERM); err != nil {
			return unix.Kill(pgid, unix.SIGKILL)
		}
		go func() {
			time.Sleep(grace)
			// ESRCH once the group has exited.
			_ = unix.Kill(pgid, unix.SIGKILL)
		}()
		return nil
	}
}
