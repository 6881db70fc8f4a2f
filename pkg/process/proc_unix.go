//go:build unix

package process

import (
	"errors"
	"os/exec"
	"syscall"
)

// setProcessGroup puts the command in its own process group so the whole
// tree (ssh, ansible forks, sleep in a script) can be signalled at once.
func setProcessGroup(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(c *exec.Cmd, sig syscall.Signal) error {
	if c.Process == nil {
		return nil
	}
	err := syscall.Kill(-c.Process.Pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return c.Process.Signal(sig)
}

func terminateProcess(c *exec.Cmd) error {
	return signalGroup(c, syscall.SIGTERM)
}

func killProcess(c *exec.Cmd) error {
	return signalGroup(c, syscall.SIGKILL)
}
