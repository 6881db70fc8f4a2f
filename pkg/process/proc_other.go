//go:build !unix

package process

import (
	"os/exec"
)

func setProcessGroup(c *exec.Cmd) {}

// Graceful termination has no portable signal here; both steps kill.
func terminateProcess(c *exec.Cmd) error {
	if c.Process == nil {
		return nil
	}
	return c.Process.Kill()
}

func killProcess(c *exec.Cmd) error {
	return terminateProcess(c)
}
