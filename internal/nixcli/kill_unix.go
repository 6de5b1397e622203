// Copyright 2025 The servenix Authors
// SPDX-License-Identifier: MIT

//go:build unix

package nixcli

import (
	"os/exec"
	"time"

	"golang.org/x/sys/unix"
)

// setCancelFunc arranges for context cancellation to terminate
// the nix subprocess together with everything it spawned.
// nix-store forks builders into the same process group,
// so signaling the group is the only way to stop a build promptly.
func setCancelFunc(c *exec.Cmd) {
	c.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		if err := unix.Kill(-c.Process.Pid, unix.SIGTERM); err != nil {
			return c.Process.Signal(unix.SIGTERM)
		}
		return nil
	}
	c.WaitDelay = 10 * time.Second
}
