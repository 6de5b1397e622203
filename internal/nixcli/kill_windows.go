// Copyright 2025 The servenix Authors
// SPDX-License-Identifier: MIT

package nixcli

import (
	"os/exec"
	"time"
)

func setCancelFunc(c *exec.Cmd) {
	// Default behavior of exec.CommandContext is fine.
	c.WaitDelay = 10 * time.Second
}
