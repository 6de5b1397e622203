// Copyright 2025 The servenix Authors
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"
	"zombiezen.com/go/log"
)

// servenixVersion is the version string filled in by the linker (e.g. "1.2.3").
var servenixVersion string

func newVersionCommand() *cobra.Command {
	c := &cobra.Command{
		Use:                   "version",
		Short:                 "show version information",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runVersion(cmd.Context())
	}
	return c
}

func runVersion(ctx context.Context) error {
	firstLine := "servenix"
	if servenixVersion == "" {
		firstLine += " (version unknown)"
	} else {
		firstLine += " version " + servenixVersion
	}
	fmt.Printf("%s\nSystem:       %s/%s\nCPUs:         %d\n", firstLine, runtime.GOOS, runtime.GOARCH, runtime.NumCPU())

	if runtime.GOOS == "linux" || runtime.GOOS == "darwin" {
		output, err := exec.CommandContext(ctx, "uname", "-srv").Output()
		if err != nil {
			log.Errorf(ctx, "uname: %v", err)
		} else {
			output = bytes.TrimSuffix(output, []byte("\n"))
			fmt.Printf("OS:           %s\n", output)
		}
	}
	return nil
}
