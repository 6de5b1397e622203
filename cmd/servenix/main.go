// Copyright 2025 The servenix Authors
// SPDX-License-Identifier: MIT

// servenix is an HTTP service that wraps the nix package-manager binaries,
// deduplicating builds and streaming their logs.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"

	"github.com/spf13/cobra"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "servenix",
		Short:         "nix build server",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	g := defaultGlobalConfig()
	if err := g.mergeFiles(configFilePaths()); err != nil {
		initLogging(false)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
	if err := g.mergeEnvironment(); err != nil {
		initLogging(false)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}

	rootCommand.PersistentFlags().Var((*storeDirectoryFlag)(&g.StoreDirectory), "store", "path to store `dir`ectory")
	rootCommand.PersistentFlags().StringVar(&g.NixBinDirectory, "nix-bin", g.NixBinDirectory, "`dir`ectory containing the nix binaries (defaults to PATH lookup)")
	rootCommand.PersistentFlags().StringVar(&g.NixRemote, "nix-remote", g.NixRemote, "NIX_REMOTE `value` passed to nix subprocesses")
	rootCommand.PersistentFlags().StringVar(&g.ServerURL, "url", g.ServerURL, "base `url` of the server for client commands")
	rootCommand.PersistentFlags().BoolVar(&g.Debug, "debug", g.Debug, "show debugging output")

	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(g.Debug)
		return nil
	}

	rootCommand.AddCommand(
		newServeCommand(g),
		newBuildCommand(g),
		newStatusCommand(g),
		newLogCommand(g),
		newCancelCommand(g),
		newDiffCommand(g),
		newVersionCommand(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(g.Debug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "servenix: ", log.StdFlags, nil),
		})
	})
}
