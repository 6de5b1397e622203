// Copyright 2025 The servenix Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/servenix/servenix/internal/backend"
	"github.com/spf13/cobra"
	"zombiezen.com/go/log"
)

type serveOptions struct {
	listenAddress  string
	dbPath         string
	maxBuilds      int
	recordCap      int
	buildRetention time.Duration
}

func newServeCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "serve [options]",
		Short:                 "run the build server",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := &serveOptions{
		dbPath: filepath.Join(defaultVarDir(), "builds.sqlite"),
	}
	c.Flags().StringVar(&opts.listenAddress, "listen", "localhost:5000", "`address` to listen on (ignored under systemd socket activation)")
	c.Flags().StringVar(&opts.dbPath, "db", opts.dbPath, "`path` to build history database file")
	c.Flags().IntVar(&opts.maxBuilds, "max-builds", backend.DefaultMaxConcurrentBuilds, "`number` of nix builds to run concurrently")
	c.Flags().IntVar(&opts.recordCap, "record-cap", backend.DefaultRecordCap, "`number` of finished builds to keep in memory")
	c.Flags().DurationVar(&opts.buildRetention, "build-retention", 7*24*time.Hour, "`duration` before deleting finished builds from history")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), g, opts)
	}
	return c
}

func runServe(ctx context.Context, g *globalConfig, opts *serveOptions) error {
	if _, err := os.Lstat(string(g.StoreDirectory)); err != nil {
		return fmt.Errorf("store directory: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(opts.dbPath), 0o755); err != nil {
		return err
	}

	l, err := listen(ctx, opts.listenAddress)
	if err != nil {
		return err
	}

	srv := backend.NewServer(g.StoreDirectory, opts.dbPath, &backend.Options{
		Tool:                g.tool(),
		MaxConcurrentBuilds: opts.maxBuilds,
		RecordCap:           opts.recordCap,
		BuildRetention:      opts.buildRetention,
	})
	defer func() {
		if err := srv.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()

	httpServer := &http.Server{
		Handler:           newAPIServer(srv),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			// Requests carry the serve context's logger,
			// but are not cancelled by it: shutdown is handled below.
			return context.WithoutCancel(ctx)
		},
	}

	serveError := make(chan error, 1)
	go func() {
		serveError <- httpServer.Serve(l)
	}()
	log.Infof(ctx, "Listening on %s", l.Addr())

	select {
	case err := <-serveError:
		return err
	case <-ctx.Done():
	}
	log.Infof(ctx, "Shutting down (signal received)...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf(ctx, "HTTP shutdown: %v", err)
	}
	if err := <-serveError; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// listen returns a socket passed in by systemd socket activation if present,
// falling back to a plain TCP listener on addr.
func listen(ctx context.Context, addr string) (net.Listener, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("systemd socket activation: %v", err)
	}
	switch len(listeners) {
	case 0:
		var lc net.ListenConfig
		return lc.Listen(ctx, "tcp", addr)
	case 1:
		log.Debugf(ctx, "Using systemd-activated socket")
		return listeners[0], nil
	default:
		return nil, fmt.Errorf("systemd socket activation: expected 1 socket, got %d", len(listeners))
	}
}
