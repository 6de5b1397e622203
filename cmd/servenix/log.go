// Copyright 2025 The servenix Authors
// SPDX-License-Identifier: MIT

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/servenix/servenix/internal/buildlog"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"zombiezen.com/go/xcontext"
)

func newLogCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "log IDENTIFIER",
		Short:                 "follow the log of a build",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return g.client().followLog(cmd.Context(), args[0], newLogRenderer())
	}
	return c
}

// followLog streams the server-sent event log for identifier,
// replay first and then live events until the build finishes,
// passing each event to render.
func (c *apiClient) followLog(ctx context.Context, identifier string, render func(buildlog.Event)) error {
	u, err := c.expandURL("{+base}/build/{id}/log", map[string]any{"id": identifier})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	// Interrupt a blocked read when the context is cancelled.
	body := xcontext.CloseWhenDone(ctx, resp.Body)
	defer body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("follow log: build %q: %w", identifier, errNotFound)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("follow log: build %q: http %d", identifier, resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			// Event type lines and blank separators.
			continue
		}
		var e buildlog.Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return fmt.Errorf("follow log: decode event: %v", err)
		}
		render(e)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("follow log: %v", err)
	}
	return nil
}

// newLogRenderer returns an event printer for stdout.
// On a terminal, progress events redraw a single line in place;
// otherwise every event is printed as its own line.
func newLogRenderer() func(buildlog.Event) {
	isTTY := term.IsTerminal(int(os.Stdout.Fd()))
	progressShown := false
	clearProgress := func() {
		if progressShown {
			fmt.Print("\r\x1b[K")
			progressShown = false
		}
	}
	return func(e buildlog.Event) {
		if e.Kind == buildlog.KindProgress && isTTY {
			fmt.Printf("\r\x1b[K%s", e.Text)
			progressShown = true
			return
		}
		clearProgress()
		fmt.Println(e.Text)
	}
}
