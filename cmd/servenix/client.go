// Copyright 2025 The servenix Authors
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/servenix/servenix/internal/backend"
	"github.com/spf13/cobra"
	"zombiezen.com/go/uritemplate"
)

// errNotFound is returned by client calls when the server responds 404.
var errNotFound = errors.New("not found")

// apiClient talks to a running servenix server.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

func (g *globalConfig) client() *apiClient {
	return &apiClient{
		baseURL:    strings.TrimSuffix(g.ServerURL, "/"),
		httpClient: http.DefaultClient,
	}
}

// expandURL builds a request URL from a URI template,
// always providing the server base as the "base" variable.
func (c *apiClient) expandURL(template string, vars map[string]any) (string, error) {
	if vars == nil {
		vars = make(map[string]any)
	}
	vars["base"] = c.baseURL
	return uritemplate.Expand(template, vars)
}

// doJSON performs a request with an optional JSON body
// and decodes the JSON response into respBody if it is non-nil.
// A 404 response yields an error wrapping [errNotFound].
func (c *apiClient) doJSON(ctx context.Context, method, url string, reqBody, respBody any) error {
	var bodyReader io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, url, errNotFound)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: http %d: %s", method, url, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if respBody == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("%s %s: decode response: %v", method, url, err)
	}
	return nil
}

func (c *apiClient) startBuild(ctx context.Context, spec string) (*backend.Build, error) {
	u, err := c.expandURL("{+base}/build", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Identifier string         `json:"identifier"`
		Build      *backend.Build `json:"build"`
	}
	req := struct {
		Spec string `json:"spec"`
	}{Spec: spec}
	if err := c.doJSON(ctx, http.MethodPost, u, req, &resp); err != nil {
		return nil, fmt.Errorf("start build: %w", err)
	}
	return resp.Build, nil
}

func (c *apiClient) status(ctx context.Context, identifier string) (*backend.Build, error) {
	u, err := c.expandURL("{+base}/build/{id}/status", map[string]any{"id": identifier})
	if err != nil {
		return nil, err
	}
	b := new(backend.Build)
	if err := c.doJSON(ctx, http.MethodGet, u, nil, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (c *apiClient) cancel(ctx context.Context, identifier string) error {
	u, err := c.expandURL("{+base}/build/{id}/cancel", map[string]any{"id": identifier})
	if err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodPost, u, nil, nil)
}

type buildCmdOptions struct {
	spec   string
	follow bool
}

func newBuildCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "build [options] SPEC",
		Short:                 "request a build of a derivation or expression",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(buildCmdOptions)
	c.Flags().BoolVar(&opts.follow, "follow", true, "stream the build log and wait for completion")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.spec = args[0]
		return runBuild(cmd.Context(), g, opts)
	}
	return c
}

func runBuild(ctx context.Context, g *globalConfig, opts *buildCmdOptions) error {
	client := g.client()
	b, err := client.startBuild(ctx, opts.spec)
	if err != nil {
		return err
	}
	fmt.Println(b.Identifier)
	if !opts.follow {
		return nil
	}

	if err := client.followLog(ctx, b.Identifier, newLogRenderer()); err != nil {
		return err
	}
	final, err := waitForFinish(ctx, client, b.Identifier)
	if err != nil {
		return err
	}
	if final.State != backend.StateSucceeded {
		if final.Cancelled {
			return fmt.Errorf("build %s was cancelled", final.Identifier)
		}
		return fmt.Errorf("build %s failed: %s", final.Identifier, final.Error)
	}
	fmt.Println(final.OutputPath)
	return nil
}

// waitForFinish polls the server until the build reaches a terminal state.
// The log stream usually ends at the same moment the build does,
// so the first poll almost always suffices.
func waitForFinish(ctx context.Context, client *apiClient, identifier string) (*backend.Build, error) {
	for {
		b, err := client.status(ctx, identifier)
		if err != nil {
			return nil, err
		}
		if b.State.Terminal() {
			return b, nil
		}
		t := time.NewTimer(500 * time.Millisecond)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
}

func newStatusCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "status IDENTIFIER",
		Short:                 "show the status of a build",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		b, err := g.client().status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(b, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}
	return c
}

func newCancelCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "cancel IDENTIFIER",
		Short:                 "cancel a running build",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return g.client().cancel(cmd.Context(), args[0])
	}
	return c
}

func newDiffCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "diff LEFT RIGHT",
		Short:                 "compare the contents of two store paths",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(2),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runDiff(cmd.Context(), g, args[0], args[1])
	}
	return c
}

func runDiff(ctx context.Context, g *globalConfig, left, right string) error {
	client := g.client()
	u, err := client.expandURL("{+base}/diff", nil)
	if err != nil {
		return err
	}
	req := struct {
		Left  string `json:"left"`
		Right string `json:"right"`
	}{Left: left, Right: right}
	var result struct {
		Entries []struct {
			Path        string `json:"path"`
			Change      string `json:"change"`
			Description string `json:"description"`
		} `json:"entries"`
	}
	if err := client.doJSON(ctx, http.MethodPost, u, req, &result); err != nil {
		return fmt.Errorf("diff: %w", err)
	}
	for _, e := range result.Entries {
		marker := "~"
		switch e.Change {
		case "added":
			marker = "+"
		case "removed":
			marker = "-"
		}
		if e.Description != "" {
			fmt.Printf("%s %s (%s)\n", marker, e.Path, e.Description)
		} else {
			fmt.Printf("%s %s\n", marker, e.Path)
		}
	}
	return nil
}
