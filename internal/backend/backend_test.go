// Copyright 2025 The servenix Authors
// SPDX-License-Identifier: MIT

//go:build unix

package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/servenix/servenix/internal/nixcli"
	"github.com/servenix/servenix/internal/testcontext"
	"github.com/servenix/servenix/nixstore"
)

const (
	testDrvName = "ib3sh3pcz10wsmavxvkdbayhqivbghlq-hello-2.12.1.drv"
	testOutName = "s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1"
)

// testStore is a temporary store directory with a fake nix-store binary
// that realizes testDrvName into testOutName.
type testStore struct {
	dir     nixstore.Directory
	drvPath nixstore.Path
	outPath nixstore.Path
	// countFile accumulates one line per nix-store --realise invocation.
	countFile string
}

// newTestStore builds a store directory containing the test derivation
// and a nix-store script whose --realise behavior is given by realise
// (a shell fragment; the output path is in $out and the invocation
// counter has already been appended).
func newTestStore(t *testing.T, realise string) *testStore {
	t.Helper()
	storeDir := filepath.Join(t.TempDir(), "store")
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		t.Fatal(err)
	}
	dir, err := nixstore.CleanDirectory(storeDir)
	if err != nil {
		t.Fatal(err)
	}
	drvPath, err := dir.Object(testDrvName)
	if err != nil {
		t.Fatal(err)
	}
	outPath, err := dir.Object(testOutName)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(string(drvPath), []byte("Derive(...)"), 0o644); err != nil {
		t.Fatal(err)
	}
	ts := &testStore{
		dir:       dir,
		drvPath:   drvPath,
		outPath:   outPath,
		countFile: filepath.Join(t.TempDir(), "realise-count"),
	}
	if err := os.WriteFile(ts.countFile, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	return ts
}

// tool writes the fake nix-store binary and returns a [nixcli.Tool]
// that invokes it.
func (ts *testStore) tool(t *testing.T, realise string) *nixcli.Tool {
	t.Helper()
	binDir := t.TempDir()
	script := `#!/bin/sh
out="` + string(ts.outPath) + `"
case "$1" in
--query)
	echo "$out"
	exit 0
	;;
--realise)
	echo run >> "` + ts.countFile + `"
	` + realise + `
	;;
*)
	echo "unexpected arguments: $*" >&2
	exit 64
	;;
esac
`
	err := os.WriteFile(filepath.Join(binDir, "nix-store"), []byte(script), 0o755)
	if err != nil {
		t.Fatal(err)
	}
	// Expressions all evaluate to the test derivation.
	instantiate := "#!/bin/sh\necho \"" + string(ts.drvPath) + "\"\n"
	err = os.WriteFile(filepath.Join(binDir, "nix-instantiate"), []byte(instantiate), 0o755)
	if err != nil {
		t.Fatal(err)
	}
	return &nixcli.Tool{BinDir: binDir, StoreDir: ts.dir}
}

func (ts *testStore) realiseCount(t *testing.T) int {
	t.Helper()
	data, err := os.ReadFile(ts.countFile)
	if err != nil {
		t.Fatal(err)
	}
	return strings.Count(string(data), "\n")
}

func newTestServer(t *testing.T, ctx context.Context, ts *testStore, tool *nixcli.Tool, opts *Options) *Server {
	t.Helper()
	if opts == nil {
		opts = new(Options)
	}
	opts.Tool = tool
	if opts.BuildContext == nil {
		// Keep the test logger attached to detached build contexts.
		opts.BuildContext = func(context.Context, string) context.Context {
			return context.WithoutCancel(ctx)
		}
	}
	srv := NewServer(ts.dir, filepath.Join(t.TempDir(), "build.db"), opts)
	t.Cleanup(func() {
		if err := srv.Close(); err != nil {
			t.Error("Close:", err)
		}
	})
	return srv
}

func TestStartBuildSingleFlight(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	ts := newTestStore(t, "")
	tool := ts.tool(t, `sleep 0.2
echo "building hello" >&2
mkdir -p "$out"
echo "$out"
exit 0`)
	srv := newTestServer(t, ctx, ts, tool, nil)

	const n = 8
	builds := make([]*Build, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := srv.StartBuild(ctx, string(ts.drvPath))
			if err != nil {
				t.Error("StartBuild:", err)
				return
			}
			builds[i] = b
		}()
	}
	wg.Wait()

	final, err := srv.Wait(ctx, string(ts.drvPath))
	if err != nil {
		t.Fatal("Wait:", err)
	}
	if final.State != StateSucceeded {
		t.Errorf("State = %q (error %q); want %q", final.State, final.Error, StateSucceeded)
	}
	if final.OutputPath != ts.outPath {
		t.Errorf("OutputPath = %q; want %q", final.OutputPath, ts.outPath)
	}
	for i, b := range builds {
		if b != nil && b.ID != final.ID {
			t.Errorf("builds[%d].ID = %v; want %v (exactly one attempt)", i, b.ID, final.ID)
		}
	}
	if got := ts.realiseCount(t); got != 1 {
		t.Errorf("nix-store --realise ran %d times; want 1", got)
	}
}

func TestStartBuildAlreadyBuilt(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	ts := newTestStore(t, "")
	tool := ts.tool(t, `echo "should not run" >&2
exit 1`)
	// The output already exists, so no subprocess should be launched.
	if err := os.MkdirAll(string(ts.outPath), 0o755); err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(t, ctx, ts, tool, nil)

	if _, err := srv.StartBuild(ctx, string(ts.drvPath)); err != nil {
		t.Fatal("StartBuild:", err)
	}
	final, err := srv.Wait(ctx, string(ts.drvPath))
	if err != nil {
		t.Fatal("Wait:", err)
	}
	if final.State != StateSucceeded {
		t.Errorf("State = %q (error %q); want %q", final.State, final.Error, StateSucceeded)
	}
	if got := ts.realiseCount(t); got != 0 {
		t.Errorf("nix-store --realise ran %d times; want 0", got)
	}
}

func TestStartBuildVanishedOutputRebuilds(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	ts := newTestStore(t, "")
	tool := ts.tool(t, `mkdir -p "$out"
echo "$out"
exit 0`)
	srv := newTestServer(t, ctx, ts, tool, nil)

	first, err := srv.StartBuild(ctx, string(ts.drvPath))
	if err != nil {
		t.Fatal("StartBuild #1:", err)
	}
	if _, err := srv.Wait(ctx, string(ts.drvPath)); err != nil {
		t.Fatal("Wait #1:", err)
	}

	// The store is shared: another tool may delete the output
	// out from under the succeeded record.
	if err := os.RemoveAll(string(ts.outPath)); err != nil {
		t.Fatal(err)
	}

	second, err := srv.StartBuild(ctx, string(ts.drvPath))
	if err != nil {
		t.Fatal("StartBuild #2:", err)
	}
	if second.ID == first.ID {
		t.Error("StartBuild after output removal reused the stale record")
	}
	final, err := srv.Wait(ctx, string(ts.drvPath))
	if err != nil {
		t.Fatal("Wait #2:", err)
	}
	if final.State != StateSucceeded {
		t.Errorf("State = %q (error %q); want %q", final.State, final.Error, StateSucceeded)
	}
	if _, err := os.Lstat(string(ts.outPath)); err != nil {
		t.Errorf("output was not rebuilt: %v", err)
	}
	if got := ts.realiseCount(t); got != 2 {
		t.Errorf("nix-store --realise ran %d times; want 2", got)
	}
}

func TestStartBuildFailureThenRetry(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	ts := newTestStore(t, "")
	// Fail on the first invocation, succeed afterward.
	tool := ts.tool(t, `if [ "$(wc -l < "`+ts.countFile+`")" -le 1 ]; then
	echo "hash mismatch in fixed-output derivation" >&2
	exit 102
fi
mkdir -p "$out"
echo "$out"
exit 0`)
	srv := newTestServer(t, ctx, ts, tool, nil)

	if _, err := srv.StartBuild(ctx, string(ts.drvPath)); err != nil {
		t.Fatal("StartBuild #1:", err)
	}
	first, err := srv.Wait(ctx, string(ts.drvPath))
	if err != nil {
		t.Fatal("Wait #1:", err)
	}
	if first.State != StateFailed {
		t.Fatalf("first build State = %q; want %q", first.State, StateFailed)
	}
	if want := "hash mismatch"; !strings.Contains(first.Error, want) {
		t.Errorf("first build Error = %q; want substring %q", first.Error, want)
	}
	if first.Cancelled {
		t.Error("first build Cancelled = true; want false")
	}

	// A failed record is replaced by a fresh attempt.
	second, err := srv.StartBuild(ctx, string(ts.drvPath))
	if err != nil {
		t.Fatal("StartBuild #2:", err)
	}
	if second.ID == first.ID {
		t.Error("retry reused the failed attempt ID")
	}
	final, err := srv.Wait(ctx, string(ts.drvPath))
	if err != nil {
		t.Fatal("Wait #2:", err)
	}
	if final.State != StateSucceeded {
		t.Errorf("second build State = %q (error %q); want %q", final.State, final.Error, StateSucceeded)
	}
	if got := ts.realiseCount(t); got != 2 {
		t.Errorf("nix-store --realise ran %d times; want 2", got)
	}
}

func TestCancel(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	ts := newTestStore(t, "")
	tool := ts.tool(t, `echo "building slowly" >&2
sleep 30
mkdir -p "$out"
echo "$out"
exit 0`)
	srv := newTestServer(t, ctx, ts, tool, nil)

	if _, err := srv.StartBuild(ctx, string(ts.drvPath)); err != nil {
		t.Fatal("StartBuild:", err)
	}
	// Give the subprocess a moment to start before cancelling.
	waitForState(t, ctx, srv, string(ts.drvPath), StateRunning)
	if err := srv.Cancel(ctx, string(ts.drvPath)); err != nil {
		t.Fatal("Cancel:", err)
	}
	final, err := srv.Wait(ctx, string(ts.drvPath))
	if err != nil {
		t.Fatal("Wait:", err)
	}
	if final.State != StateFailed {
		t.Errorf("State = %q; want %q", final.State, StateFailed)
	}
	if !final.Cancelled {
		t.Error("Cancelled = false; want true")
	}
}

func TestCancelUnknown(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	ts := newTestStore(t, "")
	srv := newTestServer(t, ctx, ts, ts.tool(t, "exit 1"), nil)
	err := srv.Cancel(ctx, "bogus")
	if !errors.Is(err, ErrUnknownBuild) {
		t.Errorf("Cancel(ctx, \"bogus\") = %v; want ErrUnknownBuild", err)
	}
}

func TestStatusUnknown(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	ts := newTestStore(t, "")
	srv := newTestServer(t, ctx, ts, ts.tool(t, "exit 1"), nil)
	_, err := srv.Status(ctx, "bogus")
	if !errors.Is(err, ErrUnknownBuild) {
		t.Errorf("Status(ctx, \"bogus\") = _, %v; want ErrUnknownBuild", err)
	}
}

func TestLogReplay(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	ts := newTestStore(t, "")
	tool := ts.tool(t, `echo "unpacking sources" >&2
echo "building hello" >&2
mkdir -p "$out"
echo "$out"
exit 0`)
	srv := newTestServer(t, ctx, ts, tool, nil)

	if _, err := srv.StartBuild(ctx, string(ts.drvPath)); err != nil {
		t.Fatal("StartBuild:", err)
	}
	if _, err := srv.Wait(ctx, string(ts.drvPath)); err != nil {
		t.Fatal("Wait:", err)
	}

	_, live, err := srv.Log(ctx, string(ts.drvPath))
	if err != nil {
		t.Fatal("Log:", err)
	}
	var lines []string
	for {
		e, err := live.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal("Next:", err)
		}
		lines = append(lines, e.Text)
	}
	want := []string{"unpacking sources", "building hello"}
	if len(lines) != len(want) || lines[0] != want[0] || lines[1] != want[1] {
		t.Errorf("log lines = %q; want %q", lines, want)
	}
}

func TestEviction(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	ts := newTestStore(t, "")
	tool := ts.tool(t, `mkdir -p "$out"
echo "$out"
exit 0`)
	srv := newTestServer(t, ctx, ts, tool, &Options{RecordCap: 1})

	// Finish a build, then start builds for two more identifiers
	// (expressions, so the fake store resolves them to the same output).
	if _, err := srv.StartBuild(ctx, string(ts.drvPath)); err != nil {
		t.Fatal("StartBuild:", err)
	}
	if _, err := srv.Wait(ctx, string(ts.drvPath)); err != nil {
		t.Fatal("Wait:", err)
	}

	for i := range 3 {
		spec := fmt.Sprintf("derivation { name = %q; }", fmt.Sprintf("pkg-%d", i))
		if _, err := srv.StartBuild(ctx, spec); err != nil {
			t.Fatal("StartBuild:", err)
		}
		if _, err := srv.Wait(ctx, Identifier(ts.dir, spec)); err != nil {
			t.Fatal("Wait:", err)
		}
	}

	srv.mu.Lock()
	finished := 0
	for _, rec := range srv.records {
		if rec.state.Terminal() {
			finished++
		}
	}
	srv.mu.Unlock()
	if finished > 2 {
		t.Errorf("%d finished records in memory; want at most 2 with RecordCap = 1", finished)
	}

	// Evicted builds are still visible through the database.
	b, err := srv.Status(ctx, string(ts.drvPath))
	if err != nil {
		t.Fatal("Status after eviction:", err)
	}
	if b.State != StateSucceeded {
		t.Errorf("State = %q; want %q", b.State, StateSucceeded)
	}
}

func waitForState(t *testing.T, ctx context.Context, srv *Server, identifier string, want State) {
	t.Helper()
	for {
		b, err := srv.Status(ctx, identifier)
		if err != nil {
			t.Fatal("Status:", err)
		}
		if b.State == want || b.State.Terminal() {
			return
		}
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			t.Fatal("timed out waiting for state", want)
		}
	}
}
