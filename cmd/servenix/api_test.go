// Copyright 2025 The servenix Authors
// SPDX-License-Identifier: MIT

//go:build unix

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/servenix/servenix/internal/backend"
	"github.com/servenix/servenix/internal/nixcli"
	"github.com/servenix/servenix/internal/testcontext"
	"github.com/servenix/servenix/nixstore"
)

const (
	testDrvName = "ib3sh3pcz10wsmavxvkdbayhqivbghlq-hello-2.12.1.drv"
	testOutName = "s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1"
)

type testAPI struct {
	handler http.Handler
	dir     nixstore.Directory
	drvPath nixstore.Path
	outPath nixstore.Path
}

// newTestAPI builds an API server over a temporary store
// with a fake nix-store binary that realizes the test derivation.
func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	ctx, cancel := testcontext.New(t)
	t.Cleanup(cancel)

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

	binDir := t.TempDir()
	script := `#!/bin/sh
out="` + string(outPath) + `"
case "$1" in
--query)
	echo "$out"
	;;
--realise)
	echo "building hello" >&2
	mkdir -p "$out"
	echo "hello" > "$out/hello.txt"
	echo "$out"
	;;
esac
`
	err = os.WriteFile(filepath.Join(binDir, "nix-store"), []byte(script), 0o755)
	if err != nil {
		t.Fatal(err)
	}

	srv := backend.NewServer(dir, filepath.Join(t.TempDir(), "build.db"), &backend.Options{
		Tool: &nixcli.Tool{BinDir: binDir, StoreDir: dir},
		BuildContext: func(context.Context, string) context.Context {
			return context.WithoutCancel(ctx)
		},
	})
	t.Cleanup(func() {
		if err := srv.Close(); err != nil {
			t.Error("Close:", err)
		}
	})

	return &testAPI{
		handler: newAPIServer(srv),
		dir:     dir,
		drvPath: drvPath,
		outPath: outPath,
	}
}

func (api *testAPI) do(t *testing.T, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	return rec
}

// waitForTerminal polls the status endpoint until the build finishes.
func (api *testAPI) waitForTerminal(t *testing.T, identifier string) *backend.Build {
	t.Helper()
	target := "/build/" + url.PathEscape(identifier) + "/status"
	deadline := time.Now().Add(10 * time.Second)
	for {
		rec := api.do(t, http.MethodGet, target, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s = %d; want 200", target, rec.Code)
		}
		b := new(backend.Build)
		if err := json.Unmarshal(rec.Body.Bytes(), b); err != nil {
			t.Fatal("decode status:", err)
		}
		if b.State.Terminal() {
			return b
		}
		if time.Now().After(deadline) {
			t.Fatalf("build %s did not finish (state %q)", identifier, b.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAPIBuild(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/build", `{"spec": "`+string(api.drvPath)+`"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /build = %d; want 202; body: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Identifier string         `json:"identifier"`
		Build      *backend.Build `json:"build"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal("decode response:", err)
	}
	if resp.Identifier != string(api.drvPath) {
		t.Errorf("identifier = %q; want %q", resp.Identifier, api.drvPath)
	}

	final := api.waitForTerminal(t, resp.Identifier)
	if final.State != backend.StateSucceeded {
		t.Errorf("State = %q (error %q); want %q", final.State, final.Error, backend.StateSucceeded)
	}
	if final.OutputPath != api.outPath {
		t.Errorf("OutputPath = %q; want %q", final.OutputPath, api.outPath)
	}
}

func TestAPIBuildEmptySpec(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodPost, "/build", `{"spec": ""}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("POST /build with empty spec = %d; want 400", rec.Code)
	}
}

func TestAPIStatusUnknown(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/build/bogus/status", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /build/bogus/status = %d; want 404", rec.Code)
	}
}

func TestAPILog(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/build", `{"spec": "`+string(api.drvPath)+`"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /build = %d; want 202", rec.Code)
	}
	api.waitForTerminal(t, string(api.drvPath))

	logTarget := "/build/" + url.PathEscape(string(api.drvPath)) + "/log"
	rec = api.do(t, http.MethodGet, logTarget, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET %s = %d; want 200", logTarget, rec.Code)
	}
	if got, want := rec.Header().Get("Content-Type"), "text/event-stream"; got != want {
		t.Errorf("Content-Type = %q; want %q", got, want)
	}
	if !strings.Contains(rec.Body.String(), `"building hello"`) {
		t.Errorf("log stream missing build output:\n%s", rec.Body)
	}
}

func TestAPICancelUnknown(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodPost, "/build/bogus/cancel", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("POST /build/bogus/cancel = %d; want 404", rec.Code)
	}
}

func TestAPIDiff(t *testing.T) {
	api := newTestAPI(t)

	leftPath, err := api.dir.Object("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-left-1.0")
	if err != nil {
		t.Fatal(err)
	}
	rightPath, err := api.dir.Object("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb-right-1.0")
	if err != nil {
		t.Fatal(err)
	}
	for path, content := range map[nixstore.Path]string{
		leftPath:  "old\n",
		rightPath: "new\n",
	} {
		if err := os.MkdirAll(string(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(string(path), "data"), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	body := `{"left": "` + string(leftPath) + `", "right": "` + string(rightPath) + `"}`
	rec := api.do(t, http.MethodPost, "/diff", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /diff = %d; want 200; body: %s", rec.Code, rec.Body)
	}
	var result struct {
		Entries []struct {
			Path   string `json:"path"`
			Change string `json:"change"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal("decode response:", err)
	}
	if len(result.Entries) != 1 || result.Entries[0].Path != "data" || result.Entries[0].Change != "modified" {
		t.Errorf("entries = %+v; want single modified entry for \"data\"", result.Entries)
	}
}

func TestAPIDiffMissingPath(t *testing.T) {
	api := newTestAPI(t)
	missing, err := api.dir.Object("cccccccccccccccccccccccccccccccc-missing-1.0")
	if err != nil {
		t.Fatal(err)
	}
	body := `{"left": "` + string(missing) + `", "right": "` + string(missing) + `"}`
	rec := api.do(t, http.MethodPost, "/diff", body)
	if rec.Code != http.StatusNotFound {
		t.Errorf("POST /diff with missing path = %d; want 404", rec.Code)
	}
}

func TestAPIGetMissingPaths(t *testing.T) {
	api := newTestAPI(t)

	// The derivation file exists in the test store; the output does not.
	body := `["` + string(api.drvPath) + `", "` + string(api.outPath) + `", "/not/a/store/path"]`
	rec := api.do(t, http.MethodPost, "/get-missing-paths", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /get-missing-paths = %d; want 200; body: %s", rec.Code, rec.Body)
	}
	var missing []string
	if err := json.Unmarshal(rec.Body.Bytes(), &missing); err != nil {
		t.Fatal("decode response:", err)
	}
	want := []string{string(api.outPath), "/not/a/store/path"}
	if len(missing) != len(want) || missing[0] != want[0] || missing[1] != want[1] {
		t.Errorf("missing = %q; want %q", missing, want)
	}
}

func TestAPIGetMissingPathsNotAList(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodPost, "/get-missing-paths", `{"path": "x"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("POST /get-missing-paths with an object = %d; want 400", rec.Code)
	}
}

func TestAPICacheInfo(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/nix-cache-info", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /nix-cache-info = %d; want 200", rec.Code)
	}
	if want := "StoreDir: " + string(api.dir); !strings.Contains(rec.Body.String(), want) {
		t.Errorf("cache info %q missing %q", rec.Body.String(), want)
	}
}

func TestAPINARInfoNotFound(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/cccccccccccccccccccccccccccccccc.narinfo", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET missing narinfo = %d; want 404", rec.Code)
	}
}
