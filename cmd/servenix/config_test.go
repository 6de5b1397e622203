// Copyright 2025 The servenix Authors
// SPDX-License-Identifier: MIT

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/servenix/servenix/nixstore"
)

func TestDefaultGlobalConfig(t *testing.T) {
	got := defaultGlobalConfig()
	if got.StoreDirectory == "" {
		t.Errorf("defaultGlobalConfig().StoreDirectory is empty")
	}
	if got.ServerURL == "" {
		t.Errorf("defaultGlobalConfig().ServerURL is empty")
	}
}

func TestGlobalConfigMergeFiles(t *testing.T) {
	dir := t.TempDir()
	var paths [3]string
	paths[0] = filepath.Join(dir, "config1.jwcc")
	if err := os.WriteFile(paths[0], []byte(`{"debug": true, "storeDirectory": "/foo"}`+"\n"), 0o666); err != nil {
		t.Fatal(err)
	}
	paths[1] = filepath.Join(dir, "config2.jwcc")
	if err := os.WriteFile(paths[1], []byte(`{
	// Comments and trailing commas are permitted.
	"storeDirectory": "/bar",
}`+"\n"), 0o666); err != nil {
		t.Fatal(err)
	}
	// Missing files are skipped.
	paths[2] = filepath.Join(dir, "does-not-exist.jwcc")

	g := new(globalConfig)
	err := g.mergeFiles(func(yield func(string) bool) {
		for _, path := range paths {
			if !yield(path) {
				return
			}
		}
	})
	if err != nil {
		t.Error("mergeFiles:", err)
	}
	if !g.Debug {
		t.Error("g.Debug = false; want true (config1.jwcc ignored)")
	}
	if got, want := g.StoreDirectory, nixstore.Directory("/bar"); got != want {
		t.Errorf("g.StoreDirectory = %q; want %q", got, want)
	}
}
