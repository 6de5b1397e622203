// Copyright 2025 The servenix Authors
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/servenix/servenix/internal/nixcli"
	"github.com/servenix/servenix/nixstore"
	"github.com/tailscale/hujson"
	"go4.org/xdgdir"
)

// globalConfig is the configuration shared by every subcommand.
// It is merged, in increasing order of precedence, from
// built-in defaults, configuration files, the environment, and flags.
type globalConfig struct {
	Debug           bool               `json:"debug"`
	StoreDirectory  nixstore.Directory `json:"storeDirectory"`
	NixBinDirectory string             `json:"nixBinDirectory"`
	NixRemote       string             `json:"nixRemote"`
	ServerURL       string             `json:"serverURL"`
}

func defaultGlobalConfig() *globalConfig {
	return &globalConfig{
		StoreDirectory: nixstore.DefaultDirectory,
		ServerURL:      "http://localhost:5000",
	}
}

// tool returns the nix invoker described by the configuration.
func (g *globalConfig) tool() *nixcli.Tool {
	return &nixcli.Tool{
		BinDir:   g.NixBinDirectory,
		Remote:   g.NixRemote,
		StoreDir: g.StoreDirectory,
	}
}

func (g *globalConfig) mergeEnvironment() error {
	if dir := os.Getenv("NIX_STORE_DIR"); dir != "" {
		storeDir, err := nixstore.CleanDirectory(dir)
		if err != nil {
			return err
		}
		g.StoreDirectory = storeDir
	}
	if binDir := os.Getenv(nixcli.BinPathEnv); binDir != "" {
		g.NixBinDirectory = binDir
	}
	if remote := os.Getenv(nixcli.RemoteEnv); remote != "" {
		g.NixRemote = remote
	}
	if u := os.Getenv("SERVENIX_URL"); u != "" {
		g.ServerURL = u
	}
	return nil
}

func (g *globalConfig) mergeFiles(paths iter.Seq[string]) error {
	for path := range paths {
		huJSONData, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		jsonData, err := hujson.Standardize(huJSONData)
		if err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
		if err := jsonv2.Unmarshal(jsonData, g, jsonv2.RejectUnknownMembers(false)); err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
	}
	return nil
}

// UnmarshalJSONFrom unmarshals the configuration object from the JSON decoder,
// merging any fields in the JSON object with existing values.
func (g *globalConfig) UnmarshalJSONFrom(in *jsontext.Decoder) error {
	tok, err := in.ReadToken()
	if err != nil {
		return err
	}
	if got := tok.Kind(); got != '{' {
		return fmt.Errorf("config must be an object not a %v", got)
	}

	for {
		keyToken, err := in.ReadToken()
		if err != nil {
			return err
		}
		switch kind := keyToken.Kind(); kind {
		case '}':
			return nil
		case '"':
			// Keep going.
		default:
			return fmt.Errorf("unexpected non-string key (%v) in object", kind)
		}

		switch k := keyToken.String(); k {
		case "debug":
			if err := jsonv2.UnmarshalDecode(in, &g.Debug); err != nil {
				return fmt.Errorf("unmarshal config.debug: %w", err)
			}
		case "storeDirectory":
			var dir string
			if err := jsonv2.UnmarshalDecode(in, &dir); err != nil {
				return fmt.Errorf("unmarshal config.storeDirectory: %w", err)
			}
			storeDir, err := nixstore.CleanDirectory(dir)
			if err != nil {
				return fmt.Errorf("unmarshal config.storeDirectory: %v", err)
			}
			g.StoreDirectory = storeDir
		case "nixBinDirectory":
			if err := jsonv2.UnmarshalDecode(in, &g.NixBinDirectory); err != nil {
				return fmt.Errorf("unmarshal config.nixBinDirectory: %w", err)
			}
		case "nixRemote":
			if err := jsonv2.UnmarshalDecode(in, &g.NixRemote); err != nil {
				return fmt.Errorf("unmarshal config.nixRemote: %w", err)
			}
		case "serverURL":
			if err := jsonv2.UnmarshalDecode(in, &g.ServerURL); err != nil {
				return fmt.Errorf("unmarshal config.serverURL: %w", err)
			}
		default:
			// Ignore unknown keys for forward compatibility.
			if err := in.SkipValue(); err != nil {
				return err
			}
		}
	}
}

// configFilePaths yields candidate configuration files
// in decreasing order of precedence of the directories that hold them.
// Later files win during merging,
// so the sequence is reversed from the XDG search order.
func configFilePaths() iter.Seq[string] {
	return func(yield func(string) bool) {
		paths := xdgdir.Config.SearchPaths()
		for i := len(paths) - 1; i >= 0; i-- {
			if !yield(filepath.Join(paths[i], "servenix", "config.json")) {
				return
			}
		}
	}
}

// defaultVarDir returns "/nix/var/servenix" when the default store is in use.
func defaultVarDir() string {
	return filepath.Join(filepath.Dir(string(nixstore.DefaultDirectory)), "var", "servenix")
}

// storeDirectoryFlag implements [github.com/spf13/pflag.Value]
// for a [nixstore.Directory].
type storeDirectoryFlag nixstore.Directory

func (f *storeDirectoryFlag) Type() string  { return "string" }
func (f storeDirectoryFlag) String() string { return string(f) }
func (f storeDirectoryFlag) Get() any       { return nixstore.Directory(f) }

func (f *storeDirectoryFlag) Set(s string) error {
	dir, err := nixstore.CleanDirectory(s)
	if err != nil {
		return err
	}
	*f = storeDirectoryFlag(dir)
	return nil
}
