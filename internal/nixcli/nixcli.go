// Copyright 2025 The servenix Authors
// SPDX-License-Identifier: MIT

// Package nixcli invokes the external nix package-manager binaries
// as subprocesses and decodes their output.
//
// The package never assumes exclusive access to the nix store:
// other tools may add or remove store objects at any time,
// so callers must treat every existence check as advisory
// and re-verify at point of use.
package nixcli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/servenix/servenix/nixstore"
	"zombiezen.com/go/log"
)

// Environment variables that configure a [Tool].
const (
	// BinPathEnv names the directory containing the nix binaries.
	BinPathEnv = "NIX_BIN_PATH"
	// RemoteEnv selects a remote build daemon
	// (its value is passed through to the nix binaries).
	RemoteEnv = "NIX_REMOTE"
)

// Tool invokes nix binaries.
// The zero value resolves binaries from PATH
// and uses the default store directory.
type Tool struct {
	// BinDir is the directory containing the nix binaries.
	// If empty, binaries are resolved from PATH.
	BinDir string
	// Remote is passed to subprocesses as NIX_REMOTE.
	// An empty string means local builds;
	// "daemon" delegates to a running nix daemon.
	Remote string
	// StoreDir is the store directory the binaries operate on.
	// If empty, the binaries' default is used.
	StoreDir nixstore.Directory
}

// command returns the path to invoke for the named nix binary.
func (t *Tool) command(name string) string {
	if t.BinDir == "" {
		return name
	}
	return filepath.Join(t.BinDir, name)
}

func (t *Tool) environ() []string {
	env := os.Environ()
	if t.Remote != "" {
		env = append(env, RemoteEnv+"="+t.Remote)
	}
	if t.StoreDir != "" {
		env = append(env, "NIX_STORE_DIR="+string(t.StoreDir))
	}
	return env
}

// stderrTailLines bounds the amount of diagnostic output
// retained for a [BuildError].
const stderrTailLines = 20

// Realize builds the store object for the given derivation,
// streaming the builder's output to logWriter as it is produced.
// On success it returns the first output path the build produced.
// A builder that exits non-zero yields a [*BuildError];
// a binary that cannot be started yields a [*LaunchError].
func (t *Tool) Realize(ctx context.Context, drvPath nixstore.Path, logWriter io.Writer) (nixstore.Path, error) {
	tail := newTailBuffer(stderrTailLines)
	stdout := new(bytes.Buffer)

	c := exec.CommandContext(ctx, t.command("nix-store"), "--realise", string(drvPath))
	c.Env = t.environ()
	c.Stdout = stdout
	c.Stderr = io.MultiWriter(logWriter, tail)
	setCancelFunc(c)

	log.Debugf(ctx, "Running %s --realise %s", c.Path, drvPath)
	if err := c.Run(); err != nil {
		return "", t.commandError(c, err, tail)
	}

	line, _, _ := strings.Cut(strings.TrimSpace(stdout.String()), "\n")
	outPath, err := nixstore.ParsePath(line)
	if err != nil {
		return "", fmt.Errorf("realize %s: unexpected output %q from nix-store", drvPath, line)
	}
	return outPath, nil
}

// Instantiate evaluates a build expression into a derivation
// and returns its store path.
func (t *Tool) Instantiate(ctx context.Context, expr string) (nixstore.Path, error) {
	out, err := t.run(ctx, "nix-instantiate", "--expr", expr)
	if err != nil {
		return "", fmt.Errorf("instantiate: %w", err)
	}
	line, _, _ := strings.Cut(out, "\n")
	drvPath, err := nixstore.ParsePath(line)
	if err != nil {
		return "", fmt.Errorf("instantiate: unexpected output %q from nix-instantiate", line)
	}
	return drvPath, nil
}

// OutputPaths returns the output store paths that realizing drvPath
// would produce, without building anything.
func (t *Tool) OutputPaths(ctx context.Context, drvPath nixstore.Path) ([]nixstore.Path, error) {
	out, err := t.run(ctx, "nix-store", "--query", "--outputs", string(drvPath))
	if err != nil {
		return nil, fmt.Errorf("query outputs of %s: %w", drvPath, err)
	}
	var paths []nixstore.Path
	for line := range strings.Lines(out) {
		p, err := nixstore.ParsePath(strings.TrimSpace(line))
		if err != nil {
			return nil, fmt.Errorf("query outputs of %s: %v", drvPath, err)
		}
		paths = append(paths, p)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("query outputs of %s: no outputs", drvPath)
	}
	return paths, nil
}

// ObjectInfo is the store metadata for a single store object,
// as reported by nix-store queries.
type ObjectInfo struct {
	StorePath  nixstore.Path
	NARHash    string
	NARSize    int64
	References []nixstore.Path
	Deriver    nixstore.Path
}

// QueryInfo collects store metadata for the object at path.
// The registered hash from the store database is cross-checked
// against a fresh nix-hash run:
// some stores carry corrupt or differently-typed hashes,
// so the recomputed value wins on mismatch.
func (t *Tool) QueryInfo(ctx context.Context, path nixstore.Path) (*ObjectInfo, error) {
	info := &ObjectInfo{StorePath: path}
	query := func(option string) (string, error) {
		return t.run(ctx, "nix-store", "--query", option, string(path))
	}

	registeredHash, err := query("--hash")
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", path, err)
	}
	narHash, err := t.HashPath(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", path, err)
	}
	if narHash != registeredHash {
		log.Warnf(ctx, "Store database records hash %s for %s, but nix-hash reports %s; using the latter", registeredHash, path, narHash)
	}
	info.NARHash = narHash

	sizeText, err := query("--size")
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", path, err)
	}
	info.NARSize, err = strconv.ParseInt(sizeText, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("query %s: size: %v", path, err)
	}

	refsText, err := query("--references")
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", path, err)
	}
	for line := range strings.Lines(refsText) {
		ref, err := nixstore.ParsePath(strings.TrimSpace(line))
		if err != nil {
			return nil, fmt.Errorf("query %s: references: %v", path, err)
		}
		info.References = append(info.References, ref)
	}

	deriver, err := query("--deriver")
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", path, err)
	}
	if deriver != "unknown-deriver" {
		if d, err := nixstore.ParsePath(deriver); err == nil {
			info.Deriver = d
		}
	}
	return info, nil
}

// HashPath computes the base-32 SHA-256 hash of the store object at path,
// in the same format nix records in its database.
func (t *Tool) HashPath(ctx context.Context, path nixstore.Path) (string, error) {
	out, err := t.run(ctx, "nix-hash", "--type", "sha256", "--base32", string(path))
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	line, _, _ := strings.Cut(out, "\n")
	return "sha256:" + line, nil
}

// run executes a nix binary and returns its trimmed standard output.
func (t *Tool) run(ctx context.Context, name string, args ...string) (string, error) {
	tail := newTailBuffer(stderrTailLines)
	stdout := new(bytes.Buffer)

	c := exec.CommandContext(ctx, t.command(name), args...)
	c.Env = t.environ()
	c.Stdout = stdout
	c.Stderr = tail
	setCancelFunc(c)

	log.Debugf(ctx, "Running %s %s", c.Path, strings.Join(args, " "))
	if err := c.Run(); err != nil {
		return "", t.commandError(c, err, tail)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (t *Tool) commandError(c *exec.Cmd, err error, tail *tailBuffer) error {
	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		return &BuildError{
			ExitCode:   exitError.ExitCode(),
			StderrTail: tail.String(),
		}
	}
	return &LaunchError{Tool: c.Path, Err: err}
}

// BuildError reports a nix subprocess that ran but exited non-zero.
type BuildError struct {
	ExitCode   int
	StderrTail string
}

func (e *BuildError) Error() string {
	if e.StderrTail == "" {
		return fmt.Sprintf("nix exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("nix exited with code %d: %s", e.ExitCode, e.StderrTail)
}

// LaunchError reports a nix binary that could not be started at all,
// usually because it is missing or not executable.
type LaunchError struct {
	Tool string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Tool, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err indicates a missing binary or file.
func IsNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}

// tailBuffer is an [io.Writer] that retains the last max lines written.
type tailBuffer struct {
	max     int
	lines   []string
	partial []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (tb *tailBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		if b == '\n' {
			tb.appendLine(string(tb.partial))
			tb.partial = tb.partial[:0]
			continue
		}
		tb.partial = append(tb.partial, b)
	}
	return len(p), nil
}

func (tb *tailBuffer) appendLine(line string) {
	tb.lines = append(tb.lines, line)
	if len(tb.lines) > tb.max {
		tb.lines = tb.lines[len(tb.lines)-tb.max:]
	}
}

// String returns the retained tail, including any unterminated line.
func (tb *tailBuffer) String() string {
	lines := tb.lines
	if len(tb.partial) > 0 {
		lines = append(lines[:len(lines):len(lines)], string(tb.partial))
	}
	return strings.Join(lines, "\n")
}
