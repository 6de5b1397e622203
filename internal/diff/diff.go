// Copyright 2025 The servenix Authors
// SPDX-License-Identifier: MIT

// Package diff compares the contents of two store objects.
//
// The comparison is deterministic:
// entries are walked and reported in sorted path order,
// so diffing the same pair of paths always yields the same result,
// and swapping the operands swaps only the added and removed markers.
package diff

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"unicode/utf8"

	"github.com/servenix/servenix/nixstore"
	"zombiezen.com/go/nix"
)

// Change classifies a single diff entry.
type Change string

// Change values.
const (
	// Added means the entry exists only in the right object.
	Added Change = "added"
	// Removed means the entry exists only in the left object.
	Removed Change = "removed"
	// Modified means the entry exists in both objects with different content.
	Modified Change = "modified"
)

// Entry is one differing path between two store objects.
type Entry struct {
	// Path is the entry's path relative to the object root.
	// The object root itself is the empty string.
	Path   string `json:"path"`
	Change Change `json:"change"`
	// Description is a human-readable summary of the difference.
	Description string `json:"description,omitempty"`
}

// Result is the outcome of comparing two store objects.
type Result struct {
	Left  nixstore.Path `json:"left"`
	Right nixstore.Path `json:"right"`
	// Entries is sorted by path.
	// An empty slice means the objects are identical.
	Entries []Entry `json:"entries"`
}

// NotFoundError indicates that a store object named in a diff request
// does not exist.
type NotFoundError struct {
	Path nixstore.Path
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("store object %s does not exist", e.Path)
}

// Diff compares the store objects at left and right.
// If either root does not exist, Diff returns a [*NotFoundError].
func Diff(left, right nixstore.Path) (*Result, error) {
	leftEntries, err := scan(left)
	if err != nil {
		return nil, err
	}
	rightEntries, err := scan(right)
	if err != nil {
		return nil, err
	}

	paths := make(map[string]struct{}, len(leftEntries)+len(rightEntries))
	for p := range leftEntries {
		paths[p] = struct{}{}
	}
	for p := range rightEntries {
		paths[p] = struct{}{}
	}
	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	result := &Result{
		Left:    left,
		Right:   right,
		Entries: []Entry{},
	}
	for _, p := range sorted {
		l, inLeft := leftEntries[p]
		r, inRight := rightEntries[p]
		switch {
		case !inRight:
			result.Entries = append(result.Entries, Entry{
				Path:        p,
				Change:      Removed,
				Description: l.describe(),
			})
		case !inLeft:
			result.Entries = append(result.Entries, Entry{
				Path:        p,
				Change:      Added,
				Description: r.describe(),
			})
		default:
			if desc, same := l.compare(r); !same {
				result.Entries = append(result.Entries, Entry{
					Path:        p,
					Change:      Modified,
					Description: desc,
				})
			}
		}
	}
	return result, nil
}

// entryKind is the file type of a scanned entry.
type entryKind string

const (
	kindRegular   entryKind = "regular file"
	kindDirectory entryKind = "directory"
	kindSymlink   entryKind = "symlink"
)

// fileEntry is the comparable identity of one filesystem entry.
type fileEntry struct {
	kind       entryKind
	size       int64
	executable bool
	digest     string // base-32 SHA-256 of content, for regular files
	text       bool   // content looks like text, for regular files
	target     string // for symlinks
}

// scan collects every entry under root, keyed by relative path.
// The root itself is keyed by the empty string.
func scan(root nixstore.Path) (map[string]fileEntry, error) {
	if _, err := os.Lstat(string(root)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &NotFoundError{Path: root}
		}
		return nil, fmt.Errorf("diff %s: %v", root, err)
	}

	entries := make(map[string]fileEntry)
	err := filepath.WalkDir(string(root), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(string(root), path)
		if err != nil {
			return err
		}
		if rel == "." {
			rel = ""
		}
		e, err := scanEntry(path, d)
		if err != nil {
			return err
		}
		entries[filepath.ToSlash(rel)] = e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("diff %s: %v", root, err)
	}
	return entries, nil
}

func scanEntry(path string, d fs.DirEntry) (fileEntry, error) {
	switch {
	case d.IsDir():
		return fileEntry{kind: kindDirectory}, nil
	case d.Type()&fs.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return fileEntry{}, err
		}
		return fileEntry{kind: kindSymlink, target: target}, nil
	default:
		info, err := d.Info()
		if err != nil {
			return fileEntry{}, err
		}
		e := fileEntry{
			kind:       kindRegular,
			size:       info.Size(),
			executable: info.Mode()&0o111 != 0,
		}
		e.digest, e.text, err = hashFile(path)
		if err != nil {
			return fileEntry{}, err
		}
		return e, nil
	}
}

// hashFile returns the base-32 SHA-256 digest of the file at path
// and whether its leading bytes look like text.
func hashFile(path string) (digest string, text bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", false, err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", false, err
	}
	head = head[:n]

	h := nix.NewHasher(nix.SHA256)
	h.Write(head)
	if _, err := io.Copy(h, f); err != nil {
		return "", false, err
	}
	return h.SumHash().RawBase32(), looksLikeText(head), nil
}

// looksLikeText reports whether data is plausibly UTF-8 text.
func looksLikeText(data []byte) bool {
	for _, b := range data {
		if b == 0 {
			return false
		}
	}
	return utf8.Valid(data)
}

// describe summarizes an entry for an added or removed line.
func (e fileEntry) describe() string {
	switch e.kind {
	case kindSymlink:
		return fmt.Sprintf("symlink to %s", e.target)
	case kindRegular:
		content := "binary"
		if e.text {
			content = "text"
		}
		return fmt.Sprintf("%s file, %d bytes", content, e.size)
	default:
		return string(e.kind)
	}
}

// compare reports how e differs from other.
func (e fileEntry) compare(other fileEntry) (description string, same bool) {
	if e.kind != other.kind {
		return fmt.Sprintf("%s changed to %s", e.kind, other.kind), false
	}
	switch e.kind {
	case kindSymlink:
		if e.target != other.target {
			return fmt.Sprintf("symlink target changed from %s to %s", e.target, other.target), false
		}
	case kindRegular:
		switch {
		case e.digest != other.digest:
			content := "binary"
			if e.text && other.text {
				content = "text"
			}
			if e.size != other.size {
				return fmt.Sprintf("%s content differs (%d bytes to %d bytes)", content, e.size, other.size), false
			}
			return fmt.Sprintf("%s content differs", content), false
		case e.executable != other.executable:
			return "executable bit changed", false
		}
	}
	return "", true
}
