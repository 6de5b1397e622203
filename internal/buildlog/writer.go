// Copyright 2025 The servenix Authors
// SPDX-License-Identifier: MIT

package buildlog

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	// counterPattern matches nix-style step counters like "[2/7 built]".
	counterPattern = regexp.MustCompile(`\[(\d+)/(\d+) (?:built|copied|fetched)`)
	// percentPattern matches progress-meter output like " 42% " or "42%,".
	percentPattern = regexp.MustCompile(`(?:^|\s)(\d{1,3})%`)
)

// Writer is an [io.Writer] that decodes a subprocess's combined output
// into [Log] events.
// Output is split into lines on '\n' or '\r'
// (progress meters redraw with carriage returns);
// lines matching a progress marker become [KindProgress] events,
// all others become [KindLine] events.
// Writer is not safe for concurrent use;
// callers should give the subprocess a single Writer
// for both of its output streams.
type Writer struct {
	log     *Log
	partial []byte
}

// NewWriter returns a [Writer] appending to log.
func NewWriter(log *Log) *Writer {
	return &Writer{log: log}
}

// Write implements [io.Writer].
// Write never returns an error.
func (w *Writer) Write(p []byte) (n int, err error) {
	for _, b := range p {
		if b == '\n' || b == '\r' {
			w.flushLine()
			continue
		}
		w.partial = append(w.partial, b)
	}
	return len(p), nil
}

// Flush appends any buffered partial line as a final event.
// It should be called after the subprocess has exited.
func (w *Writer) Flush() {
	if len(w.partial) > 0 {
		w.flushLine()
	}
}

func (w *Writer) flushLine() {
	line := string(w.partial)
	w.partial = w.partial[:0]
	if strings.TrimSpace(line) == "" {
		return
	}
	w.log.Append(parseLine(line))
}

// parseLine classifies a single line of build output.
func parseLine(line string) Event {
	e := Event{Kind: KindLine, Text: line}
	if m := counterPattern.FindStringSubmatch(line); m != nil {
		done, err1 := strconv.ParseInt(m[1], 10, 64)
		total, err2 := strconv.ParseInt(m[2], 10, 64)
		if err1 == nil && err2 == nil && total > 0 {
			e.Kind = KindProgress
			e.Done = done
			e.Total = total
			e.Percent = int(done * 100 / total)
			return e
		}
	}
	if m := percentPattern.FindStringSubmatch(line); m != nil {
		percent, err := strconv.Atoi(m[1])
		if err == nil && percent <= 100 {
			e.Kind = KindProgress
			e.Percent = percent
			return e
		}
	}
	return e
}
