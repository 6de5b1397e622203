// Copyright 2025 The servenix Authors
// SPDX-License-Identifier: MIT

// Package buildlog provides an ordered, replayable event log
// for the output of a single build subprocess.
//
// A [Log] is an append-only sequence of events.
// Any number of subscribers may read the log concurrently:
// each subscriber receives the full history recorded so far
// followed by live events, in the original append order.
package buildlog

import (
	"context"
	"io"
	"slices"
	"sync"
)

// Kind identifies the type of an [Event].
type Kind string

// Defined event kinds.
const (
	// KindLine is an opaque line of build output.
	KindLine Kind = "log"
	// KindProgress is a structured progress marker
	// decoded from the build output.
	KindProgress Kind = "progress"
)

// Event is a single element of a [Log].
type Event struct {
	Kind Kind `json:"kind"`
	// Text is the raw line of output, without its line terminator.
	Text string `json:"text"`
	// Percent is the completion percentage for a progress event.
	Percent int `json:"percent,omitempty"`
	// Done and Total are the step counters for a progress event
	// ("[done/total built]" style markers).
	// Both are zero if the marker did not carry counters.
	Done  int64 `json:"done,omitempty"`
	Total int64 `json:"total,omitempty"`
}

// Log is an append-only event log with multi-subscriber fan-out.
// The zero value is an empty, open log.
type Log struct {
	mu     sync.Mutex
	events []Event
	size   int64
	closed bool
	wait   chan struct{} // non-nil while open; closed and replaced on every append
}

// New returns a new empty log.
func New() *Log {
	return new(Log)
}

// Append adds an event to the end of the log
// and wakes any blocked subscribers.
// Append panics if the log has been closed.
func (l *Log) Append(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		panic("buildlog: Append after Close")
	}
	l.events = append(l.events, e)
	l.size += int64(len(e.Text)) + 1
	l.broadcastLocked()
}

// Close marks the end of the log.
// Subscribers that drain the log after Close receive [io.EOF].
// Close is idempotent.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.broadcastLocked()
}

func (l *Log) broadcastLocked() {
	if l.wait != nil {
		close(l.wait)
		l.wait = nil
	}
}

// Size returns the total number of bytes of raw output recorded,
// counting one byte of line terminator per event.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Events returns a snapshot of all events recorded so far.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.events)
}

// next returns the event at position pos,
// blocking until it exists or the log is closed or ctx is done.
func (l *Log) next(ctx context.Context, pos int) (Event, error) {
	for {
		l.mu.Lock()
		if pos < len(l.events) {
			e := l.events[pos]
			l.mu.Unlock()
			return e, nil
		}
		if l.closed {
			l.mu.Unlock()
			return Event{}, io.EOF
		}
		if l.wait == nil {
			l.wait = make(chan struct{})
		}
		wait := l.wait
		l.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Subscribe returns a new subscriber positioned at the start of the log.
// Subscribers are independent: each observes the full event history.
// A subscriber must not be used from multiple goroutines concurrently.
func (l *Log) Subscribe() *Subscriber {
	return &Subscriber{log: l}
}

// Subscriber is a cursor over a [Log].
type Subscriber struct {
	log *Log
	pos int
}

// Next returns the next event in the log,
// blocking until one is available.
// It returns [io.EOF] once the log has been closed and fully drained,
// or ctx.Err() if ctx is done first.
func (s *Subscriber) Next(ctx context.Context) (Event, error) {
	e, err := s.log.next(ctx, s.pos)
	if err != nil {
		return Event{}, err
	}
	s.pos++
	return e, nil
}
