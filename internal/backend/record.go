// Copyright 2025 The servenix Authors
// SPDX-License-Identifier: MIT

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/servenix/servenix/internal/buildlog"
	"github.com/servenix/servenix/nixstore"
)

// State is the lifecycle state of a build.
type State string

// Build states.
const (
	// StatePending means the build is queued for a worker slot.
	StatePending State = "pending"
	// StateRunning means the nix subprocess is executing.
	StateRunning State = "running"
	// StateSucceeded means the build produced its output path.
	StateSucceeded State = "succeeded"
	// StateFailed means the build errored or was cancelled.
	StateFailed State = "failed"
)

// Terminal reports whether st is a final state.
func (st State) Terminal() bool {
	return st == StateSucceeded || st == StateFailed
}

// ErrUnknownBuild is returned by [Server.Status], [Server.Log],
// and [Server.Cancel] when no build is known for an identifier.
var ErrUnknownBuild = errors.New("unknown build")

// Build is a snapshot of a single build attempt.
type Build struct {
	// Identifier is the deduplication key for the build request
	// (see [Identifier]).
	Identifier string `json:"identifier"`
	// ID uniquely names this attempt.
	// Retrying a failed identifier produces a new ID.
	ID uuid.UUID `json:"id"`

	State State `json:"state"`
	// DrvPath is the derivation being realized,
	// once it has been resolved.
	DrvPath nixstore.Path `json:"drvPath,omitempty"`
	// OutputPath is set once the build has succeeded.
	OutputPath nixstore.Path `json:"outputPath,omitempty"`
	// Error describes the failure for a failed build.
	Error string `json:"error,omitempty"`
	// Cancelled is true for a failed build
	// that was terminated by [Server.Cancel] or server shutdown.
	Cancelled bool `json:"cancelled,omitempty"`

	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt,omitzero"`
	// LogSize is the number of bytes of build output recorded so far.
	LogSize int64 `json:"logSize"`
}

// record is the in-memory state for one build identifier.
// Fields other than id, identifier, log, and done
// are guarded by the server's mu.
type record struct {
	identifier string
	id         uuid.UUID

	state      State
	drvPath    nixstore.Path
	outputPath nixstore.Path
	err        error
	cancelled  bool
	startedAt  time.Time
	endedAt    time.Time
	lastAccess time.Time

	log    *buildlog.Log
	cancel context.CancelFunc
	// done is closed when the record reaches a terminal state.
	done chan struct{}
}

func (rec *record) snapshotLocked() *Build {
	b := &Build{
		Identifier: rec.identifier,
		ID:         rec.id,
		State:      rec.state,
		DrvPath:    rec.drvPath,
		OutputPath: rec.outputPath,
		Cancelled:  rec.cancelled,
		StartedAt:  rec.startedAt,
		EndedAt:    rec.endedAt,
		LogSize:    rec.log.Size(),
	}
	if rec.err != nil {
		b.Error = rec.err.Error()
	}
	return b
}

// encodeLog renders log events as JSON lines for database storage.
func encodeLog(events []buildlog.Event) []byte {
	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			// Event is a plain struct; encoding cannot fail.
			panic(err)
		}
	}
	return buf.Bytes()
}

// decodeLog parses a JSON-lines log blob written by [encodeLog].
func decodeLog(blob []byte) ([]buildlog.Event, error) {
	var events []buildlog.Event
	dec := json.NewDecoder(bytes.NewReader(blob))
	for dec.More() {
		var e buildlog.Event
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("decode build log: %v", err)
		}
		events = append(events, e)
	}
	return events, nil
}
