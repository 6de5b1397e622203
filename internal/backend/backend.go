// Copyright 2025 The servenix Authors
// SPDX-License-Identifier: MIT

// Package backend runs and deduplicates nix builds.
//
// A [Server] holds at most one record per build identifier:
// concurrent requests for the same derivation
// attach to the in-flight build instead of starting another subprocess.
// Finished builds are persisted to a sqlite history database
// and their in-memory records are evicted least-recently-used.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/servenix/servenix/internal/buildlog"
	"github.com/servenix/servenix/internal/nixcli"
	"github.com/servenix/servenix/nixstore"
	"golang.org/x/sync/semaphore"
	"zombiezen.com/go/batchio"
	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"
	"zombiezen.com/go/nix/nar"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
)

// Defaults for [Options].
const (
	DefaultMaxConcurrentBuilds = 4
	DefaultRecordCap           = 128
)

// Options is the set of optional parameters to [NewServer].
type Options struct {
	// Tool invokes the nix binaries.
	// If nil, a zero [nixcli.Tool] is used.
	Tool *nixcli.Tool

	// MaxConcurrentBuilds bounds the number of simultaneous nix subprocesses.
	// If non-positive, [DefaultMaxConcurrentBuilds] is used.
	MaxConcurrentBuilds int

	// RecordCap bounds the number of finished build records kept in memory.
	// Records for running builds do not count against the cap
	// and are never evicted.
	// If non-positive, [DefaultRecordCap] is used.
	RecordCap int

	// BuildContext optionally specifies a function that detaches the context
	// for a build, so that builds outlive the request that started them.
	// If BuildContext is nil, the default is [context.Background].
	BuildContext func(parent context.Context, identifier string) context.Context

	// BuildRetention is the length of time to retain finished builds
	// in the history database.
	// If non-positive, then build history will not be automatically deleted.
	BuildRetention time.Duration
}

// Server runs builds against a nix store.
// Callers are responsible for calling [Server.Close] on a server
// obtained from [NewServer].
type Server struct {
	dir          nixstore.Directory
	tool         *nixcli.Tool
	db           *sqlitemigration.Pool
	buildContext func(context.Context, string) context.Context
	buildSem     *semaphore.Weighted
	recordCap    int

	cancelGCBuilds context.CancelFunc
	gcBuildsDone   <-chan struct{}

	checking pathLocker // store paths being checked then used

	buildWaitGroup sync.WaitGroup

	mu       sync.Mutex
	records  map[string]*record
	draining bool
}

// NewServer returns a new [Server]
// for the given store directory and history database path.
func NewServer(dir nixstore.Directory, dbPath string, opts *Options) *Server {
	if opts == nil {
		opts = new(Options)
	}
	gcBuildsDone := make(chan struct{})
	srv := &Server{
		dir:          dir,
		tool:         opts.Tool,
		recordCap:    opts.RecordCap,
		buildContext: opts.BuildContext,
		records:      make(map[string]*record),

		gcBuildsDone: gcBuildsDone,

		db: sqlitemigration.NewPool(dbPath, loadSchema(), sqlitemigration.Options{
			Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
			PrepareConn: prepareConn,
			OnStartMigrate: func() {
				ctx := context.Background()
				log.Debugf(ctx, "Migrating...")
			},
			OnReady: func() {
				ctx := context.Background()
				log.Debugf(ctx, "Database ready")
			},
			OnError: func(err error) {
				ctx := context.Background()
				log.Errorf(ctx, "Migration: %v", err)
			},
		}),
	}
	if srv.tool == nil {
		srv.tool = new(nixcli.Tool)
	}
	maxBuilds := opts.MaxConcurrentBuilds
	if maxBuilds <= 0 {
		maxBuilds = DefaultMaxConcurrentBuilds
	}
	srv.buildSem = semaphore.NewWeighted(int64(maxBuilds))
	if srv.recordCap <= 0 {
		srv.recordCap = DefaultRecordCap
	}
	if srv.buildContext == nil {
		srv.buildContext = func(_ context.Context, _ string) context.Context {
			return context.Background()
		}
	}
	if opts.BuildRetention <= 0 {
		srv.cancelGCBuilds = func() {}
		close(gcBuildsDone)
	} else {
		var gcContext context.Context
		gcContext, srv.cancelGCBuilds = context.WithCancel(context.Background())
		go func() {
			defer close(gcBuildsDone)
			srv.gcBuilds(gcContext, opts.BuildRetention)
		}()
	}
	return srv
}

// Close cancels any running builds
// and releases the resources associated with the server.
func (s *Server) Close() error {
	s.cancelGCBuilds()
	s.mu.Lock()
	s.draining = true
	for _, rec := range s.records {
		if !rec.state.Terminal() {
			rec.cancel()
		}
	}
	s.mu.Unlock()

	s.buildWaitGroup.Wait()
	<-s.gcBuildsDone

	return s.db.Close()
}

// Identifier derives the deduplication key for a build request.
// A request naming a derivation already in the store
// is keyed by the derivation's store path;
// any other request (a nix expression) is keyed by
// the base-32 SHA-256 digest of its text.
func Identifier(dir nixstore.Directory, spec string) string {
	if p, err := nixstore.ParsePath(strings.TrimSpace(spec)); err == nil && p.Dir() == dir && p.IsDerivation() {
		return string(p)
	}
	h := nix.NewHasher(nix.SHA256)
	h.WriteString(spec)
	return h.SumHash().RawBase32()
}

// StartBuild requests a build of spec,
// which is either the store path of a derivation or a nix expression.
// If a build for the same identifier is pending or running,
// StartBuild attaches to it rather than starting a new subprocess.
// A previously failed identifier is retried with a fresh attempt.
// StartBuild does not wait for the build:
// it returns a snapshot of the record it created or joined.
func (s *Server) StartBuild(ctx context.Context, spec string) (*Build, error) {
	identifier := Identifier(s.dir, spec)

	for {
		s.mu.Lock()
		if s.draining {
			s.mu.Unlock()
			return nil, fmt.Errorf("start build: server is shutting down")
		}
		rec := s.records[identifier]
		switch {
		case rec == nil || rec.state == StateFailed:
			// Start (or retry) below.
		case !rec.state.Terminal():
			b := rec.snapshotLocked()
			s.mu.Unlock()
			log.Debugf(ctx, "Joining in-flight build %s (%v)", identifier, b.ID)
			return b, nil
		default: // StateSucceeded
			outPath := rec.outputPath
			b := rec.snapshotLocked()
			rec.lastAccess = time.Now()
			s.mu.Unlock()
			// Success is only as good as the store object still being there:
			// re-check before reporting it.
			exists, err := s.objectExists(ctx, outPath)
			if err != nil {
				return nil, err
			}
			if exists {
				return b, nil
			}
			log.Infof(ctx, "Output %s for build %s disappeared from store; rebuilding", outPath, identifier)
			s.mu.Lock()
			if s.records[identifier] == rec {
				delete(s.records, identifier)
			}
			s.mu.Unlock()
			continue
		}

		rec = &record{
			identifier: identifier,
			id:         uuid.New(),
			state:      StatePending,
			startedAt:  time.Now(),
			lastAccess: time.Now(),
			log:        buildlog.New(),
			done:       make(chan struct{}),
		}
		buildCtx, cancelBuild := context.WithCancel(s.buildContext(ctx, identifier))
		rec.cancel = cancelBuild
		s.records[identifier] = rec
		s.evictLocked()
		s.buildWaitGroup.Add(1)
		b := rec.snapshotLocked()
		s.mu.Unlock()

		log.Infof(ctx, "Starting build %s (%v)", identifier, rec.id)
		go func() {
			defer s.buildWaitGroup.Done()
			defer cancelBuild()
			s.runBuild(buildCtx, rec, spec)
		}()
		return b, nil
	}
}

// runBuild executes a single build attempt to completion.
func (s *Server) runBuild(ctx context.Context, rec *record, spec string) {
	if err := s.buildSem.Acquire(ctx, 1); err != nil {
		s.finishBuild(ctx, rec, "", err)
		return
	}
	defer s.buildSem.Release(1)

	s.mu.Lock()
	rec.state = StateRunning
	s.mu.Unlock()

	outPath, err := s.realize(ctx, rec, spec)
	s.finishBuild(ctx, rec, outPath, err)
}

func (s *Server) realize(ctx context.Context, rec *record, spec string) (nixstore.Path, error) {
	drvPath, err := s.resolveDerivation(ctx, spec)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	rec.drvPath = drvPath
	s.mu.Unlock()

	// If a previous run already produced the outputs,
	// the build trivially succeeds without a subprocess.
	if outPath, ok := s.existingOutput(ctx, drvPath); ok {
		log.Infof(ctx, "Output %s for %s already present; skipping build", outPath, drvPath)
		return outPath, nil
	}

	logWriter := buildlog.NewWriter(rec.log)
	bw := batchio.NewWriter(logWriter, 8192, 250*time.Millisecond)
	outPath, err := s.tool.Realize(ctx, drvPath, bw)
	bw.Flush()
	logWriter.Flush()
	if err != nil {
		return "", err
	}
	return outPath, nil
}

// resolveDerivation turns a build spec into a derivation store path,
// evaluating it with nix-instantiate if it is not already one.
func (s *Server) resolveDerivation(ctx context.Context, spec string) (nixstore.Path, error) {
	if p, err := nixstore.ParsePath(strings.TrimSpace(spec)); err == nil && p.Dir() == s.dir {
		if !p.IsDerivation() {
			return "", fmt.Errorf("resolve %s: not a derivation", p)
		}
		exists, err := s.objectExists(ctx, p)
		if err != nil {
			return "", err
		}
		if !exists {
			return "", fmt.Errorf("resolve %s: no such derivation in store", p)
		}
		return p, nil
	}
	return s.tool.Instantiate(ctx, spec)
}

// existingOutput reports the first output of drvPath
// if every output is already present in the store.
func (s *Server) existingOutput(ctx context.Context, drvPath nixstore.Path) (nixstore.Path, bool) {
	outputs, err := s.tool.OutputPaths(ctx, drvPath)
	if err != nil {
		log.Debugf(ctx, "Querying outputs of %s: %v", drvPath, err)
		return "", false
	}
	for _, outPath := range outputs {
		exists, err := s.objectExists(ctx, outPath)
		if err != nil || !exists {
			return "", false
		}
	}
	return outputs[0], true
}

func (s *Server) finishBuild(ctx context.Context, rec *record, outPath nixstore.Path, buildErr error) {
	s.mu.Lock()
	rec.endedAt = time.Now()
	rec.lastAccess = rec.endedAt
	if buildErr == nil {
		rec.state = StateSucceeded
		rec.outputPath = outPath
	} else {
		rec.state = StateFailed
		rec.err = buildErr
		rec.cancelled = ctx.Err() != nil
	}
	b := rec.snapshotLocked()
	s.mu.Unlock()

	rec.log.Close()
	close(rec.done)

	switch {
	case b.Cancelled:
		log.Infof(ctx, "Build %s (%v) cancelled", rec.identifier, rec.id)
	case buildErr != nil:
		log.Errorf(ctx, "Build %s (%v) failed: %v", rec.identifier, rec.id, buildErr)
	default:
		log.Infof(ctx, "Build %s (%v) succeeded with output %s", rec.identifier, rec.id, outPath)
	}

	// Persist the terminal record even if the build's context was cancelled.
	dbCtx := context.WithoutCancel(ctx)
	conn, err := s.db.Get(dbCtx)
	if err != nil {
		log.Warnf(ctx, "Recording build %v: %v", rec.id, err)
		return
	}
	defer s.db.Put(conn)
	if err := insertBuild(conn, b, encodeLog(rec.log.Events())); err != nil {
		log.Warnf(ctx, "Recording build %v: %v", rec.id, err)
	}
}

// Cancel terminates the build for identifier if it is pending or running.
// The record becomes failed with its Cancelled flag set,
// so a later [Server.StartBuild] for the identifier retries.
// Cancelling an already-finished build is a no-op.
func (s *Server) Cancel(ctx context.Context, identifier string) error {
	s.mu.Lock()
	rec := s.records[identifier]
	s.mu.Unlock()
	if rec == nil {
		return fmt.Errorf("cancel build %q: %w", identifier, ErrUnknownBuild)
	}
	log.Infof(ctx, "Cancelling build %s (%v)", identifier, rec.id)
	rec.cancel()
	return nil
}

// Status returns a snapshot of the build for identifier,
// consulting the in-memory records first
// and falling back to the history database.
// It returns an error wrapping [ErrUnknownBuild]
// if no build for identifier has been seen.
func (s *Server) Status(ctx context.Context, identifier string) (*Build, error) {
	s.mu.Lock()
	if rec := s.records[identifier]; rec != nil {
		rec.lastAccess = time.Now()
		b := rec.snapshotLocked()
		s.mu.Unlock()
		return b, nil
	}
	s.mu.Unlock()

	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("status of build %q: %v", identifier, err)
	}
	defer s.db.Put(conn)
	b, err := findBuild(conn, identifier)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("status of build %q: %w", identifier, ErrUnknownBuild)
	}
	return b, nil
}

// Log returns the build log for identifier.
// For a build with an in-memory record (running or recently finished),
// live is a subscriber that replays the full history and then
// follows the log until the build completes.
// For builds only present in the history database,
// replay holds the complete stored log and live is nil.
func (s *Server) Log(ctx context.Context, identifier string) (replay []buildlog.Event, live *buildlog.Subscriber, err error) {
	s.mu.Lock()
	if rec := s.records[identifier]; rec != nil {
		rec.lastAccess = time.Now()
		sub := rec.log.Subscribe()
		s.mu.Unlock()
		return nil, sub, nil
	}
	s.mu.Unlock()

	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("log of build %q: %v", identifier, err)
	}
	defer s.db.Put(conn)
	blob, err := readBuildLog(conn, identifier)
	if err != nil {
		return nil, nil, err
	}
	if blob == nil {
		return nil, nil, fmt.Errorf("log of build %q: %w", identifier, ErrUnknownBuild)
	}
	events, err := decodeLog(blob)
	if err != nil {
		return nil, nil, fmt.Errorf("log of build %q: %v", identifier, err)
	}
	return events, nil, nil
}

// Wait blocks until the build for identifier reaches a terminal state
// and returns its final snapshot.
// It is primarily useful for tests and command-line callers.
func (s *Server) Wait(ctx context.Context, identifier string) (*Build, error) {
	s.mu.Lock()
	rec := s.records[identifier]
	s.mu.Unlock()
	if rec == nil {
		return s.Status(ctx, identifier)
	}
	select {
	case <-rec.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return rec.snapshotLocked(), nil
}

// RecentBuilds returns the identifiers of the most recently finished builds.
// It returns at most limit values.
func (s *Server) RecentBuilds(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("list recent builds: %v", err)
	}
	defer s.db.Put(conn)
	return recentBuilds(conn, limit)
}

// evictLocked drops the least recently used finished records
// beyond the record cap.
// Pending and running records are never evicted;
// their history remains in the database either way.
func (s *Server) evictLocked() {
	finished := 0
	for _, rec := range s.records {
		if rec.state.Terminal() {
			finished++
		}
	}
	for finished > s.recordCap {
		var oldest *record
		for _, rec := range s.records {
			if !rec.state.Terminal() {
				continue
			}
			if oldest == nil || rec.lastAccess.Before(oldest.lastAccess) {
				oldest = rec
			}
		}
		if oldest == nil {
			return
		}
		delete(s.records, oldest.identifier)
		finished--
	}
}

// objectExists reports whether the store object at path
// currently exists on disk.
// The result must be used immediately:
// existence is checked under the per-path lock and never cached.
func (s *Server) objectExists(ctx context.Context, path nixstore.Path) (bool, error) {
	unlock, err := s.checking.lock(ctx, path)
	if err != nil {
		return false, err
	}
	defer unlock()
	if _, err := os.Lstat(string(path)); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("check %s: %v", path, err)
		}
		return false, nil
	}
	return true, nil
}

// ObjectExists reports whether path is a store path
// whose object currently exists.
func (s *Server) ObjectExists(ctx context.Context, path nixstore.Path) (bool, error) {
	if path.Dir() != s.dir {
		return false, nil
	}
	return s.objectExists(ctx, path)
}

// FindByDigest locates the store path whose digest is digest.
// It scans the store directory; the result reflects a single moment
// and may be invalidated by concurrent store modifications.
func (s *Server) FindByDigest(ctx context.Context, digest string) (nixstore.Path, error) {
	if !nixstore.IsDigest(digest) {
		return "", fmt.Errorf("find store path for %q: invalid digest", digest)
	}
	entries, err := os.ReadDir(string(s.dir))
	if err != nil {
		return "", fmt.Errorf("find store path for %q: %v", digest, err)
	}
	for _, ent := range entries {
		if strings.HasPrefix(ent.Name(), digest+"-") {
			p, err := s.dir.Object(ent.Name())
			if err != nil {
				continue
			}
			return p, nil
		}
	}
	return "", fmt.Errorf("find store path for %q: %w", digest, errObjectNotExist)
}

// errObjectNotExist indicates a store object that is not present.
var errObjectNotExist = errors.New("store object does not exist")

// IsObjectNotExist reports whether err indicates a missing store object.
func IsObjectNotExist(err error) bool {
	return errors.Is(err, errObjectNotExist)
}

// ObjectInfo collects nix metadata for the store object at path,
// verifying existence under the per-path lock first.
func (s *Server) ObjectInfo(ctx context.Context, path nixstore.Path) (*nixcli.ObjectInfo, error) {
	exists, err := s.ObjectExists(ctx, path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("info for %s: %w", path, errObjectNotExist)
	}
	return s.tool.QueryInfo(ctx, path)
}

// DumpNAR writes the store object at path to w
// in nix archive (NAR) format.
func (s *Server) DumpNAR(ctx context.Context, w io.Writer, path nixstore.Path) error {
	unlock, err := s.checking.lock(ctx, path)
	if err != nil {
		return err
	}
	defer unlock()
	if _, err := os.Lstat(string(path)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("dump %s: %w", path, errObjectNotExist)
		}
		return fmt.Errorf("dump %s: %v", path, err)
	}
	return nar.DumpPath(w, string(path))
}

// StoreDirectory returns the store directory the server operates on.
func (s *Server) StoreDirectory() nixstore.Directory {
	return s.dir
}

func (s *Server) gcBuilds(ctx context.Context, window time.Duration) {
	ticker := time.NewTicker(min(5*time.Minute, window))
	defer ticker.Stop()

	t := time.Now()
	for {
		conn, err := s.db.Get(ctx)
		if err != nil {
			// Likely means context was canceled.
			log.Debugf(ctx, "Exiting build history GC due to: %v", err)
			return
		}
		cutoff := t.Add(-window)
		log.Debugf(ctx, "Cleaning up builds older than %v...", cutoff.UTC())
		if n, err := deleteOldBuilds(conn, cutoff); err != nil {
			log.Warnf(ctx, "Failed to clean up build history: %v", err)
		} else if n > 0 {
			log.Infof(ctx, "Deleted %d builds older than %v", n, cutoff.Truncate(time.Millisecond).UTC())
		} else {
			log.Debugf(ctx, "No build history to clean up.")
		}
		s.db.Put(conn)

		select {
		case t = <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
