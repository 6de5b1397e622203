// Copyright 2025 The servenix Authors
// SPDX-License-Identifier: MIT

package backend

import (
	"context"
	"sync"

	"github.com/servenix/servenix/nixstore"
)

// A pathLocker hands out one mutex per store path,
// serializing check-then-use sequences on individual store objects
// without blocking operations on unrelated paths.
// The zero value is ready to use.
type pathLocker struct {
	mu    sync.Mutex // guards locks
	locks map[nixstore.Path]<-chan struct{}
}

// lock acquires the mutex for path,
// waiting until the current holder releases it or ctx is done.
// On success it returns the function that releases the mutex;
// otherwise it returns a nil unlock function and ctx.Err().
// Holders must release promptly:
// a store-path lock covers a single existence check plus its use,
// never a whole build.
func (pl *pathLocker) lock(ctx context.Context, path nixstore.Path) (unlock func(), err error) {
	for {
		pl.mu.Lock()
		held := pl.locks[path]
		if held == nil {
			c := make(chan struct{})
			if pl.locks == nil {
				pl.locks = make(map[nixstore.Path]<-chan struct{})
			}
			pl.locks[path] = c
			pl.mu.Unlock()
			return func() {
				pl.mu.Lock()
				delete(pl.locks, path)
				close(c)
				pl.mu.Unlock()
			}, nil
		}
		pl.mu.Unlock()

		// Somebody else is checking this path. Wait for them to finish.
		select {
		case <-held:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
