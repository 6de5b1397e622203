// Copyright 2025 The servenix Authors
// SPDX-License-Identifier: MIT

package backend

import (
	"context"
	"testing"
	"time"

	"github.com/servenix/servenix/nixstore"
)

func TestPathLocker(t *testing.T) {
	// Prevent this test from blocking for more than 10 seconds.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const (
		path1 = nixstore.Path("/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1")
		path2 = nixstore.Path("/nix/store/9krlzvny65gdc8s7kpb6lkx8cd02c25b-glibc-2.39")
	)

	pl := new(pathLocker)
	unlock1, err := pl.lock(ctx, path1)
	if err != nil {
		t.Fatal("lock(ctx, path1) on zero locker failed:", err)
	}

	// Checks on unrelated paths proceed independently.
	unlock2, err := pl.lock(ctx, path2)
	if err != nil {
		t.Fatal("lock(ctx, path2) while path1 is held failed:", err)
	}

	// A second check of the same path blocks until the holder is done.
	failFastCtx, cancelFailFast := context.WithTimeout(ctx, 100*time.Millisecond)
	unlock1b, err := pl.lock(failFastCtx, path1)
	cancelFailFast()
	if err == nil {
		t.Error("lock(ctx, path1) acquired without releasing unlock1")
		unlock1b()
	}

	// Releasing a path allows a subsequent check to acquire it.
	unlock1()
	unlock1, err = pl.lock(ctx, path1)
	if err != nil {
		t.Fatal("lock(ctx, path1) after unlock1 failed:", err)
	}
	defer unlock1()

	// Releasing a path wakes a waiter blocked on the same path.
	lock2Done := make(chan error)
	go func() {
		_, err := pl.lock(ctx, path2)
		lock2Done <- err
	}()
	// Wait for a little bit to make it more likely that the other goroutine hit lock(path2).
	timer := time.NewTimer(10 * time.Millisecond)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
	}
	unlock2()
	if err := <-lock2Done; err != nil {
		t.Error("lock(ctx, path2) with concurrent unlock2 failed:", err)
	}
}
