// Copyright (C) 2025 Loopuman (engineering@loopuman.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package keylock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loopuman/settled/services/engine/datatypes"
)

func TestAcquire_ExclusivePerKey(t *testing.T) {
	m := NewManager(50 * time.Millisecond)
	ctx := context.Background()

	release, err := m.AcquireTask(ctx, 1)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	// Same key: must time out with ErrBusy.
	if _, err := m.AcquireTask(ctx, 1); !errors.Is(err, datatypes.ErrBusy) {
		t.Errorf("second acquire on held key: got %v, want ErrBusy", err)
	}

	// Different key: must not block.
	release2, err := m.AcquireTask(ctx, 2)
	if err != nil {
		t.Errorf("unrelated key blocked: %v", err)
	} else {
		release2()
	}

	release()

	// Released key is acquirable again.
	release3, err := m.AcquireTask(ctx, 1)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	release3()
}

func TestAcquire_CancelledContext(t *testing.T) {
	m := NewManager(time.Minute)

	release, err := m.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	if _, err := m.Acquire(ctx, "k"); !errors.Is(err, datatypes.ErrBusy) {
		t.Errorf("cancelled acquire: got %v, want ErrBusy", err)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	m := NewManager(50 * time.Millisecond)

	release, err := m.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()
	release() // second call must be a no-op, not an unlock of someone else

	release2, err := m.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}

	if _, err := m.Acquire(context.Background(), "k"); !errors.Is(err, datatypes.ErrBusy) {
		t.Error("double release leaked a token: lock no longer exclusive")
	}
	release2()
}

func TestEntries_GarbageCollected(t *testing.T) {
	m := NewManager(50 * time.Millisecond)

	for i := uint64(0); i < 100; i++ {
		release, err := m.AcquireTask(context.Background(), i)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		release()
	}
	if got := m.Held(); got != 0 {
		t.Errorf("lock table retained %d entries after release", got)
	}
}

func TestAcquire_SerializesWriters(t *testing.T) {
	m := NewManager(5 * time.Second)
	ctx := context.Background()

	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.AcquireIdentity(ctx, "worker-1")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			defer release()
			counter++ // data race here would trip -race
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("lost updates under contention: got %d, want 50", counter)
	}
}
