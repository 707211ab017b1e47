// Copyright (C) 2025 Loopuman (engineering@loopuman.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package keylock serializes engine operations per task and per identity.
//
// The engine is modeled as a serializable ledger: every mutation of a
// given task (lifecycle, escrow) runs under that task's lock, and every
// mutation of a given identity's reputation runs under that identity's
// lock. Settlement holds both, always task first then identity, so two
// settlements touching the same worker can never deadlock.
//
// Acquisition is bounded: a caller that cannot get the lock within the
// configured wait receives ErrBusy instead of stalling, and is expected
// to retry.
package keylock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loopuman/settled/services/engine/datatypes"
)

// DefaultWait bounds lock acquisition when the manager is constructed
// with a zero wait.
const DefaultWait = 2 * time.Second

// Key namespaces. Task and identity keys live in separate namespaces so
// a task id can never collide with an identity string.
func TaskKey(id uint64) string { return fmt.Sprintf("task/%d", id) }

// IdentityKey namespaces an identity for reputation serialization.
func IdentityKey(id string) string { return "id/" + id }

// Manager hands out per-key exclusive locks with bounded acquisition.
//
// Lock entries are reference counted and removed when the last waiter
// releases, so the table does not grow with the number of keys ever
// seen. All methods are safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
	wait    time.Duration
}

type entry struct {
	sem  chan struct{}
	refs int
}

// NewManager creates a manager whose Acquire calls give up after wait,
// surfacing datatypes.ErrBusy. A zero wait uses DefaultWait.
func NewManager(wait time.Duration) *Manager {
	if wait <= 0 {
		wait = DefaultWait
	}
	return &Manager{
		entries: make(map[string]*entry),
		wait:    wait,
	}
}

// Acquire takes the exclusive lock for key, waiting up to the configured
// bound. On success it returns a release function that must be called
// exactly once, typically via defer. On timeout or context cancellation
// it returns an error wrapping datatypes.ErrBusy.
func (m *Manager) Acquire(ctx context.Context, key string) (func(), error) {
	e := m.checkout(key)

	timer := time.NewTimer(m.wait)
	defer timer.Stop()

	select {
	case e.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.sem
				m.checkin(key, e)
			})
		}, nil
	case <-timer.C:
		m.checkin(key, e)
		return nil, fmt.Errorf("lock %s: wait exceeded %s: %w", key, m.wait, datatypes.ErrBusy)
	case <-ctx.Done():
		m.checkin(key, e)
		return nil, fmt.Errorf("lock %s: %v: %w", key, ctx.Err(), datatypes.ErrBusy)
	}
}

// AcquireTask locks a task id. Convention: take the task lock before any
// identity lock.
func (m *Manager) AcquireTask(ctx context.Context, taskID uint64) (func(), error) {
	return m.Acquire(ctx, TaskKey(taskID))
}

// AcquireIdentity locks an identity's reputation record.
func (m *Manager) AcquireIdentity(ctx context.Context, identity string) (func(), error) {
	return m.Acquire(ctx, IdentityKey(identity))
}

// checkout returns the entry for key, creating it if needed, and bumps
// its refcount.
func (m *Manager) checkout(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	return e
}

// checkin drops a reference and removes the entry when unused.
func (m *Manager) checkin(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

// Held reports how many lock entries are currently tracked. Test hook.
func (m *Manager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
