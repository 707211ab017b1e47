// Copyright (C) 2025 Loopuman (engineering@loopuman.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"sync"
	"time"
)

// AuditEvent is one recorded action against the engine's surface. The
// engine's own ledger rows are the financial audit trail; this is the
// operational one: who called what, and whether it was allowed.
type AuditEvent struct {
	// Timestamp of the call.
	Timestamp time.Time

	// Actor is the identity behind the call, "" when unresolved.
	Actor string

	// Op is the operation name or HTTP route.
	Op string

	// TaskID is the affected task, zero when not task-scoped.
	TaskID uint64

	// Allowed reports whether the call passed authorization.
	Allowed bool

	// Detail carries the rejection reason or other context.
	Detail string
}

// Auditor records audit events. Record must not block the request path;
// buffer internally and drop on backpressure rather than stalling a
// settlement.
//
// Implementations must be safe for concurrent use.
type Auditor interface {
	Record(ctx context.Context, event AuditEvent)
}

// NopAuditor discards all events. The open source default.
type NopAuditor struct{}

// Record discards the event.
func (NopAuditor) Record(context.Context, AuditEvent) {}

// MemoryAuditor keeps events in memory. For tests.
type MemoryAuditor struct {
	mu     sync.Mutex
	events []AuditEvent
}

// Record appends the event.
func (a *MemoryAuditor) Record(_ context.Context, event AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

// Events returns a copy of the recorded events.
func (a *MemoryAuditor) Events() []AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AuditEvent, len(a.events))
	copy(out, a.events)
	return out
}

var (
	_ Auditor = NopAuditor{}
	_ Auditor = (*MemoryAuditor)(nil)
)
