// Copyright (C) 2025 Loopuman (engineering@loopuman.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes holds the persistent record types, the signed-action
// envelope, and the error taxonomy shared by every engine component.
//
// Records are stored as JSON in BadgerDB; the json tags here are the wire
// and storage format. Nothing in this package touches the store itself.
package datatypes

import (
	"time"
)

// FeeBps is the platform fee in basis points, applied on escrow release.
// Fixed at 200 (2%). Integer division floors the fee; the remainder stays
// with the payout so no unit is ever lost or double-counted.
const FeeBps = 200

// BpsDenominator is the basis-point scale for fee arithmetic.
const BpsDenominator = 10_000

// MaxSubmissions is the number of submission slots per task.
const MaxSubmissions = 3

// TaskState is the lifecycle state of a task.
//
// Transitions:
//
//	open ──submit──► submitted ──accept──► settled
//	 │                  │  ▲
//	 │                  │  └─(more submissions, up to 3)
//	 │                  └──dispute──► disputed ──(moderator)──► settled|cancelled
//	 └──cancel──► cancelled
//
// settled and cancelled are terminal. The accepted state of the original
// design is transient: a task is only ever observed as settled once payout
// and reputation credit have both landed.
type TaskState string

const (
	StateOpen      TaskState = "open"
	StateSubmitted TaskState = "submitted"
	StateDisputed  TaskState = "disputed"
	StateSettled   TaskState = "settled"
	StateCancelled TaskState = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s TaskState) Terminal() bool {
	return s == StateSettled || s == StateCancelled
}

// Verdict is the moderation outcome for a submission. The engine never
// computes verdicts; it consumes them from the moderation service as an
// opaque accept/reject signal.
type Verdict string

const (
	VerdictPending  Verdict = "pending"
	VerdictApproved Verdict = "approved"
	VerdictRejected Verdict = "rejected"
)

// Submission is one worker's answer to a task. A worker may hold at most
// one submission per task. Submissions are owned by their task: they are
// embedded in the task record and share its lifetime.
type Submission struct {
	ID          string    `json:"id"`
	TaskID      uint64    `json:"task_id"`
	Worker      string    `json:"worker"`
	Payload     string    `json:"payload"`
	Verdict     Verdict   `json:"verdict"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Task is the persistent task record.
//
// RewardAmount is in the smallest token unit and is locked in escrow in
// full at creation. The escrow account stays locked until settlement or
// refund; funds are never partially locked.
type Task struct {
	ID           uint64       `json:"id"`
	Creator      string       `json:"creator"`
	RewardAmount int64        `json:"reward_amount"`
	FeeBps       int          `json:"fee_bps"`
	State        TaskState    `json:"state"`
	Submissions  []Submission `json:"submissions,omitempty"`

	// AcceptedSubmissionIndex is set atomically with the settled transition.
	AcceptedSubmissionIndex *int `json:"accepted_submission_index,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	Deadline  *time.Time `json:"deadline,omitempty"`
}

// SubmissionBy returns the index of the worker's submission, or -1.
func (t *Task) SubmissionBy(worker string) int {
	for i := range t.Submissions {
		if t.Submissions[i].Worker == worker {
			return i
		}
	}
	return -1
}

// DeadlinePassed reports whether the task has a deadline and now is past it.
// Deadlines are evaluated at call time; there is no background expiry.
func (t *Task) DeadlinePassed(now time.Time) bool {
	return t.Deadline != nil && now.After(*t.Deadline)
}

// TaskEvent is a lifecycle notification published to the event stream that
// chat adapters subscribe to. It carries no authority: consumers still read
// authoritative state through GetTask.
type TaskEvent struct {
	Type      string    `json:"type"`
	TaskID    uint64    `json:"task_id"`
	State     TaskState `json:"state"`
	Actor     string    `json:"actor,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event types emitted by the engine.
const (
	EventTaskCreated   = "task_created"
	EventWorkSubmitted = "work_submitted"
	EventTaskSettled   = "task_settled"
	EventTaskCancelled = "task_cancelled"
	EventTaskDisputed  = "task_disputed"
	EventVerdict       = "verdict_recorded"
)
