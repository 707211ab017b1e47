// Copyright (C) 2025 Loopuman (engineering@loopuman.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "errors"

// Error taxonomy for the settlement engine.
//
// Every failure surfaced by the engine wraps exactly one of these sentinels,
// so callers can classify with errors.Is regardless of how much context has
// been added along the way:
//
//	if errors.Is(err, datatypes.ErrBusy) {
//	    // retry with backoff
//	}
//
// ErrBusy is the only error a caller should retry automatically. Everything
// else requires caller correction or moderator intervention.
var (
	// ErrUnauthorized is returned for bad signatures, unregistered relayers,
	// and role violations (e.g. a non-moderator issuing a penalty).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidAmount is returned when a reward or transfer amount is not a
	// positive integer number of token units.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientBalance is returned when a creator cannot cover the
	// escrow lock for a new task.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateSubmission is returned when a worker submits to the same
	// task twice.
	ErrDuplicateSubmission = errors.New("duplicate submission")

	// ErrSubmissionSlotsFull is returned once a task already holds
	// MaxSubmissions submissions.
	ErrSubmissionSlotsFull = errors.New("submission slots full")

	// ErrInvalidState is returned when an operation is not valid for the
	// task's current lifecycle state.
	ErrInvalidState = errors.New("invalid state")

	// ErrAlreadyReleased is returned when an escrow account is consumed a
	// second time. This is the enforced single-consumption invariant.
	ErrAlreadyReleased = errors.New("escrow already released")

	// ErrBusy is returned when a keyed lock cannot be acquired within the
	// configured wait. Retryable.
	ErrBusy = errors.New("busy")

	// ErrNotFound is returned for unknown task ids and, where a read cannot
	// default, unknown identities.
	ErrNotFound = errors.New("not found")
)
