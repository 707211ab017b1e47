// Copyright (C) 2025 Loopuman (engineering@loopuman.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package reputation maintains the per-identity, soulbound score ledger.
//
// Scores only move two ways: settlement credits a worker when their
// submission is accepted, and a moderator penalizes an identity after a
// dispute. Credits are rate limited by a per-identity daily cap; when a
// credit would push the day's accumulation past the cap it is clamped to
// the remaining headroom, and the applied portion is reported back so
// settlement can record the difference. Penalties bypass the cap and
// floor the score at zero.
//
// The cap day rolls over lazily: the first touch of a record on a new
// UTC day resets its daily accumulation. There is no background job.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/loopuman/settled/services/engine/datatypes"
	"github.com/loopuman/settled/services/engine/keylock"
	storage "github.com/loopuman/settled/services/engine/storage/badger"
)

// DefaultDailyCap bounds per-identity score gain per UTC day when the
// configuration does not set one.
const DefaultDailyCap = 100

const dayFormat = "2006-01-02"

// ModeratorCheck reports whether an identity holds moderator authority.
// Injected so the ledger does not depend on the identity package.
type ModeratorCheck func(identity string) bool

// Config configures a Ledger.
type Config struct {
	DB    *storage.DB
	Locks *keylock.Manager

	// DailyCap is the maximum score an identity can gain per UTC day.
	// Zero uses DefaultDailyCap.
	DailyCap int64

	// IsModerator gates Penalize. Nil denies all penalties.
	IsModerator ModeratorCheck

	Logger *slog.Logger
}

// Ledger is the reputation score store.
//
// Credit and Penalize serialize per identity through the keyed lock
// manager; CreditTxn assumes the caller already holds the identity lock.
type Ledger struct {
	db          *storage.DB
	locks       *keylock.Manager
	dailyCap    int64
	isModerator ModeratorCheck
	logger      *slog.Logger
	now         func() time.Time
}

// NewLedger creates a reputation ledger.
func NewLedger(cfg Config) (*Ledger, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("db is required")
	}
	if cfg.Locks == nil {
		return nil, fmt.Errorf("lock manager is required")
	}
	cap := cfg.DailyCap
	if cap <= 0 {
		cap = DefaultDailyCap
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		db:          cfg.DB,
		locks:       cfg.Locks,
		dailyCap:    cap,
		isModerator: cfg.IsModerator,
		logger:      logger.With("component", "reputation.Ledger"),
		now:         time.Now,
	}, nil
}

// Credit awards up to requested points to an identity, clamped to the
// day's remaining headroom. Returns the portion actually applied and the
// resulting score; an applied value of zero means the cap was already
// exhausted, which is not an error.
func (l *Ledger) Credit(ctx context.Context, identity string, requested int64) (applied, newScore int64, err error) {
	release, err := l.locks.AcquireIdentity(ctx, identity)
	if err != nil {
		return 0, 0, err
	}
	defer release()

	err = l.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		applied, newScore, err = l.CreditTxn(txn, identity, requested)
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	return applied, newScore, nil
}

// CreditTxn is the transaction-composable form of Credit. The caller
// must hold the identity's keyed lock; settlement uses this to commit
// the credit atomically with the escrow release and task transition.
func (l *Ledger) CreditTxn(txn *badgerdb.Txn, identity string, requested int64) (applied, newScore int64, err error) {
	if requested <= 0 {
		return 0, 0, fmt.Errorf("credit of %d points: %w", requested, datatypes.ErrInvalidAmount)
	}

	rec, err := l.load(txn, identity)
	if err != nil {
		return 0, 0, err
	}

	headroom := l.dailyCap - rec.DailyDelta
	if headroom < 0 {
		headroom = 0
	}
	applied = requested
	if applied > headroom {
		applied = headroom
	}

	rec.Score += applied
	rec.DailyDelta += applied
	if err := storage.SetJSON(txn, storage.ReputationKey(identity), rec); err != nil {
		return 0, 0, err
	}

	if applied < requested {
		l.logger.Info("reputation credit clamped by daily cap",
			"identity", identity,
			"requested", requested,
			"applied", applied,
			"daily_delta", rec.DailyDelta)
	}
	return applied, rec.Score, nil
}

// Penalize deducts points from an identity's score. Moderator-only:
// the deduction bypasses the daily cap and floors the score at zero.
// The day's credit accumulation is untouched, so a penalty never frees
// up headroom for further same-day credits.
func (l *Ledger) Penalize(ctx context.Context, moderator, identity string, amount int64) (int64, error) {
	if l.isModerator == nil || !l.isModerator(moderator) {
		return 0, fmt.Errorf("penalize requires moderator authority: %w", datatypes.ErrUnauthorized)
	}
	if amount <= 0 {
		return 0, fmt.Errorf("penalty of %d points: %w", amount, datatypes.ErrInvalidAmount)
	}

	release, err := l.locks.AcquireIdentity(ctx, identity)
	if err != nil {
		return 0, err
	}
	defer release()

	var newScore int64
	err = l.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		rec, err := l.load(txn, identity)
		if err != nil {
			return err
		}
		rec.Score -= amount
		if rec.Score < 0 {
			rec.Score = 0
		}
		newScore = rec.Score
		return storage.SetJSON(txn, storage.ReputationKey(identity), rec)
	})
	if err != nil {
		return 0, err
	}

	l.logger.Info("reputation penalty applied",
		"moderator", moderator,
		"identity", identity,
		"amount", amount,
		"score", newScore)
	return newScore, nil
}

// ScoreOf returns an identity's current score. Unknown identities score
// zero.
func (l *Ledger) ScoreOf(ctx context.Context, identity string) (int64, error) {
	rec, err := l.Record(ctx, identity)
	if err != nil {
		return 0, err
	}
	return rec.Score, nil
}

// Record returns an identity's reputation record with the lazy day
// rollover applied to the view. Unknown identities get a zero record.
func (l *Ledger) Record(ctx context.Context, identity string) (datatypes.ReputationRecord, error) {
	var rec datatypes.ReputationRecord
	err := l.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		var err error
		rec, err = l.load(txn, identity)
		return err
	})
	return rec, err
}

// DailyCap returns the configured per-day gain limit.
func (l *Ledger) DailyCap() int64 {
	return l.dailyCap
}

// load reads an identity's record, defaulting missing records to zero
// and resetting the daily accumulation when a new UTC day is observed.
func (l *Ledger) load(txn *badgerdb.Txn, identity string) (datatypes.ReputationRecord, error) {
	rec := datatypes.ReputationRecord{Identity: identity}
	err := storage.GetJSON(txn, storage.ReputationKey(identity), &rec)
	if err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
		return rec, err
	}

	today := l.now().UTC().Format(dayFormat)
	if rec.LastUpdateDay != today {
		rec.DailyDelta = 0
		rec.LastUpdateDay = today
	}
	return rec, nil
}
