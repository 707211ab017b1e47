// Copyright (C) 2025 Loopuman (engineering@loopuman.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package settlement composes acceptance into one atomic commit.
//
// Accepting a submission touches four records: the escrow account is
// released (payout + fee), the worker's reputation is credited, the task
// transitions to settled, and the settlement journal entry flips to
// committed. All four land in a single Badger transaction, so an
// observer never sees a settled task without its payout or credit.
//
// The journal makes settlement crash-safe: the intent is written before
// the settlement transaction, and Recover resumes any intent still
// pending at startup. Because the committed flip shares the settlement
// transaction, a resumed intent can never pay or credit twice.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/loopuman/settled/services/engine/datatypes"
	"github.com/loopuman/settled/services/engine/escrow"
	"github.com/loopuman/settled/services/engine/keylock"
	"github.com/loopuman/settled/services/engine/lifecycle"
	"github.com/loopuman/settled/services/engine/reputation"
	storage "github.com/loopuman/settled/services/engine/storage/badger"
)

// DefaultCreditPerTask is the reputation points awarded per accepted
// submission when the configuration does not set one. Flat per task:
// reward size buys work, not standing.
const DefaultCreditPerTask = 10

// Config configures a Coordinator.
type Config struct {
	DB         *storage.DB
	Vault      *escrow.Vault
	Lifecycle  *lifecycle.Manager
	Reputation *reputation.Ledger
	Locks      *keylock.Manager

	// CreditPerTask is the reputation credit requested per settlement.
	// Zero uses DefaultCreditPerTask.
	CreditPerTask int64

	Logger *slog.Logger
}

// Coordinator runs the atomic settlement flow.
type Coordinator struct {
	db         *storage.DB
	vault      *escrow.Vault
	lifecycle  *lifecycle.Manager
	reputation *reputation.Ledger
	locks      *keylock.Manager
	credit     int64
	logger     *slog.Logger
	now        func() time.Time
}

// NewCoordinator creates a settlement coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.DB == nil || cfg.Vault == nil || cfg.Lifecycle == nil || cfg.Reputation == nil || cfg.Locks == nil {
		return nil, fmt.Errorf("db, vault, lifecycle, reputation and locks are all required")
	}
	credit := cfg.CreditPerTask
	if credit <= 0 {
		credit = DefaultCreditPerTask
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		db:         cfg.DB,
		vault:      cfg.Vault,
		lifecycle:  cfg.Lifecycle,
		reputation: cfg.Reputation,
		locks:      cfg.Locks,
		credit:     credit,
		logger:     logger.With("component", "settlement.Coordinator"),
		now:        time.Now,
	}, nil
}

// SettleAcceptance settles the given submission of a task. The caller
// must hold the task's keyed lock; the coordinator takes the worker's
// identity lock itself, always after the task lock.
//
// The journal intent is durable before any funds move, so a crash
// between the two writes is resumed by Recover.
func (c *Coordinator) SettleAcceptance(ctx context.Context, taskID uint64, submissionIndex int) (*datatypes.SettlementResult, error) {
	task, err := c.lifecycle.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if submissionIndex < 0 || submissionIndex >= len(task.Submissions) {
		return nil, fmt.Errorf("task %d has no submission %d: %w", taskID, submissionIndex, datatypes.ErrNotFound)
	}
	worker := task.Submissions[submissionIndex].Worker

	releaseWorker, err := c.locks.AcquireIdentity(ctx, worker)
	if err != nil {
		return nil, err
	}
	defer releaseWorker()

	entry := datatypes.SettlementJournalEntry{
		JournalID:       uuid.NewString(),
		TaskID:          taskID,
		SubmissionIndex: submissionIndex,
		Worker:          worker,
		Stage:           datatypes.SettlementPending,
		CreatedAt:       c.now().UTC(),
	}
	err = c.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		return storage.SetJSON(txn, storage.JournalKey(taskID), entry)
	})
	if err != nil {
		return nil, fmt.Errorf("journal settlement intent: %w", err)
	}

	result, err := c.commit(ctx, entry)
	if err != nil {
		// A validation failure means the settlement transaction never
		// applied and never will; leaving the intent pending would let
		// recovery settle the task later even though this accept was
		// reported as failed. Only transient errors keep the intent
		// alive for Recover.
		if isStale(err) {
			if dropErr := c.dropIntent(ctx, entry); dropErr != nil {
				c.logger.Error("dropping failed settlement intent",
					"task_id", entry.TaskID,
					"error", dropErr)
			}
		}
		return nil, err
	}
	return result, nil
}

// isStale reports whether a commit failure means the intent can never
// settle: the task or escrow rejected it outright rather than a
// transient storage error.
func isStale(err error) bool {
	return errors.Is(err, datatypes.ErrInvalidState) ||
		errors.Is(err, datatypes.ErrNotFound) ||
		errors.Is(err, datatypes.ErrAlreadyReleased)
}

func (c *Coordinator) dropIntent(ctx context.Context, entry datatypes.SettlementJournalEntry) error {
	return c.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		return txn.Delete(storage.JournalKey(entry.TaskID))
	})
}

// commit runs the settlement transaction for a journaled intent. Both
// the task lock and the worker's identity lock must be held.
func (c *Coordinator) commit(ctx context.Context, entry datatypes.SettlementJournalEntry) (*datatypes.SettlementResult, error) {
	start := c.now()
	result := &datatypes.SettlementResult{
		TaskID:          entry.TaskID,
		SubmissionIndex: entry.SubmissionIndex,
		Worker:          entry.Worker,
		CreditRequested: c.credit,
	}

	err := c.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		if _, err := c.lifecycle.SettleTxn(txn, entry.TaskID, entry.SubmissionIndex); err != nil {
			return err
		}

		payout, fee, err := c.vault.Release(txn, entry.TaskID, entry.Worker)
		if err != nil {
			return err
		}
		result.Payout = payout
		result.Fee = fee

		applied, newScore, err := c.reputation.CreditTxn(txn, entry.Worker, c.credit)
		if err != nil {
			return err
		}
		result.CreditApplied = applied
		result.NewScore = newScore

		committedAt := c.now().UTC()
		entry.Stage = datatypes.SettlementCommitted
		entry.CommittedAt = &committedAt
		return storage.SetJSON(txn, storage.JournalKey(entry.TaskID), entry)
	})
	if err != nil {
		settlementsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	settlementsTotal.WithLabelValues("settled").Inc()
	payoutUnitsTotal.Add(float64(result.Payout))
	feeUnitsTotal.Add(float64(result.Fee))
	settlementDuration.Observe(time.Since(start).Seconds())

	c.logger.Info("settlement committed",
		"task_id", entry.TaskID,
		"worker", entry.Worker,
		"payout", result.Payout,
		"fee", result.Fee,
		"credit_applied", result.CreditApplied)
	return result, nil
}

// Recover resumes settlements journaled as pending. Run once at startup
// before the API starts serving; a pending entry means the process died
// between the intent write and the settlement commit.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	var pending []datatypes.SettlementJournalEntry
	err := c.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = storage.JournalPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			taskID, err := storage.TaskIDFromJournalKey(key)
			if err != nil {
				return err
			}
			var entry datatypes.SettlementJournalEntry
			if err := storage.GetJSON(txn, key, &entry); err != nil {
				return fmt.Errorf("journal entry for task %d: %w", taskID, err)
			}
			if entry.Stage == datatypes.SettlementPending {
				pending = append(pending, entry)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan settlement journal: %w", err)
	}

	resumed := 0
	for _, entry := range pending {
		if err := c.resume(ctx, entry); err != nil {
			return resumed, err
		}
		resumed++
		journalRecoveries.Inc()
	}
	if resumed > 0 {
		c.logger.Info("settlement journal recovery complete",
			"resumed", resumed)
	}
	return resumed, nil
}

func (c *Coordinator) resume(ctx context.Context, entry datatypes.SettlementJournalEntry) error {
	releaseTask, err := c.locks.AcquireTask(ctx, entry.TaskID)
	if err != nil {
		return err
	}
	defer releaseTask()
	releaseWorker, err := c.locks.AcquireIdentity(ctx, entry.Worker)
	if err != nil {
		return err
	}
	defer releaseWorker()

	c.logger.Warn("resuming pending settlement",
		"task_id", entry.TaskID,
		"worker", entry.Worker,
		"journal_id", entry.JournalID)

	_, err = c.commit(ctx, entry)
	if err == nil {
		return nil
	}
	// A pending intent whose task can no longer settle means the intent
	// was superseded before the commit ever ran (e.g. a crash before the
	// transaction, then a cancel after restart). State is authoritative;
	// drop the stale intent.
	if isStale(err) {
		c.logger.Warn("dropping stale settlement intent",
			"task_id", entry.TaskID,
			"journal_id", entry.JournalID,
			"reason", err)
		return c.dropIntent(ctx, entry)
	}
	return err
}

// Journal returns a task's settlement journal entry, if any.
func (c *Coordinator) Journal(ctx context.Context, taskID uint64) (*datatypes.SettlementJournalEntry, error) {
	var entry datatypes.SettlementJournalEntry
	err := c.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		return storage.GetJSON(txn, storage.JournalKey(taskID), &entry)
	})
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, fmt.Errorf("journal for task %d: %w", taskID, datatypes.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
