// Copyright (C) 2025 Loopuman (engineering@loopuman.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package lifecycle owns the task state machine.
//
// Every transition is validated here against the task's current state
// before anything else happens: the escrow lock commits in the same
// transaction as task creation, and a refund commits with the cancelled
// transition, so a task record and its funds can never disagree.
//
// Callers serialize per-task access through the engine's keyed locks;
// the manager assumes the task lock is held for every mutation except
// Create, which allocates a fresh id nobody else can hold.
package lifecycle

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
	storage "github.com/loopuman/settled/services/engine/storage/badger"
)

// sequenceBandwidth is how many task ids are leased from the store per
// round trip.
const sequenceBandwidth = 128

// Config configures a Manager.
type Config struct {
	DB    *storage.DB
	Vault *escrow.Vault

	// ModerationRequired gates submission verdicts. When false, new
	// submissions are auto-approved and may be accepted immediately;
	// when true they start pending and need RecordVerdict first.
	ModerationRequired bool

	Logger *slog.Logger
}

// Manager drives task lifecycle transitions.
type Manager struct {
	db                 *storage.DB
	vault              *escrow.Vault
	seq                *badgerdb.Sequence
	moderationRequired bool
	logger             *slog.Logger
	now                func() time.Time
}

// NewManager creates a lifecycle manager. Call Close to release the id
// sequence lease.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("db is required")
	}
	if cfg.Vault == nil {
		return nil, fmt.Errorf("vault is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	seq, err := cfg.DB.Sequence(storage.TaskSequenceKey, sequenceBandwidth)
	if err != nil {
		return nil, err
	}
	return &Manager{
		db:                 cfg.DB,
		vault:              cfg.Vault,
		seq:                seq,
		moderationRequired: cfg.ModerationRequired,
		logger:             logger.With("component", "lifecycle.Manager"),
		now:                time.Now,
	}, nil
}

// Close releases the task id sequence lease. Unused leased ids are
// skipped on restart, which keeps ids monotonic.
func (m *Manager) Close() error {
	return m.seq.Release()
}

// Create opens a new task and locks its full reward in escrow, in one
// transaction. The reward must be positive and fully covered by the
// creator's balance.
func (m *Manager) Create(ctx context.Context, creator string, reward int64, deadline *time.Time) (*datatypes.Task, error) {
	if reward <= 0 {
		return nil, fmt.Errorf("reward of %d units: %w", reward, datatypes.ErrInvalidAmount)
	}
	if deadline != nil && !deadline.After(m.now()) {
		return nil, fmt.Errorf("deadline %s is in the past: %w", deadline.Format(time.RFC3339), datatypes.ErrInvalidState)
	}

	id, err := m.nextID()
	if err != nil {
		return nil, err
	}

	task := &datatypes.Task{
		ID:           id,
		Creator:      creator,
		RewardAmount: reward,
		FeeBps:       datatypes.FeeBps,
		State:        datatypes.StateOpen,
		CreatedAt:    m.now().UTC(),
		Deadline:     deadline,
	}

	err = m.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		if err := m.vault.Lock(txn, id, creator, reward); err != nil {
			return err
		}
		return storage.SetJSON(txn, storage.TaskKey(id), task)
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("task created",
		"task_id", id,
		"creator", creator,
		"reward", reward)
	return task, nil
}

// Get returns a task by id.
func (m *Manager) Get(ctx context.Context, taskID uint64) (*datatypes.Task, error) {
	var task *datatypes.Task
	err := m.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		var err error
		task, err = loadTask(txn, taskID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Submit records a worker's submission. Valid on open and submitted
// tasks with a free slot, before the deadline, once per worker. The
// first submission moves the task from open to submitted.
//
// When moderation is not required the submission is auto-approved and
// immediately acceptable; otherwise it starts pending.
func (m *Manager) Submit(ctx context.Context, taskID uint64, worker, payload string) (*datatypes.Task, int, error) {
	var (
		task *datatypes.Task
		idx  int
	)
	err := m.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		var err error
		task, err = loadTask(txn, taskID)
		if err != nil {
			return err
		}
		if task.State != datatypes.StateOpen && task.State != datatypes.StateSubmitted {
			return fmt.Errorf("submit on %s task %d: %w", task.State, taskID, datatypes.ErrInvalidState)
		}
		if task.DeadlinePassed(m.now()) {
			return fmt.Errorf("task %d deadline has passed: %w", taskID, datatypes.ErrInvalidState)
		}
		if task.SubmissionBy(worker) >= 0 {
			return fmt.Errorf("worker already submitted to task %d: %w", taskID, datatypes.ErrDuplicateSubmission)
		}
		if len(task.Submissions) >= datatypes.MaxSubmissions {
			return fmt.Errorf("task %d holds %d submissions: %w", taskID, len(task.Submissions), datatypes.ErrSubmissionSlotsFull)
		}

		verdict := datatypes.VerdictPending
		if !m.moderationRequired {
			verdict = datatypes.VerdictApproved
		}
		task.Submissions = append(task.Submissions, datatypes.Submission{
			ID:          uuid.NewString(),
			TaskID:      taskID,
			Worker:      worker,
			Payload:     payload,
			Verdict:     verdict,
			SubmittedAt: m.now().UTC(),
		})
		idx = len(task.Submissions) - 1
		task.State = datatypes.StateSubmitted
		return storage.SetJSON(txn, storage.TaskKey(taskID), task)
	})
	if err != nil {
		return nil, 0, err
	}

	m.logger.Info("work submitted",
		"task_id", taskID,
		"worker", worker,
		"slot", idx)
	return task, idx, nil
}

// Cancel moves a task to cancelled and refunds the full escrowed reward
// to the creator, in one transaction.
//
// The creator may cancel an open task at any time, and a submitted task
// only once its deadline has passed (pending work deserves review until
// then). A moderator may cancel a submitted or disputed task regardless
// of deadline; that is the reject-all outcome of a dispute.
func (m *Manager) Cancel(ctx context.Context, taskID uint64, actor string, moderator bool) (*datatypes.Task, int64, error) {
	var (
		task     *datatypes.Task
		refunded int64
	)
	err := m.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		var err error
		task, err = loadTask(txn, taskID)
		if err != nil {
			return err
		}
		if task.State.Terminal() {
			return fmt.Errorf("cancel on %s task %d: %w", task.State, taskID, datatypes.ErrInvalidState)
		}

		switch {
		case moderator:
			// Moderators may unwind any live task.
		case actor != task.Creator:
			return fmt.Errorf("only the creator may cancel task %d: %w", taskID, datatypes.ErrUnauthorized)
		case task.State == datatypes.StateOpen:
			// Creator cancels an open task freely.
		case task.State == datatypes.StateSubmitted && task.DeadlinePassed(m.now()):
			// Submissions exist but the deadline has lapsed.
		default:
			return fmt.Errorf("task %d has pending submissions: %w", taskID, datatypes.ErrInvalidState)
		}

		refunded, err = m.vault.Refund(txn, taskID)
		if err != nil {
			return err
		}
		task.State = datatypes.StateCancelled
		return storage.SetJSON(txn, storage.TaskKey(taskID), task)
	})
	if err != nil {
		return nil, 0, err
	}

	m.logger.Info("task cancelled",
		"task_id", taskID,
		"actor", actor,
		"refunded", refunded)
	return task, refunded, nil
}

// Dispute moves a submitted task to disputed, freezing settlement until
// a moderator records verdicts. The creator or any submitting worker
// may raise it.
func (m *Manager) Dispute(ctx context.Context, taskID uint64, actor string) (*datatypes.Task, error) {
	var task *datatypes.Task
	err := m.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		var err error
		task, err = loadTask(txn, taskID)
		if err != nil {
			return err
		}
		if task.State != datatypes.StateSubmitted {
			return fmt.Errorf("dispute on %s task %d: %w", task.State, taskID, datatypes.ErrInvalidState)
		}
		if actor != task.Creator && task.SubmissionBy(actor) < 0 {
			return fmt.Errorf("only the creator or a submitter may dispute task %d: %w", taskID, datatypes.ErrUnauthorized)
		}
		task.State = datatypes.StateDisputed
		return storage.SetJSON(txn, storage.TaskKey(taskID), task)
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("task disputed",
		"task_id", taskID,
		"actor", actor)
	return task, nil
}

// RecordVerdict stores a moderation verdict on a pending submission.
// Valid while the task is submitted or disputed; verdicts are written
// once and never overwritten. Moderator authority is checked by the
// caller.
func (m *Manager) RecordVerdict(ctx context.Context, taskID uint64, submissionIndex int, verdict datatypes.Verdict) (*datatypes.Task, error) {
	if verdict != datatypes.VerdictApproved && verdict != datatypes.VerdictRejected {
		return nil, fmt.Errorf("verdict %q: %w", verdict, datatypes.ErrInvalidState)
	}

	var task *datatypes.Task
	err := m.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		var err error
		task, err = loadTask(txn, taskID)
		if err != nil {
			return err
		}
		if task.State != datatypes.StateSubmitted && task.State != datatypes.StateDisputed {
			return fmt.Errorf("verdict on %s task %d: %w", task.State, taskID, datatypes.ErrInvalidState)
		}
		if submissionIndex < 0 || submissionIndex >= len(task.Submissions) {
			return fmt.Errorf("task %d has no submission %d: %w", taskID, submissionIndex, datatypes.ErrNotFound)
		}
		if task.Submissions[submissionIndex].Verdict != datatypes.VerdictPending {
			return fmt.Errorf("submission %d already has a verdict: %w", submissionIndex, datatypes.ErrInvalidState)
		}
		task.Submissions[submissionIndex].Verdict = verdict
		return storage.SetJSON(txn, storage.TaskKey(taskID), task)
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("verdict recorded",
		"task_id", taskID,
		"slot", submissionIndex,
		"verdict", verdict)
	return task, nil
}

// SettleTxn validates acceptance of a submission and writes the settled
// transition inside the caller's transaction. The settlement coordinator
// composes this with the escrow release and the reputation credit so all
// three commit together.
//
// Acceptance requires the task to be submitted or disputed and the
// target submission to be approved.
func (m *Manager) SettleTxn(txn *badgerdb.Txn, taskID uint64, submissionIndex int) (*datatypes.Task, error) {
	task, err := loadTask(txn, taskID)
	if err != nil {
		return nil, err
	}
	if task.State != datatypes.StateSubmitted && task.State != datatypes.StateDisputed {
		return nil, fmt.Errorf("accept on %s task %d: %w", task.State, taskID, datatypes.ErrInvalidState)
	}
	if submissionIndex < 0 || submissionIndex >= len(task.Submissions) {
		return nil, fmt.Errorf("task %d has no submission %d: %w", taskID, submissionIndex, datatypes.ErrNotFound)
	}
	if v := task.Submissions[submissionIndex].Verdict; v != datatypes.VerdictApproved {
		return nil, fmt.Errorf("submission %d verdict is %s: %w", submissionIndex, v, datatypes.ErrInvalidState)
	}

	idx := submissionIndex
	task.AcceptedSubmissionIndex = &idx
	task.State = datatypes.StateSettled
	if err := storage.SetJSON(txn, storage.TaskKey(taskID), task); err != nil {
		return nil, err
	}
	return task, nil
}

// nextID allocates the next task id. Id 0 is reserved as "no task".
func (m *Manager) nextID() (uint64, error) {
	for {
		id, err := m.seq.Next()
		if err != nil {
			return 0, fmt.Errorf("allocate task id: %w", err)
		}
		if id != 0 {
			return id, nil
		}
	}
}

// loadTask reads a task record, mapping a missing key to ErrNotFound.
func loadTask(txn *badgerdb.Txn, taskID uint64) (*datatypes.Task, error) {
	var task datatypes.Task
	if err := storage.GetJSON(txn, storage.TaskKey(taskID), &task); err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, fmt.Errorf("task %d: %w", taskID, datatypes.ErrNotFound)
		}
		return nil, err
	}
	return &task, nil
}
