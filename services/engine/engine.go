// Copyright (C) 2025 Loopuman (engineering@loopuman.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine is the settlement engine facade.
//
// Every mutating entry point takes a signed action envelope, runs it
// through the authorizer, pins the operation name to the entry point,
// takes the task's keyed lock, and then drives the lifecycle, escrow
// and settlement components. Handlers above this package never touch
// those components directly.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/loopuman/settled/services/engine/config"
	"github.com/loopuman/settled/services/engine/datatypes"
	"github.com/loopuman/settled/services/engine/escrow"
	"github.com/loopuman/settled/services/engine/identity"
	"github.com/loopuman/settled/services/engine/keylock"
	"github.com/loopuman/settled/services/engine/lifecycle"
	"github.com/loopuman/settled/services/engine/reputation"
	"github.com/loopuman/settled/services/engine/settlement"
	storage "github.com/loopuman/settled/services/engine/storage/badger"
)

// Notifier receives lifecycle events. Called synchronously after the
// state change commits; implementations must not block.
type Notifier func(datatypes.TaskEvent)

// Options configures engine construction.
type Options struct {
	Config *config.Config

	// Notifier receives lifecycle events. Nil drops them.
	Notifier Notifier

	Logger *slog.Logger
}

// Engine wires the settlement components behind one surface.
type Engine struct {
	db          *storage.DB
	locks       *keylock.Manager
	authorizer  *identity.Authorizer
	allowList   *identity.AllowList
	vault       *escrow.Vault
	lifecycle   *lifecycle.Manager
	reputation  *reputation.Ledger
	coordinator *settlement.Coordinator
	notify      Notifier
	logger      *slog.Logger
	now         func() time.Time
}

// New constructs the engine from configuration: opens the store, loads
// the moderator allow-list (with hot reload), and wires the components.
// Call Start before serving and Close on shutdown.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	storageCfg := storage.DefaultConfig()
	storageCfg.Path = cfg.Storage.Path
	storageCfg.InMemory = cfg.Storage.InMemory
	if cfg.Storage.InMemory {
		storageCfg = storage.InMemoryConfig()
	}
	db, err := storage.Open(storageCfg)
	if err != nil {
		return nil, err
	}

	allowList, err := identity.NewAllowList(cfg.Moderation.AllowListPath, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	authorizer, err := identity.NewAuthorizer(identity.Config{
		TrustedForwarders: cfg.Relay.TrustedForwarders,
		AllowList:         allowList,
		Logger:            logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	locks := keylock.NewManager(cfg.Locks.Wait)
	vault, err := escrow.NewVault(db, cfg.Escrow.PlatformAccount, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	manager, err := lifecycle.NewManager(lifecycle.Config{
		DB:                 db,
		Vault:              vault,
		ModerationRequired: cfg.Moderation.Required,
		Logger:             logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	ledger, err := reputation.NewLedger(reputation.Config{
		DB:          db,
		Locks:       locks,
		DailyCap:    cfg.Reputation.DailyCap,
		IsModerator: authorizer.IsModerator,
		Logger:      logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	coordinator, err := settlement.NewCoordinator(settlement.Config{
		DB:            db,
		Vault:         vault,
		Lifecycle:     manager,
		Reputation:    ledger,
		Locks:         locks,
		CreditPerTask: cfg.Reputation.CreditPerTask,
		Logger:        logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Engine{
		db:          db,
		locks:       locks,
		authorizer:  authorizer,
		allowList:   allowList,
		vault:       vault,
		lifecycle:   manager,
		reputation:  ledger,
		coordinator: coordinator,
		notify:      opts.Notifier,
		logger:      logger.With("component", "engine"),
		now:         time.Now,
	}, nil
}

// Start resumes any settlement journaled as pending and begins watching
// the moderator allow-list. Run before the API starts serving.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.allowList.Watch(); err != nil {
		return err
	}
	resumed, err := e.coordinator.Recover(ctx)
	if err != nil {
		return fmt.Errorf("settlement recovery: %w", err)
	}
	if resumed > 0 {
		e.logger.Info("resumed pending settlements", "count", resumed)
	}
	return nil
}

// Close releases the allow-list watcher, the id sequence lease and the
// store.
func (e *Engine) Close() error {
	e.allowList.Close()
	if err := e.lifecycle.Close(); err != nil {
		e.logger.Warn("releasing task id sequence", "error", err)
	}
	return e.db.Close()
}

// CreateTask opens a task from a signed create_task action. Args:
// "reward" (required, positive integer) and "deadline" (optional,
// RFC 3339).
func (e *Engine) CreateTask(ctx context.Context, act *datatypes.Action) (*datatypes.Task, error) {
	auth, err := e.authorizer.Authorize(ctx, act)
	if err != nil {
		return nil, err
	}
	if err := identity.RequireOp(auth, datatypes.OpCreateTask); err != nil {
		return nil, err
	}

	reward, err := strconv.ParseInt(act.Arg("reward"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("reward %q: %w", act.Arg("reward"), datatypes.ErrInvalidAmount)
	}
	var deadline *time.Time
	if raw := act.Arg("deadline"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("deadline %q: %v: %w", raw, err, datatypes.ErrInvalidState)
		}
		deadline = &parsed
	}

	task, err := e.lifecycle.Create(ctx, auth.Actor, reward, deadline)
	if err != nil {
		return nil, err
	}
	e.emit(datatypes.EventTaskCreated, task, auth.Actor)
	return task, nil
}

// SubmitWork records the actor's submission from a signed submit_work
// action. Args: "payload" (required).
func (e *Engine) SubmitWork(ctx context.Context, act *datatypes.Action) (*datatypes.Task, error) {
	auth, err := e.authorizer.Authorize(ctx, act)
	if err != nil {
		return nil, err
	}
	if err := identity.RequireOp(auth, datatypes.OpSubmitWork); err != nil {
		return nil, err
	}
	if act.Arg("payload") == "" {
		return nil, fmt.Errorf("payload is required: %w", datatypes.ErrInvalidState)
	}

	release, err := e.locks.AcquireTask(ctx, auth.TaskID)
	if err != nil {
		return nil, err
	}
	defer release()

	task, _, err := e.lifecycle.Submit(ctx, auth.TaskID, auth.Actor, act.Arg("payload"))
	if err != nil {
		return nil, err
	}
	e.emit(datatypes.EventWorkSubmitted, task, auth.Actor)
	return task, nil
}

// AcceptSubmission settles the task from a signed accept_submission
// action. Args: "submission_index" (required). Only the creator may
// accept; a moderator may accept on a disputed task to resolve it.
func (e *Engine) AcceptSubmission(ctx context.Context, act *datatypes.Action) (*datatypes.SettlementResult, error) {
	auth, err := e.authorizer.Authorize(ctx, act)
	if err != nil {
		return nil, err
	}
	if err := identity.RequireOp(auth, datatypes.OpAcceptSubmission); err != nil {
		return nil, err
	}
	idx, err := strconv.Atoi(act.Arg("submission_index"))
	if err != nil {
		return nil, fmt.Errorf("submission_index %q: %w", act.Arg("submission_index"), datatypes.ErrInvalidState)
	}

	release, err := e.locks.AcquireTask(ctx, auth.TaskID)
	if err != nil {
		return nil, err
	}
	defer release()

	task, err := e.lifecycle.Get(ctx, auth.TaskID)
	if err != nil {
		return nil, err
	}
	if auth.Actor != task.Creator && !auth.Moderator {
		return nil, fmt.Errorf("only the creator or a moderator may accept on task %d: %w",
			auth.TaskID, datatypes.ErrUnauthorized)
	}
	if task.State == datatypes.StateDisputed && !auth.Moderator {
		return nil, fmt.Errorf("disputed task %d settles only by moderator: %w",
			auth.TaskID, datatypes.ErrUnauthorized)
	}

	result, err := e.coordinator.SettleAcceptance(ctx, auth.TaskID, idx)
	if err != nil {
		return nil, err
	}
	settled, err := e.lifecycle.Get(ctx, auth.TaskID)
	if err == nil {
		e.emit(datatypes.EventTaskSettled, settled, auth.Actor)
	}
	return result, nil
}

// CancelTask cancels and refunds from a signed cancel_task action.
func (e *Engine) CancelTask(ctx context.Context, act *datatypes.Action) (*datatypes.Task, error) {
	auth, err := e.authorizer.Authorize(ctx, act)
	if err != nil {
		return nil, err
	}
	if err := identity.RequireOp(auth, datatypes.OpCancelTask); err != nil {
		return nil, err
	}

	release, err := e.locks.AcquireTask(ctx, auth.TaskID)
	if err != nil {
		return nil, err
	}
	defer release()

	task, _, err := e.lifecycle.Cancel(ctx, auth.TaskID, auth.Actor, auth.Moderator)
	if err != nil {
		return nil, err
	}
	e.emit(datatypes.EventTaskCancelled, task, auth.Actor)
	return task, nil
}

// DisputeTask freezes a submitted task from a signed dispute_task
// action.
func (e *Engine) DisputeTask(ctx context.Context, act *datatypes.Action) (*datatypes.Task, error) {
	auth, err := e.authorizer.Authorize(ctx, act)
	if err != nil {
		return nil, err
	}
	if err := identity.RequireOp(auth, datatypes.OpDisputeTask); err != nil {
		return nil, err
	}

	release, err := e.locks.AcquireTask(ctx, auth.TaskID)
	if err != nil {
		return nil, err
	}
	defer release()

	task, err := e.lifecycle.Dispute(ctx, auth.TaskID, auth.Actor)
	if err != nil {
		return nil, err
	}
	e.emit(datatypes.EventTaskDisputed, task, auth.Actor)
	return task, nil
}

// Penalize deducts reputation from a signed penalize action. Moderator
// only. Args: "target" (identity) and "amount" (positive integer).
func (e *Engine) Penalize(ctx context.Context, act *datatypes.Action) (int64, error) {
	auth, err := e.authorizer.Authorize(ctx, act)
	if err != nil {
		return 0, err
	}
	if err := identity.RequireOp(auth, datatypes.OpPenalize); err != nil {
		return 0, err
	}
	target := act.Arg("target")
	if target == "" {
		return 0, fmt.Errorf("target identity is required: %w", datatypes.ErrInvalidState)
	}
	amount, err := strconv.ParseInt(act.Arg("amount"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", act.Arg("amount"), datatypes.ErrInvalidAmount)
	}

	return e.reputation.Penalize(ctx, auth.Actor, target, amount)
}

// RecordVerdict stores a moderation verdict on a submission. The
// moderator identity comes from the trusted moderation surface, not a
// signed envelope.
func (e *Engine) RecordVerdict(ctx context.Context, moderator string, taskID uint64, submissionIndex int, verdict datatypes.Verdict) (*datatypes.Task, error) {
	if !e.authorizer.IsModerator(moderator) {
		return nil, fmt.Errorf("verdicts require moderator authority: %w", datatypes.ErrUnauthorized)
	}

	release, err := e.locks.AcquireTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer release()

	task, err := e.lifecycle.RecordVerdict(ctx, taskID, submissionIndex, verdict)
	if err != nil {
		return nil, err
	}
	e.emit(datatypes.EventVerdict, task, moderator)
	return task, nil
}

// GetTask returns the authoritative task record.
func (e *Engine) GetTask(ctx context.Context, taskID uint64) (*datatypes.Task, error) {
	return e.lifecycle.Get(ctx, taskID)
}

// GetReputation returns an identity's reputation record. Unknown
// identities get a zero record.
func (e *Engine) GetReputation(ctx context.Context, id string) (datatypes.ReputationRecord, error) {
	return e.reputation.Record(ctx, id)
}

// GetBalance returns an identity's available balance.
func (e *Engine) GetBalance(ctx context.Context, id string) (int64, error) {
	return e.vault.BalanceOf(ctx, id)
}

// Deposit credits an identity's balance from the external payment
// rails.
func (e *Engine) Deposit(ctx context.Context, id string, amount int64) (int64, error) {
	return e.vault.Deposit(ctx, id, amount)
}

// LedgerRows returns a task's audit rows.
func (e *Engine) LedgerRows(ctx context.Context, taskID uint64) ([]datatypes.LedgerEntry, error) {
	return e.vault.LedgerRows(ctx, taskID)
}

func (e *Engine) emit(eventType string, task *datatypes.Task, actor string) {
	if e.notify == nil {
		return
	}
	e.notify(datatypes.TaskEvent{
		Type:      eventType,
		TaskID:    task.ID,
		State:     task.State,
		Actor:     actor,
		Timestamp: e.now().UTC(),
	})
}
