// Copyright (C) 2025 Loopuman (engineering@loopuman.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopuman/settled/services/engine/config"
	"github.com/loopuman/settled/services/engine/datatypes"
)

type keypair struct {
	identity string
	priv     ed25519.PrivateKey
}

func newKeypair(t *testing.T) keypair {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return keypair{identity: datatypes.IdentityFromPublicKey(pub), priv: priv}
}

type eventSink struct {
	mu     sync.Mutex
	events []datatypes.TaskEvent
}

func (s *eventSink) notify(ev datatypes.TaskEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

type harness struct {
	engine    *Engine
	sink      *eventSink
	creator   keypair
	worker    keypair
	moderator keypair
	relayer   keypair
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	h := &harness{
		sink:      &eventSink{},
		creator:   newKeypair(t),
		worker:    newKeypair(t),
		moderator: newKeypair(t),
		relayer:   newKeypair(t),
	}

	allowPath := filepath.Join(t.TempDir(), "moderators.yaml")
	require.NoError(t, os.WriteFile(allowPath,
		[]byte("moderators:\n  - "+h.moderator.identity+"\n"), 0640))

	cfg := config.Default()
	cfg.Storage = config.StorageConfig{InMemory: true}
	cfg.Moderation.AllowListPath = allowPath
	cfg.Relay.TrustedForwarders = []string{h.relayer.identity}
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	eng, err := New(Options{Config: &cfg, Notifier: h.sink.notify})
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { eng.Close() })
	h.engine = eng

	_, err = eng.Deposit(context.Background(), h.creator.identity, 100_000)
	require.NoError(t, err)
	return h
}

func (h *harness) action(kp keypair, op string, taskID uint64, args map[string]string) *datatypes.Action {
	act := &datatypes.Action{
		Op:     op,
		TaskID: taskID,
		Actor:  kp.identity,
		Nonce:  fmt.Sprintf("n-%d-%s", taskID, op),
		Args:   args,
	}
	act.Sign(kp.priv)
	return act
}

func (h *harness) createTask(t *testing.T, reward int64) *datatypes.Task {
	t.Helper()
	task, err := h.engine.CreateTask(context.Background(),
		h.action(h.creator, datatypes.OpCreateTask, 0, map[string]string{
			"reward": strconv.FormatInt(reward, 10),
		}))
	require.NoError(t, err)
	return task
}

func (h *harness) submit(t *testing.T, kp keypair, taskID uint64) *datatypes.Task {
	t.Helper()
	task, err := h.engine.SubmitWork(context.Background(),
		h.action(kp, datatypes.OpSubmitWork, taskID, map[string]string{
			"payload": "ipfs://result-" + kp.identity[:8],
		}))
	require.NoError(t, err)
	return task
}

// Full happy path: create, submit, accept. The worker nets 980 of a
// 1000 reward, the platform 20, and the worker gains reputation, all
// observable only once the task reads settled.
func TestEngine_HappyPath(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	task := h.createTask(t, 1000)
	h.submit(t, h.worker, task.ID)

	result, err := h.engine.AcceptSubmission(ctx,
		h.action(h.creator, datatypes.OpAcceptSubmission, task.ID, map[string]string{
			"submission_index": "0",
		}))
	require.NoError(t, err)
	assert.Equal(t, int64(980), result.Payout)
	assert.Equal(t, int64(20), result.Fee)
	assert.Equal(t, h.worker.identity, result.Worker)

	got, err := h.engine.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StateSettled, got.State)

	workerBal, _ := h.engine.GetBalance(ctx, h.worker.identity)
	assert.Equal(t, int64(980), workerBal)

	rep, err := h.engine.GetReputation(ctx, h.worker.identity)
	require.NoError(t, err)
	assert.Equal(t, int64(10), rep.Score)

	assert.Equal(t, []string{
		datatypes.EventTaskCreated,
		datatypes.EventWorkSubmitted,
		datatypes.EventTaskSettled,
	}, h.sink.types())
}

// Settling many tasks in one day clamps reputation at the cap while
// every payout still lands in full.
func TestEngine_DailyCapAcrossSettlements(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Reputation.DailyCap = 25
		cfg.Reputation.CreditPerTask = 10
	})
	ctx := context.Background()

	var totalPayout int64
	for i := 0; i < 4; i++ {
		task := h.createTask(t, 1000)
		h.submit(t, h.worker, task.ID)
		result, err := h.engine.AcceptSubmission(ctx,
			h.action(h.creator, datatypes.OpAcceptSubmission, task.ID, map[string]string{
				"submission_index": "0",
			}))
		require.NoError(t, err)
		totalPayout += result.Payout
	}

	rep, err := h.engine.GetReputation(ctx, h.worker.identity)
	require.NoError(t, err)
	assert.Equal(t, int64(25), rep.Score, "10+10+5+0 against a cap of 25")

	bal, _ := h.engine.GetBalance(ctx, h.worker.identity)
	assert.Equal(t, totalPayout, bal)
	assert.Equal(t, int64(4*980), bal, "payouts are never clamped")
}

func TestEngine_CancelRefundsEscrow(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	task := h.createTask(t, 1000)

	before, _ := h.engine.GetBalance(ctx, h.creator.identity)
	got, err := h.engine.CancelTask(ctx,
		h.action(h.creator, datatypes.OpCancelTask, task.ID, nil))
	require.NoError(t, err)
	assert.Equal(t, datatypes.StateCancelled, got.State)

	after, _ := h.engine.GetBalance(ctx, h.creator.identity)
	assert.Equal(t, before+1000, after)
}

// A relayed action settles with the signer's identity: the payout and
// credit go to the worker who signed, never to the forwarder.
func TestEngine_RelayedSubmission(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	task := h.createTask(t, 1000)

	act := h.action(h.worker, datatypes.OpSubmitWork, task.ID, map[string]string{
		"payload": "ipfs://relayed",
	})
	act.Relayer = h.relayer.identity

	got, err := h.engine.SubmitWork(ctx, act)
	require.NoError(t, err)
	assert.Equal(t, h.worker.identity, got.Submissions[0].Worker)

	result, err := h.engine.AcceptSubmission(ctx,
		h.action(h.creator, datatypes.OpAcceptSubmission, task.ID, map[string]string{
			"submission_index": "0",
		}))
	require.NoError(t, err)
	assert.Equal(t, h.worker.identity, result.Worker)

	relayerBal, _ := h.engine.GetBalance(ctx, h.relayer.identity)
	relayerRep, _ := h.engine.GetReputation(ctx, h.relayer.identity)
	assert.Zero(t, relayerBal, "the relayer gains no funds")
	assert.Zero(t, relayerRep.Score, "the relayer gains no reputation")

	t.Run("unregistered relayer is rejected", func(t *testing.T) {
		stranger := newKeypair(t)
		task := h.createTask(t, 500)
		act := h.action(h.worker, datatypes.OpSubmitWork, task.ID, map[string]string{
			"payload": "ipfs://x",
		})
		act.Relayer = stranger.identity
		_, err := h.engine.SubmitWork(context.Background(), act)
		assert.ErrorIs(t, err, datatypes.ErrUnauthorized)
	})
}

// Dispute flow: a disputed task freezes until a moderator records a
// verdict, then settles to the approved worker.
func TestEngine_DisputeResolution(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Moderation.Required = true
	})
	ctx := context.Background()
	task := h.createTask(t, 1000)
	h.submit(t, h.worker, task.ID)

	_, err := h.engine.DisputeTask(ctx,
		h.action(h.creator, datatypes.OpDisputeTask, task.ID, nil))
	require.NoError(t, err)

	t.Run("creator cannot settle a disputed task", func(t *testing.T) {
		_, err := h.engine.AcceptSubmission(ctx,
			h.action(h.creator, datatypes.OpAcceptSubmission, task.ID, map[string]string{
				"submission_index": "0",
			}))
		assert.ErrorIs(t, err, datatypes.ErrUnauthorized)
	})

	t.Run("verdicts require moderator authority", func(t *testing.T) {
		_, err := h.engine.RecordVerdict(ctx, h.creator.identity, task.ID, 0, datatypes.VerdictApproved)
		assert.ErrorIs(t, err, datatypes.ErrUnauthorized)
	})

	_, err = h.engine.RecordVerdict(ctx, h.moderator.identity, task.ID, 0, datatypes.VerdictApproved)
	require.NoError(t, err)

	result, err := h.engine.AcceptSubmission(ctx,
		h.action(h.moderator, datatypes.OpAcceptSubmission, task.ID, map[string]string{
			"submission_index": "0",
		}))
	require.NoError(t, err)
	assert.Equal(t, int64(980), result.Payout)
}

func TestEngine_DisputeRejectAll(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Moderation.Required = true
	})
	ctx := context.Background()
	task := h.createTask(t, 1000)
	h.submit(t, h.worker, task.ID)
	_, err := h.engine.DisputeTask(ctx,
		h.action(h.worker, datatypes.OpDisputeTask, task.ID, nil))
	require.NoError(t, err)

	before, _ := h.engine.GetBalance(ctx, h.creator.identity)
	got, err := h.engine.CancelTask(ctx,
		h.action(h.moderator, datatypes.OpCancelTask, task.ID, nil))
	require.NoError(t, err)
	assert.Equal(t, datatypes.StateCancelled, got.State)

	after, _ := h.engine.GetBalance(ctx, h.creator.identity)
	assert.Equal(t, before+1000, after, "reject-all refunds the creator in full")
}

func TestEngine_Penalize(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// Build some score first.
	task := h.createTask(t, 1000)
	h.submit(t, h.worker, task.ID)
	_, err := h.engine.AcceptSubmission(ctx,
		h.action(h.creator, datatypes.OpAcceptSubmission, task.ID, map[string]string{
			"submission_index": "0",
		}))
	require.NoError(t, err)

	score, err := h.engine.Penalize(ctx,
		h.action(h.moderator, datatypes.OpPenalize, 0, map[string]string{
			"target": h.worker.identity,
			"amount": "4",
		}))
	require.NoError(t, err)
	assert.Equal(t, int64(6), score)

	t.Run("non-moderator rejected", func(t *testing.T) {
		_, err := h.engine.Penalize(ctx,
			h.action(h.creator, datatypes.OpPenalize, 0, map[string]string{
				"target": h.worker.identity,
				"amount": "1",
			}))
		assert.ErrorIs(t, err, datatypes.ErrUnauthorized)
	})
}

func TestEngine_CrossOpSignatureRejected(t *testing.T) {
	h := newHarness(t, nil)
	task := h.createTask(t, 1000)

	// Signed for submit_work, delivered to the cancel entry point.
	act := h.action(h.worker, datatypes.OpSubmitWork, task.ID, map[string]string{
		"payload": "ipfs://x",
	})
	_, err := h.engine.CancelTask(context.Background(), act)
	assert.ErrorIs(t, err, datatypes.ErrUnauthorized)
}

func TestEngine_BadArgs(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	t.Run("non-numeric reward", func(t *testing.T) {
		_, err := h.engine.CreateTask(ctx,
			h.action(h.creator, datatypes.OpCreateTask, 0, map[string]string{
				"reward": "lots",
			}))
		assert.ErrorIs(t, err, datatypes.ErrInvalidAmount)
	})

	t.Run("missing payload", func(t *testing.T) {
		task := h.createTask(t, 100)
		_, err := h.engine.SubmitWork(ctx,
			h.action(h.worker, datatypes.OpSubmitWork, task.ID, nil))
		assert.ErrorIs(t, err, datatypes.ErrInvalidState)
	})

	t.Run("malformed deadline", func(t *testing.T) {
		_, err := h.engine.CreateTask(ctx,
			h.action(h.creator, datatypes.OpCreateTask, 0, map[string]string{
				"reward":   "100",
				"deadline": "tomorrow",
			}))
		assert.ErrorIs(t, err, datatypes.ErrInvalidState)
	})
}

func TestEngine_OnlyCreatorAccepts(t *testing.T) {
	h := newHarness(t, nil)
	task := h.createTask(t, 1000)
	h.submit(t, h.worker, task.ID)

	_, err := h.engine.AcceptSubmission(context.Background(),
		h.action(h.worker, datatypes.OpAcceptSubmission, task.ID, map[string]string{
			"submission_index": "0",
		}))
	assert.ErrorIs(t, err, datatypes.ErrUnauthorized)
}
