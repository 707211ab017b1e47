// Copyright (C) 2025 Loopuman (engineering@loopuman.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/loopuman/settled/pkg/extensions"
	"github.com/loopuman/settled/services/engine/datatypes"
)

// statusFor maps the engine's error taxonomy to HTTP status codes.
// ErrBusy maps to 503 with Retry-After: it is the one retryable error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, datatypes.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, datatypes.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, datatypes.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, datatypes.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, datatypes.ErrDuplicateSubmission),
		errors.Is(err, datatypes.ErrSubmissionSlotsFull),
		errors.Is(err, datatypes.ErrInvalidState),
		errors.Is(err, datatypes.ErrAlreadyReleased):
		return http.StatusConflict
	case errors.Is(err, datatypes.ErrBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "1")
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// bindAction binds and validates a signed action envelope, pinning the
// op so a client cannot post an envelope to the wrong route.
func (s *Server) bindAction(c *gin.Context, op string) (*datatypes.Action, bool) {
	var act datatypes.Action
	if err := c.ShouldBindJSON(&act); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed action envelope"})
		return nil, false
	}
	if act.Op != op {
		c.JSON(http.StatusBadRequest,
			gin.H{"error": "action op does not match route"})
		return nil, false
	}
	return &act, true
}

// bindTaskAction is bindAction for task-scoped routes: the envelope's
// task id must match the :id path segment, so a client posting to the
// wrong URL cannot silently mutate a different task.
func (s *Server) bindTaskAction(c *gin.Context, op string) (*datatypes.Action, bool) {
	id, ok := s.taskID(c)
	if !ok {
		return nil, false
	}
	act, ok := s.bindAction(c, op)
	if !ok {
		return nil, false
	}
	if act.TaskID != id {
		c.JSON(http.StatusBadRequest,
			gin.H{"error": "action task_id does not match route"})
		return nil, false
	}
	return act, true
}

func (s *Server) audit(c *gin.Context, actor, op string, taskID uint64, err error) {
	event := extensions.AuditEvent{
		Timestamp: s.now(),
		Actor:     actor,
		Op:        op,
		TaskID:    taskID,
		Allowed:   err == nil,
	}
	if err != nil {
		event.Detail = err.Error()
	}
	s.auditor.Record(c.Request.Context(), event)
}

func (s *Server) handleCreateTask(c *gin.Context) {
	act, ok := s.bindAction(c, datatypes.OpCreateTask)
	if !ok {
		return
	}
	task, err := s.engine.CreateTask(c.Request.Context(), act)
	s.audit(c, act.Actor, act.Op, 0, err)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) handleSubmitWork(c *gin.Context) {
	act, ok := s.bindTaskAction(c, datatypes.OpSubmitWork)
	if !ok {
		return
	}
	task, err := s.engine.SubmitWork(c.Request.Context(), act)
	s.audit(c, act.Actor, act.Op, act.TaskID, err)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleAcceptSubmission(c *gin.Context) {
	act, ok := s.bindTaskAction(c, datatypes.OpAcceptSubmission)
	if !ok {
		return
	}
	result, err := s.engine.AcceptSubmission(c.Request.Context(), act)
	s.audit(c, act.Actor, act.Op, act.TaskID, err)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleCancelTask(c *gin.Context) {
	act, ok := s.bindTaskAction(c, datatypes.OpCancelTask)
	if !ok {
		return
	}
	task, err := s.engine.CancelTask(c.Request.Context(), act)
	s.audit(c, act.Actor, act.Op, act.TaskID, err)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleDisputeTask(c *gin.Context) {
	act, ok := s.bindTaskAction(c, datatypes.OpDisputeTask)
	if !ok {
		return
	}
	task, err := s.engine.DisputeTask(c.Request.Context(), act)
	s.audit(c, act.Actor, act.Op, act.TaskID, err)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handlePenalize(c *gin.Context) {
	act, ok := s.bindAction(c, datatypes.OpPenalize)
	if !ok {
		return
	}
	score, err := s.engine.Penalize(c.Request.Context(), act)
	s.audit(c, act.Actor, act.Op, 0, err)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"target": act.Arg("target"),
		"score":  score,
	})
}

func (s *Server) taskID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task id must be a positive integer"})
		return 0, false
	}
	return id, true
}

func (s *Server) handleGetTask(c *gin.Context) {
	id, ok := s.taskID(c)
	if !ok {
		return
	}
	task, err := s.engine.GetTask(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleGetLedger(c *gin.Context) {
	id, ok := s.taskID(c)
	if !ok {
		return
	}
	rows, err := s.engine.LedgerRows(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": id, "entries": rows})
}

func (s *Server) handleGetReputation(c *gin.Context) {
	record, err := s.engine.GetReputation(c.Request.Context(), c.Param("identity"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// handleGetBalance returns the caller's own balance; identities are
// public keys but balances are not published per-identity.
func (s *Server) handleGetBalance(c *gin.Context) {
	identity := CallerIdentity(c)
	balance, err := s.engine.GetBalance(c.Request.Context(), identity)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"identity": identity, "available": balance})
}

type depositRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

// handleDeposit credits the caller's balance. In production this sits
// behind the payment-rails callback, authenticated by the resolver.
func (s *Server) handleDeposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount is required"})
		return
	}
	identity := CallerIdentity(c)
	balance, err := s.engine.Deposit(c.Request.Context(), identity, req.Amount)
	s.audit(c, identity, "deposit", 0, err)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"identity": identity, "available": balance})
}

type verdictRequest struct {
	SubmissionIndex *int   `json:"submission_index" binding:"required"`
	Verdict         string `json:"verdict" binding:"required,oneof=approved rejected"`
}

// handleRecordVerdict stores a moderation verdict. The caller identity
// comes from the bearer token; the engine checks moderator membership.
func (s *Server) handleRecordVerdict(c *gin.Context) {
	id, ok := s.taskID(c)
	if !ok {
		return
	}
	var req verdictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest,
			gin.H{"error": "submission_index and verdict (approved|rejected) are required"})
		return
	}

	moderator := CallerIdentity(c)
	task, err := s.engine.RecordVerdict(c.Request.Context(), moderator, id,
		*req.SubmissionIndex, datatypes.Verdict(req.Verdict))
	s.audit(c, moderator, "record_verdict", id, err)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
