// Copyright (C) 2025 Loopuman (engineering@loopuman.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/loopuman/settled/pkg/extensions"
	"github.com/loopuman/settled/services/engine"
)

// Config configures the HTTP server surface.
type Config struct {
	Engine *engine.Engine

	// Resolver authenticates read endpoints and the moderation surface.
	// Nil uses extensions.NopResolver.
	Resolver extensions.IdentityResolver

	// Auditor records the operational audit trail. Nil discards.
	Auditor extensions.Auditor

	// Hub streams lifecycle events to websocket subscribers. Optional;
	// wire its Notify as the engine Notifier.
	Hub *EventHub

	// RateLimit is requests per second per client IP; Burst the bucket
	// depth. Zero disables throttling.
	RateLimit float64
	Burst     int

	Logger *slog.Logger
}

// Server holds the handler dependencies.
type Server struct {
	engine  *engine.Engine
	auditor extensions.Auditor
	logger  *slog.Logger
	now     func() time.Time
}

// NewRouter builds the gin router for the settlement engine.
//
// Route layout:
//
//	POST /v1/tasks                         create_task envelope
//	POST /v1/tasks/:id/submissions         submit_work envelope
//	POST /v1/tasks/:id/accept              accept_submission envelope
//	POST /v1/tasks/:id/cancel              cancel_task envelope
//	POST /v1/tasks/:id/dispute             dispute_task envelope
//	POST /v1/penalties                     penalize envelope
//	GET  /v1/tasks/:id                     task record
//	GET  /v1/tasks/:id/ledger              audit ledger rows
//	GET  /v1/reputation/:identity          reputation record (public)
//	GET  /v1/balance                       caller's balance (bearer)
//	POST /v1/deposits                      fund caller (bearer)
//	POST /v1/tasks/:id/verdicts            moderation verdict (bearer)
//	GET  /v1/events                        websocket event stream
//	GET  /health, GET /metrics
func NewRouter(cfg Config) (*gin.Engine, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = extensions.NopResolver{}
	}
	auditor := cfg.Auditor
	if auditor == nil {
		auditor = extensions.NopAuditor{}
	}

	s := &Server{
		engine:  cfg.Engine,
		auditor: auditor,
		logger:  logger.With("component", "api"),
		now:     time.Now,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("settled-api"))
	router.Use(RateLimit(cfg.RateLimit, cfg.Burst))

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		// Signed envelopes carry their own authority.
		v1.POST("/tasks", s.handleCreateTask)
		v1.POST("/tasks/:id/submissions", s.handleSubmitWork)
		v1.POST("/tasks/:id/accept", s.handleAcceptSubmission)
		v1.POST("/tasks/:id/cancel", s.handleCancelTask)
		v1.POST("/tasks/:id/dispute", s.handleDisputeTask)
		v1.POST("/penalties", s.handlePenalize)

		// Public reads.
		v1.GET("/tasks/:id", s.handleGetTask)
		v1.GET("/tasks/:id/ledger", s.handleGetLedger)
		v1.GET("/reputation/:identity", s.handleGetReputation)

		// Bearer-authenticated surface.
		authed := v1.Group("")
		authed.Use(Identity(resolver))
		{
			authed.GET("/balance", s.handleGetBalance)
			authed.POST("/deposits", s.handleDeposit)
			authed.POST("/tasks/:id/verdicts", s.handleRecordVerdict)
		}

		if cfg.Hub != nil {
			v1.GET("/events", cfg.Hub.Handler())
		}
	}

	return router, nil
}
