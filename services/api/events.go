// Copyright (C) 2025 Loopuman (engineering@loopuman.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/loopuman/settled/services/engine/datatypes"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The event stream carries no authority; consumers read
	// authoritative state through GET /v1/tasks/:id.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait = 5 * time.Second

	// clientBuffer is the per-client event queue. A consumer that falls
	// this far behind is disconnected rather than blocking the engine.
	clientBuffer = 64
)

// EventHub fans lifecycle events out to websocket subscribers. Chat and
// bot adapters subscribe here to mirror task activity into their
// channels.
type EventHub struct {
	mu      sync.Mutex
	clients map[chan datatypes.TaskEvent]bool
	logger  *slog.Logger
}

// NewEventHub creates an empty hub.
func NewEventHub(logger *slog.Logger) *EventHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHub{
		clients: make(map[chan datatypes.TaskEvent]bool),
		logger:  logger.With("component", "api.EventHub"),
	}
}

// Notify is the engine-facing entry point; wire it as the engine's
// Notifier. Slow subscribers are dropped, never waited on.
func (h *EventHub) Notify(event datatypes.TaskEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- event:
		default:
			h.logger.Warn("dropping slow event subscriber")
			delete(h.clients, ch)
			close(ch)
		}
	}
}

// Subscribers returns the current subscriber count. Test hook.
func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *EventHub) subscribe() chan datatypes.TaskEvent {
	ch := make(chan datatypes.TaskEvent, clientBuffer)
	h.mu.Lock()
	h.clients[ch] = true
	h.mu.Unlock()
	return ch
}

func (h *EventHub) unsubscribe(ch chan datatypes.TaskEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[ch] {
		delete(h.clients, ch)
		close(ch)
	}
}

// Handler upgrades the request to a websocket and streams events until
// the client disconnects.
func (h *EventHub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Error("websocket upgrade failed", "error", err)
			return
		}
		defer ws.Close()

		ch := h.subscribe()
		defer h.unsubscribe(ch)
		h.logger.Info("event subscriber connected", "remote", ws.RemoteAddr().String())

		// Reader goroutine: we never expect client messages, but reading
		// is what surfaces the close frame.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := ws.WriteJSON(event); err != nil {
					h.logger.Info("event subscriber disconnected", "error", err)
					return
				}
			case <-done:
				return
			}
		}
	}
}
