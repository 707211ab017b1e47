// Copyright (C) 2025 Loopuman (engineering@loopuman.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopuman/settled/services/engine/datatypes"
)

func TestEventHub_NotifyFanOut(t *testing.T) {
	hub := NewEventHub(nil)

	a := hub.subscribe()
	b := hub.subscribe()
	defer hub.unsubscribe(a)
	defer hub.unsubscribe(b)

	hub.Notify(datatypes.TaskEvent{Type: datatypes.EventTaskCreated, TaskID: 1})

	for name, ch := range map[string]chan datatypes.TaskEvent{"a": a, "b": b} {
		select {
		case ev := <-ch:
			assert.Equal(t, uint64(1), ev.TaskID, name)
		default:
			t.Errorf("subscriber %s received nothing", name)
		}
	}
}

func TestEventHub_SlowSubscriberDropped(t *testing.T) {
	hub := NewEventHub(nil)
	ch := hub.subscribe()
	defer hub.unsubscribe(ch)

	// Fill the buffer without draining, then one more.
	for i := 0; i <= clientBuffer; i++ {
		hub.Notify(datatypes.TaskEvent{Type: datatypes.EventWorkSubmitted, TaskID: uint64(i)})
	}

	assert.Zero(t, hub.Subscribers(), "a full subscriber must be dropped, not waited on")
}

func TestEventHub_Websocket(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewEventHub(nil)

	router := gin.New()
	router.GET("/v1/events", hub.Handler())
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Subscription is registered inside the handler goroutine.
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, hub.Subscribers())

	hub.Notify(datatypes.TaskEvent{
		Type:   datatypes.EventTaskSettled,
		TaskID: 7,
		State:  datatypes.StateSettled,
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev datatypes.TaskEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, datatypes.EventTaskSettled, ev.Type)
	assert.Equal(t, uint64(7), ev.TaskID)
}
