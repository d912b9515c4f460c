// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package srcsession

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/srcsession/services/srcsession/events"
)

const (
	// streamBuffer is the per-connection event backlog before events drop.
	streamBuffer = 256

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleEventStream handles GET /v1/srcsession/events.
//
// Description:
//
//	Upgrades to a websocket and pushes every matching event as a JSON
//	events.Event. Clients that fall behind by more than the connection
//	backlog lose events rather than stall the emitter.
//
// Query Parameters:
//
//	key - Only events for this identity-key. Optional.
//	types - Comma-separated event types. Optional.
//	replay - "true" sends the buffered recent events first.
func (h *Handlers) HandleEventStream(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := requestLogger(c, requestID, "HandleEventStream")

	key := c.Query("key")
	types := parseTypes(c.Query("types"))
	replay := c.Query("replay") == "true"

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	var filter events.Filter
	if key != "" {
		filter = func(ev *events.Event) bool { return ev.Key == key }
	}
	emitter := h.svc.Emitter()
	ch := emitter.Channel(ctx, streamBuffer, filter, types...)

	logger.Info("Event stream connected", "key", key, "types", len(types))

	// The read side only services control frames and notices disconnects.
	ws.SetReadLimit(1024)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if replay {
		for _, ev := range recentMatching(emitter, key, types) {
			if err := writeEvent(ws, ev); err != nil {
				return
			}
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(ws, ev); err != nil {
				logger.Info("Event stream disconnected", "error", err)
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func writeEvent(ws *websocket.Conn, ev events.Event) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(ev)
}

func parseTypes(raw string) []events.Type {
	if raw == "" {
		return nil
	}
	var out []events.Type
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, events.Type(part))
		}
	}
	return out
}

func recentMatching(emitter *events.Emitter, key string, types []events.Type) []events.Event {
	var recent []events.Event
	if key != "" {
		recent = emitter.RecentForKey(key)
	} else {
		recent = emitter.Recent()
	}
	if len(types) == 0 {
		return recent
	}
	out := recent[:0]
	for _, ev := range recent {
		for _, t := range types {
			if ev.Type == t {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}
