package handlers

import (
	"github.com/gofiber/websocket/v2"

	"github.com/curator-agent/backend/internal/events"
	"github.com/curator-agent/backend/pkg/logger"
)

type EventsHandler struct {
	hub *events.Hub
}

func NewEventsHandler(hub *events.Hub) *EventsHandler {
	return &EventsHandler{
		hub: hub,
	}
}

// HandleConnection streams pipeline events over a websocket. The
// subscription starts at connect time; no history replay.
func (h *EventsHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("Event stream connected")

	ch, unsubscribe := h.hub.Subscribe()
	defer func() {
		unsubscribe()
		c.Close()
		logger.Info("Event stream closed")
	}()

	// Reads only serve to detect the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := c.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
