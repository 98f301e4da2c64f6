package handlers

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/omarmfza1-glitch/nexus-miracle/pkg/eventbus"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/logger"
)

const eventWriteTimeout = 5 * time.Second

// EventStream pushes bus events to a dashboard over a WebSocket.
// ?call_id= limits the feed to one call.
func (h *Handler) EventStream(c *gin.Context) {
	callID := c.Query("call_id")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade event stream", zap.Error(err))
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(msgType int, data interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
		if msgType == websocket.PingMessage {
			return conn.WriteMessage(websocket.PingMessage, nil)
		}
		return conn.WriteJSON(data)
	}

	token := h.bus.SubscribeAll(func(e eventbus.Event) error {
		if callID != "" && e.CorrelationID != callID {
			return nil
		}
		return write(websocket.TextMessage, e)
	})
	defer h.bus.Unsubscribe(token)

	h.logger.Debug("Event stream opened", logger.CallID(callID))

	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
