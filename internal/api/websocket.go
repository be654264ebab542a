package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"apollo-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamTopics maps the ?topic= query values onto bus events.
var streamTopics = map[string]events.Event{
	"log":   events.EventLog,
	"tick":  events.EventTick,
	"trade": events.EventTradeSettled,
	"risk":  events.EventRiskTransition,
}

// websocket streams one bus topic to the client as JSON frames. Slow clients
// lose messages rather than backpressuring the engine.
func (s *Server) websocket(c *gin.Context) {
	topic, ok := streamTopics[c.DefaultQuery("topic", "log")]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"code": "UNKNOWN_TOPIC", "error": "unknown stream topic"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	stream, unsub := s.Bus.Subscribe(topic, 100)
	defer unsub()

	for msg := range stream {
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("ws write error: %v", err)
			return
		}
	}
}
