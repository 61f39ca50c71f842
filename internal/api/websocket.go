package api

import (
	"log"
	"net/http"

	"bot-core/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket streams bot events to the browser. Browsers cannot set an
// Authorization header on a websocket handshake, so the JWT rides in the
// token query parameter instead. Each client only sees its own events.
func (s *Server) websocket(c *gin.Context) {
	userID, err := parseToken(c.Query("token"), s.JWTSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":  "INVALID_TOKEN",
			"error": "invalid or expired token",
		})
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

	stream, unsub := s.Bus.Subscribe(events.EventAll, 100)
	defer unsub()

	// Drain the read side so close frames are processed and a dead peer
	// is noticed even when no events flow.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case msg, ok := <-stream:
			if !ok {
				return
			}
			// System-wide events carry an empty user id.
			if msg.UserID != "" && msg.UserID != userID {
				continue
			}
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		}
	}
}
