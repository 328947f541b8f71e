package server

import (
	"log"
	"net/http"

	"github.com/aeolun/darkroom/pkg/transport"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Native clients send no Origin; browsers are not a target.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades /ws and serves the relay protocol over binary
// messages.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	s.handleConnection(transport.NewWebSocketConn(ws), "websocket")
}
