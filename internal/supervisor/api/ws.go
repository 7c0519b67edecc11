package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Same trust model as the SSE stream: authentication happens at
		// the session layer, not per origin.
		return true
	},
}

// wsRun serves GET /ws/:id — the WebSocket mirror of the SSE stream.
func (s *Server) wsRun(c *gin.Context) {
	id, ok := s.identifierParam(c)
	if !ok {
		return
	}
	fromLine := 1
	if query := c.Query("id"); query != "" {
		if n, err := strconv.Atoi(query); err == nil && n > 0 {
			fromLine = n
		}
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.hub.Serve(conn, id, s.sup.LogDir(id), fromLine)
}

// wsLobby serves GET /ws — run lifecycle events for index-page watchers.
func (s *Server) wsLobby(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.hub.Serve(conn, "", "", 0)
}
