// Package api is the supervisor's HTTP surface: run listing and log
// pages, the SSE and WebSocket live streams, scan/kill/rerun actions, and
// the optional GitHub OAuth front.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kilnci/kiln/internal/common/config"
	"github.com/kilnci/kiln/internal/common/httpmw"
	"github.com/kilnci/kiln/internal/common/logger"
	"github.com/kilnci/kiln/internal/streaming"
	"github.com/kilnci/kiln/internal/supervisor"
)

// Server holds the handler dependencies.
type Server struct {
	cfg  *config.Config
	sup  *supervisor.Supervisor
	hub  *streaming.Hub
	auth *auth
	log  *logger.Logger
}

// NewServer wires the HTTP surface.
func NewServer(cfg *config.Config, sup *supervisor.Supervisor, hub *streaming.Hub, log *logger.Logger) *Server {
	return &Server{
		cfg:  cfg,
		sup:  sup,
		hub:  hub,
		auth: newAuth(cfg.Auth),
		log:  log,
	}
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmw.RequestLogger(s.log, "kiln"))
	r.Use(httpmw.OtelTracing("kiln"))

	r.GET("/login", s.login)
	r.GET("/callback", s.callback)
	r.GET("/logout", s.logout)

	r.GET("/", s.auth.require(authRedirect), s.index)
	r.GET("/logs/:id", s.auth.require(authRedirect), s.logs)
	r.GET("/stream/:id", s.auth.require(0), s.stream)
	r.GET("/ws", s.auth.require(0), s.wsLobby)
	r.GET("/ws/:id", s.auth.require(0), s.wsRun)

	r.GET("/trigger", s.triggerHandler)
	r.POST("/trigger", s.triggerHandler)
	r.POST("/kill/:id", s.auth.require(authLoggedIn), s.kill)
	r.POST("/rerun/:id", s.auth.require(authLoggedIn), s.rerun)
	r.POST("/inhibit", s.auth.require(authLoggedIn), s.inhibit)
	r.POST("/remove_inhibition", s.auth.require(authLoggedIn), s.removeInhibition)

	return r
}

// identifierParam validates :id, aborting with 400 on junk.
func (s *Server) identifierParam(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if !supervisor.ValidIdentifier(id) {
		c.String(400, "Invalid identifier")
		c.Abort()
		return "", false
	}
	return id, true
}
