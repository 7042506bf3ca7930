// Package api exposes the thin HTTP surface over the runtime: run
// submission, state lookup, SSE event streaming, and health.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tandem-run/tandem/pkg/runtime"
	"github.com/tandem-run/tandem/pkg/version"
)

// Server bundles the gin engine and its dependencies.
type Server struct {
	engine  *gin.Engine
	runtime *runtime.Runtime
}

// NewServer builds the router.
func NewServer(rt *runtime.Runtime) *Server {
	s := &Server{
		engine:  gin.New(),
		runtime: rt,
	}
	s.engine.Use(gin.Recovery())

	s.engine.GET("/healthz", s.handleHealth)

	api := s.engine.Group("/api")
	{
		api.POST("/runs", s.handleCreateRun)
		api.GET("/runs/:id", s.handleGetRun)
		api.GET("/runs/:id/events", s.handleRunEvents)
		api.POST("/runs/:id/cancel", s.handleCancelRun)
	}
	return s
}

// Handler returns the http.Handler for serving.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"app":     version.AppName,
		"version": version.GitCommit,
	})
}
