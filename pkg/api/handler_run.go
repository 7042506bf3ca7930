package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tandem-run/tandem/pkg/models"
	"github.com/tandem-run/tandem/pkg/runtime"
)

// handleCreateRun accepts an OrchestratorRequest and launches it
// asynchronously, returning the run ID.
func (s *Server) handleCreateRun(c *gin.Context) {
	req := models.DefaultedRequest()
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	runID, err := s.runtime.Start(c.Request.Context(), &req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, runtime.ErrEmptyTask) || errors.Is(err, runtime.ErrUnknownProvider) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
}

// handleGetRun returns the current (possibly terminal) run state.
func (s *Server) handleGetRun(c *gin.Context) {
	state, ok := s.runtime.StateFor(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, state)
}

// handleCancelRun requests cancellation at the next suspension point.
func (s *Server) handleCancelRun(c *gin.Context) {
	runID := c.Param("id")
	if _, ok := s.runtime.StateFor(runID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	s.runtime.Cancel(runID)
	c.JSON(http.StatusAccepted, gin.H{"status": "cancellation requested"})
}

// handleRunEvents bridges the run's stream bus onto an SSE response.
func (s *Server) handleRunEvents(c *gin.Context) {
	runID := c.Param("id")
	if _, ok := s.runtime.StateFor(runID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}

	ch, cancel := s.runtime.Events(runID)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(_ io.Writer) bool {
		select {
		case ev, open := <-ch:
			if !open {
				return false
			}
			c.SSEvent(ev.Name, ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
