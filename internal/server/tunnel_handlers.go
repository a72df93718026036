package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"dockpit/internal/api"
	"dockpit/internal/persistence"
	"dockpit/internal/wslink"
)

func (s *GinServer) handleTunnelState(c *gin.Context) {
	c.JSON(http.StatusOK, s.coordinator.State())
}

func (s *GinServer) handleTunnelFocus(c *gin.Context) {
	var req api.FocusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "invalid request body"})
		return
	}
	projectID := ""
	if req.ProjectID != nil {
		projectID = *req.ProjectID
	}
	if projectID != "" {
		if _, err := s.store.GetProject(c.Request.Context(), projectID); err != nil {
			if errors.Is(err, persistence.ErrProjectNotFound) {
				c.JSON(http.StatusNotFound, api.ErrorResponse{Error: "project not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: err.Error()})
			return
		}
	}
	s.coordinator.SetFocusedProject(projectID)
	c.JSON(http.StatusOK, s.coordinator.State())
}

func (s *GinServer) handleTunnelDisconnectPort(c *gin.Context) {
	// Range is enforced by the API schema.
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "invalid port"})
		return
	}
	if !s.coordinator.DisconnectPort(port) {
		c.JSON(http.StatusNotFound, api.ErrorResponse{Error: "port not active"})
		return
	}
	c.JSON(http.StatusOK, s.coordinator.State())
}

func (s *GinServer) handleAgentShutdown(c *gin.Context) {
	if !s.coordinator.AgentShutdown() {
		c.JSON(http.StatusConflict, api.ErrorResponse{Error: "no agent connected"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleAgentLink accepts the agent's WebSocket. A newer agent supersedes the
// current one, whose socket is closed.
func (s *GinServer) handleAgentLink(c *gin.Context) {
	conn, err := wslink.Upgrade(c.Writer, c.Request)
	if err != nil {
		s.logger.Warn("agent link upgrade failed", "error", err)
		return
	}
	logger := s.logger.With("component", "agent-link", "session", uuid.NewString(), "remote", conn.RemoteAddr())

	// Install and swap together so concurrent agents agree on the winner.
	s.agentMu.Lock()
	previous := s.agent
	s.agent = conn
	s.coordinator.SetAgentConnection(conn)
	s.agentMu.Unlock()
	if previous != nil {
		logger.Info("agent replaced previous connection")
		previous.Close()
	}
	logger.Info("agent connected")

	defer func() {
		s.agentMu.Lock()
		if s.agent == conn {
			s.agent = nil
		}
		s.coordinator.ClearAgentConnection(conn)
		s.agentMu.Unlock()
		conn.Close()
	}()

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if wslink.IsNormalClose(err) {
				logger.Info("agent disconnected")
			} else {
				logger.Info("agent link closed", "error", err)
			}
			return
		}
		if frame.Binary {
			s.coordinator.HandleAgentData(conn, frame.Data)
			continue
		}
		s.coordinator.HandleAgentMessage(conn, frame.Data)
	}
}
