package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"dockpit/internal/api"
	"dockpit/internal/persistence"
)

func projectDTO(p persistence.Project) api.Project {
	ports := p.DetectedPorts
	if ports == nil {
		ports = []int{}
	}
	return api.Project{
		ID:              p.ID,
		Name:            p.Name,
		Directory:       p.Directory,
		ContainerID:     p.ContainerID,
		ContainerStatus: p.ContainerStatus,
		DetectedPorts:   ports,
		UpdatedAt:       p.UpdatedAt,
	}
}

func (s *GinServer) handleListProjects(c *gin.Context) {
	projects, err := s.store.ListProjects(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: err.Error()})
		return
	}
	out := make([]api.Project, 0, len(projects))
	for _, p := range projects {
		out = append(out, projectDTO(p))
	}
	c.JSON(http.StatusOK, gin.H{"projects": out})
}

func (s *GinServer) handleGetProject(c *gin.Context) {
	p, err := s.store.GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, persistence.ErrProjectNotFound) {
			c.JSON(http.StatusNotFound, api.ErrorResponse{Error: "project not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, projectDTO(p))
}

// handlePutProject registers or updates a project. The body is checked
// against the API schema before it gets here. Detected ports are owned by the
// coordinator and cannot be set here.
func (s *GinServer) handlePutProject(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	var req api.ProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "invalid request body"})
		return
	}
	if id == "" {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "project id is required"})
		return
	}
	ctx := c.Request.Context()
	err := s.store.UpsertProject(ctx, persistence.Project{
		ID:              id,
		Name:            req.Name,
		Directory:       req.Directory,
		ContainerID:     req.ContainerID,
		ContainerStatus: req.ContainerStatus,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: err.Error()})
		return
	}
	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: err.Error()})
		return
	}
	s.logger.Info("project registered", "project", id, "container", p.ContainerID)
	c.JSON(http.StatusOK, projectDTO(p))
}
