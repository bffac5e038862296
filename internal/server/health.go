package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	flowengine "github.com/paywise/flowengine"
	"github.com/paywise/flowengine/pkg/api"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, api.HealthResponse{
		Service: flowengine.Name,
		Version: flowengine.Version,
		Status:  "healthy",
	})
}
