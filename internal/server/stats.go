package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetStats serves the dashboard. Admins see the fleet; users see their own
// licenses.
func (s *Server) GetStats(c *gin.Context) {
	p, err := principalFrom(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	stats, err := s.reporting.Stats(c.Request.Context(), p)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stats})
}
