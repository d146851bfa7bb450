package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type meResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	IsActive bool   `json:"is_active"`
}

func (s *Server) Me(c *gin.Context) {
	p, err := principalFrom(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	user, err := s.userSvc.FindActive(c.Request.Context(), p.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": meResponse{
		ID:       user.ID.String(),
		Username: user.Username,
		Email:    user.Email,
		Role:     user.Role,
		IsActive: user.IsActive,
	}})
}
