package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	licensedomain "github.com/smallbiznis/licensehub/internal/license/domain"
)

func (s *Server) ListLicenses(c *gin.Context) {
	p, err := principalFrom(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.licenses.List(c.Request.Context(), p)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CreateLicense(c *gin.Context) {
	p, err := principalFrom(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req licensedomain.CreateRequest
	if err := s.bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.licenses.Create(c.Request.Context(), p, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) GetLicense(c *gin.Context) {
	p, err := principalFrom(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.licenses.Get(c.Request.Context(), p, strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) UpdateLicense(c *gin.Context) {
	p, err := principalFrom(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req licensedomain.UpdateRequest
	if err := s.bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.licenses.Update(c.Request.Context(), p, strings.TrimSpace(c.Param("id")), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) DeleteLicense(c *gin.Context) {
	p, err := principalFrom(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.licenses.Delete(c.Request.Context(), p, strings.TrimSpace(c.Param("id"))); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type licenseStatusResponse struct {
	LicenseID  string `json:"license_id"`
	ServerName string `json:"server_name"`
	licensedomain.PresenceView
}

// GetLicenseStatus reads presence after the ownership check in Get.
func (s *Server) GetLicenseStatus(c *gin.Context) {
	p, err := principalFrom(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	lic, err := s.licenses.Get(ctx, p, strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	id, err := snowflake.ParseString(lic.ID)
	if err != nil {
		AbortWithError(c, licensedomain.ErrInvalidID)
		return
	}
	status, err := s.presence.Snapshot(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	view := licensedomain.PresenceView{}
	if status != nil {
		view.IsOnline = status.IsOnline
		view.CurrentPlayers = status.CurrentPlayers
		view.LastHeartbeat = status.LastHeartbeat
	}
	c.JSON(http.StatusOK, gin.H{"data": licenseStatusResponse{
		LicenseID:    lic.ID,
		ServerName:   lic.ServerName,
		PresenceView: view,
	}})
}
