package server

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/licensehub/internal/audit/masking"
	obscontext "github.com/smallbiznis/licensehub/internal/observability/context"
	"github.com/smallbiznis/licensehub/internal/validation"
)

const (
	msgLicenseKeyRequired   = "license key is required"
	msgScriptFieldsRequired = "license key and script name are required"
	msgInternal             = "internal server error"
	msgHeartbeatReceived    = "heartbeat received"
	msgServerInfoInvalid    = "server_info.players and server_info.maxPlayers must be numbers"
	msgRateLimited          = "too many requests"

	rateLimitedReason = "rate_limited"
)

type validateRequest struct {
	LicenseKey string `json:"license_key"`
}

type validateScriptRequest struct {
	LicenseKey string `json:"license_key"`
	ScriptName string `json:"script_name"`
}

type heartbeatRequest struct {
	LicenseKey string     `json:"license_key"`
	ServerInfo serverInfo `json:"server_info"`
}

// serverInfo accepts any JSON number; fractional counts are truncated.
type serverInfo struct {
	Players    float64  `json:"players"`
	MaxPlayers *float64 `json:"maxPlayers"`
}

func (si serverInfo) counts() (int, *int) {
	players := int(math.Trunc(si.Players))
	if si.MaxPlayers == nil {
		return players, nil
	}
	maxPlayers := int(math.Trunc(*si.MaxPlayers))
	return players, &maxPlayers
}

func isServerInfoTypeError(err error) bool {
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &typeErr) && strings.HasPrefix(typeErr.Field, "server_info")
}

type validResponse struct {
	Valid   bool                    `json:"valid"`
	License *validation.LicenseInfo `json:"license"`
	System  validation.SystemInfo   `json:"system"`
}

type rejectedResponse struct {
	Valid  bool   `json:"valid"`
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type heartbeatResponse struct {
	Status       string `json:"status"`
	Message      string `json:"message"`
	LicenseValid bool   `json:"license_valid"`
	ServerIP     string `json:"server_ip"`
}

type heartbeatError struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) Validate(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.LicenseKey) == "" {
		c.JSON(http.StatusBadRequest, rejectedResponse{Error: msgLicenseKeyRequired})
		return
	}

	key := strings.TrimSpace(req.LicenseKey)
	s.tagLicenseKey(c, key)

	res, err := s.checks.Validate(c.Request.Context(), key)
	if err != nil {
		s.publicFailure(c, err, true)
		return
	}
	c.Set("validation_outcome", res.Outcome())
	writeValidation(c, res)
}

func (s *Server) ValidateScript(c *gin.Context) {
	var req validateScriptRequest
	if err := c.ShouldBindJSON(&req); err != nil ||
		strings.TrimSpace(req.LicenseKey) == "" ||
		strings.TrimSpace(req.ScriptName) == "" {
		c.JSON(http.StatusBadRequest, rejectedResponse{Error: msgScriptFieldsRequired})
		return
	}

	key := strings.TrimSpace(req.LicenseKey)
	s.tagLicenseKey(c, key)

	res, err := s.checks.ValidateScript(c.Request.Context(), key, strings.TrimSpace(req.ScriptName))
	if err != nil {
		s.publicFailure(c, err, true)
		return
	}
	c.Set("validation_outcome", res.Outcome())
	writeValidation(c, res)
}

func (s *Server) Heartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		msg := msgLicenseKeyRequired
		if isServerInfoTypeError(err) {
			msg = msgServerInfoInvalid
		}
		c.JSON(http.StatusBadRequest, heartbeatError{Error: msg})
		return
	}
	if strings.TrimSpace(req.LicenseKey) == "" {
		c.JSON(http.StatusBadRequest, heartbeatError{Error: msgLicenseKeyRequired})
		return
	}

	key := strings.TrimSpace(req.LicenseKey)
	s.tagLicenseKey(c, key)

	players, maxPlayers := req.ServerInfo.counts()
	res, err := s.checks.Heartbeat(c.Request.Context(), key, players, maxPlayers)
	if err != nil {
		s.publicFailure(c, err, false)
		return
	}
	c.Set("validation_outcome", res.Outcome())

	if !res.Valid {
		c.JSON(http.StatusUnauthorized, heartbeatError{
			Error:  res.Message(),
			Reason: string(res.Reason),
		})
		return
	}
	c.JSON(http.StatusOK, heartbeatResponse{
		Status:       "success",
		Message:      msgHeartbeatReceived,
		LicenseValid: true,
		ServerIP:     res.System.ServerIP,
	})
}

func writeValidation(c *gin.Context, res *validation.Result) {
	if !res.Valid {
		c.JSON(http.StatusOK, rejectedResponse{
			Error:  res.Message(),
			Reason: string(res.Reason),
		})
		return
	}
	c.JSON(http.StatusOK, validResponse{
		Valid:   true,
		License: res.License,
		System:  res.System,
	})
}

// publicFailure answers storage failures without leaking details. The error
// is still attached to the context for request logging.
func (s *Server) publicFailure(c *gin.Context, err error, validationShape bool) {
	_ = c.Error(err)
	c.Set("validation_outcome", "error")
	if validationShape {
		c.JSON(http.StatusInternalServerError, rejectedResponse{Error: msgInternal})
		return
	}
	c.JSON(http.StatusInternalServerError, heartbeatError{Error: msgInternal})
}

func (s *Server) tagLicenseKey(c *gin.Context, key string) {
	ctx := obscontext.WithLicenseKey(c.Request.Context(), masking.MaskLicenseKey(key))
	c.Request = c.Request.WithContext(ctx)
}
