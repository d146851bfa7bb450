package server

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/licensehub/internal/auth"
	obscontext "github.com/smallbiznis/licensehub/internal/observability/context"
	"github.com/smallbiznis/licensehub/internal/principal"
	userdomain "github.com/smallbiznis/licensehub/internal/user/domain"
)

// AuthRequired resolves the bearer token to a live account. Role and username
// come from the stored user, so a demotion takes effect before the token
// expires.
func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			AbortWithError(c, auth.ErrMissingToken)
			return
		}

		claims, err := s.issuer.Parse(raw)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		ctx := c.Request.Context()
		user, err := s.userSvc.FindActive(ctx, claims.UserID)
		if err != nil {
			if errors.Is(err, userdomain.ErrNotFound) {
				err = ErrUnauthorized
			}
			AbortWithError(c, err)
			return
		}

		p := principal.Principal{
			UserID:   user.ID,
			Username: user.Username,
			Role:     principal.Role(user.Role),
		}
		ctx = principal.WithPrincipal(ctx, p)
		ctx = obscontext.WithActor(ctx, string(p.Role), p.UserID.String())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func principalFrom(c *gin.Context) (principal.Principal, error) {
	p, ok := principal.FromContext(c.Request.Context())
	if !ok {
		return principal.Principal{}, ErrUnauthorized
	}
	return p, nil
}
