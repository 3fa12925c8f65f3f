package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/vigilhq/vigil-backend/internal/model"
	"github.com/vigilhq/vigil-backend/internal/realtime"
	"github.com/vigilhq/vigil-backend/internal/response"
	"github.com/vigilhq/vigil-backend/internal/service"
)

const (
	// ContextKeyClaims is the Gin context key for validated claims.
	ContextKeyClaims = "claims"
	// ContextKeyPrincipal is the Gin context key for the derived principal.
	ContextKeyPrincipal = "principal"
)

// RequireAccess validates an ACCESS capability from the Authorization header.
// REFRESH capabilities are rejected here; only the refresh endpoint takes them.
func RequireAccess(tokens *service.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := bearerToken(c)
		if tokenStr == "" {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		claims, err := tokens.ValidateAccess(c.Request.Context(), tokenStr)
		if err != nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenInvalid)
			return
		}

		userID, err := claims.UserID()
		if err != nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenInvalid)
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Set(ContextKeyPrincipal, realtime.Principal{UserID: userID, Role: claims.Role})
		c.Next()
	}
}

// RequireRole restricts a route to the listed roles. Must run after RequireAccess.
func RequireRole(roles ...model.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}
		for _, role := range roles {
			if p.Role == role {
				c.Next()
				return
			}
		}
		response.AbortFail(c, http.StatusForbidden, response.ErrForbidden)
	}
}

// RequireAccessQuery validates an ACCESS capability from ?token=..., used by
// WebSocket upgrade requests where headers are awkward for browsers.
func RequireAccessQuery(tokens *service.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := c.Query("token")
		if tokenStr == "" {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		claims, err := tokens.ValidateAccess(c.Request.Context(), tokenStr)
		if err != nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenInvalid)
			return
		}
		userID, err := claims.UserID()
		if err != nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenInvalid)
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Set(ContextKeyPrincipal, realtime.Principal{UserID: userID, Role: claims.Role})
		c.Next()
	}
}

// GetClaims retrieves the validated claims from the Gin context.
func GetClaims(c *gin.Context) *service.Claims {
	val, exists := c.Get(ContextKeyClaims)
	if !exists {
		return nil
	}
	claims, ok := val.(*service.Claims)
	if !ok {
		return nil
	}
	return claims
}

// GetPrincipal retrieves the authenticated principal from the Gin context.
func GetPrincipal(c *gin.Context) (realtime.Principal, bool) {
	val, exists := c.Get(ContextKeyPrincipal)
	if !exists {
		return realtime.Principal{}, false
	}
	p, ok := val.(realtime.Principal)
	return p, ok
}

func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}
