// Package middleware provides the Gin middleware used by the audit read API.
//
// Ordering is enforced in internal/api/router.go:
//
//	RequestID → Metrics → AccessLog → Auth → RateLimit → Handler
//
// Auth runs before rate limiting so authenticated callers are limited per
// actor rather than per address.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/changetrail/changetrail/internal/audit"
	"github.com/changetrail/changetrail/internal/auth"
)

const (
	// ActorIDKey is the gin.Context key holding the authenticated principal.
	ActorIDKey = "actor_id"
	// AuthMethodKey is the gin.Context key holding "jwt" or "api_key".
	AuthMethodKey = "auth_method"
)

// AuthMiddleware accepts a bearer credential that is either a configured
// service API key (recognised by its prefix) or an HS256 token. Either
// verifier may be nil when that method is disabled. The resolved actor is
// stored under ActorIDKey and bound with audit.WithActor.
func AuthMiddleware(tokens *auth.Validator, keys *auth.KeyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		credential, err := auth.ExtractBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		var actor, method string
		switch {
		case keys != nil && keys.Matches(credential):
			name, ok := keys.Lookup(credential)
			if !ok {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
				return
			}
			actor, method = name, "api_key"
		case tokens != nil:
			claims, err := tokens.Validate(credential)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
				return
			}
			actor, method = claims.Subject, "jwt"
		default:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unsupported credential"})
			return
		}

		c.Set(ActorIDKey, actor)
		c.Set(AuthMethodKey, method)
		c.Request = c.Request.WithContext(audit.WithActor(c.Request.Context(), actor))

		c.Next()
	}
}
