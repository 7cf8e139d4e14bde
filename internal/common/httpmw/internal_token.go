package httpmw

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/runloom/runloom/internal/common/apperr"
	"github.com/runloom/runloom/internal/common/httpapi"
)

// InternalToken guards service-to-service endpoints with a shared token.
// The token is accepted either as "Authorization: Bearer <token>" or in
// the X-Internal-Token header. An empty configured token rejects all calls.
func InternalToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" || extractToken(c) != token {
			httpapi.Fail(c, apperr.New(apperr.CodeUnauthorized, "invalid internal token"))
			c.Abort()
			return
		}
		c.Next()
	}
}

func extractToken(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return c.GetHeader("X-Internal-Token")
}
