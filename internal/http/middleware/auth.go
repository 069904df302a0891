// README: Service-to-service auth middleware; verifies HS256 bearer tokens on internal routes.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"swiftdispatch/internal/auth"
)

const callerServiceKey = "caller_service"

// ServiceAuth rejects requests without a valid service token. A nil or
// secretless signer lets every request through.
func ServiceAuth(signer *auth.Signer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !signer.Enabled() {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := signer.Verify(strings.TrimSpace(header[len("bearer "):]))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(callerServiceKey, claims.Service)
		c.Next()
	}
}

// CallerService returns the service name carried by the verified token.
func CallerService(c *gin.Context) string {
	return c.GetString(callerServiceKey)
}
