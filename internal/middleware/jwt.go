package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/billingworks/billing-api/internal/models"
	appErrors "github.com/billingworks/billing-api/pkg/errors"
	"github.com/billingworks/billing-api/pkg/response"
	"github.com/billingworks/billing-api/pkg/token"
)

// ContextUserKey is the gin context key storing the access-token claims.
const ContextUserKey = "currentUser"

// JWT protects routes by requiring a valid bearer access token. This is the
// single inbound chokepoint where the Authorization header is interpreted.
func JWT(codec *token.Codec) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "authorization required"))
			c.Abort()
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "invalid authorization header"))
			c.Abort()
			return
		}

		claims, err := codec.Validate(parts[1])
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		c.Set(ContextUserKey, claims)
		c.Next()
	}
}

// ClaimsFromContext returns the claims attached by JWT, if any.
func ClaimsFromContext(c *gin.Context) (*models.AccessClaims, bool) {
	value, ok := c.Get(ContextUserKey)
	if !ok {
		return nil, false
	}
	claims, ok := value.(*models.AccessClaims)
	return claims, ok
}
