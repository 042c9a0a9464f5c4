package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/sermon-proxy/pkg/api"
)

// SubjectKey is the gin context key holding the authenticated subject.
const SubjectKey = "subject"

// TokenValidator resolves a bearer token to its subject.
type TokenValidator interface {
	Subject(token string) (string, error)
}

// Auth requires a valid "Authorization: Bearer <jwt>" header.
func Auth(tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, api.ErrorResponse{Error: "unauthorized", Message: "Missing Authorization header"})
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, api.ErrorResponse{Error: "unauthorized", Message: "Invalid Authorization header format"})
			return
		}

		subject, err := tokens.Subject(strings.TrimSpace(parts[1]))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, api.ErrorResponse{Error: "unauthorized", Message: "Invalid or expired token"})
			return
		}

		c.Set(SubjectKey, subject)
		c.Next()
	}
}
