package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/sermon-proxy/pkg/api"
	"go.uber.org/zap"
)

// ErrorHandler answers 500 for requests whose handler attached an error via
// c.Error without writing a response itself.
func ErrorHandler(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		logger.Error("Handler left error unanswered",
			zap.String("route", c.FullPath()),
			zap.String("subject", c.GetString(SubjectKey)),
			zap.Error(last.Err),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, api.ErrorResponse{
			Error:   "internal",
			Message: "An unexpected error occurred.",
		})
	}
}
