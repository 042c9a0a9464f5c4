package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/sermon-proxy/pkg/api"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger writes one line per request once the handler chain has finished.
// Server errors log at error level and rejected requests at warn.
func Logger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		began := time.Now()
		c.Next()

		status := c.Writer.Status()
		ce := logger.Check(levelFor(status), "Incoming Request")
		if ce == nil {
			return
		}
		ce.Write(requestFields(c, status, time.Since(began))...)
	}
}

func levelFor(status int) zapcore.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case status >= http.StatusBadRequest:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

func requestFields(c *gin.Context, status int, took time.Duration) []zap.Field {
	fields := make([]zap.Field, 0, 8)
	fields = append(fields,
		zap.Int("status", status),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.RequestURI()),
		zap.String("ip", c.ClientIP()),
		zap.Duration("latency", took),
	)
	if key := c.GetHeader(api.HeaderIdempotencyKey); key != "" {
		fields = append(fields, zap.String("idempotency_key", key))
	}
	if sub := c.GetString(SubjectKey); sub != "" {
		fields = append(fields, zap.String("subject", sub))
	}
	if errs := c.Errors.ByType(gin.ErrorTypeAny); len(errs) > 0 {
		fields = append(fields, zap.Strings("errors", errs.Errors()))
	}
	return fields
}
