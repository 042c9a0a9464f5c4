package sandbox

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/sermon-proxy/internal/sandbox/middleware"
	"github.com/nulzo/sermon-proxy/pkg/api"
)

func (s *Server) SetupRoutes() {
	limiter := middleware.NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst, s.logger)

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.router.POST(api.PathAuthAnonymous, limiter.Middleware(), s.anonymousAuth)

	authed := s.router.Group("/v1")
	authed.Use(middleware.Auth(s.tokens))
	authed.Use(limiter.Middleware())
	{
		authed.GET("/preflight", s.preflight)
		authed.POST("/generate", s.generate)
	}
}
