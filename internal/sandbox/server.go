// Package sandbox is a local stand-in for the backend AI proxy. It speaks the
// same wire contract (anonymous auth, preflight, idempotent generate) with an
// in-memory ledger and echo responses, for development and integration tests.
package sandbox

import (
	"context"
	"errors"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/nulzo/sermon-proxy/internal/config"
	"github.com/nulzo/sermon-proxy/internal/sandbox/middleware"
	"github.com/nulzo/sermon-proxy/internal/sandbox/validator"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// Hook runs while a generate request holds its idempotency key, before the
// account is charged. Returning an error fails the request with a 500.
type Hook func(ctx context.Context, subject, key string) error

type Option func(*Server)

func WithCost(fn CostFunc) Option {
	return func(s *Server) { s.cost = fn }
}

func WithText(fn TextFunc) Option {
	return func(s *Server) { s.text = fn }
}

func WithHook(h Hook) Option {
	return func(s *Server) { s.hook = h }
}

// WithTracing adds the otelgin middleware under serviceName.
func WithTracing(serviceName string) Option {
	return func(s *Server) { s.tracingName = serviceName }
}

type Server struct {
	router *gin.Engine
	config config.SandboxConfig
	logger *zap.Logger

	tokens *TokenService
	ledger *Ledger
	idem   *idempotencyTable

	cost        CostFunc
	text        TextFunc
	hook        Hook
	tracingName string
	now         func() time.Time
}

func New(cfg config.SandboxConfig, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	s := &Server{
		config: cfg,
		logger: logger,
		tokens: NewTokenService([]byte(cfg.JWTSecret), ttl),
		ledger: NewLedger(cfg.TokensQuota, cfg.BoostersBalance),
		idem:   newIdempotencyTable(),
		cost:   WordCost,
		text:   EchoText,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	validator.InitValidator()

	engine := gin.New()
	engine.Use(ginzap.RecoveryWithZap(logger, true))
	if s.tracingName != "" {
		engine.Use(otelgin.Middleware(s.tracingName))
	}
	engine.Use(middleware.Logger(logger))
	engine.Use(middleware.ErrorHandler(logger))

	s.router = engine
	s.SetupRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Ledger exposes balances so tests and operators can adjust them.
func (s *Server) Ledger() *Ledger {
	return s.ledger
}

// Tokens exposes the token service.
func (s *Server) Tokens() *TokenService {
	return s.tokens
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Sandbox listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
