package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/sermon-proxy/internal/sandbox/middleware"
	"github.com/nulzo/sermon-proxy/internal/sandbox/validator"
	"github.com/nulzo/sermon-proxy/pkg/api"
	"go.uber.org/zap"
)

func (s *Server) anonymousAuth(c *gin.Context) {
	var req api.AnonymousAuthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:  "invalid_request",
			Fields: validator.ParseValidationError(err),
		})
		return
	}

	subject := SubjectFor(req.AppAccountToken)
	token, expiresIn, err := s.tokens.Issue(subject)
	if err != nil {
		_ = c.Error(err)
		return
	}

	// touch the account so the first preflight has a month key
	s.ledger.Get(subject)

	c.JSON(http.StatusOK, api.AnonymousAuthResponse{JWT: token, ExpiresIn: expiresIn})
}

func (s *Server) preflight(c *gin.Context) {
	c.JSON(http.StatusOK, s.ledger.Balance(c.GetString(middleware.SubjectKey)))
}

func (s *Server) generate(c *gin.Context) {
	subject := c.GetString(middleware.SubjectKey)

	key := strings.TrimSpace(c.GetHeader(api.HeaderIdempotencyKey))
	if key == "" {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:   "invalid_request",
			Message: api.HeaderIdempotencyKey + " header is required",
		})
		return
	}

	var req api.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:  "invalid_request",
			Fields: validator.ParseValidationError(err),
		})
		return
	}

	existing, claimed := s.idem.Begin(subject, key)
	if !claimed {
		if existing.state == idemInFlight {
			c.JSON(http.StatusConflict, api.ErrorResponse{
				Error:   "processing",
				Message: "a request with this idempotency key is still being processed",
			})
			return
		}
		c.Header(api.HeaderIdempotentReplay, "true")
		c.Data(existing.resp.status, existing.resp.contentType, existing.resp.body)
		return
	}

	completed := false
	defer func() {
		if !completed {
			s.idem.Abort(subject, key)
		}
	}()

	if err := s.process(c.Request.Context(), subject, key); err != nil {
		_ = c.Error(err)
		return
	}

	text := s.text(req)
	body, err := vendorBody(req, text, s.now())
	if err != nil {
		_ = c.Error(err)
		return
	}

	cost := s.cost(req, text)
	account, err := s.ledger.Charge(subject, cost)
	if errors.Is(err, ErrInsufficientBalance) {
		c.JSON(http.StatusPaymentRequired, api.ErrorResponse{
			Error:   "insufficient_balance",
			Message: fmt.Sprintf("generation costs %d tokens, %d remaining", cost, account.Remaining()),
		})
		return
	}

	resp := storedResponse{status: http.StatusOK, contentType: "application/json", body: body}
	s.idem.Complete(subject, key, resp)
	completed = true

	s.logger.Debug("Generation charged",
		zap.String("subject", subject),
		zap.String("idempotency_key", key),
		zap.Int("cost", cost),
		zap.Int("remaining", account.Remaining()),
	)

	c.Header(api.HeaderIdempotentReplay, "false")
	c.Data(resp.status, resp.contentType, resp.body)
}

// process simulates upstream latency and runs the test hook.
func (s *Server) process(ctx context.Context, subject, key string) error {
	if d := s.config.ProcessingDelay; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.hook != nil {
		return s.hook(ctx, subject, key)
	}
	return nil
}
