package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/sermon-proxy/pkg/api"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// bucketIdle is how long a caller's bucket survives without traffic.
const bucketIdle = 10 * time.Minute

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps a token bucket per caller, keyed by the authenticated
// subject or, before auth, the client IP. Idle buckets are swept as new
// callers arrive.
type RateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	limit     rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
	logger    *zap.Logger
}

// NewRateLimiter allows rps requests per second per caller with the given
// burst. rps <= 0 turns limiting off.
func NewRateLimiter(rps float64, burst int, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(rps),
		burst:   max(burst, 1),
		now:     time.Now,
		logger:  logger,
	}
}

func (rl *RateLimiter) bucketFor(caller string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if b, ok := rl.buckets[caller]; ok {
		b.lastSeen = now
		return b.lim
	}

	if now.Sub(rl.lastSweep) >= bucketIdle {
		for k, b := range rl.buckets {
			if now.Sub(b.lastSeen) >= bucketIdle {
				delete(rl.buckets, k)
			}
		}
		rl.lastSweep = now
	}

	b := &bucket{lim: rate.NewLimiter(rl.limit, rl.burst), lastSeen: now}
	rl.buckets[caller] = b
	return b.lim
}

// Len reports how many callers currently hold a bucket.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Middleware rejects over-limit requests with 429 and a Retry-After header
// giving the whole seconds until the next token.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.limit <= 0 {
			c.Next()
			return
		}

		caller := c.GetString(SubjectKey)
		if caller == "" {
			caller = "ip:" + c.ClientIP()
		}

		now := rl.now()
		res := rl.bucketFor(caller).ReserveN(now, 1)
		if wait := res.DelayFrom(now); wait > 0 {
			res.CancelAt(now)
			secs := int(math.Ceil(wait.Seconds()))
			rl.logger.Warn("Rate limit exceeded",
				zap.String("caller", caller),
				zap.String("path", c.Request.URL.Path),
				zap.Int("retry_after", secs),
			)
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, api.ErrorResponse{
				Error:   "rate_limited",
				Message: "rate limit exceeded",
			})
			return
		}

		c.Next()
	}
}
