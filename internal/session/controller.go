// Package session drives authentication, balance preflights and generation
// against the backend proxy, and records each successful generation in the
// usage log.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nulzo/sermon-proxy/internal/extract"
	"github.com/nulzo/sermon-proxy/internal/proxy"
	"github.com/nulzo/sermon-proxy/internal/store/cache"
	"github.com/nulzo/sermon-proxy/internal/store/cache/memory"
	"github.com/nulzo/sermon-proxy/internal/usage"
	"github.com/nulzo/sermon-proxy/pkg/api"
	"go.uber.org/zap"
)

type Authenticator interface {
	Anonymous(ctx context.Context, appAccountToken string) (*api.AnonymousAuthResponse, error)
}

type BalanceChecker interface {
	Preflight(ctx context.Context, token string) (*api.Balance, error)
}

type Generator interface {
	Generate(ctx context.Context, token string, req proxy.GenerationRequest) (*proxy.GenerationResult, error)
}

// Backend is everything the controller needs from the proxy. *proxy.Client satisfies it.
type Backend interface {
	Authenticator
	BalanceChecker
	Generator
}

const pendingRetryKey = "session:pending_retry"

// Config replaces what used to be ambient settings. Everything here is fixed
// for the life of a controller.
type Config struct {
	// AppAccountToken, when set, lets the controller authenticate on its own
	// before a generation if it holds no valid credential.
	AppAccountToken string
	DefaultProvider api.Provider
	DefaultModels   map[api.Provider]string
	// MaxOutputTokens and Temperature apply when the input leaves them unset.
	// Zero means "let the backend decide".
	MaxOutputTokens int
	Temperature     *float64
	// PendingRetryTTL bounds how long a 409'd request stays retryable. Zero keeps it until replaced.
	PendingRetryTTL time.Duration
}

// GenerateInput is one user request. Provider and Model fall back to Config.
type GenerateInput struct {
	Prompt          string
	Provider        api.Provider
	Model           string
	MaxOutputTokens *int
	Temperature     *float64
}

// Result is what a successful generation hands back to the caller.
type Result struct {
	Text           string
	Shape          extract.Shape
	Replay         bool
	IdempotencyKey string
	StatusCode     int
	Header         http.Header
	RawBody        []byte
	// TokensUsedDelta is nil unless both preflights returned a known remainder.
	TokensUsedDelta *int
	// BalanceIncreased flags an after-remainder larger than the before one;
	// the delta is clamped to zero in that case.
	BalanceIncreased bool
	Entry            usage.Entry
}

type pendingRetry struct {
	IdempotencyKey string              `json:"idempotencyKey"`
	Request        api.GenerateRequest `json:"request"`
}

type Controller struct {
	backend    Backend
	log        *usage.Log
	pending    cache.CacheService
	metrics    *Metrics
	logger     *zap.Logger
	cfg        Config
	now        func() time.Time
	newKey     func() string
	extractors []extract.Extractor

	mu         sync.Mutex
	state      State
	cred       *Credential
	before     *api.Balance
	after      *api.Balance
	failure    *Failure
	lastKey    string
	lastOutput string
	subs       map[int]chan State
	nextSub    int
}

type Option func(*Controller)

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithPendingCache stores 409'd requests somewhere other than process memory.
func WithPendingCache(cs cache.CacheService) Option {
	return func(c *Controller) { c.pending = cs }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func WithKeyGenerator(fn func() string) Option {
	return func(c *Controller) { c.newKey = fn }
}

// WithExtractors replaces the ordered list of response-shape extractors.
func WithExtractors(ex ...extract.Extractor) Option {
	return func(c *Controller) { c.extractors = ex }
}

func New(backend Backend, log *usage.Log, cfg Config, opts ...Option) *Controller {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = api.ProviderOpenAI
	}
	c := &Controller{
		backend:    backend,
		log:        log,
		pending:    memory.NewMemoryCache(),
		logger:     zap.NewNop(),
		cfg:        cfg,
		now:        time.Now,
		newKey:     uuid.NewString,
		extractors: extract.Default,
		subs:       make(map[int]chan State),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = usage.NewLog()
	}
	return c
}

// Authenticate exchanges the installation token for a credential. On failure
// the previous credential, if any, is kept.
func (c *Controller) Authenticate(ctx context.Context, appAccountToken string) error {
	c.setState(StateAuthenticating)

	resp, err := c.backend.Anonymous(ctx, appAccountToken)
	if err != nil {
		c.logger.Warn("Authentication failed", zap.Error(err))
		c.fail(err)
		return err
	}

	c.mu.Lock()
	c.cred = &Credential{
		Token:     resp.JWT,
		ExpiresIn: resp.ExpiresIn,
		IssuedAt:  c.now(),
	}
	c.failure = nil
	c.mu.Unlock()

	c.logger.Info("Authenticated", zap.Int("expires_in", resp.ExpiresIn))
	c.setState(StateAuthenticated)
	return nil
}

// EnsureAuthenticated authenticates with the configured installation token
// unless a valid credential is already held.
func (c *Controller) EnsureAuthenticated(ctx context.Context) error {
	_, err := c.ensureCredential(ctx)
	return err
}

// RefreshPreflight fetches the balance and stores it as the "before" snapshot.
func (c *Controller) RefreshPreflight(ctx context.Context) (*api.Balance, error) {
	token, ok := c.token()
	if !ok {
		c.fail(ErrNotAuthenticated)
		return nil, ErrNotAuthenticated
	}

	bal, err := c.backend.Preflight(ctx, token)
	if err != nil {
		c.fail(err)
		return nil, err
	}

	c.mu.Lock()
	c.before = bal
	c.failure = nil
	c.mu.Unlock()
	return bal, nil
}

// Generate runs one attempt under a fresh idempotency key.
func (c *Controller) Generate(ctx context.Context, in GenerateInput) (*Result, error) {
	return c.GenerateWithKey(ctx, in, "")
}

// GenerateWithKey runs an attempt under a caller-chosen key. Reusing a key is
// only meaningful with an identical request; the backend matches on the key alone.
func (c *Controller) GenerateWithKey(ctx context.Context, in GenerateInput, key string) (*Result, error) {
	req := c.buildRequest(in)
	if key == "" {
		key = c.newKey()
	}
	return c.run(ctx, proxy.GenerationRequest{GenerateRequest: req, IdempotencyKey: key})
}

// RetryLast re-sends the most recent 409'd request with its original key and body.
func (c *Controller) RetryLast(ctx context.Context) (*Result, error) {
	var p pendingRetry
	if err := c.pending.Get(ctx, pendingRetryKey, &p); err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			c.logger.Warn("Pending retry lookup failed", zap.Error(err))
		}
		c.fail(ErrNothingToRetry)
		return nil, ErrNothingToRetry
	}

	c.logger.Info("Retrying with same idempotency key", zap.String("idempotency_key", p.IdempotencyKey))
	return c.run(ctx, proxy.GenerationRequest{GenerateRequest: p.Request, IdempotencyKey: p.IdempotencyKey})
}

func (c *Controller) buildRequest(in GenerateInput) api.GenerateRequest {
	provider := in.Provider
	if provider == "" {
		provider = c.cfg.DefaultProvider
	}
	model := in.Model
	if model == "" {
		model = c.cfg.DefaultModels[provider]
	}

	req := api.GenerateRequest{
		Prompt:          in.Prompt,
		Provider:        provider,
		Model:           model,
		MaxOutputTokens: in.MaxOutputTokens,
		Temperature:     in.Temperature,
	}
	if req.MaxOutputTokens == nil && c.cfg.MaxOutputTokens > 0 {
		n := c.cfg.MaxOutputTokens
		req.MaxOutputTokens = &n
	}
	if req.Temperature == nil && c.cfg.Temperature != nil {
		t := *c.cfg.Temperature
		req.Temperature = &t
	}
	return req
}

func (c *Controller) run(ctx context.Context, req proxy.GenerationRequest) (*Result, error) {
	provider := req.Provider.String()

	c.mu.Lock()
	c.lastOutput = ""
	c.lastKey = req.IdempotencyKey
	c.mu.Unlock()

	token, err := c.ensureCredential(ctx)
	if err != nil {
		c.metrics.observe(provider, newFailure(err), nil)
		return nil, err
	}

	c.setState(StatePreflightBefore)
	before := c.preflight(ctx, token, "before")

	c.setState(StateGenerating)
	gen, err := c.backend.Generate(ctx, token, req)
	if err != nil {
		f := c.fail(err)
		if f.Kind == KindConflict {
			c.rememberConflict(ctx, req)
		}
		c.logger.Warn("Generation failed",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("kind", f.Kind.String()),
			zap.Int("code", f.Code),
			zap.Error(err),
		)
		c.metrics.observe(provider, f, nil)
		return nil, err
	}

	text, shape := extract.Text(gen.RawBody, c.extractors...)

	c.setState(StatePreflightAfter)
	after := c.preflight(ctx, token, "after")

	res := &Result{
		Text:           text,
		Shape:          shape,
		Replay:         gen.Replay,
		IdempotencyKey: gen.IdempotencyKey,
		StatusCode:     gen.StatusCode,
		Header:         gen.Header,
		RawBody:        gen.RawBody,
	}
	res.TokensUsedDelta, res.BalanceIncreased = tokensDelta(before, after)
	if res.BalanceIncreased {
		c.logger.Warn("Remaining balance increased across a generation",
			zap.String("idempotency_key", gen.IdempotencyKey))
	}

	c.setState(StateLogged)
	res.Entry = c.log.Append(usage.Entry{
		IdempotencyKey:  gen.IdempotencyKey,
		Provider:        provider,
		Model:           req.Model,
		InputWordCount:  usage.WordCount(req.Prompt),
		OutputWordCount: usage.WordCount(text),
		TokensUsed:      res.TokensUsedDelta,
		ReplayFlag:      gen.Replay,
	})

	c.forgetConflict(ctx, gen.IdempotencyKey)

	c.mu.Lock()
	c.lastOutput = text
	c.failure = nil
	c.mu.Unlock()

	c.metrics.observe(provider, nil, res)
	c.logger.Info("Generation complete",
		zap.String("idempotency_key", gen.IdempotencyKey),
		zap.String("provider", provider),
		zap.Bool("replay", gen.Replay),
		zap.String("shape", string(shape)),
	)
	c.setState(StateIdle)
	return res, nil
}

// ensureCredential returns a usable token, authenticating first when the
// controller knows the installation token. Failures are already recorded.
func (c *Controller) ensureCredential(ctx context.Context) (string, error) {
	if token, ok := c.token(); ok {
		return token, nil
	}
	if c.cfg.AppAccountToken == "" {
		c.fail(ErrNotAuthenticated)
		return "", ErrNotAuthenticated
	}
	if err := c.Authenticate(ctx, c.cfg.AppAccountToken); err != nil {
		return "", fmt.Errorf("authenticate: %w", err)
	}
	if token, ok := c.token(); ok {
		return token, nil
	}
	c.fail(ErrNotAuthenticated)
	return "", ErrNotAuthenticated
}

// preflight is best-effort: a failure only disables the delta.
func (c *Controller) preflight(ctx context.Context, token, which string) *api.Balance {
	bal, err := c.backend.Preflight(ctx, token)
	if err != nil {
		c.logger.Warn("Preflight failed", zap.String("snapshot", which), zap.Error(err))
		return nil
	}

	c.mu.Lock()
	if which == "before" {
		c.before = bal
	} else {
		c.after = bal
	}
	c.mu.Unlock()
	return bal
}

// tokensDelta is max(0, before-after) when both remainders are known.
func tokensDelta(before, after *api.Balance) (*int, bool) {
	if before == nil || after == nil {
		return nil, false
	}
	b, okB := before.Remaining()
	a, okA := after.Remaining()
	if !okB || !okA {
		return nil, false
	}
	d := b - a
	if d < 0 {
		zero := 0
		return &zero, true
	}
	return &d, false
}

func (c *Controller) rememberConflict(ctx context.Context, req proxy.GenerationRequest) {
	p := pendingRetry{IdempotencyKey: req.IdempotencyKey, Request: req.GenerateRequest}
	if err := c.pending.Set(ctx, pendingRetryKey, p, c.cfg.PendingRetryTTL); err != nil {
		c.logger.Warn("Could not store pending retry", zap.Error(err))
	}
}

func (c *Controller) forgetConflict(ctx context.Context, key string) {
	var p pendingRetry
	if err := c.pending.Get(ctx, pendingRetryKey, &p); err != nil || p.IdempotencyKey != key {
		return
	}
	if err := c.pending.Delete(ctx, pendingRetryKey); err != nil {
		c.logger.Warn("Could not clear pending retry", zap.Error(err))
	}
}

func (c *Controller) token() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cred.Valid(c.now()) {
		return "", false
	}
	return c.cred.Token, true
}

// fail records err, passes through StateFailed and settles on Authenticated
// or Idle depending on whether a usable credential is held.
func (c *Controller) fail(err error) *Failure {
	f := newFailure(err)

	c.mu.Lock()
	c.failure = f
	if f.IdempotencyKey != "" {
		c.lastKey = f.IdempotencyKey
	}
	next := StateIdle
	if c.cred.Valid(c.now()) {
		next = StateAuthenticated
	}
	c.mu.Unlock()

	c.setState(StateFailed)
	c.setState(next)
	return f
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
	for _, ch := range c.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// Snapshot is a point-in-time copy of the controller's observable state.
type Snapshot struct {
	State              State
	Authenticated      bool
	CredentialExpires  time.Time
	Before             *api.Balance
	After              *api.Balance
	Failure            *Failure
	LastIdempotencyKey string
	LastOutputText     string
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		State:              c.state,
		Authenticated:      c.cred.Valid(c.now()),
		Before:             c.before,
		After:              c.after,
		LastIdempotencyKey: c.lastKey,
		LastOutputText:     c.lastOutput,
	}
	if c.cred != nil {
		s.CredentialExpires = c.cred.ExpiresAt()
	}
	if c.failure != nil {
		f := *c.failure
		s.Failure = &f
	}
	return s
}

// Subscribe delivers every state transition on the returned channel. A full
// channel drops the notification instead of blocking the controller. Calling
// cancel closes the channel.
func (c *Controller) Subscribe(buffer int) (<-chan State, func()) {
	ch := make(chan State, buffer)

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Log exposes the usage log the controller appends to.
func (c *Controller) Log() *usage.Log {
	return c.log
}
