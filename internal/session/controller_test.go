package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulzo/sermon-proxy/internal/extract"
	"github.com/nulzo/sermon-proxy/internal/httpclient"
	"github.com/nulzo/sermon-proxy/internal/proxy"
	"github.com/nulzo/sermon-proxy/internal/usage"
	"github.com/nulzo/sermon-proxy/pkg/api"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) Anonymous(ctx context.Context, appAccountToken string) (*api.AnonymousAuthResponse, error) {
	args := m.Called(ctx, appAccountToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*api.AnonymousAuthResponse), args.Error(1)
}

func (m *MockBackend) Preflight(ctx context.Context, token string) (*api.Balance, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*api.Balance), args.Error(1)
}

func (m *MockBackend) Generate(ctx context.Context, token string, req proxy.GenerationRequest) (*proxy.GenerationResult, error) {
	args := m.Called(ctx, token, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*proxy.GenerationResult), args.Error(1)
}

func intp(v int) *int { return &v }

func balance(quota, used, boosters int) *api.Balance {
	return &api.Balance{TokensQuota: intp(quota), TokensUsed: intp(used), BoostersBalance: intp(boosters)}
}

func openAIBody(text string) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{{"message": map[string]string{"role": "assistant", "content": text}}},
	})
	return b
}

func fixedKey(key string) Option {
	return WithKeyGenerator(func() string { return key })
}

func newAuthenticated(t *testing.T, m *MockBackend, opts ...Option) *Controller {
	t.Helper()
	m.On("Anonymous", mock.Anything, "abc").Return(&api.AnonymousAuthResponse{JWT: "jwt-1", ExpiresIn: 3600}, nil).Once()
	c := New(m, usage.NewLog(), Config{
		DefaultProvider: api.ProviderOpenAI,
		DefaultModels:   map[api.Provider]string{api.ProviderOpenAI: "gpt-4o-mini", api.ProviderAnthropic: "claude-3-7-sonnet-20250219"},
	}, opts...)
	require.NoError(t, c.Authenticate(context.Background(), "abc"))
	return c
}

func TestAuthenticate_FailureKeepsPriorCredential(t *testing.T) {
	m := new(MockBackend)
	c := newAuthenticated(t, m)

	m.On("Anonymous", mock.Anything, "abc").Return(nil, &httpclient.TransportError{Err: errors.New("offline")}).Once()
	err := c.Authenticate(context.Background(), "abc")
	require.Error(t, err)

	snap := c.Snapshot()
	assert.True(t, snap.Authenticated)
	assert.Equal(t, StateAuthenticated, snap.State)
	require.NotNil(t, snap.Failure)
	assert.Equal(t, KindTransport, snap.Failure.Kind)

	m.On("Preflight", mock.Anything, "jwt-1").Return(balance(100, 0, 0), nil).Once()
	_, err = c.RefreshPreflight(context.Background())
	require.NoError(t, err)
	assert.Nil(t, c.Snapshot().Failure)
	m.AssertExpectations(t)
}

func TestRefreshPreflight_RequiresCredential(t *testing.T) {
	m := new(MockBackend)
	c := New(m, nil, Config{})

	_, err := c.RefreshPreflight(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Equal(t, StateIdle, c.Snapshot().State)
	m.AssertNotCalled(t, "Preflight", mock.Anything, mock.Anything)
}

func TestEnsureAuthenticated(t *testing.T) {
	m := new(MockBackend)
	c := New(m, nil, Config{AppAccountToken: "abc"})

	m.On("Anonymous", mock.Anything, "abc").Return(&api.AnonymousAuthResponse{JWT: "jwt-1", ExpiresIn: 60}, nil).Once()
	require.NoError(t, c.EnsureAuthenticated(context.Background()))
	// a held credential is reused
	require.NoError(t, c.EnsureAuthenticated(context.Background()))

	m.On("Preflight", mock.Anything, "jwt-1").Return(balance(1000, 250, 0), nil).Once()
	bal, err := c.RefreshPreflight(context.Background())
	require.NoError(t, err)
	remaining, ok := bal.Remaining()
	assert.True(t, ok)
	assert.Equal(t, 750, remaining)
	m.AssertExpectations(t)

	bare := New(new(MockBackend), nil, Config{})
	assert.ErrorIs(t, bare.EnsureAuthenticated(context.Background()), ErrNotAuthenticated)
}

func TestGenerate_NotAuthenticatedFailsFast(t *testing.T) {
	m := new(MockBackend)
	c := New(m, nil, Config{})

	_, err := c.Generate(context.Background(), GenerateInput{Prompt: "hello"})
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Equal(t, KindNotAuthenticated, c.Snapshot().Failure.Kind)
	assert.Equal(t, 0, c.Log().Len())
	m.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything)
}

func TestGenerate_AuthenticatesWithConfiguredToken(t *testing.T) {
	m := new(MockBackend)
	c := New(m, nil, Config{AppAccountToken: "abc", DefaultModels: map[api.Provider]string{api.ProviderOpenAI: "gpt-4o-mini"}}, fixedKey("k1"))

	m.On("Anonymous", mock.Anything, "abc").Return(&api.AnonymousAuthResponse{JWT: "jwt-1", ExpiresIn: 60}, nil).Once()
	m.On("Preflight", mock.Anything, "jwt-1").Return(balance(1000, 0, 0), nil)
	m.On("Generate", mock.Anything, "jwt-1", mock.Anything).Return(&proxy.GenerationResult{IdempotencyKey: "k1", StatusCode: 200, RawBody: openAIBody("ok")}, nil)

	res, err := c.Generate(context.Background(), GenerateInput{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	m.AssertExpectations(t)
}

func TestGenerate_ExpiredCredentialReauthenticates(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m := new(MockBackend)
	c := New(m, nil, Config{AppAccountToken: "abc", DefaultModels: map[api.Provider]string{api.ProviderOpenAI: "m"}},
		WithClock(func() time.Time { return now }), fixedKey("k1"))

	m.On("Anonymous", mock.Anything, "abc").Return(&api.AnonymousAuthResponse{JWT: "old", ExpiresIn: 60}, nil).Once()
	require.NoError(t, c.Authenticate(context.Background(), "abc"))

	now = now.Add(61 * time.Second)
	assert.False(t, c.Snapshot().Authenticated)

	m.On("Anonymous", mock.Anything, "abc").Return(&api.AnonymousAuthResponse{JWT: "new", ExpiresIn: 60}, nil).Once()
	m.On("Preflight", mock.Anything, "new").Return(nil, errors.New("down"))
	m.On("Generate", mock.Anything, "new", mock.Anything).Return(&proxy.GenerationResult{IdempotencyKey: "k1", StatusCode: 200, RawBody: openAIBody("x")}, nil)

	_, err := c.Generate(context.Background(), GenerateInput{Prompt: "hi"})
	require.NoError(t, err)
	m.AssertExpectations(t)
}

func TestGenerate_FillsDefaults(t *testing.T) {
	m := new(MockBackend)
	temp := 0.2
	c := New(m, nil, Config{
		AppAccountToken: "abc",
		DefaultProvider: api.ProviderAnthropic,
		DefaultModels:   map[api.Provider]string{api.ProviderAnthropic: "claude-3-7-sonnet-20250219"},
		MaxOutputTokens: 800,
		Temperature:     &temp,
	}, fixedKey("k1"))

	m.On("Anonymous", mock.Anything, "abc").Return(&api.AnonymousAuthResponse{JWT: "t", ExpiresIn: 60}, nil)
	m.On("Preflight", mock.Anything, "t").Return(&api.Balance{}, nil)
	m.On("Generate", mock.Anything, "t", mock.MatchedBy(func(req proxy.GenerationRequest) bool {
		return req.Provider == api.ProviderAnthropic &&
			req.Model == "claude-3-7-sonnet-20250219" &&
			req.MaxOutputTokens != nil && *req.MaxOutputTokens == 800 &&
			req.Temperature != nil && *req.Temperature == 0.2 &&
			req.IdempotencyKey == "k1"
	})).Return(&proxy.GenerationResult{IdempotencyKey: "k1", StatusCode: 200, RawBody: []byte(`{"content":[{"type":"text","text":"Y"}]}`)}, nil)

	res, err := c.Generate(context.Background(), GenerateInput{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "Y", res.Text)
	assert.Equal(t, extract.ShapeAnthropicMessages, res.Shape)
	assert.Nil(t, res.TokensUsedDelta)
	m.AssertExpectations(t)
}

func TestGenerate_SuccessComputesDeltaAndLogs(t *testing.T) {
	m := new(MockBackend)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	c := newAuthenticated(t, m, fixedKey("key-1"), WithMetrics(metrics))

	m.On("Preflight", mock.Anything, "jwt-1").Return(balance(1000, 200, 0), nil).Once()
	m.On("Generate", mock.Anything, "jwt-1", mock.Anything).Return(&proxy.GenerationResult{
		IdempotencyKey: "key-1",
		StatusCode:     200,
		RawBody:        openAIBody("grace and peace"),
	}, nil).Once()
	m.On("Preflight", mock.Anything, "jwt-1").Return(balance(1000, 250, 0), nil).Once()

	res, err := c.Generate(context.Background(), GenerateInput{Prompt: "hello"})
	require.NoError(t, err)

	assert.Equal(t, "grace and peace", res.Text)
	require.NotNil(t, res.TokensUsedDelta)
	assert.Equal(t, 50, *res.TokensUsedDelta)
	assert.False(t, res.BalanceIncreased)

	entries := c.Log().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "key-1", entries[0].IdempotencyKey)
	assert.Equal(t, "openai", entries[0].Provider)
	assert.Equal(t, "gpt-4o-mini", entries[0].Model)
	assert.Equal(t, 1, entries[0].InputWordCount)
	assert.Equal(t, 3, entries[0].OutputWordCount)
	assert.Equal(t, 50, *entries[0].TokensUsed)

	snap := c.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, "grace and peace", snap.LastOutputText)
	assert.Equal(t, "key-1", snap.LastIdempotencyKey)
	assert.Nil(t, snap.Failure)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.generations.WithLabelValues("openai", "success")))
}

func TestGenerate_DeltaOmittedWhenRemainderUnknown(t *testing.T) {
	m := new(MockBackend)
	c := newAuthenticated(t, m, fixedKey("k"))

	m.On("Preflight", mock.Anything, "jwt-1").Return(balance(1000, 200, 0), nil).Once()
	m.On("Generate", mock.Anything, "jwt-1", mock.Anything).Return(&proxy.GenerationResult{IdempotencyKey: "k", StatusCode: 200, RawBody: []byte(`{}`)}, nil).Once()
	m.On("Preflight", mock.Anything, "jwt-1").Return(&api.Balance{TokensQuota: intp(1000)}, nil).Once()

	res, err := c.Generate(context.Background(), GenerateInput{Prompt: "hello"})
	require.NoError(t, err)
	assert.Nil(t, res.TokensUsedDelta)
	assert.Equal(t, "", res.Text)
	assert.Equal(t, extract.ShapeNone, res.Shape)
	assert.Nil(t, c.Log().Entries()[0].TokensUsed)
}

func TestGenerate_PreflightFailureIsBestEffort(t *testing.T) {
	m := new(MockBackend)
	c := newAuthenticated(t, m, fixedKey("k"))

	m.On("Preflight", mock.Anything, "jwt-1").Return(nil, &httpclient.TransportError{Err: errors.New("timeout")})
	m.On("Generate", mock.Anything, "jwt-1", mock.Anything).Return(&proxy.GenerationResult{IdempotencyKey: "k", StatusCode: 200, RawBody: openAIBody("x")}, nil)

	res, err := c.Generate(context.Background(), GenerateInput{Prompt: "hello"})
	require.NoError(t, err)
	assert.Nil(t, res.TokensUsedDelta)
	assert.Equal(t, 1, c.Log().Len())
}

func TestGenerate_BalanceIncreasedIsClampedAndFlagged(t *testing.T) {
	m := new(MockBackend)
	metrics := NewMetrics(nil)
	c := newAuthenticated(t, m, fixedKey("k"), WithMetrics(metrics))

	m.On("Preflight", mock.Anything, "jwt-1").Return(balance(1000, 900, 0), nil).Once()
	m.On("Generate", mock.Anything, "jwt-1", mock.Anything).Return(&proxy.GenerationResult{IdempotencyKey: "k", StatusCode: 200, RawBody: openAIBody("x")}, nil).Once()
	m.On("Preflight", mock.Anything, "jwt-1").Return(balance(1000, 900, 500), nil).Once()

	res, err := c.Generate(context.Background(), GenerateInput{Prompt: "hello"})
	require.NoError(t, err)
	require.NotNil(t, res.TokensUsedDelta)
	assert.Equal(t, 0, *res.TokensUsedDelta)
	assert.True(t, res.BalanceIncreased)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.balanceIncreased))
}

func TestGenerate_InsufficientBalance(t *testing.T) {
	m := new(MockBackend)
	c := newAuthenticated(t, m, fixedKey("k"))

	m.On("Preflight", mock.Anything, "jwt-1").Return(balance(100, 100, 0), nil)
	m.On("Generate", mock.Anything, "jwt-1", mock.Anything).Return(nil, &proxy.InsufficientBalanceError{Message: "out of tokens"})

	res, err := c.Generate(context.Background(), GenerateInput{Prompt: "hello"})
	require.Error(t, err)
	assert.Nil(t, res)

	var ib *proxy.InsufficientBalanceError
	assert.True(t, errors.As(err, &ib))

	snap := c.Snapshot()
	require.NotNil(t, snap.Failure)
	assert.Equal(t, KindInsufficientBalance, snap.Failure.Kind)
	assert.Equal(t, http.StatusPaymentRequired, snap.Failure.Code)
	assert.Empty(t, snap.LastOutputText)
	assert.Equal(t, StateAuthenticated, snap.State)
	assert.Equal(t, 0, c.Log().Len())
}

func TestGenerate_ConflictRetainsKeyAndRetryLastResends(t *testing.T) {
	m := new(MockBackend)
	keys := []string{"first", "second"}
	var n int32
	c := newAuthenticated(t, m, WithKeyGenerator(func() string {
		return keys[atomic.AddInt32(&n, 1)-1]
	}))

	m.On("Preflight", mock.Anything, "jwt-1").Return(balance(1000, 0, 0), nil)
	m.On("Generate", mock.Anything, "jwt-1", mock.MatchedBy(func(r proxy.GenerationRequest) bool {
		return r.IdempotencyKey == "first"
	})).Return(nil, &proxy.ConflictError{Message: "processing", IdempotencyKey: "first"}).Once()

	temp := 0.7
	_, err := c.Generate(context.Background(), GenerateInput{Prompt: "hello world", Temperature: &temp})
	require.Error(t, err)

	snap := c.Snapshot()
	assert.Equal(t, KindConflict, snap.Failure.Kind)
	assert.Equal(t, http.StatusConflict, snap.Failure.Code)
	assert.Equal(t, "first", snap.Failure.IdempotencyKey)
	assert.Equal(t, "first", snap.LastIdempotencyKey)
	assert.Equal(t, 0, c.Log().Len())

	m.On("Generate", mock.Anything, "jwt-1", mock.MatchedBy(func(r proxy.GenerationRequest) bool {
		return r.IdempotencyKey == "first" && r.Prompt == "hello world" &&
			r.Model == "gpt-4o-mini" && r.Temperature != nil && *r.Temperature == 0.7
	})).Return(&proxy.GenerationResult{IdempotencyKey: "first", Replay: true, StatusCode: 200, RawBody: openAIBody("done")}, nil).Once()

	res, err := c.RetryLast(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Replay)
	assert.Equal(t, "first", res.IdempotencyKey)

	entries := c.Log().Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].ReplayFlag)

	_, err = c.RetryLast(context.Background())
	assert.ErrorIs(t, err, ErrNothingToRetry)
	m.AssertExpectations(t)
}

func TestGenerate_OtherUpstreamError(t *testing.T) {
	m := new(MockBackend)
	c := newAuthenticated(t, m, fixedKey("k"))

	m.On("Preflight", mock.Anything, "jwt-1").Return(balance(1000, 0, 0), nil)
	m.On("Generate", mock.Anything, "jwt-1", mock.Anything).Return(nil, &httpclient.UpstreamError{StatusCode: 503, Body: []byte("busy")})

	_, err := c.Generate(context.Background(), GenerateInput{Prompt: "hello"})
	require.Error(t, err)
	assert.Equal(t, KindHTTP, c.Snapshot().Failure.Kind)
	assert.Equal(t, 503, c.Snapshot().Failure.Code)
	assert.Equal(t, 0, c.Log().Len())

	_, err = c.RetryLast(context.Background())
	assert.ErrorIs(t, err, ErrNothingToRetry)
}

func TestSubscribe_ReceivesTransitions(t *testing.T) {
	m := new(MockBackend)
	c := newAuthenticated(t, m, fixedKey("k"))

	ch, cancel := c.Subscribe(16)

	m.On("Preflight", mock.Anything, "jwt-1").Return(balance(10, 0, 0), nil)
	m.On("Generate", mock.Anything, "jwt-1", mock.Anything).Return(&proxy.GenerationResult{IdempotencyKey: "k", StatusCode: 200, RawBody: openAIBody("x")}, nil)

	_, err := c.Generate(context.Background(), GenerateInput{Prompt: "hello"})
	require.NoError(t, err)
	cancel()

	var got []State
	for s := range ch {
		got = append(got, s)
	}
	assert.Equal(t, []State{StatePreflightBefore, StateGenerating, StatePreflightAfter, StateLogged, StateIdle}, got)

	assert.NotPanics(t, cancel)
}

func TestSubscribe_SlowSubscriberDoesNotBlock(t *testing.T) {
	m := new(MockBackend)
	c := newAuthenticated(t, m, fixedKey("k"))

	_, cancel := c.Subscribe(0)
	defer cancel()

	m.On("Preflight", mock.Anything, "jwt-1").Return(balance(10, 0, 0), nil)
	m.On("Generate", mock.Anything, "jwt-1", mock.Anything).Return(&proxy.GenerationResult{IdempotencyKey: "k", StatusCode: 200, RawBody: openAIBody("x")}, nil)

	done := make(chan struct{})
	go func() {
		_, _ = c.Generate(context.Background(), GenerateInput{Prompt: "hello"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("generate blocked on a full subscriber")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"invalid url", httpclient.ErrInvalidURL, KindInvalidURL},
		{"transport", &httpclient.TransportError{Err: errors.New("x")}, KindTransport},
		{"upstream", &httpclient.UpstreamError{StatusCode: 500}, KindHTTP},
		{"decoding", &httpclient.DecodingError{Err: errors.New("x")}, KindDecoding},
		{"402", &proxy.InsufficientBalanceError{}, KindInsufficientBalance},
		{"409", &proxy.ConflictError{}, KindConflict},
		{"auth", ErrNotAuthenticated, KindNotAuthenticated},
		{"wrapped auth", errors.Join(errors.New("ctx"), ErrNotAuthenticated), KindNotAuthenticated},
		{"invalid request", proxy.ErrInvalidRequest, KindInvalidRequest},
		{"retry", ErrNothingToRetry, KindNothingToRetry},
		{"other", errors.New("boom"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

// TestEndToEnd runs the real proxy client against a scripted backend.
func TestEndToEnd(t *testing.T) {
	var used int32 = 200

	mux := http.NewServeMux()
	mux.HandleFunc(api.PathAuthAnonymous, func(w http.ResponseWriter, r *http.Request) {
		var req api.AnonymousAuthRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "abc", req.AppAccountToken)
		_ = json.NewEncoder(w).Encode(api.AnonymousAuthResponse{JWT: "jwt-e2e", ExpiresIn: 3600})
	})
	mux.HandleFunc(api.PathPreflight, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer jwt-e2e", r.Header.Get("Authorization"))
		u := int(atomic.LoadInt32(&used))
		_ = json.NewEncoder(w).Encode(balance(1000, u, 0))
	})
	mux.HandleFunc(api.PathGenerate, func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get(api.HeaderIdempotencyKey))
		atomic.StoreInt32(&used, 250)
		w.Header().Set(api.HeaderIdempotentReplay, "false")
		_, _ = w.Write(openAIBody("hi there"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	transport, err := httpclient.New(httpclient.Options{BaseURL: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)

	c := New(proxy.NewClient(transport), usage.NewLog(), Config{
		DefaultModels: map[api.Provider]string{api.ProviderOpenAI: "gpt-4o-mini"},
	})
	ctx := context.Background()

	require.NoError(t, c.Authenticate(ctx, "abc"))

	bal, err := c.RefreshPreflight(ctx)
	require.NoError(t, err)
	remaining, ok := bal.Remaining()
	require.True(t, ok)
	assert.Equal(t, 800, remaining)

	res, err := c.Generate(ctx, GenerateInput{Prompt: "hello", Provider: api.ProviderOpenAI})
	require.NoError(t, err)
	assert.False(t, res.Replay)
	require.NotNil(t, res.TokensUsedDelta)
	assert.Equal(t, 50, *res.TokensUsedDelta)

	entries := c.Log().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].InputWordCount)
	assert.Equal(t, 50, *entries[0].TokensUsed)
}
