package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/sermon-proxy/internal/config"
	"github.com/nulzo/sermon-proxy/pkg/api"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func testConfig() config.SandboxConfig {
	return config.SandboxConfig{
		Port:        "0",
		JWTSecret:   "test-secret-0123456789",
		TokenTTL:    time.Hour,
		TokensQuota: 1000,
	}
}

func do(t *testing.T, h http.Handler, method, path, token string, headers map[string]string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func login(t *testing.T, s *Server, appToken string) string {
	t.Helper()
	w := do(t, s.Handler(), http.MethodPost, api.PathAuthAnonymous, "", nil, api.AnonymousAuthRequest{AppAccountToken: appToken})
	require.Equal(t, http.StatusOK, w.Code)

	var resp api.AnonymousAuthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3600, resp.ExpiresIn)
	return resp.JWT
}

func genReq(prompt string) api.GenerateRequest {
	return api.GenerateRequest{Prompt: prompt, Provider: api.ProviderOpenAI, Model: "gpt-4o-mini"}
}

func keyHeader(key string) map[string]string {
	return map[string]string{api.HeaderIdempotencyKey: key}
}

func TestAnonymousAuth(t *testing.T) {
	s := New(testConfig(), nil)

	token := login(t, s, "abc")
	subject, err := s.Tokens().Subject(token)
	require.NoError(t, err)
	assert.Equal(t, SubjectFor("abc"), subject)
	assert.NotEqual(t, SubjectFor("abc"), SubjectFor("abd"))

	w := do(t, s.Handler(), http.MethodPost, api.PathAuthAnonymous, "", nil, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "appAccountToken")
}

func TestPreflight(t *testing.T) {
	s := New(testConfig(), nil)

	w := do(t, s.Handler(), http.MethodGet, api.PathPreflight, "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s.Handler(), http.MethodGet, api.PathPreflight, "garbage", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token := login(t, s, "abc")
	w = do(t, s.Handler(), http.MethodGet, api.PathPreflight, token, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var bal api.Balance
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bal))
	require.NotNil(t, bal.MonthKey)
	assert.Equal(t, time.Now().UTC().Format("2006-01"), *bal.MonthKey)
	remaining, ok := bal.Remaining()
	require.True(t, ok)
	assert.Equal(t, 1000, remaining)
}

func TestGenerate_ChargesAndReplays(t *testing.T) {
	s := New(testConfig(), nil)
	token := login(t, s, "abc")

	first := do(t, s.Handler(), http.MethodPost, api.PathGenerate, token, keyHeader("k1"), genReq("grace and peace"))
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "false", first.Header().Get(api.HeaderIdempotentReplay))

	var resp openai.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Echo: grace and peace", resp.Choices[0].Message.Content)

	// 3 words in, 4 words out
	acct := s.Ledger().Get(SubjectFor("abc"))
	assert.Equal(t, 7, acct.TokensUsed)

	second := do(t, s.Handler(), http.MethodPost, api.PathGenerate, token, keyHeader("k1"), genReq("grace and peace"))
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get(api.HeaderIdempotentReplay))
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())
	assert.Equal(t, 7, s.Ledger().Get(SubjectFor("abc")).TokensUsed)

	// keys are scoped per subject
	other := login(t, s, "someone-else")
	w := do(t, s.Handler(), http.MethodPost, api.PathGenerate, other, keyHeader("k1"), genReq("grace and peace"))
	assert.Equal(t, "false", w.Header().Get(api.HeaderIdempotentReplay))
}

func TestGenerate_AnthropicShape(t *testing.T) {
	s := New(testConfig(), nil)
	token := login(t, s, "abc")

	req := api.GenerateRequest{Prompt: "hello", Provider: api.ProviderAnthropic, Model: "claude-3-7-sonnet-20250219"}
	w := do(t, s.Handler(), http.MethodPost, api.PathGenerate, token, keyHeader("k"), req)
	require.Equal(t, http.StatusOK, w.Code)

	var msg anthropicMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))
	assert.Equal(t, "message", msg.Type)
	require.Len(t, msg.Content, 1)
	assert.Equal(t, "text", msg.Content[0].Type)
	assert.Equal(t, "Echo: hello", msg.Content[0].Text)
}

func TestGenerate_ConflictWhileInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	s := New(testConfig(), nil, WithHook(func(ctx context.Context, subject, key string) error {
		if key == "slow" {
			close(entered)
			<-release
		}
		return nil
	}))
	token := login(t, s, "abc")

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		done <- do(t, s.Handler(), http.MethodPost, api.PathGenerate, token, keyHeader("slow"), genReq("hello"))
	}()
	<-entered

	w := do(t, s.Handler(), http.MethodPost, api.PathGenerate, token, keyHeader("slow"), genReq("hello"))
	assert.Equal(t, http.StatusConflict, w.Code)

	close(release)
	first := <-done
	assert.Equal(t, http.StatusOK, first.Code)

	w = do(t, s.Handler(), http.MethodPost, api.PathGenerate, token, keyHeader("slow"), genReq("hello"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get(api.HeaderIdempotentReplay))
}

func TestGenerate_InsufficientBalance(t *testing.T) {
	s := New(testConfig(), nil, WithCost(FixedCost(100)))
	token := login(t, s, "abc")
	subject := SubjectFor("abc")

	s.Ledger().Set(subject, Account{TokensQuota: 1000, TokensUsed: 950})

	w := do(t, s.Handler(), http.MethodPost, api.PathGenerate, token, keyHeader("k"), genReq("hello"))
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, 950, s.Ledger().Get(subject).TokensUsed)

	// boosters cover the shortfall and the same key can be retried
	s.Ledger().AddBoosters(subject, 60)
	w = do(t, s.Handler(), http.MethodPost, api.PathGenerate, token, keyHeader("k"), genReq("hello"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "false", w.Header().Get(api.HeaderIdempotentReplay))

	acct := s.Ledger().Get(subject)
	assert.Equal(t, 1000, acct.TokensUsed)
	assert.Equal(t, 10, acct.BoostersBalance)
	assert.Equal(t, 10, acct.Remaining())
}

func TestGenerate_HookErrorReleasesKey(t *testing.T) {
	fail := true
	s := New(testConfig(), nil, WithHook(func(context.Context, string, string) error {
		if fail {
			return errors.New("upstream exploded")
		}
		return nil
	}))
	token := login(t, s, "abc")

	w := do(t, s.Handler(), http.MethodPost, api.PathGenerate, token, keyHeader("k"), genReq("hello"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 0, s.idem.Len())

	fail = false
	w = do(t, s.Handler(), http.MethodPost, api.PathGenerate, token, keyHeader("k"), genReq("hello"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGenerate_Validation(t *testing.T) {
	s := New(testConfig(), nil)
	token := login(t, s, "abc")

	w := do(t, s.Handler(), http.MethodPost, api.PathGenerate, token, nil, genReq("hello"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	bad := genReq("hello")
	bad.Provider = "gemini"
	w = do(t, s.Handler(), http.MethodPost, api.PathGenerate, token, keyHeader("k"), bad)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp api.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "must be one of [openai, anthropic]", resp.Fields["provider"])
	assert.Equal(t, 0, s.idem.Len())
}

func TestLedger_MonthRollover(t *testing.T) {
	l := NewLedger(100, 5)
	now := time.Date(2025, 3, 31, 23, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	_, err := l.Charge("s", 100)
	require.NoError(t, err)
	_, err = l.Charge("s", 6)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	now = now.Add(2 * time.Hour)
	acct := l.Get("s")
	assert.Equal(t, "2025-04", acct.MonthKey)
	assert.Equal(t, 0, acct.TokensUsed)
	assert.Equal(t, 105, acct.Remaining())
}

func TestTokenService_Expiry(t *testing.T) {
	ts := NewTokenService([]byte("secret-secret-secret"), time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	ts.now = func() time.Time { return now }

	token, expiresIn, err := ts.Issue("anon_x")
	require.NoError(t, err)
	assert.Equal(t, 60, expiresIn)

	sub, err := ts.Subject(token)
	require.NoError(t, err)
	assert.Equal(t, "anon_x", sub)

	now = now.Add(2 * time.Minute)
	_, err = ts.Subject(token)
	assert.Error(t, err)

	other := NewTokenService([]byte("a-different-secret"), time.Minute)
	_, err = other.Subject(token)
	assert.Error(t, err)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RequestsPerSecond = 0.001
	cfg.Burst = 1
	s := New(cfg, nil)

	body := api.AnonymousAuthRequest{AppAccountToken: "abc"}
	w := do(t, s.Handler(), http.MethodPost, api.PathAuthAnonymous, "", nil, body)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s.Handler(), http.MethodPost, api.PathAuthAnonymous, "", nil, body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// health is never limited
	w = do(t, s.Handler(), http.MethodGet, "/health", "", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
