package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nulzo/sermon-proxy/cmd"
	"github.com/nulzo/sermon-proxy/internal/analytics"
	"github.com/nulzo/sermon-proxy/internal/cli"
	"github.com/nulzo/sermon-proxy/internal/config"
	"github.com/nulzo/sermon-proxy/internal/extract"
	"github.com/nulzo/sermon-proxy/internal/httpclient"
	"github.com/nulzo/sermon-proxy/internal/identity"
	"github.com/nulzo/sermon-proxy/internal/platform/logger"
	"github.com/nulzo/sermon-proxy/internal/platform/otel"
	"github.com/nulzo/sermon-proxy/internal/proxy"
	"github.com/nulzo/sermon-proxy/internal/session"
	"github.com/nulzo/sermon-proxy/internal/store/cache"
	"github.com/nulzo/sermon-proxy/internal/store/cache/memory"
	"github.com/nulzo/sermon-proxy/internal/store/cache/redis"
	"github.com/nulzo/sermon-proxy/internal/store/sqlite"
	"github.com/nulzo/sermon-proxy/internal/usage"
	"github.com/nulzo/sermon-proxy/pkg/api"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var errNoUsageDB = errors.New("no usage database configured (set USAGE_DATABASE_DSN)")

// app holds everything a subcommand may need. Closers run in reverse order.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	out        io.Writer
	registry   *prometheus.Registry
	controller *session.Controller
	history    analytics.Service
	appToken   string

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, out io.Writer) (_ *app, err error) {
	a := &app{cfg: cfg, out: out, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.logger, err = logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		EnableColor: cli.Enabled(),
		Output:      "stderr",
	})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	a.closers = append(a.closers, func() error {
		_ = a.logger.Sync()
		return nil
	})

	if cfg.Tracing.Enabled {
		shutdown, err := otel.InitTracer(otel.Config{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: cmd.AppVersion,
			SampleRatio:    cfg.Tracing.SampleRatio,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.closers = append(a.closers, func() error { return shutdown(context.Background()) })
	}

	token := cfg.Account.Token
	if token == "" {
		token, err = identity.LoadOrCreate(cfg.Account.IdentityFile)
		if err != nil {
			return nil, err
		}
	}
	a.appToken = token

	transport, err := httpclient.New(httpclient.Options{
		BaseURL:           cfg.Proxy.BaseURL,
		Timeout:           cfg.Proxy.Timeout,
		RequestsPerSecond: cfg.Proxy.RateLimit.RequestsPerSecond,
		Burst:             cfg.Proxy.RateLimit.Burst,
		Logger:            a.logger,
	})
	if err != nil {
		return nil, err
	}

	var pending cache.CacheService = memory.NewMemoryCache()
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rc.Close)
		pending = rc
	}

	log := usage.NewLog()
	if dsn := cfg.Usage.DatabaseDSN; dsn != "" {
		repo, err := sqlite.NewSQLiteStorage(dsn, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, repo.Close)

		ingestor := analytics.NewIngestor(a.logger, repo)
		ingestor.Start(ctx)
		a.closers = append(a.closers, func() error {
			ingestor.Stop()
			return nil
		})

		log.AddSink(ingestor)
		a.history = analytics.NewService(repo)
	}

	opts := []session.Option{
		session.WithLogger(a.logger),
		session.WithMetrics(session.NewMetrics(a.registry)),
		session.WithPendingCache(pending),
	}
	if cfg.Generation.StripReasoning {
		opts = append(opts, session.WithExtractors(extract.StripReasoning()...))
	}

	temperature := cfg.Generation.Temperature
	a.controller = session.New(proxy.NewClient(transport, proxy.WithLogger(a.logger)), log, session.Config{
		AppAccountToken: token,
		DefaultProvider: api.Provider(cfg.Generation.DefaultProvider),
		DefaultModels: map[api.Provider]string{
			api.ProviderOpenAI:    cfg.Generation.OpenAIModel,
			api.ProviderAnthropic: cfg.Generation.AnthropicModel,
		},
		MaxOutputTokens: cfg.Generation.MaxOutputTokens,
		Temperature:     &temperature,
		PendingRetryTTL: cfg.Generation.PendingRetryTTL,
	}, opts...)

	return a, nil
}

// requireHistory returns the durable usage service or errNoUsageDB.
func (a *app) requireHistory() (analytics.Service, error) {
	if a.history == nil {
		return nil, errNoUsageDB
	}
	return a.history, nil
}

// writeMetrics dumps the registry in the text exposition format.
func (a *app) writeMetrics(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, a.registry); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Warn("Shutdown step failed", zap.Error(err))
		}
	}
	a.closers = nil
}
