package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/sermon-proxy/cmd"
	"github.com/nulzo/sermon-proxy/internal/cli"
	"github.com/nulzo/sermon-proxy/internal/config"
	"github.com/nulzo/sermon-proxy/internal/platform/logger"
	"github.com/nulzo/sermon-proxy/internal/platform/otel"
	"github.com/nulzo/sermon-proxy/internal/sandbox"
	"go.uber.org/zap"
)

func main() {
	// 1. Load config
	cfg, err := config.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s %v\n", cli.CrossMark(), err)
		os.Exit(1)
	}

	// 2. Logger
	logger.Initialize(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		EnableColor: cli.Enabled(),
		Output:      "stderr",
	})
	// the global logger skips one frame for the package wrappers
	log := logger.Get().WithOptions(zap.AddCallerSkip(-1))
	defer logger.Sync()

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Tracing
	var opts []sandbox.Option
	if cfg.Tracing.Enabled {
		shutdown, err := otel.InitTracer(otel.Config{
			ServiceName:    cfg.Tracing.ServiceName + "-sandbox",
			ServiceVersion: cmd.AppVersion,
			SampleRatio:    cfg.Tracing.SampleRatio,
		}, log)
		if err != nil {
			logger.Fatal("Failed to init tracing", zap.Error(err))
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("Tracer shutdown failed", zap.Error(err))
			}
		}()
		opts = append(opts, sandbox.WithTracing(cfg.Tracing.ServiceName+"-sandbox"))
	}

	// 4. Server
	srv := sandbox.New(cfg.Sandbox, log, opts...)

	addr := ":" + cfg.Sandbox.Port
	fmt.Println(cli.Banner([]string{
		"sermon proxy sandbox " + cmd.AppVersion,
		"listening on " + addr,
		fmt.Sprintf("quota %d tokens, boosters %d", cfg.Sandbox.TokensQuota, cfg.Sandbox.BoostersBalance),
	}))

	if err := srv.Run(ctx, addr); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
	logger.Info("Sandbox stopped")
}
