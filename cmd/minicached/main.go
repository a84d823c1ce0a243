package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/minicached/minicached"
	"github.com/minicached/minicached/config"
	asynchook "github.com/minicached/minicached/hooks/async"
	"github.com/minicached/minicached/internal/server"
	zaplog "github.com/minicached/minicached/log/zap"
	"github.com/minicached/minicached/loghooks"
)

func main() {
	cfg := config.LoadServerConfig()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	zl, err := buildLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zl.Sync()

	logger := zaplog.ZapLogger{L: zl}

	hooks := asynchook.New(loghooks.New(logger, loghooks.Options{
		ExpiredEvery: 10,
	}), 1, 1024)
	defer hooks.Close()

	engine := minicached.New(minicached.Options{
		Logger: logger,
		Hooks:  hooks,
	})

	srv := server.New(server.Config{
		Addr:         cfg.Address(),
		IdleTimeout:  time.Duration(cfg.IdleTimeout) * time.Second,
		MaxValueSize: cfg.MaxValueSize,
	}, engine, logger)

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			zl.Fatal("server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	zl.Info("shutting down")

	if err := srv.Stop(); err != nil {
		zl.Warn("error stopping server", zap.Error(err))
	}

	zl.Info("server stopped")
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
