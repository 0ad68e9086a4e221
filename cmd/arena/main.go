package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/park285/connect4-arena/internal/arenabuilder"
	appcfg "github.com/park285/connect4-arena/internal/config"
	"github.com/park285/connect4-arena/internal/obslog"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()
	logger := obslog.L()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := arenabuilder.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("arena_init_failed", zap.Error(err))
	}

	if deps.Bridge != nil {
		go func() {
			if err := deps.Bridge.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("redis_bridge_stopped", zap.Error(err))
			}
		}()
	}
	go func() {
		if err := deps.Scheduler.Run(ctx); err != nil {
			logger.Error("scheduler_stopped", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           deps.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http_listen", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_server_failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("arena_shutdown")

	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err = multierr.Combine(
		srv.Shutdown(sctx),
		deps.Shutdown(sctx, cfg.AgentTimeout),
	)
	if err != nil {
		logger.Error("arena_shutdown_incomplete", zap.Error(err))
		os.Exit(1)
	}
}
