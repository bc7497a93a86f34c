package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	api "mizan-backend/internal/api"
	"mizan-backend/internal/config"
	"mizan-backend/internal/platform"
)

func main() {
	cfg := config.Load()

	var logger *zap.Logger
	var err error
	if cfg.Env == "prod" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	app, err := platform.New(ctx, cfg, sugar)
	if err != nil {
		sugar.Fatalw("bootstrap", "error", err)
	}

	if err := app.Start(); err != nil {
		sugar.Fatalw("start dispatcher", "error", err)
	}

	server := api.New(cfg, app.Dispatcher, app.Store, app.Sink, app.OpsLimiter, sugar)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	sugar.Infow("listening", "port", cfg.HTTPPort, "env", cfg.Env)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalw("listen", "error", err)
		}
	}()

	<-ctx.Done()
	sugar.Infow("shutting down", "grace", cfg.ShutdownGrace)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)

	app.Stop()
	sugar.Infow("stopped")
}
