package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "mailscan-backend/cmd/api"
	"mailscan-backend/internal/app"
	"mailscan-backend/pkg/config"
	"mailscan-backend/pkg/logger"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogMode, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Settings API reads and writes these at runtime.
	api.InitAISettings(cfg.AIProvider, cfg.OllamaBaseURL, cfg.OllamaModel)

	application, err := app.New(ctx, cfg, app.Options{
		OllamaBaseURL: api.RuntimeOllamaBaseURL,
		OllamaModel:   api.RuntimeOllamaModel,
		Notify:        true,
	}, log)
	if err != nil {
		log.Fatal("failed to initialise", "error", err)
	}
	defer application.Close()

	if cfg.SchedulerEnabled {
		application.Scheduler.Start()
	} else {
		log.Info("in-process scheduler disabled, ticks come from the hook endpoints")
	}
	application.StartPushListener(ctx)

	handler := api.NewHandler(application.Mailboxes, application.Scans, application.Sync, application.Documents,
		application.Tokens, application.Scheduler, cfg, log)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", "error", err)
	}
}
