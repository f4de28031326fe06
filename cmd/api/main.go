package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"genjobs/internal/bootstrap"
	"genjobs/internal/http/handlers"
	httpapi "genjobs/internal/http/httpapi"
	"genjobs/internal/infra"
)

func main() {
	// Konfigurasi & logger (.env dimuat oleh LoadConfig)
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Client backend, jurnal, pustaka aset, orkestrator
	stack, err := bootstrap.Build(ctx, cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to wire orchestrator")
	}
	defer stack.Close()

	if err := stack.Orch.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start polling")
	}

	app := handlers.NewApp(stack.Orch, &logger)
	app.History = stack.Journal
	if stack.Library != nil {
		app.Library = stack.Library
	}

	router := httpapi.NewRouter(app, httpapi.Options{
		Logger:         &logger,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Locale:         cfg.Locale,
		SubmitLimit:    cfg.SubmitRateLimit,
		SubmitWindow:   time.Minute,
	})

	// HTTP server wrapper dari infra
	server := infra.NewHTTPServer(cfg, router)

	// Start async
	go func() {
		logger.Info().Str("backend", cfg.BackendBaseURL).Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// Graceful shutdown
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
