package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"genjobs/internal/backendtest"
	"genjobs/internal/domain"
	"genjobs/internal/infra"
)

const defaultTick = 2 * time.Second

type mockConfig struct {
	port    string
	tick    time.Duration
	step    float64
	options backendtest.Options
}

type advancer struct {
	backend *backendtest.Server
	logger  infra.Logger
	tick    time.Duration
	step    float64
}

func main() {
	_ = godotenv.Load(".env", ".env.local")
	logger := infra.NewLogger(envOr("APP_ENV", "development"))

	mc, err := loadMockConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("mockbackend: invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend := backendtest.NewServer(mc.options)
	server := infra.NewHTTPServer(&infra.Config{
		Port:             mc.port,
		HTTPReadTimeout:  15 * time.Second,
		HTTPWriteTimeout: 30 * time.Second,
		HTTPIdleTimeout:  60 * time.Second,
	}, backend.Handler())

	go func() {
		logger.Info().Str("addr", server.Addr()).Msg("mockbackend: listening")
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("mockbackend: http server failed")
		}
	}()

	w := &advancer{backend: backend, logger: logger, tick: mc.tick, step: mc.step}
	w.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("mockbackend: shutdown failed")
	}
}

// Run advances every unfinished job once per tick until ctx ends.
func (w *advancer) Run(ctx context.Context) {
	w.logger.Info().Dur("tick", w.tick).Float64("step", w.step).Msg("mockbackend: started")
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("mockbackend: stopped")
			return
		case <-ticker.C:
			for _, id := range w.backend.Advance(w.step) {
				w.logger.Info().Str("job_id", id).Msg("mockbackend: job completed")
			}
		}
	}
}

func loadMockConfig() (mockConfig, error) {
	mc := mockConfig{
		port: envOr("MOCK_BACKEND_PORT", "8080"),
		tick: defaultTick,
		step: 20,
	}
	if v := os.Getenv("MOCK_TICK_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return mc, &domain.ValidationError{Field: "MOCK_TICK_MS", Detail: "must be a positive integer"}
		}
		mc.tick = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("MOCK_STEP"); v != "" {
		step, err := strconv.ParseFloat(v, 64)
		if err != nil || step <= 0 {
			return mc, &domain.ValidationError{Field: "MOCK_STEP", Detail: "must be a positive number"}
		}
		mc.step = step
	}
	if v := os.Getenv("MOCK_FAIL_EVERY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return mc, &domain.ValidationError{Field: "MOCK_FAIL_EVERY", Detail: "must be zero or a positive integer"}
		}
		mc.options.FailEvery = n
	}
	for _, name := range strings.Split(os.Getenv("MOCK_SYNC_KINDS"), ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		kind, err := domain.ParseKind(name)
		if err != nil {
			return mc, err
		}
		mc.options.SyncKinds = append(mc.options.SyncKinds, kind)
	}
	mc.options.ClearDisabled = envBool("MOCK_CLEAR_DISABLED")
	mc.options.RetryDisabled = envBool("MOCK_RETRY_DISABLED")
	return mc, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	ok, _ := strconv.ParseBool(os.Getenv(key))
	return ok
}
