package infra

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"genjobs/internal/domain"
	"genjobs/internal/profile"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv             string
	Locale             string
	Port               string
	BackendBaseURL     string
	BackendMediaPrefix string
	DatabaseURL        string
	LibraryDir         string
	ProfilesFile       string
	CORSAllowedOrigins []string
	SubmitRateLimit    int
	PollKinds          []domain.JobKind
	PollTimeout        time.Duration
	ListInterval       time.Duration
	FocusInterval      time.Duration
	IdleListInterval   time.Duration
	IdleFocusInterval  time.Duration
	HistoryWindow      time.Duration
	HTTPReadTimeout    time.Duration
	HTTPWriteTimeout   time.Duration
	HTTPIdleTimeout    time.Duration
	Profiles           profile.Table
}

// LoadConfig loads .env files when present, then reads configuration from
// environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load(".env", ".env.local")

	cfg := &Config{
		AppEnv:             getEnv("APP_ENV", "development"),
		Locale:             getEnv("APP_LOCALE", "en"),
		Port:               getEnv("PORT", "8090"),
		BackendBaseURL:     strings.TrimRight(getEnv("BACKEND_BASE_URL", "http://localhost:8080"), "/"),
		BackendMediaPrefix: getEnv("BACKEND_MEDIA_PREFIX", "/media/"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		LibraryDir:         os.Getenv("LIBRARY_DIR"),
		ProfilesFile:       os.Getenv("PROFILES_FILE"),
		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),
		SubmitRateLimit:    getEnvInt("SUBMIT_RATE_LIMIT_PER_MINUTE", 30),
		PollTimeout:        time.Second * time.Duration(getEnvInt("POLL_TIMEOUT_SECONDS", 15)),
		ListInterval:       time.Millisecond * time.Duration(getEnvInt("POLL_LIST_INTERVAL_MS", 3000)),
		FocusInterval:      time.Millisecond * time.Duration(getEnvInt("POLL_FOCUS_INTERVAL_MS", 1500)),
		IdleListInterval:   time.Millisecond * time.Duration(getEnvInt("POLL_IDLE_LIST_INTERVAL_MS", 15000)),
		IdleFocusInterval:  time.Millisecond * time.Duration(getEnvInt("POLL_IDLE_FOCUS_INTERVAL_MS", 5000)),
		HistoryWindow:      time.Hour * time.Duration(getEnvInt("HISTORY_WINDOW_HOURS", 24)),
		HTTPReadTimeout:    time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:   time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:    time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	if _, err := url.ParseRequestURI(cfg.BackendBaseURL); err != nil {
		return nil, fmt.Errorf("BACKEND_BASE_URL is invalid: %w", err)
	}

	kinds, err := parseKinds(os.Getenv("POLL_KINDS"))
	if err != nil {
		return nil, fmt.Errorf("POLL_KINDS: %w", err)
	}
	cfg.PollKinds = kinds

	table := profile.Defaults()
	if cfg.ProfilesFile != "" {
		table, err = profile.LoadFile(cfg.ProfilesFile, table)
		if err != nil {
			return nil, err
		}
	}
	cfg.Profiles = table.WithEnv(os.LookupEnv)

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseKinds(raw string) ([]domain.JobKind, error) {
	names := splitList(raw)
	if len(names) == 0 {
		return append([]domain.JobKind(nil), domain.AllKinds...), nil
	}
	kinds := make([]domain.JobKind, 0, len(names))
	for _, name := range names {
		kind, err := domain.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", name, err)
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}
