package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr             string
	DatabaseURL          string
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	LogLevel             string

	Actions ActionsConfig
}

// ActionsConfig is the engine's tuning surface.
type ActionsConfig struct {
	// BatchSize is the default claim size per processor invocation.
	BatchSize int
	// DefaultTimeout bounds handlers with no registered timeout.
	DefaultTimeout time.Duration
	// Workers is how many poll drivers run concurrently in this process.
	Workers int
	// DedupWindow is the debounce window for coalescing duplicate
	// triggers of the same (type, entityId).
	DedupWindow time.Duration
	// PollInterval is the driver tick; 0 disables the in-process driver
	// (an external cron hits the HTTP trigger instead).
	PollInterval time.Duration
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:             getenv("HTTP_ADDR", ":8080"),
		DatabaseURL:          mustGetenv("DATABASE_URL"),
		CORSAllowCredentials: getenv("CORS_ALLOW_CREDENTIALS", "false") == "true",
		LogLevel:             getenv("LOG_LEVEL", "info"),
		Actions: ActionsConfig{
			BatchSize:      getenvInt("ACTIONS_BATCH_SIZE", 50),
			DefaultTimeout: time.Duration(getenvInt("ACTIONS_DEFAULT_TIMEOUT_MS", 30000)) * time.Millisecond,
			Workers:        getenvInt("ACTIONS_WORKERS", 2),
			DedupWindow:    time.Duration(getenvInt("ACTIONS_DEDUP_WINDOW_SECONDS", 60)) * time.Second,
			PollInterval:   time.Duration(getenvInt("ACTIONS_POLL_INTERVAL_MS", 1000)) * time.Millisecond,
		},
	}

	origins := strings.Split(getenv("CORS_ALLOWED_ORIGINS", ""), ",")
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o != "" {
			cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
		}
	}

	return cfg, nil
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustGetenv(key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		panic("missing env: " + key)
	}
	return v
}
