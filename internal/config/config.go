package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the recommendation chat engine.
type Config struct {
	BindAddr         string
	MetricsNamespace string
	ShutdownTimeout  time.Duration
	AllowAnyOrigin   bool

	StorageBackend string
	DatabaseURL    string
	RedisURL       string

	ProfileCacheTTL  time.Duration
	ProfileCacheSize int64

	HistoryWindow   int
	HistoryMaxLimit int

	EmbeddingDim    int
	RetrievalTopK   int
	RetrievalStrict bool
	AssembleTimeout time.Duration

	QueueWorkers    int
	QueueDepth      int
	QueueMaxRetries uint64

	GeneratorMode    string
	GeneratorURL     string
	GeneratorAPIKey  string
	GeneratorModel   string
	GeneratorTimeout time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8001"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "zibochat"),
		ShutdownTimeout:  15 * time.Second,
		StorageBackend:   envOrDefault("STORAGE_BACKEND", "auto"),
		DatabaseURL:      trimmedEnv("DATABASE_URL"),
		RedisURL:         trimmedEnv("REDIS_URL"),
		ProfileCacheTTL:  5 * time.Minute,
		ProfileCacheSize: 1024,
		HistoryWindow:    20,
		HistoryMaxLimit:  200,
		EmbeddingDim:     384,
		RetrievalTopK:    5,
		RetrievalStrict:  false,
		AssembleTimeout:  5 * time.Second,
		QueueWorkers:     4,
		QueueDepth:       256,
		QueueMaxRetries:  3,
		GeneratorMode:    envOrDefault("GENERATOR_MODE", "auto"),
		GeneratorURL:     trimmedEnv("GENERATOR_URL"),
		GeneratorAPIKey:  trimmedEnv("GENERATOR_API_KEY"),
		GeneratorModel:   envOrDefault("GENERATOR_MODEL", "gpt-4o-mini"),
		GeneratorTimeout: 60 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.ProfileCacheTTL, err = durationFromEnv("PROFILE_CACHE_TTL", cfg.ProfileCacheTTL)
	if err != nil {
		return Config{}, err
	}
	cacheSize, err := intFromEnv("PROFILE_CACHE_SIZE", int(cfg.ProfileCacheSize))
	if err != nil {
		return Config{}, err
	}
	cfg.ProfileCacheSize = int64(cacheSize)
	cfg.HistoryWindow, err = intFromEnv("CHAT_HISTORY_WINDOW", cfg.HistoryWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryMaxLimit, err = intFromEnv("CHAT_HISTORY_MAX_LIMIT", cfg.HistoryMaxLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.EmbeddingDim, err = intFromEnv("EMBEDDING_DIM", cfg.EmbeddingDim)
	if err != nil {
		return Config{}, err
	}
	cfg.RetrievalTopK, err = intFromEnv("RETRIEVAL_TOP_K", cfg.RetrievalTopK)
	if err != nil {
		return Config{}, err
	}
	cfg.RetrievalStrict, err = boolFromEnv("RETRIEVAL_STRICT", cfg.RetrievalStrict)
	if err != nil {
		return Config{}, err
	}
	cfg.AssembleTimeout, err = durationFromEnv("ASSEMBLE_TIMEOUT", cfg.AssembleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.QueueWorkers, err = intFromEnv("QUEUE_WORKERS", cfg.QueueWorkers)
	if err != nil {
		return Config{}, err
	}
	cfg.QueueDepth, err = intFromEnv("QUEUE_DEPTH", cfg.QueueDepth)
	if err != nil {
		return Config{}, err
	}
	retries, err := intFromEnv("QUEUE_MAX_RETRIES", int(cfg.QueueMaxRetries))
	if err != nil {
		return Config{}, err
	}
	cfg.QueueMaxRetries = uint64(retries)
	cfg.GeneratorTimeout, err = durationFromEnv("GENERATOR_TIMEOUT", cfg.GeneratorTimeout)
	if err != nil {
		return Config{}, err
	}

	if cfg.ProfileCacheSize <= 0 {
		return Config{}, fmt.Errorf("PROFILE_CACHE_SIZE must be positive")
	}
	if cfg.HistoryWindow <= 0 {
		return Config{}, fmt.Errorf("CHAT_HISTORY_WINDOW must be positive")
	}
	if cfg.HistoryMaxLimit < cfg.HistoryWindow {
		return Config{}, fmt.Errorf("CHAT_HISTORY_MAX_LIMIT must be >= CHAT_HISTORY_WINDOW")
	}
	if cfg.EmbeddingDim <= 0 {
		return Config{}, fmt.Errorf("EMBEDDING_DIM must be positive")
	}
	if cfg.RetrievalTopK <= 0 {
		return Config{}, fmt.Errorf("RETRIEVAL_TOP_K must be positive")
	}
	if cfg.QueueWorkers <= 0 {
		return Config{}, fmt.Errorf("QUEUE_WORKERS must be positive")
	}
	if retries < 0 {
		return Config{}, fmt.Errorf("QUEUE_MAX_RETRIES must be >= 0")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
