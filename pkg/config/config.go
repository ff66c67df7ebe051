package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     string
	LogMode  string
	LogLevel string

	DBDriver    string
	DatabaseURL string

	JWTSecret      string
	SchedulerToken string

	// Deep scan
	ScanRangeYears     int
	ScanWindowDays     int
	ScanMaxAttempts    int
	ScanLeaseDuration  time.Duration
	ScanClaimBatch     int
	TickBudget         time.Duration
	TickBudgetMargin   time.Duration
	FetchConcurrency   int
	ChunkRetryBaseWait time.Duration
	ChunkRetryMaxWait  time.Duration

	// Adapter call retry
	RetryInitialInterval  time.Duration
	RetryMaxInterval      time.Duration
	RetryMultiplier       float64
	RetryJitter           float64
	RetryMaxTries         int
	RetryMaxRateLimitWait time.Duration

	// Incremental sync
	SyncFallbackDays int
	SyncPageLimit    int

	// Scheduler
	SchedulerEnabled bool
	DeepScanInterval time.Duration
	SyncInterval     time.Duration

	// AI
	AIProvider    string
	GeminiApiKey  string
	GeminiModel   string
	OllamaBaseURL string
	OllamaModel   string
	AITimeout     time.Duration

	// Google
	GoogleClientID     string
	GoogleClientSecret string
	GoogleProjectID    string
	GooglePubSubTopic  string
	GoogleCredentials  string

	FirebaseCredentials string

	NATSURL           string
	NATSSubjectPrefix string

	RedisURL string

	IMAPDefaultAddr string
}

func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogMode:  getEnv("LOG_MODE", "dev"),
		LogLevel: getEnv("LOG_LEVEL", "debug"),

		DBDriver:    getEnv("DB_DRIVER", "postgres"),
		DatabaseURL: getEnv("DATABASE_URL", "host=localhost user=postgres password=postgres dbname=mailscan port=5432 sslmode=disable"),

		JWTSecret:      getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		SchedulerToken: getEnv("SCHEDULER_TOKEN", ""),

		ScanRangeYears:     getInt("SCAN_RANGE_YEARS", 3),
		ScanWindowDays:     getInt("SCAN_WINDOW_DAYS", 30),
		ScanMaxAttempts:    getInt("SCAN_MAX_ATTEMPTS", 3),
		ScanLeaseDuration:  getDuration("SCAN_LEASE_DURATION", 5*time.Minute),
		ScanClaimBatch:     getInt("SCAN_CLAIM_BATCH", 2),
		TickBudget:         getDuration("TICK_BUDGET", 50*time.Second),
		TickBudgetMargin:   getDuration("TICK_BUDGET_MARGIN", 5*time.Second),
		FetchConcurrency:   getInt("FETCH_CONCURRENCY", 4),
		ChunkRetryBaseWait: getDuration("CHUNK_RETRY_BASE_DELAY", 30*time.Second),
		ChunkRetryMaxWait:  getDuration("CHUNK_RETRY_MAX_DELAY", 30*time.Minute),

		RetryInitialInterval:  getDuration("RETRY_INITIAL_INTERVAL", 500*time.Millisecond),
		RetryMaxInterval:      getDuration("RETRY_MAX_INTERVAL", 30*time.Second),
		RetryMultiplier:       getFloat("RETRY_MULTIPLIER", 2),
		RetryJitter:           getFloat("RETRY_JITTER", 0.5),
		RetryMaxTries:         getInt("RETRY_MAX_TRIES", 3),
		RetryMaxRateLimitWait: getDuration("RETRY_MAX_RATE_LIMIT_WAIT", 10*time.Second),

		SyncFallbackDays: getInt("SYNC_FALLBACK_DAYS", 14),
		SyncPageLimit:    getInt("SYNC_PAGE_LIMIT", 100),

		SchedulerEnabled: getBool("SCHEDULER_ENABLED", true),
		DeepScanInterval: getDuration("DEEP_SCAN_INTERVAL", time.Minute),
		SyncInterval:     getDuration("SYNC_INTERVAL", 5*time.Minute),

		AIProvider:    getEnv("AI_PROVIDER", "auto"),
		GeminiApiKey:  getEnv("GEMINI_API_KEY", ""),
		GeminiModel:   getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		OllamaBaseURL: getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		OllamaModel:   getEnv("OLLAMA_MODEL", "llama3"),
		AITimeout:     getDuration("AI_TIMEOUT", 45*time.Second),

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleProjectID:    getEnv("GOOGLE_PROJECT_ID", ""),
		GooglePubSubTopic:  getEnv("GOOGLE_PUBSUB_TOPIC", ""),
		GoogleCredentials:  getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),

		FirebaseCredentials: getEnv("FIREBASE_CREDENTIALS", ""),

		NATSURL:           getEnv("NATS_URL", ""),
		NATSSubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "mailscan"),

		RedisURL: getEnv("REDIS_URL", ""),

		IMAPDefaultAddr: getEnv("IMAP_DEFAULT_ADDR", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultValue
}
