package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the screener service
// ⭐ SSOT: 모든 환경변수는 여기서만 읽음
type Config struct {
	// Server
	Port string
	Env  string // development, staging, production

	// Database (optional: strategy store + execution archive)
	Database DatabaseConfig

	// Redis (optional: L2 table cache)
	Redis RedisConfig

	// External data provider
	Tushare TushareConfig

	// Pipeline engine
	Engine EngineConfig

	// Logging
	LogLevel  string
	LogFormat string

	// Monitoring
	MetricsEnabled bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL string

	// Connection Pool
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Enabled reports whether a database URL was configured
func (d DatabaseConfig) Enabled() bool {
	return d.URL != ""
}

// TushareConfig holds Tushare Pro API configuration
type TushareConfig struct {
	Token   string
	BaseURL string
	QPS     float64 // 초당 요청 상한 (분당 쿼터와 별개)
}

// EngineConfig holds the execution engine defaults
type EngineConfig struct {
	// Process-wide rate limit policy
	RateLimitPerMinute  int
	RateLimitPerHour    int
	RateLimitPerDay     int
	RateLimitConcurrent int
	RateLimitMaxWait    time.Duration

	// Cache
	CacheTTL        time.Duration
	CacheMaxEntries int

	// Fetching
	FetchBatchSize        int
	FetchCallTimeout      time.Duration
	FetchMaxRetries       int
	FetchFailureThreshold float64
	FetchEventLookback    int // days of statement history before the start date

	// Executions
	MaxExecutionTime   time.Duration
	NewListingDays     int
	LogReturnLimit     int
	ExecutionRetention time.Duration

	// Strategy / vocabulary sources
	StrategyDir    string
	VocabularyFile string
}

// Load reads configuration from environment variables
// ⭐ SSOT: 이 함수만 os.Getenv()를 호출함
func Load() (*Config, error) {
	loadEnvFile()

	cfg := &Config{
		Port: getEnv("PORT", "8089"),
		Env:  getEnv("ENV", "development"),

		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxConns:        getEnvAsInt("DB_MAX_CONNS", 10),
			MinConns:        getEnvAsInt("DB_MIN_CONNS", 2),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", "1h"),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", "30m"),
		},

		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
		},

		Tushare: TushareConfig{
			Token:   getEnv("TUSHARE_TOKEN", ""),
			BaseURL: getEnv("TUSHARE_BASE_URL", "http://api.tushare.pro"),
			QPS:     getEnvAsFloat("TUSHARE_QPS", 5),
		},

		Engine: EngineConfig{
			RateLimitPerMinute:  getEnvAsInt("RATE_LIMIT_PER_MINUTE", 200),
			RateLimitPerHour:    getEnvAsInt("RATE_LIMIT_PER_HOUR", 10000),
			RateLimitPerDay:     getEnvAsInt("RATE_LIMIT_PER_DAY", 100000),
			RateLimitConcurrent: getEnvAsInt("RATE_LIMIT_CONCURRENT", 5),
			RateLimitMaxWait:    getEnvAsDuration("RATE_LIMIT_MAX_WAIT", "65m"),

			CacheTTL:        getEnvAsDuration("CACHE_TTL", "1h"),
			CacheMaxEntries: getEnvAsInt("CACHE_MAX_ENTRIES", 1000),

			FetchBatchSize:        getEnvAsInt("FETCH_BATCH_SIZE", 50),
			FetchCallTimeout:      getEnvAsDuration("FETCH_CALL_TIMEOUT", "30s"),
			FetchMaxRetries:       getEnvAsInt("FETCH_MAX_RETRIES", 3),
			FetchFailureThreshold: getEnvAsFloat("FETCH_FAILURE_THRESHOLD", 0.5),
			FetchEventLookback:    getEnvAsInt("FETCH_EVENT_LOOKBACK_DAYS", 400),

			MaxExecutionTime:   getEnvAsDuration("MAX_EXECUTION_TIME", "30m"),
			NewListingDays:     getEnvAsInt("NEW_LISTING_DAYS", 60),
			LogReturnLimit:     getEnvAsInt("LOG_RETURN_LIMIT", 100),
			ExecutionRetention: getEnvAsDuration("EXECUTION_RETENTION", "24h"),

			StrategyDir:    getEnv("STRATEGY_DIR", "strategies"),
			VocabularyFile: getEnv("VOCABULARY_FILE", ""),
		},

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate checks configuration invariants
func (c *Config) validate() error {
	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return fmt.Errorf("ENV must be one of: development, staging, production")
	}

	e := c.Engine
	if e.RateLimitPerMinute <= 0 || e.RateLimitPerHour <= 0 || e.RateLimitPerDay <= 0 {
		return fmt.Errorf("rate limits must be > 0")
	}
	if e.RateLimitConcurrent <= 0 {
		return fmt.Errorf("RATE_LIMIT_CONCURRENT must be > 0")
	}
	if e.CacheMaxEntries <= 0 {
		return fmt.Errorf("CACHE_MAX_ENTRIES must be > 0")
	}
	if e.FetchBatchSize <= 0 {
		return fmt.Errorf("FETCH_BATCH_SIZE must be > 0")
	}
	if e.FetchFailureThreshold < 0 || e.FetchFailureThreshold > 1 {
		return fmt.Errorf("FETCH_FAILURE_THRESHOLD must be in [0, 1]")
	}
	if e.MaxExecutionTime <= 0 {
		return fmt.Errorf("MAX_EXECUTION_TIME must be > 0")
	}

	return nil
}

// Helper functions (private, only used within this file)

// loadEnvFile tries to load .env from the working dir or next to the binary
func loadEnvFile() {
	paths := []string{".env"}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, ".env"),
			filepath.Join(exeDir, "..", ".env"),
		)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}

	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ = time.ParseDuration(defaultValue)
	}

	return duration
}
