// Package config provides configuration management and environment variable handling for the application
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ProductionConfig holds all configuration for production environment
type ProductionConfig struct {
	Database  DatabaseConfig  `json:"database"`
	Server    ServerConfig    `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
	Metrics   MetricsConfig   `json:"metrics"`
	Redis     RedisConfig     `json:"redis"`
	AdsAPI    AdsAPIConfig    `json:"ads_api"`
	Proxy     ProxyConfig     `json:"proxy"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Tracer    TracerConfig    `json:"tracer"`
	Build     BuildConfig     `json:"build"`
}

type DatabaseConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Name            string        `json:"name"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
	SlowQueryLog    bool          `json:"slow_query_log"`
	SlowQueryTime   time.Duration `json:"slow_query_time"`
}

type ServerConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	BodyLimit       int           `json:"body_limit"`
	GlobalRateLimit int           `json:"global_rate_limit"` // requests per minute
}

type LoggingConfig struct {
	Level      string `json:"level"`  // debug, info, warn, error
	Output     string `json:"output"` // stdout, file, both
	Dir        string `json:"dir"`
	MaxSize    int    `json:"max_size"` // MB
	MaxBackups int    `json:"max_backups"`
	MaxAge     int    `json:"max_age"` // days
	Compress   bool   `json:"compress"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type RedisConfig struct {
	URL      string `json:"url"`
	DB       int    `json:"db"`
	Password string `json:"password"`
	Prefix   string `json:"prefix"`
}

// AdsAPIConfig carries endpoint, OAuth and pacing settings for the
// advertising platform gateway.
type AdsAPIConfig struct {
	BaseURL           string        `json:"base_url"`
	TokenURL          string        `json:"token_url"`
	ClientID          string        `json:"client_id"`
	ClientSecret      string        `json:"client_secret"`
	RefreshToken      string        `json:"refresh_token"`
	RequestTimeout    time.Duration `json:"request_timeout"`
	InterRequestDelay time.Duration `json:"inter_request_delay"`
	RetryBackoff      time.Duration `json:"retry_backoff"`
	QuotaCacheTTL     time.Duration `json:"quota_cache_ttl"`
}

// ProxyConfig controls egress session sourcing and verification.
type ProxyConfig struct {
	DedupWindow     time.Duration `json:"dedup_window"`
	IPCheckURLs     []string      `json:"ip_check_urls"`
	IPCheckTimeout  time.Duration `json:"ip_check_timeout"`
	ConnectTimeout  time.Duration `json:"connect_timeout"`
	RetryBackoff    time.Duration `json:"retry_backoff"`
	MaxRetryBackoff time.Duration `json:"max_retry_backoff"`
}

// SchedulerConfig controls the dispatcher, the worker and the batch
// orchestrator parallelism.
type SchedulerConfig struct {
	PollInterval     time.Duration `json:"poll_interval"`
	LockTTL          time.Duration `json:"lock_ttl"`
	DispatchBatch    int           `json:"dispatch_batch"`
	DequeueTimeout   time.Duration `json:"dequeue_timeout"`
	DefaultInterval  time.Duration `json:"default_interval"`
	PurgeInterval    time.Duration `json:"purge_interval"`
	QueryConcurrency int           `json:"query_concurrency"`
	WorkerPoolSize   int           `json:"worker_pool_size"`
	CampaignTimeout  time.Duration `json:"campaign_timeout"`
}

type TracerConfig struct {
	HopTimeout time.Duration `json:"hop_timeout"`
}

type BuildConfig struct {
	Environment string `json:"environment"`
	Version     string `json:"version"`
	CommitHash  string `json:"commit_hash"`
	BuildTime   string `json:"build_time"`
}

// LoadProductionConfig loads and validates configuration from environment variables
func LoadProductionConfig() (*ProductionConfig, error) {
	// Load environment variables from .env file
	if err := loadEnvFile(); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &ProductionConfig{
		Database: DatabaseConfig{
			Host:            getEnvString("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			Name:            getEnvString("DB_NAME", "susanoo"),
			User:            getEnvString("DB_USER", "postgres"),
			Password:        getEnvString("DB_PASSWORD", ""),
			SSLMode:         getEnvString("DB_SSL_MODE", "require"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 100),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 10),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 15*time.Minute),
			SlowQueryLog:    getEnvBool("DB_SLOW_QUERY_LOG", true),
			SlowQueryTime:   getEnvDuration("DB_SLOW_QUERY_TIME", 1*time.Second),
		},
		Server: ServerConfig{
			Host:            getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			BodyLimit:       getEnvInt("SERVER_BODY_LIMIT", 1*1024*1024), // 1MB
			GlobalRateLimit: getEnvInt("GLOBAL_RATE_LIMIT", 600),
		},
		Logging: LoggingConfig{
			Level:      getEnvString("LOG_LEVEL", "info"),
			Output:     getEnvString("LOG_OUTPUT", "both"),
			Dir:        getEnvString("LOG_DIR", "/var/log/susanoo"),
			MaxSize:    getEnvInt("LOG_MAX_SIZE", 100),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 10),
			MaxAge:     getEnvInt("LOG_MAX_AGE", 30),
			Compress:   getEnvBool("LOG_COMPRESS", true),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Path:    getEnvString("METRICS_PATH", "/metrics"),
		},
		Redis: RedisConfig{
			URL:      getEnvString("REDIS_URL", "redis://localhost:6379"),
			DB:       getEnvInt("REDIS_DB", 0),
			Password: getEnvString("REDIS_PASSWORD", ""),
			Prefix:   getEnvString("REDIS_PREFIX", "susanoo:"),
		},
		AdsAPI: AdsAPIConfig{
			BaseURL:           getEnvString("ADS_API_BASE_URL", ""),
			TokenURL:          getEnvString("ADS_API_TOKEN_URL", ""),
			ClientID:          getEnvString("ADS_API_CLIENT_ID", ""),
			ClientSecret:      getEnvString("ADS_API_CLIENT_SECRET", ""),
			RefreshToken:      getEnvString("ADS_API_REFRESH_TOKEN", ""),
			RequestTimeout:    getEnvDuration("ADS_API_REQUEST_TIMEOUT", 30*time.Second),
			InterRequestDelay: getEnvDuration("ADS_API_INTER_REQUEST_DELAY", 500*time.Millisecond),
			RetryBackoff:      getEnvDuration("ADS_API_RETRY_BACKOFF", 1*time.Second),
			QuotaCacheTTL:     getEnvDuration("ADS_API_QUOTA_CACHE_TTL", 5*time.Minute),
		},
		Proxy: ProxyConfig{
			DedupWindow:     getEnvDuration("PROXY_DEDUP_WINDOW", 24*time.Hour),
			IPCheckURLs:     getEnvStringSlice("PROXY_IP_CHECK_URLS", []string{"https://api.ipify.org?format=json", "https://ifconfig.me/ip"}),
			IPCheckTimeout:  getEnvDuration("PROXY_IP_CHECK_TIMEOUT", 10*time.Second),
			ConnectTimeout:  getEnvDuration("PROXY_CONNECT_TIMEOUT", 15*time.Second),
			RetryBackoff:    getEnvDuration("PROXY_RETRY_BACKOFF", 500*time.Millisecond),
			MaxRetryBackoff: getEnvDuration("PROXY_MAX_RETRY_BACKOFF", 5*time.Second),
		},
		Scheduler: SchedulerConfig{
			PollInterval:     getEnvDuration("SCHEDULER_POLL_INTERVAL", 30*time.Second),
			LockTTL:          getEnvDuration("SCHEDULER_LOCK_TTL", 30*time.Minute),
			DispatchBatch:    getEnvInt("SCHEDULER_DISPATCH_BATCH", 100),
			DequeueTimeout:   getEnvDuration("SCHEDULER_DEQUEUE_TIMEOUT", 5*time.Second),
			DefaultInterval:  getEnvDuration("SCHEDULER_DEFAULT_INTERVAL", 15*time.Minute),
			PurgeInterval:    getEnvDuration("SCHEDULER_PURGE_INTERVAL", 1*time.Hour),
			QueryConcurrency: getEnvInt("SCHEDULER_QUERY_CONCURRENCY", 3),
			WorkerPoolSize:   getEnvInt("SCHEDULER_WORKER_POOL_SIZE", 10),
			CampaignTimeout:  getEnvDuration("SCHEDULER_CAMPAIGN_TIMEOUT", 2*time.Minute),
		},
		Tracer: TracerConfig{
			HopTimeout: getEnvDuration("TRACER_HOP_TIMEOUT", 30*time.Second),
		},
		Build: BuildConfig{
			Environment: getEnvString("APP_ENV", "production"),
			Version:     getEnvString("VERSION", "1.0.0"),
			CommitHash:  getEnvString("COMMIT_HASH", "unknown"),
			BuildTime:   getEnvString("BUILD_TIME", "unknown"),
		},
	}

	// Validate the loaded configuration
	if err := ValidateProductionConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadEnvFile loads environment variables from .env file if it exists
func loadEnvFile() error {
	envFile := ".env"

	if _, err := os.Stat(envFile); os.IsNotExist(err) {
		// .env file doesn't exist, continue with environment variables
		return nil
	}

	file, err := os.Open(envFile)
	if err != nil {
		return fmt.Errorf("failed to open .env file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.Contains(line, "=") {
			parts := strings.SplitN(line, "=", 2)
			if len(parts) == 2 {
				key := strings.TrimSpace(parts[0])
				value := strings.TrimSpace(parts[1])
				value = strings.Trim(value, `"'`)

				// Environment always wins over the file
				if os.Getenv(key) == "" {
					os.Setenv(key, value)
				}
			}
		}
	}
	return scanner.Err()
}

// ValidateProductionConfig validates settings that have no safe default.
func ValidateProductionConfig(cfg *ProductionConfig) error {
	var problems []string

	if cfg.Database.Host == "" {
		problems = append(problems, "DB_HOST is required")
	}
	if cfg.Database.Name == "" {
		problems = append(problems, "DB_NAME is required")
	}
	if cfg.Database.User == "" {
		problems = append(problems, "DB_USER is required")
	}
	if cfg.Build.Environment == "production" && cfg.Database.Password == "" {
		problems = append(problems, "DB_PASSWORD is required in production")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		problems = append(problems, "SERVER_PORT must be between 1 and 65535")
	}
	if cfg.Redis.URL == "" {
		problems = append(problems, "REDIS_URL is required")
	}
	if cfg.AdsAPI.BaseURL == "" {
		problems = append(problems, "ADS_API_BASE_URL is required")
	}
	if cfg.AdsAPI.TokenURL == "" {
		problems = append(problems, "ADS_API_TOKEN_URL is required")
	}
	if cfg.AdsAPI.ClientID == "" || cfg.AdsAPI.ClientSecret == "" {
		problems = append(problems, "ADS_API_CLIENT_ID and ADS_API_CLIENT_SECRET are required")
	}
	if cfg.AdsAPI.RefreshToken == "" {
		problems = append(problems, "ADS_API_REFRESH_TOKEN is required")
	}
	if len(cfg.Proxy.IPCheckURLs) == 0 {
		problems = append(problems, "PROXY_IP_CHECK_URLS must list at least one service")
	}
	if cfg.Scheduler.LockTTL <= 0 {
		problems = append(problems, "SCHEDULER_LOCK_TTL must be positive")
	}
	if cfg.Scheduler.WorkerPoolSize <= 0 {
		problems = append(problems, "SCHEDULER_WORKER_POOL_SIZE must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// GetDatabaseURL returns the postgres DSN for gorm.
func (c *ProductionConfig) GetDatabaseURL() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// GetServerAddress returns the listen address for the HTTP server.
func (c *ProductionConfig) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Environment helpers

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
