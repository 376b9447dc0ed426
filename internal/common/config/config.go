package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Chat        ChatConfig
	Attachments AttachmentsConfig
	Remote      RemoteConfig
	Database    DatabaseConfig
	Logging     LoggingConfig
	Redis       RedisConfig
	RateLimit   RateLimitConfig
	Metrics     MetricsConfig
}

type ChatConfig struct {
	LocalUserID    string
	TenantID       string
	TypingTimeout  time.Duration
	TypingThrottle time.Duration
	WorkerID       int64
}

type AttachmentsConfig struct {
	MaxFileSize  int64
	AllowedTypes []string
	Backend      string
	StoragePath  string
	StorageURL   string
	S3Bucket     string
	S3Region     string
	S3Endpoint   string
	CDNURL       string
}

type RemoteConfig struct {
	Source          string
	BaseURL         string
	Token           string
	Timeout         time.Duration
	RetryAttempts   int
	RetryWait       time.Duration
	BreakerFailures int
	BreakerTimeout  time.Duration
	CacheTTL        time.Duration
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

type LoggingConfig struct {
	Level      string
	Format     string
	Output     string
	EnableFile bool
	FilePath   string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	Enabled  bool
}

type RateLimitConfig struct {
	Enabled           bool
	MessagesPerMinute int
	Burst             int
}

type MetricsConfig struct {
	Enabled bool
	Port    int
}

// DefaultAllowedTypes is the attachment allow-list used when
// ATTACHMENTS_ALLOWED_TYPES is unset. Entries are exact MIME types or
// "type/*" globs.
var DefaultAllowedTypes = []string{
	"image/*",
	"video/*",
	"audio/*",
	"application/pdf",
	"application/zip",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"text/plain",
}

func Load() (*Config, error) {
	cfg := &Config{
		Chat: ChatConfig{
			LocalUserID:    getEnv("CHAT_LOCAL_USER_ID", ""),
			TenantID:       getEnv("CHAT_TENANT_ID", ""),
			TypingTimeout:  getEnvDuration("CHAT_TYPING_TIMEOUT", 2*time.Second),
			TypingThrottle: getEnvDuration("CHAT_TYPING_THROTTLE", 1*time.Second),
			WorkerID:       int64(getEnvInt("CHAT_WORKER_ID", 1)),
		},
		Attachments: AttachmentsConfig{
			MaxFileSize:  int64(getEnvInt("ATTACHMENTS_MAX_FILE_SIZE", 50*1024*1024)),
			AllowedTypes: getEnvList("ATTACHMENTS_ALLOWED_TYPES", DefaultAllowedTypes),
			Backend:      getEnv("ATTACHMENTS_BACKEND", "local"),
			StoragePath:  getEnv("STORAGE_PATH", "./uploads"),
			StorageURL:   getEnv("STORAGE_URL", "http://localhost:8080/files"),
			S3Bucket:     getEnv("S3_BUCKET", ""),
			S3Region:     getEnv("S3_REGION", "us-east-1"),
			S3Endpoint:   getEnv("S3_ENDPOINT", ""),
			CDNURL:       getEnv("CDN_URL", ""),
		},
		Remote: RemoteConfig{
			Source:          getEnv("REMOTE_SOURCE", "http"),
			BaseURL:         getEnv("REMOTE_BASE_URL", "http://localhost:8080/api/v1"),
			Token:           getEnv("REMOTE_TOKEN", ""),
			Timeout:         getEnvDuration("REMOTE_TIMEOUT", 10*time.Second),
			RetryAttempts:   getEnvInt("REMOTE_RETRY_ATTEMPTS", 3),
			RetryWait:       getEnvDuration("REMOTE_RETRY_WAIT", 200*time.Millisecond),
			BreakerFailures: getEnvInt("REMOTE_BREAKER_FAILURES", 5),
			BreakerTimeout:  getEnvDuration("REMOTE_BREAKER_TIMEOUT", 30*time.Second),
			CacheTTL:        getEnvDuration("REMOTE_CACHE_TTL", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "postgres"),
			Database:        getEnv("DB_NAME", "chat"),
			MaxConns:        getEnvInt("DB_MAX_CONNS", 5),
			MinConns:        getEnvInt("DB_MIN_CONNS", 1),
			MaxConnLifetime: getEnvDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime: getEnvDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
		},
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "console"),
			Output:     getEnv("LOG_OUTPUT", "stderr"),
			EnableFile: getEnvBool("LOG_ENABLE_FILE", false),
			FilePath:   getEnv("LOG_FILE_PATH", "./chatcore.log"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			Enabled:  getEnvBool("REDIS_ENABLED", false),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getEnvBool("RATE_LIMIT_ENABLED", true),
			MessagesPerMinute: getEnvInt("RATE_LIMIT_MESSAGES_PER_MINUTE", 120),
			Burst:             getEnvInt("RATE_LIMIT_BURST", 20),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", false),
			Port:    getEnvInt("METRICS_PORT", 9100),
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		out := make([]string, len(fallback))
		copy(out, fallback)
		return out
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
