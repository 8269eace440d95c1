package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port             string
	TLSPort          string
	LogLevel         string
	AllowedOrigins   []string
	TrustProxy       bool
	FeedBaseURL      string
	GroupID          string
	FeedCookie       string
	ValidKeys        []string
	AdminLogin       string
	AdminPassword    string
	CacheTTL         time.Duration
	MaxPages         int
	UpstreamTimeout  time.Duration
	RefreshTimeout   time.Duration
	AuditCapacity    int
	LoginMaxAttempts int
	LoginWindow      time.Duration
	RateLimit        int
	RateLimitWindow  time.Duration
	S3Bucket         string
	S3Region         string
	S3Endpoint       string
	S3AccessKey      string
	S3SecretKey      string
	S3SnapshotKey    string
	PostgresUser     string
	PostgresPassword string
	PostgresHost     string
	PostgresPort     string
	PostgresDatabase string
	PostgresSSLMode  string
}

func Load() *Config {
	return &Config{
		Port:             getEnv("PORT", "5000"),
		TLSPort:          getEnv("TLS_PORT", ""),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		AllowedOrigins:   getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		TrustProxy:       getEnvBool("TRUST_PROXY", false),
		FeedBaseURL:      getEnv("FEED_BASE_URL", "https://groups.roblox.com"),
		GroupID:          getEnv("GROUP_ID", "35815907"),
		FeedCookie:       getEnv("ROBLOX_COOKIE", ""),
		ValidKeys:        getEnvList("VALID_KEY", nil),
		AdminLogin:       getEnv("ADMIN_LOGIN", ""),
		AdminPassword:    getEnv("ADMIN_PASSWORD", ""),
		CacheTTL:         getEnvSeconds("CACHE_TTL", 60*time.Second),
		MaxPages:         getEnvInt("MAX_PAGES", 5),
		UpstreamTimeout:  getEnvDuration("UPSTREAM_TIMEOUT", 10*time.Second),
		RefreshTimeout:   getEnvDuration("REFRESH_TIMEOUT", 0),
		AuditCapacity:    getEnvInt("AUDIT_CAPACITY", 1000),
		LoginMaxAttempts: getEnvInt("LOGIN_MAX_ATTEMPTS", 5),
		LoginWindow:      getEnvDuration("LOGIN_WINDOW", 15*time.Minute),
		RateLimit:        getEnvInt("RATE_LIMIT", 60),
		RateLimitWindow:  getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		S3Bucket:         getEnv("S3_BUCKET", ""),
		S3Region:         getEnv("AWS_REGION", "us-east-1"),
		S3Endpoint:       getEnv("S3_ENDPOINT", ""),
		S3AccessKey:      getEnv("AWS_ACCESS_KEY_ID", ""),
		S3SecretKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
		S3SnapshotKey:    getEnv("S3_SNAPSHOT_KEY", "links/latest.json"),
		PostgresUser:     getEnv("POSTGRES_USER", "linkproxy"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresHost:     getEnv("POSTGRES_HOST", ""),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDatabase: getEnv("POSTGRES_DATABASE", "linkproxy"),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),
	}
}

// AdminEnabled reports whether both admin credentials are configured.
func (c *Config) AdminEnabled() bool {
	return c.AdminLogin != "" && c.AdminPassword != ""
}

// ArchiveEnabled reports whether audit entries should be mirrored to Postgres.
func (c *Config) ArchiveEnabled() bool {
	return c.PostgresHost != ""
}

// PublishEnabled reports whether refreshed snapshots should be uploaded to S3.
func (c *Config) PublishEnabled() bool {
	return c.S3Bucket != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil && intValue > 0 {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil && duration > 0 {
			return duration
		}
	}
	return defaultValue
}

// getEnvSeconds accepts either a bare number of seconds or a duration string.
func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		return defaultValue
	}
	return getEnvDuration(key, defaultValue)
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
