package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Device   DeviceConfig
	CIBA     CIBAConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	TLSCert      string
	TLSKey       string
	BaseURL      string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Password string
	DB       int
	PoolSize int
}

type AuthConfig struct {
	JWTSecret            string
	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	AuthorizationCodeTTL time.Duration
	ClientCredentialsTTL time.Duration
	IDTokenTTL           time.Duration
}

type DeviceConfig struct {
	CodeTTL      time.Duration
	PollInterval time.Duration
	SweepEvery   time.Duration
}

type CIBAConfig struct {
	DefaultExpiry time.Duration
	MinExpiry     time.Duration
	MaxExpiry     time.Duration
	PollInterval  time.Duration
}

type SecurityConfig struct {
	RateLimitRequests int
	RateLimitWindow   time.Duration
	RateLimitBackend  string
	AllowedOrigins    []string
	MaxRequestSize    int64
	RequireHTTPS      bool
}

type LoggingConfig struct {
	Level  string
	Format string
	Caller bool
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "localhost"),
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  getDurationEnv("READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDurationEnv("WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDurationEnv("IDLE_TIMEOUT", 60*time.Second),
			TLSCert:      getEnv("TLS_CERT", ""),
			TLSKey:       getEnv("TLS_KEY", ""),
			BaseURL:      getEnv("BASE_URL", ""),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Name:     getEnv("DB_NAME", "authserver"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Redis: RedisConfig{
			Enabled:  getBoolEnv("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
			PoolSize: getIntEnv("REDIS_POOL_SIZE", 10),
		},
		Auth: AuthConfig{
			JWTSecret:            getEnv("JWT_SECRET", ""),
			AccessTokenTTL:       getDurationEnv("ACCESS_TOKEN_TTL", 15*time.Minute),
			RefreshTokenTTL:      getDurationEnv("REFRESH_TOKEN_TTL", 7*24*time.Hour),
			AuthorizationCodeTTL: getDurationEnv("AUTH_CODE_TTL", 10*time.Minute),
			ClientCredentialsTTL: getDurationEnv("CLIENT_CREDENTIALS_TTL", 5*time.Minute),
			IDTokenTTL:           getDurationEnv("ID_TOKEN_TTL", time.Hour),
		},
		Device: DeviceConfig{
			CodeTTL:      getDurationEnv("DEVICE_CODE_TTL", 30*time.Minute),
			PollInterval: getDurationEnv("DEVICE_POLL_INTERVAL", 5*time.Second),
			SweepEvery:   getDurationEnv("EXPIRY_SWEEP_INTERVAL", 5*time.Minute),
		},
		CIBA: CIBAConfig{
			DefaultExpiry: getDurationEnv("CIBA_DEFAULT_EXPIRY", 10*time.Minute),
			MinExpiry:     getDurationEnv("CIBA_MIN_EXPIRY", 60*time.Second),
			MaxExpiry:     getDurationEnv("CIBA_MAX_EXPIRY", 30*time.Minute),
			PollInterval:  getDurationEnv("CIBA_POLL_INTERVAL", 5*time.Second),
		},
		Security: SecurityConfig{
			RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 100),
			RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
			RateLimitBackend:  getEnv("RATE_LIMIT_BACKEND", "memory"),
			AllowedOrigins:    parseStringArray(getEnv("ALLOWED_ORIGINS", "*")),
			MaxRequestSize:    getInt64Env("MAX_REQUEST_SIZE", 1024*1024),
			RequireHTTPS:      getBoolEnv("REQUIRE_HTTPS", false),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			Caller: getBoolEnv("LOG_CALLER", false),
		},
	}
}

// Validate rejects configurations the server cannot run with. The JWT secret
// has no default on purpose.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET must be set")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return errors.New("JWT_SECRET must be at least 32 bytes")
	}
	if c.Security.RateLimitBackend != "memory" && c.Security.RateLimitBackend != "redis" {
		return errors.New("RATE_LIMIT_BACKEND must be 'memory' or 'redis'")
	}
	if c.CIBA.MinExpiry > c.CIBA.MaxExpiry {
		return errors.New("CIBA_MIN_EXPIRY must not exceed CIBA_MAX_EXPIRY")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func parseStringArray(value string) []string {
	if value == "" {
		return []string{}
	}
	return strings.Split(value, ",")
}
