// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const devJWTSecret = "dev-secret-change-me"

// Config holds all application configuration.
type Config struct {
	Port             string
	FrontendURL      string
	AllowedOrigins   []string
	DB               DBConfig
	Auth             AuthConfig
	Vendor           VendorConfig
	Email            EmailConfig
	Reports          ReportsConfig
	RateLimitPerMin  int
	RemindersEnabled bool
}

// DBConfig selects the persistence backend.
type DBConfig struct {
	Driver string // "sqlite" or "pgx"
	Path   string
	URL    string
}

// AuthConfig controls access tokens.
type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

// VendorConfig holds the conversational AI vendor credentials.
type VendorConfig struct {
	APIKey         string
	AgentID        string
	WSURL          string
	ReceiveTimeout time.Duration
}

// EmailConfig holds SMTP settings.
type EmailConfig struct {
	Sender          string
	Password        string
	Host            string
	Port            int
	ReminderMinutes int
}

// ReportsConfig selects where uploaded reports are stored.
type ReportsConfig struct {
	Dir            string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	MaxUploadBytes int64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8000"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		DB: DBConfig{
			Driver: strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
			Path:   getEnv("DB_PATH", "./data/counsel.db"),
			URL:    getEnv("DATABASE_URL", ""),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			TokenTTL:  getEnvDuration("ACCESS_TOKEN_TTL", 30*time.Minute),
		},
		Vendor: VendorConfig{
			APIKey:         getEnv("ELEVENLABS_API_KEY", ""),
			AgentID:        getEnv("ELEVENLABS_AGENT_ID", ""),
			WSURL:          getEnv("ELEVENLABS_WS_URL", ""),
			ReceiveTimeout: getEnvDuration("VENDOR_RECEIVE_TIMEOUT", 60*time.Second),
		},
		Email: EmailConfig{
			Sender:          getEnv("EMAIL_SENDER", ""),
			Password:        getEnv("EMAIL_PASSWORD", ""),
			Host:            getEnv("EMAIL_HOST", "smtp.example.com"),
			Port:            getEnvInt("EMAIL_PORT", 587),
			ReminderMinutes: getEnvInt("SESSION_REMINDER_MINUTES", 5),
		},
		Reports: ReportsConfig{
			Dir:            getEnv("REPORTS_DIR", "./data/reports"),
			S3Bucket:       getEnv("REPORTS_S3_BUCKET", ""),
			S3Region:       getEnv("REPORTS_S3_REGION", "us-east-1"),
			S3Endpoint:     getEnv("REPORTS_S3_ENDPOINT", ""),
			S3AccessKey:    getEnv("REPORTS_S3_ACCESS_KEY", ""),
			S3SecretKey:    getEnv("REPORTS_S3_SECRET_KEY", ""),
			MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_BYTES", 10<<20)),
		},
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MIN", 30),
		RemindersEnabled: getEnvBool("REMINDERS_ENABLED", true),
	}

	// Only an explicit APP_ENV=development gets the fallback secret.
	if cfg.Auth.JWTSecret == "" && os.Getenv("APP_ENV") == "development" {
		cfg.Auth.JWTSecret = devJWTSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.DB.Driver {
	case "sqlite":
		if c.DB.Path == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case "pgx":
		if c.DB.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER=pgx")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or pgx, got %q", c.DB.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required unless APP_ENV=development")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("ACCESS_TOKEN_TTL must be > 0")
	}
	if c.Vendor.ReceiveTimeout <= 0 {
		return fmt.Errorf("VENDOR_RECEIVE_TIMEOUT must be > 0")
	}
	if c.Email.Port <= 0 {
		return fmt.Errorf("EMAIL_PORT must be > 0")
	}
	if c.Email.ReminderMinutes <= 0 {
		return fmt.Errorf("SESSION_REMINDER_MINUTES must be > 0")
	}
	if c.Reports.S3Bucket == "" && c.Reports.Dir == "" {
		return fmt.Errorf("REPORTS_DIR cannot be empty without REPORTS_S3_BUCKET")
	}
	if c.Reports.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be > 0")
	}
	if c.RateLimitPerMin <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MIN must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
