// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultDBPath is used when DB_PATH is not set.
const DefaultDBPath = "./data/linkgate.db"

// Config holds all application configuration.
type Config struct {
	Port string
	// FrontendURL is the origin the shell is served from when it is not
	// this service. It becomes the only allowed CORS origin unless
	// ALLOWED_ORIGINS is set.
	FrontendURL    string
	DBPath         string
	PublicBaseURL  string
	AllowedOrigins []string
	PageIdleTTL    time.Duration
	HostSessionTTL time.Duration
	// LIFFID may be empty; pages then fail with a configuration error
	// instead of the process refusing to start.
	LIFFID string
	LINE   LINEConfig
	// LinkRatePerMinute throttles phone submissions per client IP.
	LinkRatePerMinute float64
	LinkRateBurst     int
}

// LINEConfig holds the LINE Login channel settings.
type LINEConfig struct {
	ChannelID     string
	ChannelSecret string
	APIBaseURL    string
	AuthBaseURL   string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	frontendURL := strings.TrimRight(strings.TrimSpace(getEnv("FRONTEND_URL", "")), "/")
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    frontendURL,
		DBPath:         DBPath(),
		PublicBaseURL:  strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", defaultOrigins(frontendURL)),
		PageIdleTTL:    getEnvDuration("PAGE_IDLE_TTL", 15*time.Minute),
		HostSessionTTL: getEnvDuration("HOST_SESSION_TTL", 24*time.Hour),
		LIFFID:         strings.TrimSpace(getEnv("LIFF_ID", "")),
		LINE: LINEConfig{
			ChannelID:     getEnv("LINE_CHANNEL_ID", ""),
			ChannelSecret: getEnv("LINE_CHANNEL_SECRET", ""),
			APIBaseURL:    getEnv("LINE_API_BASE_URL", "https://api.line.me"),
			AuthBaseURL:   getEnv("LINE_AUTH_BASE_URL", "https://access.line.me"),
		},
		LinkRatePerMinute: getEnvFloat("LINK_RATE_PER_MINUTE", 10),
		LinkRateBurst:     getEnvInt("LINK_RATE_BURST", 5),
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
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	u, err := url.Parse(c.PublicBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("PUBLIC_BASE_URL must be an absolute URL")
	}
	if c.PageIdleTTL <= 0 {
		return fmt.Errorf("PAGE_IDLE_TTL must be > 0")
	}
	if c.HostSessionTTL <= 0 {
		return fmt.Errorf("HOST_SESSION_TTL must be > 0")
	}
	if c.LinkRatePerMinute <= 0 || c.LinkRateBurst <= 0 {
		return fmt.Errorf("LINK_RATE_PER_MINUTE and LINK_RATE_BURST must be > 0")
	}
	return nil
}

// DBPath returns the database path from DB_PATH, or DefaultDBPath.
func DBPath() string {
	return getEnv("DB_PATH", DefaultDBPath)
}

func defaultOrigins(frontendURL string) []string {
	if frontendURL == "" {
		return []string{"*"}
	}
	return []string{frontendURL}
}

// CallbackURL is the OAuth redirect URI registered with the LINE channel.
func (c *Config) CallbackURL() string {
	return c.PublicBaseURL + "/auth/callback"
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return strings.HasPrefix(c.PublicBaseURL, "http://localhost") ||
		strings.HasPrefix(c.PublicBaseURL, "http://127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
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

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
