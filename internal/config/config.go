package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string
	BaseURL    string

	DB struct {
		DSN string
	}

	Google struct {
		ClientID      string
		ClientSecret  string
		RedirectPath  string
		TokenEndpoint string // override for tests; empty means Google's endpoint
		IssuerURL     string
	}

	Crypto struct {
		// EncryptionSecret seeds the AES key used to seal OAuth tokens at rest.
		EncryptionSecret string
	}

	Sync struct {
		// ImportExternalEvents controls whether events found on the managed
		// calendar that were not created by this system become local
		// appointments, or are left alone.
		ImportExternalEvents bool
		PassTimeout          time.Duration
		BackoffBase          time.Duration
		BackoffCap           time.Duration
		BackoffMaxAttempts   int
	}

	PrometheusEnabled bool
	TrustedProxies    []string
}

func Load() (*Config, error) {
	cfg := &Config{}

	cfg.ListenAddr = getenvDefault("APP_LISTEN_ADDR", ":8080")
	cfg.BaseURL = getenvDefault("APP_BASE_URL", "http://localhost:8080")
	cfg.DB.DSN = os.Getenv("APP_DB_DSN")

	if cfg.DB.DSN == "" {
		host := os.Getenv("APP_DB_HOST")
		name := os.Getenv("APP_DB_NAME")
		user := os.Getenv("APP_DB_USER")
		password := os.Getenv("APP_DB_PASSWORD")
		port := getenvDefault("APP_DB_PORT", "5432")
		sslmode := getenvDefault("APP_DB_SSLMODE", "disable")

		if host != "" && name != "" && user != "" && password != "" {
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
		}
	}

	cfg.Google.ClientID = os.Getenv("APP_GOOGLE_CLIENT_ID")
	cfg.Google.ClientSecret = os.Getenv("APP_GOOGLE_CLIENT_SECRET")
	cfg.Google.RedirectPath = getenvDefault("APP_GOOGLE_REDIRECT_PATH", "/auth/google/callback")
	cfg.Google.TokenEndpoint = os.Getenv("APP_GOOGLE_TOKEN_ENDPOINT")
	cfg.Google.IssuerURL = getenvDefault("APP_GOOGLE_ISSUER_URL", "https://accounts.google.com")

	cfg.Crypto.EncryptionSecret = os.Getenv("APP_ENCRYPTION_SECRET")

	cfg.Sync.ImportExternalEvents = getenvBool("APP_SYNC_IMPORT_EXTERNAL", false)
	cfg.Sync.PassTimeout = getenvDuration("APP_SYNC_PASS_TIMEOUT", 2*time.Minute)
	cfg.Sync.BackoffBase = getenvDuration("APP_SYNC_BACKOFF_BASE", time.Second)
	cfg.Sync.BackoffCap = getenvDuration("APP_SYNC_BACKOFF_CAP", time.Minute)
	cfg.Sync.BackoffMaxAttempts = getenvInt("APP_SYNC_BACKOFF_ATTEMPTS", 5)

	cfg.PrometheusEnabled = getenvBool("APP_PROMETHEUS_ENDPOINT_ENABLED", false)
	cfg.TrustedProxies = getenvList("APP_TRUSTED_PROXIES")

	if cfg.DB.DSN == "" {
		return nil, errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
	}
	if cfg.Google.ClientID == "" || cfg.Google.ClientSecret == "" {
		return nil, errors.New("google oauth configuration is required: APP_GOOGLE_CLIENT_ID and APP_GOOGLE_CLIENT_SECRET")
	}
	if cfg.Crypto.EncryptionSecret == "" {
		return nil, errors.New("APP_ENCRYPTION_SECRET is required")
	}
	if len(cfg.Crypto.EncryptionSecret) < 32 {
		return nil, fmt.Errorf("APP_ENCRYPTION_SECRET must be at least 32 characters long (got %d)", len(cfg.Crypto.EncryptionSecret))
	}
	if cfg.Sync.BackoffMaxAttempts < 1 {
		return nil, errors.New("APP_SYNC_BACKOFF_ATTEMPTS must be at least 1")
	}

	if len(cfg.TrustedProxies) == 0 {
		fmt.Println("WARNING: No APP_TRUSTED_PROXIES configured. CalSync will trust all proxies - Not recommended for public environments.")
	}

	return cfg, nil
}

// RedirectURL is the absolute OAuth callback address registered with Google.
func (c *Config) RedirectURL() string {
	return strings.TrimRight(c.BaseURL, "/") + c.Google.RedirectPath
}

// WebhookURL is the absolute address Google delivers push notifications to.
func (c *Config) WebhookURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/webhooks/google"
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}
