package config

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"

	"github.com/macjediwizard/crmcalsync/internal/validator"
)

var (
	ErrMissingConfig     = errors.New("missing required configuration")
	ErrInvalidConfig     = errors.New("invalid configuration value")
	ErrEncryptionKeySize = errors.New("encryption key must be exactly 32 bytes (64 hex characters)")
	ErrSessionSecretSize = errors.New("session secret must be at least 32 characters")
	ErrValidationFailed  = errors.New("configuration validation failed")
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

const (
	defaultAppleCalDAVURL = "https://caldav.icloud.com/"
	appDirName            = "crmcalsync"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	OIDC         OIDCConfig
	Security     SecurityConfig
	Database     DatabaseConfig
	Google       GoogleConfig
	Apple        AppleConfig
	RateLimiting RateLimitConfig
	Sync         SyncConfig
	Alerts       AlertConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port           int
	BaseURL        string
	Environment    Environment
	AllowedOrigins []string // origins accepted on state-changing API calls
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string
}

// OIDCConfig holds operator login configuration.
type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// SecurityConfig holds keys used for token encryption, sessions and OAuth state.
type SecurityConfig struct {
	EncryptionKey []byte
	SessionSecret string
	StateSecret   string
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string
}

// GoogleConfig holds the OAuth client used for Google calendar connections.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Endpoint     string // overrides the API base URL, empty in production
}

// AppleConfig holds CalDAV settings for Apple calendar connections.
type AppleConfig struct {
	CalDAVURL string
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// SyncConfig holds sync engine and scheduler tuning.
type SyncConfig struct {
	WindowDays          int
	MaxAttempts         int
	RetryBaseDelay      time.Duration
	RefreshBuffer       time.Duration
	MinInterval         int
	MaxInterval         int
	LogRetentionDays    int
	TimeZone            string
	AppointmentKeywords []string
}

// AlertConfig holds connection health alert settings.
type AlertConfig struct {
	WebhookEnabled bool
	WebhookURL     string
	EmailEnabled   bool
	SMTPHost       string
	SMTPPort       int
	SMTPUsername   string
	SMTPPassword   string
	SMTPFrom       string
	SMTPTo         []string
	SMTPTLS        bool
	Cooldown       time.Duration
}

// Load loads configuration from environment variables.
// A .env file in the working directory is read first when present.
func Load() (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env is optional

	cfg := &Config{}
	var err error

	if cfg.Server.Port, err = getEnvInt("PORT", 8080); err != nil {
		return nil, fmt.Errorf("%w: PORT: %w", ErrInvalidConfig, err)
	}
	cfg.Server.BaseURL = strings.TrimSuffix(os.Getenv("BASE_URL"), "/")
	cfg.Server.Environment = Environment(strings.ToLower(getEnv("ENVIRONMENT", "production")))
	cfg.Server.AllowedOrigins = getEnvList("ALLOWED_ORIGINS", []string{cfg.Server.BaseURL})
	cfg.Log.Level = getEnv("LOG_LEVEL", "info")

	cfg.OIDC.Issuer = os.Getenv("OIDC_ISSUER")
	cfg.OIDC.ClientID = os.Getenv("OIDC_CLIENT_ID")
	cfg.OIDC.ClientSecret = os.Getenv("OIDC_CLIENT_SECRET")
	cfg.OIDC.RedirectURL = os.Getenv("OIDC_REDIRECT_URL")

	if encKeyHex := os.Getenv("ENCRYPTION_KEY"); encKeyHex != "" {
		encKey, err := hex.DecodeString(encKeyHex)
		if err != nil {
			return nil, fmt.Errorf("%w: ENCRYPTION_KEY: invalid hex: %w", ErrInvalidConfig, err)
		}
		if len(encKey) != 32 {
			return nil, ErrEncryptionKeySize
		}
		cfg.Security.EncryptionKey = encKey
	}

	cfg.Security.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.Security.SessionSecret != "" && len(cfg.Security.SessionSecret) < 32 {
		return nil, ErrSessionSecretSize
	}
	// OAuth state tokens fall back to the session secret.
	cfg.Security.StateSecret = getEnv("STATE_SECRET", cfg.Security.SessionSecret)

	cfg.Database.Path = getEnv("DATABASE_PATH", defaultDatabasePath())

	cfg.Google.ClientID = os.Getenv("GOOGLE_CLIENT_ID")
	cfg.Google.ClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	cfg.Google.RedirectURL = getEnv("GOOGLE_REDIRECT_URL", cfg.Server.BaseURL+"/oauth/google/callback")
	cfg.Google.Endpoint = os.Getenv("GOOGLE_API_ENDPOINT")

	cfg.Apple.CalDAVURL = getEnv("APPLE_CALDAV_URL", defaultAppleCalDAVURL)

	if cfg.RateLimiting.RPS, err = getEnvFloat("RATE_LIMIT_RPS", 10.0); err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_RPS: %w", ErrInvalidConfig, err)
	}
	if cfg.RateLimiting.Burst, err = getEnvInt("RATE_LIMIT_BURST", 20); err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_BURST: %w", ErrInvalidConfig, err)
	}

	if err := loadSync(&cfg.Sync); err != nil {
		return nil, err
	}
	if err := loadAlerts(&cfg.Alerts); err != nil {
		return nil, err
	}

	if missing := cfg.getMissingRequired(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	return cfg, nil
}

func loadSync(s *SyncConfig) error {
	var err error
	if s.WindowDays, err = getEnvInt("SYNC_WINDOW_DAYS", 90); err != nil || s.WindowDays < 1 {
		return fmt.Errorf("%w: SYNC_WINDOW_DAYS", ErrInvalidConfig)
	}
	if s.MaxAttempts, err = getEnvInt("SYNC_MAX_ATTEMPTS", 3); err != nil || s.MaxAttempts < 1 {
		return fmt.Errorf("%w: SYNC_MAX_ATTEMPTS", ErrInvalidConfig)
	}
	if s.RetryBaseDelay, err = getEnvDuration("SYNC_RETRY_BASE_DELAY", time.Second); err != nil {
		return fmt.Errorf("%w: SYNC_RETRY_BASE_DELAY: %w", ErrInvalidConfig, err)
	}
	if s.RefreshBuffer, err = getEnvDuration("TOKEN_REFRESH_BUFFER", 5*time.Minute); err != nil {
		return fmt.Errorf("%w: TOKEN_REFRESH_BUFFER: %w", ErrInvalidConfig, err)
	}
	if s.MinInterval, err = getEnvInt("MIN_SYNC_INTERVAL", 300); err != nil {
		return fmt.Errorf("%w: MIN_SYNC_INTERVAL: %w", ErrInvalidConfig, err)
	}
	if s.MaxInterval, err = getEnvInt("MAX_SYNC_INTERVAL", 86400); err != nil {
		return fmt.Errorf("%w: MAX_SYNC_INTERVAL: %w", ErrInvalidConfig, err)
	}
	if s.MinInterval > s.MaxInterval {
		return fmt.Errorf("%w: MIN_SYNC_INTERVAL exceeds MAX_SYNC_INTERVAL", ErrInvalidConfig)
	}
	if s.LogRetentionDays, err = getEnvInt("SYNC_LOG_RETENTION_DAYS", 30); err != nil {
		return fmt.Errorf("%w: SYNC_LOG_RETENTION_DAYS: %w", ErrInvalidConfig, err)
	}
	s.TimeZone = getEnv("DEFAULT_TIME_ZONE", "UTC")
	if _, err := time.LoadLocation(s.TimeZone); err != nil {
		return fmt.Errorf("%w: DEFAULT_TIME_ZONE: %w", ErrInvalidConfig, err)
	}
	s.AppointmentKeywords = getEnvList("APPOINTMENT_KEYWORDS",
		[]string{"Besichtigung", "Viewing", "Termin", "Appointment", "Showing"})
	return nil
}

func loadAlerts(a *AlertConfig) error {
	var err error
	a.WebhookURL = os.Getenv("ALERT_WEBHOOK_URL")
	a.WebhookEnabled = getEnvBool("ALERT_WEBHOOK_ENABLED", a.WebhookURL != "")
	a.EmailEnabled = getEnvBool("ALERT_EMAIL_ENABLED", false)
	a.SMTPHost = os.Getenv("SMTP_HOST")
	if a.SMTPPort, err = getEnvInt("SMTP_PORT", 587); err != nil {
		return fmt.Errorf("%w: SMTP_PORT: %w", ErrInvalidConfig, err)
	}
	a.SMTPUsername = os.Getenv("SMTP_USERNAME")
	a.SMTPPassword = os.Getenv("SMTP_PASSWORD")
	a.SMTPFrom = os.Getenv("SMTP_FROM")
	a.SMTPTo = getEnvList("SMTP_TO", nil)
	a.SMTPTLS = getEnvBool("SMTP_TLS", false)
	if a.Cooldown, err = getEnvDuration("ALERT_COOLDOWN", time.Hour); err != nil {
		return fmt.Errorf("%w: ALERT_COOLDOWN: %w", ErrInvalidConfig, err)
	}
	return nil
}

func defaultDatabasePath() string {
	return filepath.Join(xdg.DataHome, appDirName, "crmcalsync.db")
}

// getMissingRequired returns a list of missing required configuration values.
func (c *Config) getMissingRequired() []string {
	required := []struct {
		key   string
		empty bool
	}{
		{"BASE_URL", c.Server.BaseURL == ""},
		{"OIDC_ISSUER", c.OIDC.Issuer == ""},
		{"OIDC_CLIENT_ID", c.OIDC.ClientID == ""},
		{"OIDC_CLIENT_SECRET", c.OIDC.ClientSecret == ""},
		{"OIDC_REDIRECT_URL", c.OIDC.RedirectURL == ""},
		{"ENCRYPTION_KEY", len(c.Security.EncryptionKey) == 0},
		{"SESSION_SECRET", c.Security.SessionSecret == ""},
		{"GOOGLE_CLIENT_ID", c.Google.ClientID == ""},
		{"GOOGLE_CLIENT_SECRET", c.Google.ClientSecret == ""},
	}

	var missing []string
	for _, r := range required {
		if r.empty {
			missing = append(missing, r.key)
		}
	}
	return missing
}

// Validate checks URL formats and that the OIDC issuer is reachable.
func (c *Config) Validate(ctx context.Context) error {
	v := validator.New()

	if err := v.ValidateURL(c.Server.BaseURL, c.IsProduction()); err != nil {
		return fmt.Errorf("%w: BASE_URL: %w", ErrValidationFailed, err)
	}
	if err := v.ValidateOIDCIssuer(ctx, c.OIDC.Issuer); err != nil {
		return fmt.Errorf("%w: OIDC_ISSUER: %w", ErrValidationFailed, err)
	}
	if err := v.ValidateURL(c.OIDC.RedirectURL, c.IsProduction()); err != nil {
		return fmt.Errorf("%w: OIDC_REDIRECT_URL: %w", ErrValidationFailed, err)
	}
	if err := v.ValidateURL(c.Google.RedirectURL, c.IsProduction()); err != nil {
		return fmt.Errorf("%w: GOOGLE_REDIRECT_URL: %w", ErrValidationFailed, err)
	}
	if err := v.ValidateURL(c.Apple.CalDAVURL, c.IsProduction()); err != nil {
		return fmt.Errorf("%w: APPLE_CALDAV_URL: %w", ErrValidationFailed, err)
	}
	if c.Alerts.WebhookEnabled {
		if err := v.ValidateWebhookURL(c.Alerts.WebhookURL, c.IsProduction()); err != nil {
			return fmt.Errorf("%w: ALERT_WEBHOOK_URL: %w", ErrValidationFailed, err)
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	return parsed, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float: %w", err)
	}
	return parsed, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration: %w", err)
	}
	return parsed, nil
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// getEnvList splits a comma separated value, dropping blanks.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
