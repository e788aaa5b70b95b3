package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Matching tunes the match pool.
type Matching struct {
	// TierWindow is the point distance from the best score that still counts as top tier.
	TierWindow int
	// TierPick is how many of the top tier members the random pick chooses among.
	TierPick int
	// SearchTimeout bounds a caller-level search.
	SearchTimeout time.Duration
	// SearchBackoff is the pause between search attempts.
	SearchBackoff time.Duration
}

// Session tunes the session manager.
type Session struct {
	InactivityWindow time.Duration
	SweepInterval    time.Duration
	// ClaimPendingTTL bounds how long a claim may exist before its session is stored.
	ClaimPendingTTL time.Duration
}

// Relay tunes the message relay.
type Relay struct {
	SubscriberBuffer    int
	MaxMessageLength    int
	DefaultHistoryLimit int
	MaxHistoryLimit     int
}

// Moderation holds the ban policy thresholds.
type Moderation struct {
	// BanReportThreshold is the number of reports within BanWindow that bans a user.
	BanReportThreshold int
	BanWindow          time.Duration
	DefaultBanDuration time.Duration
}

type Config struct {
	AppEnv   string
	HTTPAddr string
	LogLevel string

	// Storage
	StoreBackend string
	DBHost       string
	DBPort       string
	DBUser       string
	DBPassword   string
	DBName       string
	DBSSLMode    string
	RedisAddr    string

	// Auth
	JWTSecret string
	JWTTTL    time.Duration

	// Telegram notifications are disabled when the token is empty.
	TelegramBotToken string
	LocalesDir       string

	Matching   Matching
	Session    Session
	Relay      Relay
	Moderation Moderation
}

// Default returns the configuration used when no environment overrides are present.
func Default() *Config {
	return &Config{
		AppEnv:       "development",
		HTTPAddr:     ":8080",
		LogLevel:     "info",
		StoreBackend: StoreMemory,
		DBHost:       "localhost",
		DBPort:       "5432",
		DBUser:       "user",
		DBName:       "chatgogodb",
		DBSSLMode:    "disable",
		RedisAddr:    "localhost:6380",
		JWTTTL:       72 * time.Hour,
		LocalesDir:   "internal/localization/locales",
		Matching: Matching{
			TierWindow:    20,
			TierPick:      3,
			SearchTimeout: 5 * time.Second,
			SearchBackoff: 250 * time.Millisecond,
		},
		Session: Session{
			InactivityWindow: 2 * time.Minute,
			SweepInterval:    30 * time.Second,
			ClaimPendingTTL:  30 * time.Second,
		},
		Relay: Relay{
			SubscriberBuffer:    64,
			MaxMessageLength:    1000,
			DefaultHistoryLimit: 50,
			MaxHistoryLimit:     500,
		},
		Moderation: Moderation{
			BanReportThreshold: 3,
			BanWindow:          24 * time.Hour,
			DefaultBanDuration: 24 * time.Hour,
		},
	}
}

// Load reads the configuration from the environment on top of Default and
// validates it.
func Load() (*Config, error) {
	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv reads the configuration without validating it. Tools that only
// touch the store use it so they do not need the HTTP secrets.
func FromEnv() (*Config, error) {
	d := Default()
	cfg := &Config{
		AppEnv:       getEnv("APP_ENV", d.AppEnv),
		HTTPAddr:     getEnv("HTTP_ADDR", d.HTTPAddr),
		LogLevel:     getEnv("LOG_LEVEL", d.LogLevel),
		StoreBackend: getEnv("STORE_BACKEND", d.StoreBackend),
		DBHost:       getEnv("DB_HOST", d.DBHost),
		DBPort:       getEnv("DB_PORT", d.DBPort),
		DBUser:       getEnv("DB_USER", d.DBUser),
		DBPassword:   getEnv("DB_PASSWORD", d.DBPassword),
		DBName:       getEnv("DB_NAME", d.DBName),
		DBSSLMode:    getEnv("DB_SSLMODE", d.DBSSLMode),
		RedisAddr:    getEnv("REDIS_ADDR", d.RedisAddr),

		JWTSecret:        getEnv("JWT_SECRET_KEY", ""),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		LocalesDir:       getEnv("LOCALES_DIR", d.LocalesDir),
	}

	var err error
	durations := []struct {
		dst *time.Duration
		key string
		def time.Duration
	}{
		{&cfg.JWTTTL, "JWT_TTL", d.JWTTTL},
		{&cfg.Matching.SearchTimeout, "MATCH_SEARCH_TIMEOUT", d.Matching.SearchTimeout},
		{&cfg.Matching.SearchBackoff, "MATCH_SEARCH_BACKOFF", d.Matching.SearchBackoff},
		{&cfg.Session.InactivityWindow, "SESSION_INACTIVITY_WINDOW", d.Session.InactivityWindow},
		{&cfg.Session.SweepInterval, "SESSION_SWEEP_INTERVAL", d.Session.SweepInterval},
		{&cfg.Session.ClaimPendingTTL, "SESSION_CLAIM_PENDING_TTL", d.Session.ClaimPendingTTL},
		{&cfg.Moderation.BanWindow, "BAN_WINDOW", d.Moderation.BanWindow},
		{&cfg.Moderation.DefaultBanDuration, "BAN_DEFAULT_DURATION", d.Moderation.DefaultBanDuration},
	}
	for _, e := range durations {
		if *e.dst, err = getEnvDuration(e.key, e.def); err != nil {
			return nil, err
		}
	}

	cfg.Matching.TierWindow = getEnvInt("MATCH_TIER_WINDOW", d.Matching.TierWindow)
	cfg.Matching.TierPick = getEnvInt("MATCH_TIER_PICK", d.Matching.TierPick)
	cfg.Relay.SubscriberBuffer = getEnvInt("RELAY_SUBSCRIBER_BUFFER", d.Relay.SubscriberBuffer)
	cfg.Relay.MaxMessageLength = getEnvInt("RELAY_MAX_MESSAGE_LENGTH", d.Relay.MaxMessageLength)
	cfg.Relay.DefaultHistoryLimit = getEnvInt("RELAY_DEFAULT_HISTORY_LIMIT", d.Relay.DefaultHistoryLimit)
	cfg.Relay.MaxHistoryLimit = getEnvInt("RELAY_MAX_HISTORY_LIMIT", d.Relay.MaxHistoryLimit)
	cfg.Moderation.BanReportThreshold = getEnvInt("BAN_REPORT_THRESHOLD", d.Moderation.BanReportThreshold)
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET_KEY is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 characters")
	}
	if c.StoreBackend != StoreMemory && c.StoreBackend != StorePostgres {
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StoreMemory, StorePostgres, c.StoreBackend)
	}
	if c.StoreBackend == StorePostgres && c.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required for the postgres backend")
	}
	if c.Matching.TierWindow < 0 {
		return fmt.Errorf("MATCH_TIER_WINDOW must not be negative")
	}
	if c.Matching.TierPick < 1 {
		return fmt.Errorf("MATCH_TIER_PICK must be at least 1")
	}
	if c.Session.InactivityWindow <= 0 || c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session inactivity window and sweep interval must be positive")
	}
	if c.Session.ClaimPendingTTL <= 0 {
		return fmt.Errorf("SESSION_CLAIM_PENDING_TTL must be positive")
	}
	if c.Relay.SubscriberBuffer < 1 || c.Relay.MaxMessageLength < 1 {
		return fmt.Errorf("relay buffer and max message length must be positive")
	}
	if c.Relay.DefaultHistoryLimit < 1 || c.Relay.MaxHistoryLimit < c.Relay.DefaultHistoryLimit {
		return fmt.Errorf("relay history limits are inconsistent")
	}
	if c.Moderation.BanReportThreshold < 1 {
		return fmt.Errorf("BAN_REPORT_THRESHOLD must be at least 1")
	}
	if c.Moderation.BanWindow <= 0 {
		return fmt.Errorf("BAN_WINDOW must be positive")
	}
	return nil
}

func (c *Config) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
