package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	Port              string
	DatabasePath      string
	LogLevel          string
	JWTSecret         string
	AccessTokenExpiry time.Duration
	AllowedOrigins    []string
	RateLimitPerSec   float64
	RateLimitBurst    int

	// Raw key material for the token vault. Validated by security.NewVault, not here,
	// so a missing key surfaces as a ConfigurationError at the point of use.
	TokenEncryptionKey string

	MonzoClientID      string
	MonzoClientSecret  string
	MonzoRedirectURL   string
	MonzoAPIBaseURL    string
	MonzoAuthURL       string
	MonzoWebhookSecret string
	PublicBaseURL      string
	FrontendBaseURL    string
	OAuthStateTTL      time.Duration

	SyncRetryMaxAttempts int
	SyncRetryBaseDelay   time.Duration
	SyncRetryMaxDelay    time.Duration
	SyncPageLimit        int
	ImportWatchdog       time.Duration
	SyncSchedule         string
	SyncTimezone         string

	ProgressStreamTimeout time.Duration

	SettlementOverpaymentTolerance float64

	EmailServiceProvider string
	MailgunDomain        string
	MailgunPrivateAPIKey string
	SenderEmail          string
	SenderName           string
	OperatorEmail        string
}

var Cfg *AppConfig

// ConfigurationError reports a missing or malformed security-relevant setting.
// Components that depend on such a setting refuse to operate rather than fall back.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s %s", e.Key, e.Reason)
}

func LoadConfig() {
	errEnv := godotenv.Load()
	if errEnv != nil {
		log.Println("Info: No .env file found or error loading .env file. Relying on OS environment variables and defaults. Error (if any):", errEnv)
	} else {
		log.Println(".env file loaded successfully.")
	}

	log.Println("Loading application configuration...")

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		log.Println("WARNING: JWT_SECRET is not set. The server will refuse to start.")
	}

	Cfg = &AppConfig{
		Port:              getEnv("PORT", "8080"),
		DatabasePath:      getEnv("DATABASE_PATH", "./landlordly.db"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		JWTSecret:         jwtSecret,
		AccessTokenExpiry: getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 60*time.Minute),
		AllowedOrigins:    getEnvAsList("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		RateLimitPerSec:   getEnvAsFloat("RATE_LIMIT_PER_SECOND", 10),
		RateLimitBurst:    getEnvAsInt("RATE_LIMIT_BURST", 30),

		TokenEncryptionKey: getSecretEnv("TOKEN_ENCRYPTION_KEY"),

		MonzoClientID:      getEnv("MONZO_CLIENT_ID", ""),
		MonzoClientSecret:  getSecretEnv("MONZO_CLIENT_SECRET"),
		MonzoRedirectURL:   getEnv("MONZO_REDIRECT_URL", "http://localhost:8080/api/oauth/monzo/callback"),
		MonzoAPIBaseURL:    getEnv("MONZO_API_BASE_URL", "https://api.monzo.com"),
		MonzoAuthURL:       getEnv("MONZO_AUTH_URL", "https://auth.monzo.com"),
		MonzoWebhookSecret: getSecretEnv("MONZO_WEBHOOK_SECRET"),
		PublicBaseURL:      getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
		FrontendBaseURL:    getEnv("FRONTEND_BASE_URL", "http://localhost:3000"),
		OAuthStateTTL:      getEnvAsDuration("OAUTH_STATE_TTL", 10*time.Minute),

		SyncRetryMaxAttempts: getEnvAsInt("SYNC_RETRY_MAX_ATTEMPTS", 3),
		SyncRetryBaseDelay:   getEnvAsDuration("SYNC_RETRY_BASE_DELAY", time.Second),
		SyncRetryMaxDelay:    getEnvAsDuration("SYNC_RETRY_MAX_DELAY", 30*time.Second),
		SyncPageLimit:        getEnvAsInt("SYNC_PAGE_LIMIT", 100),
		ImportWatchdog:       getEnvAsDuration("IMPORT_WATCHDOG", 4*time.Minute+30*time.Second),
		SyncSchedule:         getEnv("SYNC_SCHEDULE", "0 */6 * * *"),
		SyncTimezone:         getEnv("SYNC_TIMEZONE", "Europe/London"),

		ProgressStreamTimeout: getEnvAsDuration("PROGRESS_STREAM_TIMEOUT", 5*time.Minute),

		SettlementOverpaymentTolerance: getEnvAsFloat("SETTLEMENT_OVERPAYMENT_TOLERANCE", 0.01),

		EmailServiceProvider: getEnv("EMAIL_SERVICE_PROVIDER", "mock"),
		MailgunDomain:        getEnv("MAILGUN_DOMAIN", ""),
		MailgunPrivateAPIKey: getSecretEnv("MAILGUN_PRIVATE_API_KEY"),
		SenderEmail:          getEnv("SENDER_EMAIL", "noreply@example.com"),
		SenderName:           getEnv("SENDER_NAME", "Landlordly"),
		OperatorEmail:        getEnv("OPERATOR_EMAIL", ""),
	}

	if Cfg.MonzoWebhookSecret == "" {
		log.Println("WARNING: MONZO_WEBHOOK_SECRET is not set. Webhooks will not be registered and the webhook endpoint will reject all deliveries.")
	}
	if Cfg.SyncRetryMaxAttempts < 1 {
		log.Printf("WARNING: SYNC_RETRY_MAX_ATTEMPTS must be at least 1, got %d. Using 1.", Cfg.SyncRetryMaxAttempts)
		Cfg.SyncRetryMaxAttempts = 1
	}

	log.Printf("Configuration loaded: Port=%s, LogLevel=%s, DBPath=%s, EmailProvider=%s, SyncSchedule=%q",
		Cfg.Port, Cfg.LogLevel, Cfg.DatabasePath, Cfg.EmailServiceProvider, Cfg.SyncSchedule)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	log.Printf("Environment variable %s not set, using default: %s", key, fallback)
	return fallback
}

// getSecretEnv never logs the value or a default.
func getSecretEnv(key string) string {
	value, exists := os.LookupEnv(key)
	if !exists {
		log.Printf("Environment variable %s not set", key)
	}
	return value
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid integer value for %s ('%s'), using default: %d", key, valueStr, fallback)
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	log.Printf("Invalid float value for %s ('%s'), using default: %v", key, valueStr, fallback)
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid duration value for %s ('%s'), using default: %s", key, valueStr, fallback.String())
	return fallback
}

func getEnvAsList(key string, fallback []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
