package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is read from the environment. DATABASE_URL and SECRET_KEY are
// required; everything else has a default.
type Config struct {
	DatabaseURL string
	SecretKey   string
	Algorithm   string

	AccessTokenTTL   time.Duration
	EmailTokenTTL    time.Duration
	RefreshTokenTTL  time.Duration
	RefreshRetention time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
	BcryptCost       int

	RedisURL               string
	CloudinaryURL          string
	KafkaBrokers           []string
	KafkaConfirmationTopic string

	CronSecret string
	SentryDSN  string
	AppEnv     string
	LogLevel   string
	Port       string

	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
}

func LoadConfig() (Config, error) {
	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return Config{}, err
	}
	secretKey, err := mustEnv("SECRET_KEY")
	if err != nil {
		return Config{}, err
	}

	return Config{
		DatabaseURL: databaseURL,
		SecretKey:   secretKey,
		Algorithm:   envOrDefault("ALGORITHM", "HS256"),

		AccessTokenTTL:   envMinutesOrDefault("ACCESS_TOKEN_EXPIRE_MINUTES", 30),
		EmailTokenTTL:    envDaysOrDefault("EMAIL_TOKEN_EXPIRE_DAYS", 7),
		RefreshTokenTTL:  envDaysOrDefault("REFRESH_TOKEN_EXPIRE_DAYS", 7),
		RefreshRetention: envDaysOrDefault("REFRESH_TOKEN_RETENTION_DAYS", 7),
		CleanupInterval:  envMinutesOrDefault("TOKEN_CLEANUP_INTERVAL_MINUTES", 60),
		CleanupBatchSize: envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
		BcryptCost:       envIntOrDefault("BCRYPT_COST", 12),

		RedisURL:               envOrDefault("REDIS_URL", "redis://localhost:6379/0"),
		CloudinaryURL:          strings.TrimSpace(os.Getenv("CLOUDINARY_URL")),
		KafkaBrokers:           envListOrDefault("KAFKA_BROKERS", nil),
		KafkaConfirmationTopic: envOrDefault("KAFKA_CONFIRMATION_TOPIC", "user-confirmation"),

		CronSecret: strings.TrimSpace(os.Getenv("CRON_SECRET")),
		SentryDSN:  strings.TrimSpace(os.Getenv("SENTRY_DSN")),
		AppEnv:     envOrDefault("APP_ENV", "development"),
		LogLevel:   envOrDefault("LOG_LEVEL", "info"),
		Port:       envOrDefault("PORT", "8080"),

		DBMaxOpenConns:    envIntOrDefault("DB_MAX_OPEN_CONNS", 10),
		DBMaxIdleConns:    envIntOrDefault("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30),
		DBConnMaxIdleTime: envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),
	}, nil
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envListOrDefault(name string, fallback []string) []string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
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

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
