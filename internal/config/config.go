package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort string
	ServerHost string

	// RedisURL selects the storage backend: when set, challenges, tokens
	// and nonce watermarks live in Redis; when empty everything is kept
	// in process memory.
	RedisURL string

	PowSalt      string
	PowAlgorithm string

	Argon2Time    uint32
	Argon2Memory  uint32
	Argon2Threads uint8
	Argon2KeyLen  uint32

	ChallengeTTLSeconds int
	TokenTTLSeconds     int
	GCIntervalSeconds   int

	EnableAnalytics        bool
	AnalyticsRetentionDays int

	DBHost          string
	DBPort          int
	DBName          string
	DBUser          string
	DBPassword      string
	DBSSLMode       string

	APIRateLimitRequests   int
	APIRateLimitWindowMins int
	APICORSOrigins         []string

	EnableMetrics bool

	LogLevel string
}

func Load() (*Config, error) {
	godotenv.Load("config.env")

	cfg := &Config{
		ServerPort: getEnvString("SERVER_PORT", "8080"),
		ServerHost: getEnvString("SERVER_HOST", "localhost"),

		RedisURL: getEnvString("REDIS_URL", ""),

		PowSalt:      getEnvString("POW_SALT", ""),
		PowAlgorithm: getEnvString("POW_ALGORITHM", "sha256"),

		Argon2Time:    uint32(getEnvInt("ARGON2_TIME", 1)),
		Argon2Memory:  uint32(getEnvInt("ARGON2_MEMORY", 8192)),
		Argon2Threads: uint8(getEnvInt("ARGON2_THREADS", 1)),
		Argon2KeyLen:  uint32(getEnvInt("ARGON2_KEY_LENGTH", 32)),

		ChallengeTTLSeconds: getEnvInt("CHALLENGE_TTL_SECONDS", 30),
		TokenTTLSeconds:     getEnvInt("TOKEN_TTL_SECONDS", 60),
		GCIntervalSeconds:   getEnvInt("GC_INTERVAL_SECONDS", 30),

		EnableAnalytics:        getEnvBool("ENABLE_ANALYTICS", false),
		AnalyticsRetentionDays: getEnvInt("ANALYTICS_RETENTION_DAYS", 30),

		DBHost:          getEnvString("DB_HOST", "localhost"),
		DBPort:          getEnvInt("DB_PORT", 5432),
		DBName:          getEnvString("DB_NAME", "captcha_db"),
		DBUser:          getEnvString("DB_USER", "postgres"),
		DBPassword:      getEnvString("DB_PASSWORD", ""),
		DBSSLMode:       getEnvString("DB_SSL_MODE", "disable"),

		APIRateLimitRequests:   getEnvInt("API_RATE_LIMIT_REQUESTS", 60),
		APIRateLimitWindowMins: getEnvInt("API_RATE_LIMIT_WINDOW_MINUTES", 1),
		APICORSOrigins:         getEnvStringSlice("API_CORS_ORIGINS", []string{"*"}),

		EnableMetrics: getEnvBool("ENABLE_METRICS", true),

		LogLevel: getEnvString("LOG_LEVEL", "info"),
	}

	return cfg, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
