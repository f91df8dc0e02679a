package config

import (
	"os"
	"strconv"
)

type Config struct {
	Port          string `env:"PORT"`
	LogLevel      string `env:"LOG_LEVEL"`
	Environment   string `env:"ENVIRONMENT"`
	DatabaseURL   string `env:"DATABASE_URL,secret"`
	RedisURL      string `env:"REDIS_URL,secret"`
	BusURL        string `env:"BUS_URL,secret"`
	DBPoolSize    int    `env:"DB_POOL_SIZE"`
	SessionSecret string `env:"SESSION_SECRET,secret"`
}

// Load loads configuration from environment variables
func Load() *Config {
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		Environment:   getEnv("ENVIRONMENT", "development"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisURL:      getEnv("REDIS_URL", ""),
		BusURL:        getEnv("BUS_URL", ""),
		DBPoolSize:    getEnvInt("DB_POOL_SIZE", 10),
		SessionSecret: getEnv("SESSION_SECRET", ""),
	}

	// When no dedicated bus is configured the Redis cache doubles as the
	// pub/sub plane, and with neither the server runs single-instance.
	if cfg.BusURL == "" {
		cfg.BusURL = cfg.RedisURL
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
