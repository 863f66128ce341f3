package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	RedisURL        string
	DatabaseURL     string
	JWTSecret       string
	ServerPort      string
	AuthMode        string
	PublicBaseURL   string
	UpstreamTimeout int
}

func Load() (*Config, error) {
	godotenv.Load()

	return &Config{
		RedisURL:        getEnv("REDIS_URL", "redis://localhost:6379"),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		JWTSecret:       getEnv("JWT_SECRET", "secret"),
		ServerPort:      getEnv("SERVER_PORT", "8080"),
		AuthMode:        getEnv("AUTH_MODE", "store"),
		PublicBaseURL:   getEnv("PUBLIC_BASE_URL", "ws://localhost:8080"),
		UpstreamTimeout: getEnvInt("UPSTREAM_TIMEOUT_SECONDS", 60),
	}, nil
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultVal
}
