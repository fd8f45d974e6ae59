package config

import (
	"os"
	"strconv"
	"time"
)

type AccessCodeConfig struct {
	CodeLength           int
	CodeTimeout          time.Duration
	MaxGenerationPerUser int
	RateLimitWindow      time.Duration
	CodePrefix           string
	HashIterations       int
}

func LoadAccessCodeConfig() *AccessCodeConfig {
	return &AccessCodeConfig{
		CodeLength:           getEnvAsInt("ACCESS_CODE_LENGTH", 8),
		CodeTimeout:          getEnvAsDuration("ACCESS_CODE_TIMEOUT", 48*time.Hour),
		MaxGenerationPerUser: getEnvAsInt("ACCESS_CODE_MAX_GEN_PER_USER", 5),
		RateLimitWindow:      getEnvAsDuration("ACCESS_CODE_RATE_LIMIT_WINDOW", 1*time.Hour),
		CodePrefix:           getEnv("ACCESS_CODE_PREFIX", "RX"),
		HashIterations:       getEnvAsInt("ACCESS_CODE_HASH_ITERATIONS", 10000),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.ParseInt(val, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
