/*
Package config loads server configuration from the environment.

  A .env file is honored in development; real environments set the
  variables directly.
*/
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Server
	Port string
	Env  string

	// Database
	DBPath string

	// CORS
	AllowedOrigins []string

	// Reconciliation of orphaned seat holds
	ReconcileInterval time.Duration
	ReconcileGrace    time.Duration

	// Logging
	LogLevel string
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("no .env file found, using environment variables")
	}

	return &Config{
		Port:              getEnv("PORT", "8080"),
		Env:               getEnv("ENV", "development"),
		DBPath:            getEnv("DB_PATH", "carpool.db"),
		AllowedOrigins:    strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:8080"), ","),
		ReconcileInterval: getDuration("RECONCILE_INTERVAL", 5*time.Minute),
		ReconcileGrace:    getDuration("RECONCILE_GRACE", 15*time.Minute),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	log.Warn().Str("key", key).Str("value", v).Msg("invalid duration, using default")
	return fallback
}
