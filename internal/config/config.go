// Package config carga la configuración del proceso desde el entorno.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains runtime configuration values.
type Config struct {
	Environment    string
	HTTPAddr       string
	DatabaseURL    string
	AuthSecret     string
	AuthIssuer     string
	AccessTTL      time.Duration
	RefreshTTL     time.Duration
	SessionTimeout time.Duration
	ResolveTimeout time.Duration
	RateLimitRPS   int
	RateLimitBurst int
	AllowedOrigins []string
}

// Load reads configuration from environment variables with sane defaults.
// A local .env file, when present, is merged in first.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment:    getEnv("APP_ENV", "development"),
		HTTPAddr:       getEnv("PUNTOSCLUB_HTTP_ADDR", ":8080"),
		DatabaseURL:    strings.TrimSpace(os.Getenv("PUNTOSCLUB_PG_DSN")),
		AuthSecret:     strings.TrimSpace(os.Getenv("PUNTOSCLUB_AUTH_SECRET")),
		AuthIssuer:     getEnv("PUNTOSCLUB_AUTH_ISSUER", "puntosclub"),
		AccessTTL:      getDuration("PUNTOSCLUB_ACCESS_TTL", 15*time.Minute),
		RefreshTTL:     getDuration("PUNTOSCLUB_REFRESH_TTL", 14*24*time.Hour),
		SessionTimeout: getDuration("PUNTOSCLUB_SESSION_TIMEOUT", 8*time.Second),
		ResolveTimeout: getDuration("PUNTOSCLUB_RESOLVE_TIMEOUT", 10*time.Second),
		RateLimitRPS:   getInt("PUNTOSCLUB_RATE_LIMIT_RPS", 20),
		RateLimitBurst: getInt("PUNTOSCLUB_RATE_LIMIT_BURST", 40),
		AllowedOrigins: getList("PUNTOSCLUB_CORS_ORIGINS", []string{"*"}),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("PUNTOSCLUB_PG_DSN is required")
	}
	if cfg.AuthSecret == "" {
		return Config{}, fmt.Errorf("PUNTOSCLUB_AUTH_SECRET is required")
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		var cleaned []string
		for _, p := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
