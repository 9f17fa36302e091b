/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	DBBackend   DatabaseBackend
	DBDSN       string
	MetricsBind string

	// Stream resolution (remote permalinks -> direct media URLs)
	ExtractorBin     string        // yt-dlp compatible binary
	ExtractorTimeout time.Duration // applied per extraction call
	StreamCacheTTL   time.Duration // must stay below the shortest upstream URL expiry

	// Optional Redis config cache. Empty addr disables it.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("EMBER_ENV", "development"),
		HTTPBind:    getEnv("EMBER_HTTP_BIND", "0.0.0.0"),
		HTTPPort:    getEnvInt("EMBER_HTTP_PORT", 8080),
		DBBackend:   DatabaseBackend(getEnv("EMBER_DB_BACKEND", string(DatabaseSQLite))),
		DBDSN:       getEnv("EMBER_DB_DSN", ""),
		MetricsBind: getEnv("EMBER_METRICS_BIND", "127.0.0.1:9000"),

		ExtractorBin:     getEnv("EMBER_EXTRACTOR_BIN", "yt-dlp"),
		ExtractorTimeout: time.Duration(getEnvInt("EMBER_EXTRACTOR_TIMEOUT_SECONDS", 30)) * time.Second,
		StreamCacheTTL:   time.Duration(getEnvInt("EMBER_STREAM_CACHE_TTL_SECONDS", 600)) * time.Second,

		RedisAddr:     getEnv("EMBER_REDIS_ADDR", ""),
		RedisPassword: getEnv("EMBER_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("EMBER_REDIS_DB", 0),

		TracingEnabled:    getEnvBool("EMBER_TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("EMBER_OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getEnvFloat("EMBER_TRACING_SAMPLE_RATE", 1.0),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("EMBER_DB_DSN must be provided")
	}

	if cfg.ExtractorTimeout <= 0 {
		return nil, fmt.Errorf("EMBER_EXTRACTOR_TIMEOUT_SECONDS must be positive")
	}

	if cfg.StreamCacheTTL <= 0 {
		return nil, fmt.Errorf("EMBER_STREAM_CACHE_TTL_SECONDS must be positive")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(strings.TrimSpace(val))
		if val == "true" || val == "1" || val == "yes" {
			return true
		}
		if val == "false" || val == "0" || val == "no" {
			return false
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}
