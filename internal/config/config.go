// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Data root. Pack documents live under <DataDir>/modpacks/<id>,
	// user records under <DataDir>/users.
	DataDir string

	// Auth
	JWTSecret string

	// Mod archive storage backend ("local" or "s3", default: "local").
	// Resource packs and worlds always live under DataDir because the
	// sync protocol depends on local file modification times.
	ModStorageBackend string

	// S3 storage (for the mod archive backend)
	S3Endpoint  string
	S3Bucket    string
	S3Prefix    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool

	// Uploads
	MaxUploadSize int64

	// Publishing policy
	NeedPermToPublish bool
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:        envOr("LISTEN_ADDR", ":25565"),
		MetricsAddr:       envOr("METRICS_ADDR", ":9090"),
		LogLevel:          envOr("LOG_LEVEL", "info"),
		LogFormat:         envOr("LOG_FORMAT", "json"),
		DataDir:           envOr("DATA_DIR", "/data/packsync"),
		JWTSecret:         envOr("JWT_SECRET", ""),
		ModStorageBackend: envOr("MOD_STORAGE_BACKEND", "local"),
		S3Endpoint:        envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:          envOr("S3_BUCKET", "packsync"),
		S3Prefix:          envOr("S3_PREFIX", "mods"),
		S3AccessKey:       envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:       envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:          envOr("S3_REGION", "us-east-1"),
		S3UseSSL:          envBool("S3_USE_SSL", false),
		MaxUploadSize:     envInt64("MAX_UPLOAD_SIZE", 300*1024*1024), // 300MB default
		NeedPermToPublish: envBool("NEED_PERM_TO_PUBLISH", false),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.ModStorageBackend != "local" && cfg.ModStorageBackend != "s3" {
		return nil, fmt.Errorf("MOD_STORAGE_BACKEND must be local or s3, got %q", cfg.ModStorageBackend)
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
