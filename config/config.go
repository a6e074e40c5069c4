package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Storage    StorageConfig    `yaml:"storage"`
	Sync       SyncConfig       `yaml:"sync"`
	Auth       AuthConfig       `yaml:"auth"`
	Cloudinary CloudinaryConfig `yaml:"cloudinary"`
}

type ServerConfig struct {
	Port           string   `yaml:"port"`
	GinMode        string   `yaml:"gin_mode"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LogConfig struct {
	Mode  string `yaml:"mode"`
	Level string `yaml:"level"`
}

// UpstreamConfig describes the call-center REST API the feedback is pulled from.
type UpstreamConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Token          string        `yaml:"token"`
	PerPage        int           `yaml:"per_page"`
	Timeout        time.Duration `yaml:"timeout"`
	RequestsPerSec float64       `yaml:"requests_per_sec"`
}

// StorageConfig selects the durable key-value backend: "postgres", "sqlite", "redis" or "memory".
type StorageConfig struct {
	Driver        string `yaml:"driver"`
	DatabaseURL   string `yaml:"database_url"`
	SQLitePath    string `yaml:"sqlite_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

type SyncConfig struct {
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	BackfillWindows int           `yaml:"backfill_windows"`
	FinishDelay     time.Duration `yaml:"finish_delay"`
}

type AuthConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	JWTSecret    string `yaml:"jwt_secret"`
	ExpiryHours  int    `yaml:"expiry_hours"`
}

type CloudinaryConfig struct {
	CloudName string `yaml:"cloud_name"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Folder    string `yaml:"folder"`
}

// Enabled reports whether snapshot export is configured.
func (c CloudinaryConfig) Enabled() bool {
	return c.CloudName != "" && c.APIKey != "" && c.APISecret != ""
}

// URL returns the cloudinary:// connection URL.
func (c CloudinaryConfig) URL() string {
	return fmt.Sprintf("cloudinary://%s:%s@%s", c.APIKey, c.APISecret, c.CloudName)
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           "8080",
			GinMode:        "debug",
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:3000"},
		},
		Log: LogConfig{Mode: "development", Level: "info"},
		Upstream: UpstreamConfig{
			BaseURL:        "https://app.3c.plus/api/v1",
			PerPage:        10000,
			Timeout:        60 * time.Second,
			RequestsPerSec: 2,
		},
		Storage: StorageConfig{
			Driver:      "sqlite",
			SQLitePath:  "nps_cache.db",
			RedisPrefix: "nps:",
		},
		Sync: SyncConfig{
			CacheTTL:        24 * time.Hour,
			RefreshInterval: 12 * time.Hour,
			BackfillWindows: 4,
			FinishDelay:     500 * time.Millisecond,
		},
		Auth: AuthConfig{
			Username:    "admin",
			JWTSecret:   "change-this-jwt-secret",
			ExpiryHours: 24,
		},
		Cloudinary: CloudinaryConfig{Folder: "nps/snapshots"},
	}
}

// Load builds the configuration: defaults, then the optional YAML file named by
// NPS_CONFIG_FILE, then environment variables.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("NPS_CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Server.GinMode = getEnv("GIN_MODE", cfg.Server.GinMode)
	cfg.Server.AllowedOrigins = getEnvAsList("ALLOWED_ORIGINS", cfg.Server.AllowedOrigins)

	cfg.Log.Mode = getEnv("LOG_MODE", cfg.Log.Mode)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)

	cfg.Upstream.BaseURL = strings.TrimRight(getEnv("NPS_API_URL", cfg.Upstream.BaseURL), "/")
	cfg.Upstream.Token = getEnv("NPS_API_TOKEN", cfg.Upstream.Token)
	cfg.Upstream.PerPage = getEnvAsInt("NPS_API_PER_PAGE", cfg.Upstream.PerPage)
	cfg.Upstream.Timeout = getEnvAsDuration("NPS_API_TIMEOUT", cfg.Upstream.Timeout)
	cfg.Upstream.RequestsPerSec = getEnvAsFloat("NPS_API_RPS", cfg.Upstream.RequestsPerSec)

	cfg.Storage.Driver = strings.ToLower(getEnv("STORAGE_DRIVER", cfg.Storage.Driver))
	cfg.Storage.DatabaseURL = getEnv("DB_URL", cfg.Storage.DatabaseURL)
	cfg.Storage.SQLitePath = getEnv("SQLITE_PATH", cfg.Storage.SQLitePath)
	cfg.Storage.RedisAddr = getEnv("REDIS_ADDR", cfg.Storage.RedisAddr)
	cfg.Storage.RedisPassword = getEnv("REDIS_PASSWORD", cfg.Storage.RedisPassword)
	cfg.Storage.RedisDB = getEnvAsInt("REDIS_DB", cfg.Storage.RedisDB)
	cfg.Storage.RedisPrefix = getEnv("REDIS_PREFIX", cfg.Storage.RedisPrefix)

	cfg.Sync.CacheTTL = getEnvAsDuration("CACHE_TTL", cfg.Sync.CacheTTL)
	cfg.Sync.RefreshInterval = getEnvAsDuration("REFRESH_INTERVAL", cfg.Sync.RefreshInterval)
	cfg.Sync.BackfillWindows = getEnvAsInt("BACKFILL_WINDOWS", cfg.Sync.BackfillWindows)
	cfg.Sync.FinishDelay = getEnvAsDuration("PROGRESS_FINISH_DELAY", cfg.Sync.FinishDelay)

	cfg.Auth.Username = getEnv("DASHBOARD_USER", cfg.Auth.Username)
	cfg.Auth.PasswordHash = getEnv("DASHBOARD_PASSWORD_HASH", cfg.Auth.PasswordHash)
	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.ExpiryHours = getEnvAsInt("JWT_EXPIRY_HOURS", cfg.Auth.ExpiryHours)

	cfg.Cloudinary.CloudName = getEnv("CLOUDINARY_CLOUD_NAME", cfg.Cloudinary.CloudName)
	cfg.Cloudinary.APIKey = getEnv("CLOUDINARY_API_KEY", cfg.Cloudinary.APIKey)
	cfg.Cloudinary.APISecret = getEnv("CLOUDINARY_API_SECRET", cfg.Cloudinary.APISecret)
	cfg.Cloudinary.Folder = getEnv("CLOUDINARY_FOLDER", cfg.Cloudinary.Folder)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings the server cannot start without.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("DB_URL is required for the postgres storage driver")
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite storage driver")
		}
	case "redis":
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis storage driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Upstream.PerPage <= 0 {
		return fmt.Errorf("NPS_API_PER_PAGE must be positive")
	}
	if c.Sync.BackfillWindows <= 0 {
		return fmt.Errorf("BACKFILL_WINDOWS must be positive")
	}
	if c.Sync.RefreshInterval <= 0 {
		return fmt.Errorf("REFRESH_INTERVAL must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
