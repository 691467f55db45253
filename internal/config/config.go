package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix             = "CARDLEDGER"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "cardledger.db"
	defaultLogLevel       = "info"
	defaultIssuer         = "cardledger"
	defaultCookieName     = "cardledger_session"
	defaultSessionLeeway  = 30 * time.Second
	defaultBlobRoot       = "blobs"
	defaultCacheType      = "memory"
	defaultCacheTTL       = 24 * time.Hour
	defaultRedisAddress   = "localhost:6379"
	defaultCooldown       = 3 * time.Second
	defaultRecencyTTL     = 10 * time.Second
	defaultBatchThreshold = 5
	defaultFlushInterval  = 2 * time.Second
	defaultProbeInterval  = 15 * time.Second
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	LogFile      string
	Auth         AuthConfig
	Blob         BlobConfig
	Cache        CacheConfig
	Sync         SyncConfig
}

// AuthConfig configures session validation.
type AuthConfig struct {
	SigningSecret string
	Issuer        string
	CookieName    string
	Leeway        time.Duration
}

// BlobConfig locates card images.
type BlobConfig struct {
	Root    string
	BaseURL string
}

// CacheConfig selects the image cache backend.
type CacheConfig struct {
	Type          string
	TTL           time.Duration
	RedisAddress  string
	RedisPassword string
	RedisDB       int
}

// SyncConfig tunes the shadow sync services.
type SyncConfig struct {
	Enabled        bool
	Cooldown       time.Duration
	RecencyTTL     time.Duration
	BatchThreshold int
	FlushInterval  time.Duration
	ProbeInterval  time.Duration
}

// LoadDotEnv loads KEY=VALUE files into the process environment. Missing files
// are skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.leeway", defaultSessionLeeway)
	configViper.SetDefault("blob.root", defaultBlobRoot)
	configViper.SetDefault("blob.base_url", "")
	configViper.SetDefault("cache.type", defaultCacheType)
	configViper.SetDefault("cache.ttl", defaultCacheTTL)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("sync.enabled", true)
	configViper.SetDefault("sync.cooldown", defaultCooldown)
	configViper.SetDefault("sync.recency_ttl", defaultRecencyTTL)
	configViper.SetDefault("sync.batch_threshold", defaultBatchThreshold)
	configViper.SetDefault("sync.flush_interval", defaultFlushInterval)
	configViper.SetDefault("sync.probe_interval", defaultProbeInterval)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		LogFile:      configViper.GetString("log.file"),
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			Issuer:        configViper.GetString("auth.issuer"),
			CookieName:    configViper.GetString("auth.cookie_name"),
			Leeway:        configViper.GetDuration("auth.leeway"),
		},
		Blob: BlobConfig{
			Root:    configViper.GetString("blob.root"),
			BaseURL: configViper.GetString("blob.base_url"),
		},
		Cache: CacheConfig{
			Type:          strings.ToLower(strings.TrimSpace(configViper.GetString("cache.type"))),
			TTL:           configViper.GetDuration("cache.ttl"),
			RedisAddress:  configViper.GetString("redis.address"),
			RedisPassword: configViper.GetString("redis.password"),
			RedisDB:       configViper.GetInt("redis.db"),
		},
		Sync: SyncConfig{
			Enabled:        configViper.GetBool("sync.enabled"),
			Cooldown:       configViper.GetDuration("sync.cooldown"),
			RecencyTTL:     configViper.GetDuration("sync.recency_ttl"),
			BatchThreshold: configViper.GetInt("sync.batch_threshold"),
			FlushInterval:  configViper.GetDuration("sync.flush_interval"),
			ProbeInterval:  configViper.GetDuration("sync.probe_interval"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.Auth.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.Auth.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.Auth.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.Blob.Root) == "" {
		return fmt.Errorf("blob.root is required")
	}
	switch c.Cache.Type {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Cache.RedisAddress) == "" {
			return fmt.Errorf("redis.address is required for the redis cache")
		}
	default:
		return fmt.Errorf("cache.type %q is not supported", c.Cache.Type)
	}
	if c.Sync.Cooldown < 0 || c.Sync.RecencyTTL < 0 || c.Sync.FlushInterval < 0 || c.Sync.ProbeInterval < 0 {
		return fmt.Errorf("sync durations must not be negative")
	}
	if c.Sync.BatchThreshold < 1 {
		return fmt.Errorf("sync.batch_threshold must be at least 1")
	}
	return nil
}
