// Package config loads the gateway configuration from a YAML file with
// sane defaults for every field, so an empty file yields a runnable
// single-node deployment. WARDEN_* environment variables override the
// file for deployment-specific settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/warden/pkg/types"
)

// Config is the full gateway configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Keys      KeysConfig      `yaml:"keys"`
	Backup    BackupConfig    `yaml:"backup"`
	Restore   RestoreConfig   `yaml:"restore"`
	Incident  IncidentConfig  `yaml:"incident"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ListenConfig controls the HTTP listener.
type ListenConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// StorageConfig controls the metadata and object stores.
type StorageConfig struct {
	DataDir  string `yaml:"data_dir"`
	BlobRoot string `yaml:"blob_root"`
	Bucket   string `yaml:"bucket"`
}

// KeysConfig controls the external key store.
type KeysConfig struct {
	Dir           string `yaml:"dir"`
	ActiveVersion string `yaml:"active_version"`
}

// BackupConfig controls classification defaulting.
type BackupConfig struct {
	DefaultClassification  string `yaml:"default_classification"`
	ClassificationRequired bool   `yaml:"classification_required"`
}

// RestoreConfig controls restore-access token validity.
type RestoreConfig struct {
	TokenTTLSeconds int `yaml:"token_ttl_seconds"`
}

// IncidentConfig controls the incident state machine.
type IncidentConfig struct {
	DefaultLevel string `yaml:"default_level"`
}

// RateLimitConfig controls per-client request throttling.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Addr: "127.0.0.1:8443"},
		Log:    LogConfig{Level: "info", JSON: true},
		Storage: StorageConfig{
			DataDir:  "./warden-data",
			BlobRoot: "./warden-data/blobs",
			Bucket:   "backups",
		},
		Keys: KeysConfig{
			Dir:           "./warden-data/keys",
			ActiveVersion: "P-001",
		},
		Backup: BackupConfig{
			DefaultClassification: string(types.ClassificationInternal),
		},
		Restore:   RestoreConfig{TokenTTLSeconds: 300},
		Incident:  IncidentConfig{DefaultLevel: string(types.IncidentLevelNormal)},
		RateLimit: RateLimitConfig{RequestsPerSecond: 50, Burst: 100},
	}
}

// Load reads a YAML config file over the defaults, then applies WARDEN_*
// environment overrides. An empty path skips the file and uses defaults
// plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays WARDEN_* environment variables. Environment wins over
// the file so deployments can keep one config and vary per instance.
func (c *Config) applyEnv() error {
	setString := func(name string, target *string) {
		if v, ok := os.LookupEnv(name); ok {
			*target = v
		}
	}
	setString("WARDEN_LISTEN_ADDR", &c.Listen.Addr)
	setString("WARDEN_LOG_LEVEL", &c.Log.Level)
	setString("WARDEN_DATA_DIR", &c.Storage.DataDir)
	setString("WARDEN_BLOB_ROOT", &c.Storage.BlobRoot)
	setString("WARDEN_BUCKET", &c.Storage.Bucket)
	setString("WARDEN_KEYS_DIR", &c.Keys.Dir)
	setString("WARDEN_ACTIVE_KEY_VERSION", &c.Keys.ActiveVersion)
	setString("WARDEN_DEFAULT_CLASSIFICATION", &c.Backup.DefaultClassification)
	setString("WARDEN_INCIDENT_DEFAULT_LEVEL", &c.Incident.DefaultLevel)

	if v, ok := os.LookupEnv("WARDEN_TOKEN_TTL_SECONDS"); ok {
		ttl, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WARDEN_TOKEN_TTL_SECONDS: %w", err)
		}
		c.Restore.TokenTTLSeconds = ttl
	}
	if v, ok := os.LookupEnv("WARDEN_RATE_LIMIT_RPS"); ok {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("WARDEN_RATE_LIMIT_RPS: %w", err)
		}
		c.RateLimit.RequestsPerSecond = rps
	}
	if v, ok := os.LookupEnv("WARDEN_RATE_LIMIT_BURST"); ok {
		burst, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WARDEN_RATE_LIMIT_BURST: %w", err)
		}
		c.RateLimit.Burst = burst
	}
	return nil
}

// Validate rejects values the gateway cannot start with.
func (c *Config) Validate() error {
	if c.Listen.Addr == "" {
		return fmt.Errorf("listen.addr must not be empty")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir must not be empty")
	}
	if c.Keys.ActiveVersion == "" {
		return fmt.Errorf("keys.active_version must not be empty")
	}
	if c.Backup.DefaultClassification != "" && !c.Backup.ClassificationRequired {
		if _, err := types.ParseClassification(c.Backup.DefaultClassification); err != nil {
			return fmt.Errorf("backup.default_classification: %w", err)
		}
	}
	if c.Incident.DefaultLevel != "" {
		if _, err := types.ParseIncidentLevel(c.Incident.DefaultLevel); err != nil {
			return fmt.Errorf("incident.default_level: %w", err)
		}
	}
	if c.Restore.TokenTTLSeconds <= 0 {
		return fmt.Errorf("restore.token_ttl_seconds must be positive")
	}
	return nil
}

// TokenTTL returns the restore token validity as a duration.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Restore.TokenTTLSeconds) * time.Second
}
