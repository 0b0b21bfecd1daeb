// Package config loads clinicsync settings from a YAML file, the
// environment and built-in defaults, in that order of precedence
// (environment wins over the file).
//
// Environment variables use the CLINICSYNC_ prefix with dots replaced by
// underscores: sync.instance_url is CLINICSYNC_SYNC_INSTANCE_URL.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/pointcare/clinicsync/internal/clinic/db"
	"github.com/pointcare/clinicsync/internal/clinic/merge"
	"github.com/pointcare/clinicsync/internal/clinic/remote/server"
	"github.com/pointcare/clinicsync/internal/clinic/schema"
	"github.com/pointcare/clinicsync/internal/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CLINICSYNC"

// DirName is the per-user directory holding the config file and, by
// default, the device database.
const DirName = ".clinicsync"

// Config is the full clinicsync configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database" toml:"database"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync" toml:"sync"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store" toml:"store"`
	Log       LogConfig       `mapstructure:"log" yaml:"log" toml:"log"`
	Dashboard DashboardConfig `mapstructure:"dashboard" yaml:"dashboard" toml:"dashboard"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server" toml:"server"`

	// file is the config file that was read, if any.
	file string
}

// DatabaseConfig locates the device database.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path" toml:"path"`
}

// SyncConfig holds the remote instance and sync tuning.
type SyncConfig struct {
	InstanceURL    string        `mapstructure:"instance_url" yaml:"instance_url" toml:"instance_url"`
	Email          string        `mapstructure:"email" yaml:"email" toml:"email"`
	Password       string        `mapstructure:"password" yaml:"password,omitempty" toml:"password"`
	Interval       time.Duration `mapstructure:"interval" yaml:"interval" toml:"interval"`
	BatchSize      int           `mapstructure:"batch_size" yaml:"batch_size" toml:"batch_size"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout" toml:"timeout"`
	ConflictPolicy string        `mapstructure:"conflict_policy" yaml:"conflict_policy" toml:"conflict_policy"`
}

// StoreConfig tunes the local store.
type StoreConfig struct {
	VisitDeletion string `mapstructure:"visit_deletion" yaml:"visit_deletion" toml:"visit_deletion"`
	Language      string `mapstructure:"language" yaml:"language" toml:"language"`
}

// LogConfig controls log output.
type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file" toml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days" toml:"max_age_days"`
}

// DashboardConfig configures the WebSocket dashboard.
type DashboardConfig struct {
	Port int `mapstructure:"port" yaml:"port" toml:"port"`
}

// ServerConfig configures the reference instance started by "serve".
type ServerConfig struct {
	Port      int              `mapstructure:"port" yaml:"port" toml:"port"`
	JWTSecret string           `mapstructure:"jwt_secret" yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL  time.Duration    `mapstructure:"token_ttl" yaml:"token_ttl" toml:"token_ttl"`
	Users     []server.Account `mapstructure:"users" yaml:"users" toml:"users"`
}

// Dir returns $HOME/.clinicsync, or .clinicsync when there is no home.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DirName
	}
	return filepath.Join(home, DirName)
}

// DefaultPath is the config file read when none is given.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: filepath.Join(Dir(), "clinic.db")},
		Sync: SyncConfig{
			Interval:       5 * time.Minute,
			BatchSize:      100,
			Timeout:        2 * time.Minute,
			ConflictPolicy: merge.PolicyLastWriterWins,
		},
		Store: StoreConfig{
			VisitDeletion: string(db.DeleteCascade),
			Language:      schema.LanguageEnglish,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Dashboard: DashboardConfig{Port: 8080},
		Server: ServerConfig{
			Port:     8090,
			TokenTTL: 12 * time.Hour,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("sync.instance_url", "")
	v.SetDefault("sync.email", "")
	v.SetDefault("sync.password", "")
	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("sync.batch_size", d.Sync.BatchSize)
	v.SetDefault("sync.timeout", d.Sync.Timeout)
	v.SetDefault("sync.conflict_policy", d.Sync.ConflictPolicy)
	v.SetDefault("store.visit_deletion", d.Store.VisitDeletion)
	v.SetDefault("store.language", d.Store.Language)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("dashboard.port", d.Dashboard.Port)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.token_ttl", d.Server.TokenTTL)
}

// Load reads the configuration. An explicit path must exist; without one,
// DefaultPath is read if present.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(Dir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.file = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// File returns the config file that was loaded, or "" if none was.
func (c *Config) File() string {
	return c.file
}

// Validate checks enumerated values and numeric bounds.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path cannot be empty")
	}
	if _, err := merge.ParsePolicy(c.Sync.ConflictPolicy); err != nil {
		return fmt.Errorf("sync.conflict_policy: %w", err)
	}
	if _, err := db.ParseVisitDeletion(c.Store.VisitDeletion); err != nil {
		return fmt.Errorf("store.visit_deletion: %w", err)
	}
	if err := schema.ValidateLanguage(c.Store.Language); err != nil {
		return fmt.Errorf("store.language: %w", err)
	}
	if c.Sync.BatchSize < 0 {
		return fmt.Errorf("sync.batch_size must not be negative")
	}
	if c.Sync.Interval < 0 || c.Sync.Timeout < 0 || c.Server.TokenTTL < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// Policy returns the configured device-side conflict policy.
func (c *Config) Policy() merge.Policy {
	p, err := merge.ParsePolicy(c.Sync.ConflictPolicy)
	if err != nil {
		return merge.LastWriterWins{}
	}
	return p
}

// DBConfig returns the store configuration.
func (c *Config) DBConfig() db.Config {
	cfg := db.DefaultConfig()
	if d, err := db.ParseVisitDeletion(c.Store.VisitDeletion); err == nil {
		cfg.VisitDeletion = d
	}
	return cfg
}

// Logging returns the log output configuration.
func (c *Config) Logging() logging.Config {
	return logging.Config{
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}

// Write saves c at path, as TOML if path ends in .toml and as YAML
// otherwise. An existing file is kept unless force is set. The file may
// hold passwords, so it is readable by its owner only.
func (c *Config) Write(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	data, err := c.encode(filepath.Ext(path))
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) encode(ext string) ([]byte, error) {
	if strings.EqualFold(ext, ".toml") {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return yaml.Marshal(c)
}
