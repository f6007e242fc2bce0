// Package config loads the service's layered configuration (spec §6
// "Environment / configuration"): compiled-in defaults, then an optional
// YAML config file, then ISSUESINK_-prefixed environment variables, each
// layer overriding the one below. Built on spf13/viper, the tool the
// teacher's own cobra commands reach for, generalizing the
// BEADS_*-env-overrides-config convention of the teacher's
// LoadLocalConfigWithEnv.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full recognized option set (spec §6).
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Storage   StorageConfig   `mapstructure:"storage"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
	Blacklist BlacklistConfig `mapstructure:"blacklist"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Log       LogConfig       `mapstructure:"log"`
}

// LifecycleConfig selects the plan-promotion policy: when PlanPromotes is
// true, setting a non-empty plan on a pending issue promotes it to open
// alongside embedding-based promotion. Off by default so issues cannot
// skip similarity dedup by having a plan attached early.
type LifecycleConfig struct {
	PlanPromotes bool `mapstructure:"plan_promotes"`
}

type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// StoreConfig recognizes the spec's full network-store option set; the
// SQLite backend uses Name as the database file path and ignores the
// connection fields, which stay recognized so a deployment config written
// for a networked store implementation parses unchanged.
type StoreConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	Name              string        `mapstructure:"name"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	PoolMax           int           `mapstructure:"pool_max"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	SSL               bool          `mapstructure:"ssl"`
}

type StorageConfig struct {
	ImagesDir         string   `mapstructure:"images_dir"`
	MaxImageSize      int64    `mapstructure:"max_image_size"`
	AllowedImageTypes []string `mapstructure:"allowed_image_types"`
}

type LLMConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

type EmbeddingConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	Model               string  `mapstructure:"model"`
	APIKey              string  `mapstructure:"api_key"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
}

type CleanupConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Interval           string        `mapstructure:"interval"` // cron expression
	DuplicateThreshold float64       `mapstructure:"duplicate_threshold"`
	MaxAge             time.Duration `mapstructure:"max_age"`
	BatchSize          int           `mapstructure:"batch_size"`
}

type BlacklistConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	AutoDelete   bool          `mapstructure:"auto_delete"`
	CacheTimeout time.Duration `mapstructure:"cache_timeout"`
	SeedFile     string        `mapstructure:"seed_file"`
}

type CORSConfig struct {
	Origin  []string `mapstructure:"origin"`
	Methods []string `mapstructure:"methods"`
	Headers []string `mapstructure:"headers"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.api_key", "")

	v.SetDefault("store.host", "")
	v.SetDefault("store.port", 0)
	v.SetDefault("store.name", "issuesink.db")
	v.SetDefault("store.user", "")
	v.SetDefault("store.password", "")
	v.SetDefault("store.pool_max", 10)
	v.SetDefault("store.idle_timeout", 5*time.Minute)
	v.SetDefault("store.connection_timeout", 10*time.Second)
	v.SetDefault("store.ssl", false)

	v.SetDefault("storage.images_dir", "images")
	v.SetDefault("storage.max_image_size", int64(10*1024*1024))
	v.SetDefault("storage.allowed_image_types", []string{"png", "jpg", "jpeg", "gif", "webp"})

	v.SetDefault("llm.enabled", false)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "claude-3-5-haiku-latest")
	v.SetDefault("llm.max_tokens", 16)
	v.SetDefault("llm.temperature", 0.0)

	v.SetDefault("embedding.enabled", false)
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.model", "lexical-768")
	v.SetDefault("embedding.similarity_threshold", 0.85)

	v.SetDefault("cleanup.enabled", true)
	v.SetDefault("cleanup.interval", "0 2 * * *")
	v.SetDefault("cleanup.duplicate_threshold", 0.85)
	v.SetDefault("cleanup.max_age", 30*24*time.Hour)
	v.SetDefault("cleanup.batch_size", 50)

	v.SetDefault("blacklist.enabled", true)
	v.SetDefault("blacklist.auto_delete", false)
	v.SetDefault("blacklist.cache_timeout", 5*time.Minute)
	v.SetDefault("blacklist.seed_file", "")

	v.SetDefault("lifecycle.plan_promotes", false)

	v.SetDefault("cors.origin", []string{})
	v.SetDefault("cors.methods", []string{})
	v.SetDefault("cors.headers", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 0)
	v.SetDefault("log.max_backups", 0)
	v.SetDefault("log.max_age_days", 0)
}

// Load reads the configuration: defaults, then the YAML file at path (if
// path is empty, no file is read; a missing explicit file is an error),
// then ISSUESINK_* environment variables (ISSUESINK_SERVER_PORT,
// ISSUESINK_EMBEDDING_ENABLED, ...).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ISSUESINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Store.Name == "" {
		return fmt.Errorf("config: store.name is required")
	}
	if c.Embedding.SimilarityThreshold < 0 || c.Embedding.SimilarityThreshold > 1 {
		return fmt.Errorf("config: embedding.similarity_threshold %f out of [0,1]", c.Embedding.SimilarityThreshold)
	}
	if c.Cleanup.DuplicateThreshold < 0 || c.Cleanup.DuplicateThreshold > 1 {
		return fmt.Errorf("config: cleanup.duplicate_threshold %f out of [0,1]", c.Cleanup.DuplicateThreshold)
	}
	return nil
}
