// Package config loads coordinator configuration from an optional yaml
// file with COORD_* environment overrides on top. Environment always
// wins, so deployments can keep one file and vary per instance.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Store     StoreConfig     `yaml:"store"`
	Registry  RegistryConfig  `yaml:"registry"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Redis     RedisConfig     `yaml:"redis"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
}

type AuthConfig struct {
	MasterSecret     string `yaml:"master_secret"`
	StaticTokensPath string `yaml:"static_tokens_path"`
}

type StoreConfig struct {
	Path           string `yaml:"path"`
	DeadLetterPath string `yaml:"dead_letter_path"`
	DatabaseURL    string `yaml:"database_url"`
	RetentionDays  int    `yaml:"retention_days"`
}

type RegistryConfig struct {
	SnapshotPath string `yaml:"snapshot_path"`
}

type HeartbeatConfig struct {
	SoftTTLSeconds int `yaml:"soft_ttl_s"`
	HardTTLSeconds int `yaml:"hard_ttl_s"`
}

type IngestConfig struct {
	QueueCapacity int `yaml:"queue_capacity"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Defaults returns the built-in baseline configuration.
func Defaults() *Config {
	return &Config{
		Server:    ServerConfig{ListenAddr: ":8420", LogLevel: "info"},
		Store:     StoreConfig{Path: "data/interactions", DeadLetterPath: "data/deadletter.jsonl", RetentionDays: 30},
		Registry:  RegistryConfig{SnapshotPath: "data/registry.snapshot.json"},
		Heartbeat: HeartbeatConfig{SoftTTLSeconds: 30, HardTTLSeconds: 90},
		Ingest:    IngestConfig{QueueCapacity: 10_000},
	}
}

// Load builds the effective configuration: defaults, then the yaml file
// at path (skipped when path is empty or absent), then the environment.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	setString(&c.Server.ListenAddr, "COORD_LISTEN_ADDR")
	setString(&c.Server.LogLevel, "COORD_LOG_LEVEL")
	setString(&c.Auth.MasterSecret, "COORD_MASTER_SECRET")
	setString(&c.Auth.StaticTokensPath, "COORD_STATIC_TOKENS_PATH")
	setString(&c.Store.Path, "COORD_STORE_PATH")
	setString(&c.Store.DeadLetterPath, "COORD_DEAD_LETTER_PATH")
	setString(&c.Store.DatabaseURL, "COORD_DATABASE_URL")
	setInt(&c.Store.RetentionDays, "COORD_RETENTION_DAYS")
	setString(&c.Registry.SnapshotPath, "COORD_SNAPSHOT_PATH")
	setInt(&c.Heartbeat.SoftTTLSeconds, "COORD_HEARTBEAT_SOFT_S")
	setInt(&c.Heartbeat.HardTTLSeconds, "COORD_HEARTBEAT_HARD_S")
	setInt(&c.Ingest.QueueCapacity, "COORD_INGEST_QUEUE_CAP")
	setString(&c.Redis.Addr, "COORD_REDIS_ADDR")
	setString(&c.Redis.Password, "COORD_REDIS_PASSWORD")
	setInt(&c.Redis.DB, "COORD_REDIS_DB")
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Auth.MasterSecret == "" {
		return fmt.Errorf("auth master secret is required (COORD_MASTER_SECRET)")
	}
	if c.Heartbeat.SoftTTLSeconds <= 0 || c.Heartbeat.HardTTLSeconds <= c.Heartbeat.SoftTTLSeconds {
		return fmt.Errorf("heartbeat TTLs invalid: hard (%ds) must exceed soft (%ds)",
			c.Heartbeat.HardTTLSeconds, c.Heartbeat.SoftTTLSeconds)
	}
	if c.Ingest.QueueCapacity <= 0 {
		return fmt.Errorf("ingest queue capacity must be positive")
	}
	if c.Store.RetentionDays <= 0 {
		return fmt.Errorf("store retention must be positive")
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
