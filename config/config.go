// Package config loads the service configuration from YAML with environment
// overrides, and maintains the hot-reloaded healing policy snapshot.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/rejeu/heal"
)

// Config holds all service configuration.
type Config struct {
	Listen   string        `yaml:"listen"`
	DBPath   string        `yaml:"db_path"`
	ObsPath  string        `yaml:"obs_db_path"`
	LogLevel string        `yaml:"log_level"`
	Browser  BrowserConfig `yaml:"browser"`
	Healer   HealerConfig  `yaml:"healer"`
	Policy   heal.Policy   `yaml:"policy"`
	Workers  WorkersConfig `yaml:"workers"`
}

// BrowserConfig controls the browser manager.
type BrowserConfig struct {
	RemoteURL   string        `yaml:"remote_url"`
	Headless    *bool         `yaml:"headless"`
	Stealth     bool          `yaml:"stealth"`
	StepTimeout time.Duration `yaml:"step_timeout"`
	NavTimeout  time.Duration `yaml:"nav_timeout"`
}

// HealerConfig controls the suggestion generator endpoint.
type HealerConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

// WorkersConfig controls the scheduled-run queue consumers.
type WorkersConfig struct {
	Count        int           `yaml:"count"`
	Visibility   time.Duration `yaml:"visibility"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

func (c *Config) defaults() {
	if c.Listen == "" {
		c.Listen = ":8077"
	}
	if c.DBPath == "" {
		c.DBPath = "rejeu.db"
	}
	if c.ObsPath == "" {
		c.ObsPath = "rejeu_obs.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Policy == (heal.Policy{}) {
		c.Policy = heal.DefaultPolicy()
	}
	if c.Workers.Count <= 0 {
		c.Workers.Count = 2
	}
	if c.Workers.Visibility <= 0 {
		c.Workers.Visibility = 60 * time.Second
	}
	if c.Workers.PollInterval <= 0 {
		c.Workers.PollInterval = time.Second
	}
	if c.Workers.MaxAttempts <= 0 {
		c.Workers.MaxAttempts = 3
	}
}

// Load reads a YAML config file, applies environment overrides, and fills
// defaults. An empty path skips the file and uses env plus defaults only.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.defaults()
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays REJEU_* environment variables on top of the file values.
func (c *Config) applyEnv() {
	c.Listen = env("REJEU_LISTEN", c.Listen)
	c.DBPath = env("REJEU_DB", c.DBPath)
	c.ObsPath = env("REJEU_OBS_DB", c.ObsPath)
	c.LogLevel = env("REJEU_LOG_LEVEL", c.LogLevel)
	c.Browser.RemoteURL = env("REJEU_BROWSER_URL", c.Browser.RemoteURL)
	c.Healer.Endpoint = env("REJEU_HEALER_ENDPOINT", c.Healer.Endpoint)
	c.Healer.APIKey = env("REJEU_HEALER_API_KEY", c.Healer.APIKey)
	c.Healer.Model = env("REJEU_HEALER_MODEL", c.Healer.Model)
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
