package config

import (
	"os"
	"strconv"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Config holds daemon settings. Values come from an optional yaml file
// (CONFIG_PATH, default config.yaml) with env vars taking precedence.
type Config struct {
	ListenAddr  string `yaml:"listenAddr"`
	BackendURL  string `yaml:"backendUrl"`
	PushURL     string `yaml:"pushUrl"`
	RedisURL    string `yaml:"redisUrl"`
	DatabaseURL string `yaml:"databaseUrl"`

	PollIntervalSec int `yaml:"pollIntervalSec"`

	Backoff struct {
		BaseMs     int  `yaml:"baseMs"`
		CapMs      int  `yaml:"capMs"`
		MaxRetries int  `yaml:"maxRetries"`
		Jitter     bool `yaml:"jitter"`
	} `yaml:"backoff"`
}

func defaults() Config {
	var c Config
	c.ListenAddr = ":8080"
	c.PollIntervalSec = 30
	c.Backoff.BaseMs = 1000
	c.Backoff.CapMs = 30000
	c.Backoff.MaxRetries = 5
	return c
}

// Load reads the config file if present and applies env overrides. A missing
// file is not an error; env-only setups are fine.
func Load() (Config, error) {
	c := defaults()
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, err
		}
	} else if !os.IsNotExist(err) {
		return Config{}, err
	}

	applyEnv(&c.ListenAddr, "LISTEN_ADDR")
	applyEnv(&c.BackendURL, "BACKEND_URL")
	applyEnv(&c.PushURL, "PUSH_URL")
	applyEnv(&c.RedisURL, "REDIS_URL")
	applyEnv(&c.DatabaseURL, "DATABASE_URL")
	if v := os.Getenv("POLL_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.PollIntervalSec = n
		}
	}
	if v := os.Getenv("SYNC_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Backoff.MaxRetries = n
		}
	}
	return c, nil
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.Backoff.BaseMs) * time.Millisecond
}

func (c Config) BackoffCap() time.Duration {
	return time.Duration(c.Backoff.CapMs) * time.Millisecond
}

func applyEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
