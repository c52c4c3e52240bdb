package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// SyncConfig holds the client side settings used by chatctl.
type SyncConfig struct {
	ServerURL string `yaml:"server_url"`
	Email     string `yaml:"email"`
	Password  string `yaml:"password"`

	InboxURL   string `yaml:"inbox_url"`
	InboxToken string `yaml:"inbox_token"`
	CacheDir   string `yaml:"cache_dir"`

	// RedisAddr switches the inbox cache from a local file to redis.
	RedisAddr      string `yaml:"redis_addr"`
	RedisPassword  string `yaml:"redis_password"`
	RedisDB        int    `yaml:"redis_db"`
	RedisNamespace string `yaml:"redis_namespace"`

	// AMQPURL enables the push path.
	AMQPURL   string `yaml:"amqp_url"`
	AMQPQueue string `yaml:"amqp_queue"`

	PollInterval time.Duration `yaml:"poll_interval"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	StaleAfter   time.Duration `yaml:"stale_after"`
}

// LoadSync reads the OPSDESK_* environment, falling back to defaults.
func LoadSync() SyncConfig {
	cacheDir := os.Getenv("OPSDESK_CACHE_DIR")
	if cacheDir == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			cacheDir = filepath.Join(dir, "opsdesk")
		} else {
			cacheDir = ".opsdesk"
		}
	}

	redisDB := 0
	if v := os.Getenv("OPSDESK_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			redisDB = n
		}
	}

	return SyncConfig{
		ServerURL:      getenv("OPSDESK_SERVER_URL", "http://localhost:8000"),
		Email:          os.Getenv("OPSDESK_EMAIL"),
		Password:       os.Getenv("OPSDESK_PASSWORD"),
		InboxURL:       os.Getenv("OPSDESK_INBOX_URL"),
		InboxToken:     os.Getenv("OPSDESK_INBOX_TOKEN"),
		CacheDir:       cacheDir,
		RedisAddr:      os.Getenv("OPSDESK_REDIS_ADDR"),
		RedisPassword:  os.Getenv("OPSDESK_REDIS_PASSWORD"),
		RedisDB:        redisDB,
		RedisNamespace: os.Getenv("OPSDESK_REDIS_NAMESPACE"),
		AMQPURL:        os.Getenv("OPSDESK_AMQP_URL"),
		AMQPQueue:      getenv("OPSDESK_AMQP_QUEUE", "opsdesk.inbox"),
		PollInterval:   getduration("OPSDESK_POLL_INTERVAL", time.Minute),
		FetchTimeout:   getduration("OPSDESK_FETCH_TIMEOUT", 20*time.Second),
		StaleAfter:     getduration("OPSDESK_STALE_AFTER", 2*time.Minute),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getduration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

// Overlay reads a YAML file and replaces every field it sets. Unknown keys
// are rejected.
func (c *SyncConfig) Overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	return nil
}
