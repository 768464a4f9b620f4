// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CacheTTLs holds per-lookup-dimension cache expiry.
type CacheTTLs struct {
	InboxByPhoneNumberID time.Duration
	InboxByPhone         time.Duration
	BoardByCompany       time.Duration
	CredentialsByInbox   time.Duration
	ChatPhoneByChatID    time.Duration
	Negative             time.Duration
}

// Config holds all configuration for the ingestion service.
type Config struct {
	// Postgres
	DatabaseURL     string
	EnsureSchema    bool
	ResolverTimeout time.Duration

	// Redis
	RedisURL        string
	AutomationQueue string

	// Webhook intake
	WebhookPort int
	MaxInFlight int

	// Notification fan-out
	NotifyQueueSize   int
	NotifyWorkers     int
	NotifyTaskTimeout time.Duration

	// Credentials-at-rest encryption key (hex), optional.
	CredentialsKey []byte

	TTLs CacheTTLs

	// Server (health check only)
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Database struct {
		URL          string `yaml:"url"`
		EnsureSchema *bool  `yaml:"ensure_schema"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Automation string `yaml:"automation"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Cache struct {
		TTLs struct {
			InboxByPhoneNumberID string `yaml:"inbox_by_phone_number_id"`
			InboxByPhone         string `yaml:"inbox_by_phone"`
			BoardByCompany       string `yaml:"board_by_company"`
			CredentialsByInbox   string `yaml:"credentials_by_inbox"`
			ChatPhoneByChatID    string `yaml:"chat_phone_by_chat_id"`
			Negative             string `yaml:"negative"`
		} `yaml:"ttls"`
	} `yaml:"cache"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	var raw rawConfig
	data, err := os.ReadFile(configPath)
	if err == nil {
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	cfg := &Config{
		DatabaseURL:     firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "postgres://localhost:5432/crm")),
		EnsureSchema:    true,
		ResolverTimeout: envOrDefaultDuration("RESOLVER_TIMEOUT", 10*time.Second),

		RedisURL:        firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		AutomationQueue: firstNonEmpty(raw.Redis.Queues.Automation, envOrDefault("AUTOMATION_QUEUE", "automation")),

		WebhookPort: envOrDefaultInt("WEBHOOK_PORT", 8081),
		MaxInFlight: envOrDefaultInt("MAX_IN_FLIGHT", 32),

		NotifyQueueSize:   envOrDefaultInt("NOTIFY_QUEUE_SIZE", 1024),
		NotifyWorkers:     envOrDefaultInt("NOTIFY_WORKERS", 8),
		NotifyTaskTimeout: envOrDefaultDuration("NOTIFY_TASK_TIMEOUT", 10*time.Second),

		TTLs: CacheTTLs{
			InboxByPhoneNumberID: yamlOrEnvDuration(raw.Cache.TTLs.InboxByPhoneNumberID, "TTL_INBOX_BY_PHONE_NUMBER_ID", 10*time.Minute),
			InboxByPhone:         yamlOrEnvDuration(raw.Cache.TTLs.InboxByPhone, "TTL_INBOX_BY_PHONE", 10*time.Minute),
			BoardByCompany:       yamlOrEnvDuration(raw.Cache.TTLs.BoardByCompany, "TTL_BOARD_BY_COMPANY", 5*time.Minute),
			CredentialsByInbox:   yamlOrEnvDuration(raw.Cache.TTLs.CredentialsByInbox, "TTL_CREDENTIALS_BY_INBOX", 30*time.Minute),
			ChatPhoneByChatID:    yamlOrEnvDuration(raw.Cache.TTLs.ChatPhoneByChatID, "TTL_CHAT_PHONE_BY_CHAT_ID", time.Hour),
			Negative:             yamlOrEnvDuration(raw.Cache.TTLs.Negative, "TTL_NEGATIVE", time.Minute),
		},

		Port: envOrDefaultInt("PORT", 8080),
	}

	if raw.Database.EnsureSchema != nil {
		cfg.EnsureSchema = *raw.Database.EnsureSchema
	} else if v := os.Getenv("ENSURE_SCHEMA"); v != "" {
		cfg.EnsureSchema = v != "false" && v != "0"
	}

	if keyHex := os.Getenv("CREDENTIALS_KEY"); keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("CREDENTIALS_KEY is not valid hex: %w", err)
		}
		if n := len(key); n != 16 && n != 24 && n != 32 {
			return nil, fmt.Errorf("CREDENTIALS_KEY must be 16, 24, or 32 bytes, got %d", n)
		}
		cfg.CredentialsKey = key
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database URL is required: set database.url or DATABASE_URL")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func yamlOrEnvDuration(yamlValue, envKey string, fallback time.Duration) time.Duration {
	if yamlValue != "" {
		if d, err := time.ParseDuration(yamlValue); err == nil {
			return d
		}
	}
	return envOrDefaultDuration(envKey, fallback)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
