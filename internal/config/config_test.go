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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestLoad_Defaults verifies defaults apply with no config file present.
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.WebhookPort != 8081 {
		t.Errorf("webhook port = %d, want 8081", cfg.WebhookPort)
	}
	if !cfg.EnsureSchema {
		t.Error("ensure schema should default to true")
	}
	if cfg.TTLs.Negative != time.Minute {
		t.Errorf("negative TTL = %v, want 1m", cfg.TTLs.Negative)
	}
	if cfg.ResolverTimeout != 10*time.Second {
		t.Errorf("resolver timeout = %v, want 10s", cfg.ResolverTimeout)
	}
}

// TestLoad_YAMLWithEnvExpansion verifies YAML values win and ${VAR}
// references expand.
func TestLoad_YAMLWithEnvExpansion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
database:
  url: postgres://db:5432/${DB_NAME}
  ensure_schema: false
redis:
  url: redis://cache:6379/1
  queues:
    automation: flows
cache:
  ttls:
    negative: 30s
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("DB_NAME", "crm_test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DatabaseURL != "postgres://db:5432/crm_test" {
		t.Errorf("database url = %q", cfg.DatabaseURL)
	}
	if cfg.EnsureSchema {
		t.Error("ensure schema should be false from YAML")
	}
	if cfg.AutomationQueue != "flows" {
		t.Errorf("automation queue = %q, want flows", cfg.AutomationQueue)
	}
	if cfg.TTLs.Negative != 30*time.Second {
		t.Errorf("negative TTL = %v, want 30s", cfg.TTLs.Negative)
	}
	// Unset TTLs keep their defaults.
	if cfg.TTLs.InboxByPhone != 10*time.Minute {
		t.Errorf("inbox TTL = %v, want 10m", cfg.TTLs.InboxByPhone)
	}
}

// TestLoad_CredentialsKey verifies hex decoding and length validation.
func TestLoad_CredentialsKey(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	t.Setenv("CREDENTIALS_KEY", "00112233445566778899aabbccddeeff")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.CredentialsKey) != 16 {
		t.Errorf("key length = %d, want 16", len(cfg.CredentialsKey))
	}

	t.Setenv("CREDENTIALS_KEY", "not-hex")
	if _, err := Load(); err == nil {
		t.Error("expected error for invalid hex key")
	}

	t.Setenv("CREDENTIALS_KEY", "0011")
	if _, err := Load(); err == nil {
		t.Error("expected error for short key")
	}
}
