package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
agent:
  owner_id: 1001
  instance_key: main
telegram:
  token: abc
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Agent.HandlerTimeout != 2*time.Minute {
		t.Errorf("handler timeout = %v", cfg.Agent.HandlerTimeout)
	}
	if cfg.Storage.Type != "sqlite" || cfg.Storage.SQLite.Path == "" {
		t.Errorf("unexpected storage defaults %+v", cfg.Storage)
	}
	if cfg.Patterns.DefaultLanguage != "en" {
		t.Errorf("patterns default language = %q", cfg.Patterns.DefaultLanguage)
	}
	if len(cfg.I18n.Languages) != 2 {
		t.Errorf("languages = %v", cfg.I18n.Languages)
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "missing token",
			body: "agent:\n  owner_id: 1\n  instance_key: k\n",
		},
		{
			name: "missing owner",
			body: "agent:\n  instance_key: k\ntelegram:\n  token: t\n",
		},
		{
			name: "redis without addr",
			body: "agent:\n  owner_id: 1\n  instance_key: k\ntelegram:\n  token: t\nstorage:\n  type: redis\n",
		},
		{
			name: "unknown storage",
			body: "agent:\n  owner_id: 1\n  instance_key: k\ntelegram:\n  token: t\nstorage:\n  type: etcd\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, tt.body)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("BOT_TOKEN", "from-env")
	path := writeConfig(t, "agent:\n  owner_id: 1\n  instance_key: k\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Errorf("token = %q, want from-env", cfg.Telegram.Token)
	}
}
