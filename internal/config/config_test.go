package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func tempConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name)
}

func writeTestConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
}

func TestLoad_WritesDefaults(t *testing.T) {
	t.Setenv("CHATRECIPE_NATS_URL", "")
	path := tempConfigPath(t, "config.json")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Backend != "bolt" || cfg.Store.KeepRecent != 50 || cfg.Store.RetryRecent != 20 {
		t.Errorf("unexpected store defaults: %+v", cfg.Store)
	}
	if cfg.Debounce().Milliseconds() != 500 || cfg.StopTimeout().Milliseconds() != 500 {
		t.Errorf("unexpected timing defaults")
	}
	if cfg.ClientID == "" {
		t.Error("expected a generated client id")
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("second Load failed: %v", err)
	}
	if again.ClientID != cfg.ClientID {
		t.Errorf("client id not persisted: %s != %s", again.ClientID, cfg.ClientID)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := tempConfigPath(t, "config.json")
	t.Setenv("CHATRECIPE_NATS_URL", "nats://env:4222")
	t.Setenv("CHATRECIPE_NATS_TOKEN", "env-token")
	t.Setenv("TELEGRAM_BOT_TOKEN", "bot-from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.NATS.URL != "nats://env:4222" || cfg.NATS.Token != "env-token" {
		t.Errorf("nats env overrides not applied: %+v", cfg.NATS)
	}
	if cfg.Telegram.Token != "bot-from-env" {
		t.Errorf("telegram token override not applied: %q", cfg.Telegram.Token)
	}
}

func TestSave_ReloadRoundTrip(t *testing.T) {
	for _, name := range []string{"config.json", "config.toml"} {
		t.Run(name, func(t *testing.T) {
			t.Setenv("CHATRECIPE_NATS_URL", "")
			t.Setenv("TELEGRAM_BOT_TOKEN", "")
			path := tempConfigPath(t, name)

			original := defaults()
			original.DataDir = "/tmp/test-data"
			original.LogLevel = "debug"
			original.ClientID = "client-1"
			original.Store.Backend = "file"
			original.NATS.URL = "nats://example:4222"
			original.Telegram.ChatID = 123456789
			writeTestConfig(t, path, original)

			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if loaded.DataDir != original.DataDir || loaded.LogLevel != original.LogLevel {
				t.Errorf("top-level mismatch: %+v", loaded)
			}
			if loaded.ClientID != "client-1" {
				t.Errorf("ClientID mismatch: %v", loaded.ClientID)
			}
			if loaded.Store.Backend != "file" || loaded.Store.MaxBytes != 4<<20 {
				t.Errorf("Store mismatch: %+v", loaded.Store)
			}
			if loaded.NATS.URL != "nats://example:4222" {
				t.Errorf("NATS.URL mismatch: %v", loaded.NATS.URL)
			}
			if loaded.Telegram.ChatID != 123456789 {
				t.Errorf("Telegram.ChatID mismatch: %v", loaded.Telegram.ChatID)
			}
		})
	}
}

func TestSave_AtomicWrite(t *testing.T) {
	path := tempConfigPath(t, "config.json")

	if err := Save(path, &Config{LogLevel: "info"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file should not exist after successful save")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read saved config: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Errorf("saved file is not valid JSON: %v", err)
	}
}

func valueOf(values []Value, key string) any {
	for _, v := range values {
		if v.Key.Name == key {
			return v.Value
		}
	}
	return nil
}

func TestValues_WithMask(t *testing.T) {
	cfg := &Config{LogLevel: "info"}
	cfg.NATS.Token = "nats-secret-1234"
	cfg.Telegram.Token = "bot-token-abcd"

	values, err := Values(cfg, true)
	if err != nil {
		t.Fatalf("Values failed: %v", err)
	}
	if len(values) != len(Keys()) {
		t.Fatalf("expected %d values, got %d", len(Keys()), len(values))
	}
	if values[0].Key.Name != "data_dir" {
		t.Errorf("expected display order to start at data_dir, got %s", values[0].Key.Name)
	}
	if got := valueOf(values, "nats.token"); got != "***1234" {
		t.Errorf("expected masked nats.token=***1234, got %v", got)
	}
	if got := valueOf(values, "telegram.token"); got != "***abcd" {
		t.Errorf("expected masked telegram.token=***abcd, got %v", got)
	}
	if got := valueOf(values, "log_level"); got != "info" {
		t.Errorf("expected log_level=info, got %v", got)
	}

	plain, err := Values(cfg, false)
	if err != nil {
		t.Fatalf("Values failed: %v", err)
	}
	if got := valueOf(plain, "nats.token"); got != "nats-secret-1234" {
		t.Errorf("expected unmasked nats.token, got %v", got)
	}
}

func TestGetValue_UnknownKey(t *testing.T) {
	path := tempConfigPath(t, "config.json")
	writeTestConfig(t, path, &Config{LogLevel: "info"})

	_, err := GetValue(path, "nonexistent.key")
	if err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
	expected := "unknown config key: nonexistent.key"
	if err.Error() != expected {
		t.Errorf("expected error %q, got %q", expected, err.Error())
	}
}

func TestSetValue(t *testing.T) {
	path := tempConfigPath(t, "config.json")
	cfg := defaults()
	writeTestConfig(t, path, cfg)

	tests := []struct {
		key, raw string
		want     any
	}{
		{"log_level", "debug", "debug"},
		{"store.keep_recent", "30", float64(30)},
		{"nats.url", "nats://other:4222", "nats://other:4222"},
	}
	for _, tt := range tests {
		if err := SetValue(path, tt.key, tt.raw); err != nil {
			t.Fatalf("SetValue(%s) failed: %v", tt.key, err)
		}
		v, err := GetValue(path, tt.key)
		if err != nil {
			t.Fatalf("GetValue(%s) failed: %v", tt.key, err)
		}
		if v != tt.want {
			t.Errorf("expected %s=%v, got %v (%T)", tt.key, tt.want, v, v)
		}
	}

	v, err := GetValue(path, "store.backend")
	if err != nil || v != "bolt" {
		t.Errorf("expected store.backend preserved, got %v (%v)", v, err)
	}
}

func TestSetValue_RejectsInvalid(t *testing.T) {
	path := tempConfigPath(t, "config.json")
	writeTestConfig(t, path, defaults())
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}

	tests := []struct {
		key, raw, wantErr string
	}{
		{"custom.flag", "true", "unknown config key: custom.flag"},
		{"store.backend", "sqlite", "store.backend: must be one of bolt, file, memory"},
		{"stream.stop_timeout_ms", "-1", "stream.stop_timeout_ms: must be at least 1"},
		{"stream.stop_timeout_ms", "soon", "stream.stop_timeout_ms: expected an integer"},
		{"store.max_concurrent_writes", "0", "must be at least 1"},
		{"log_level", "loud", "must be one of debug, info, warn, error"},
		{"nats.url", "http://127.0.0.1:4222", "scheme must be one of nats, tls, ws, wss"},
		{"nats.subject_prefix", "a.b", "single subject token"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.raw, func(t *testing.T) {
			err := SetValue(path, tt.key, tt.raw)
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if string(before) != string(after) {
		t.Error("rejected values must leave the file untouched")
	}
}

func TestGetValue_MissingKeyReportsDefault(t *testing.T) {
	path := tempConfigPath(t, "config.json")
	if err := os.WriteFile(path, []byte(`{"log_level": "warn"}`), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	v, err := GetValue(path, "stream.stop_timeout_ms")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != float64(500) {
		t.Errorf("expected default 500, got %v (%T)", v, v)
	}
}

func TestSetValue_TOML(t *testing.T) {
	path := tempConfigPath(t, "config.toml")
	writeTestConfig(t, path, defaults())

	if err := SetValue(path, "telegram.chat_id", "987"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Telegram.ChatID != 987 {
		t.Errorf("expected telegram.chat_id=987, got %d", cfg.Telegram.ChatID)
	}
}

func TestSetValue_NonexistentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist", "config.json")
	if err := SetValue(path, "log_level", "debug"); err == nil {
		t.Fatal("expected error for nonexistent file, got nil")
	}
}
