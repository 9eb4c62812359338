package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/user/chatrecipe/internal/state"
	"github.com/user/chatrecipe/internal/types"
)

type Config struct {
	DataDir  string `json:"data_dir" toml:"data_dir"`
	LogLevel string `json:"log_level" toml:"log_level"`
	ClientID string `json:"client_id" toml:"client_id"`
	Store    struct {
		Backend             string `json:"backend" toml:"backend"`
		MaxBytes            int    `json:"max_bytes" toml:"max_bytes"`
		KeepRecent          int    `json:"keep_recent" toml:"keep_recent"`
		RetryRecent         int    `json:"retry_recent" toml:"retry_recent"`
		DebounceMS          int    `json:"debounce_ms" toml:"debounce_ms"`
		MaxConcurrentWrites int    `json:"max_concurrent_writes" toml:"max_concurrent_writes"`
	} `json:"store" toml:"store"`
	Stream struct {
		StopTimeoutMS int `json:"stop_timeout_ms" toml:"stop_timeout_ms"`
	} `json:"stream" toml:"stream"`
	NATS struct {
		URL           string `json:"url" toml:"url"`
		Token         string `json:"token" toml:"token"`
		SubjectPrefix string `json:"subject_prefix" toml:"subject_prefix"`
	} `json:"nats" toml:"nats"`
	Telegram struct {
		Token          string `json:"token" toml:"token"`
		ChatID         int64  `json:"chat_id" toml:"chat_id"`
		EditIntervalMS int    `json:"edit_interval_ms" toml:"edit_interval_ms"`
	} `json:"telegram" toml:"telegram"`
}

// Debounce is the store debounce window.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Store.DebounceMS) * time.Millisecond
}

// StopTimeout bounds how long a stop waits for acknowledgement.
func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.Stream.StopTimeoutMS) * time.Millisecond
}

// EditInterval is the minimum gap between Telegram message edits.
func (c *Config) EditInterval() time.Duration {
	return time.Duration(c.Telegram.EditIntervalMS) * time.Millisecond
}

func defaults() *Config {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".chatrecipe"),
		LogLevel: "info",
	}
	cfg.Store.Backend = state.BackendBolt
	cfg.Store.MaxBytes = 4 << 20
	cfg.Store.KeepRecent = 50
	cfg.Store.RetryRecent = 20
	cfg.Store.DebounceMS = 500
	cfg.Store.MaxConcurrentWrites = 4
	cfg.Stream.StopTimeoutMS = 500
	cfg.NATS.URL = "nats://127.0.0.1:4222"
	cfg.NATS.SubjectPrefix = "chatrecipe"
	cfg.Telegram.EditIntervalMS = 1000
	return cfg
}

// Load reads the config at path over the defaults. A missing file is
// created with the defaults and a fresh client id. Files ending in .toml
// are TOML; anything else is JSON.
func Load(path string) (*Config, error) {
	cfg := defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		cfg.ClientID = string(types.NewClientID())
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	if cfg.ClientID == "" {
		cfg.ClientID = string(types.NewClientID())
	}

	// Override from env (highest precedence)
	if url := os.Getenv("CHATRECIPE_NATS_URL"); url != "" {
		cfg.NATS.URL = url
	}
	if token := os.Getenv("CHATRECIPE_NATS_TOKEN"); token != "" {
		cfg.NATS.Token = token
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}

	return cfg, nil
}

// Save writes cfg to path atomically in the format its extension selects.
func Save(path string, cfg *Config) error {
	data, err := encode(path, cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

// ToMap converts cfg into a nested map keyed by its JSON names.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// Value is one config key with its current value.
type Value struct {
	Key   Key
	Value any
}

// Values returns the value of every settable key in display order, masking
// secrets when mask is set.
func Values(cfg *Config, mask bool) ([]Value, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	out := make([]Value, 0, len(keys))
	for _, k := range keys {
		v := flat[k.Name]
		if s, ok := v.(string); ok && mask && k.Secret {
			v = Mask(s)
		}
		out = append(out, Value{Key: k, Value: v})
	}
	return out, nil
}

// GetValue reads one dot-separated key from the file at path. Keys the
// file leaves out report their default.
func GetValue(path, key string) (any, error) {
	if _, ok := LookupKey(key); !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	if v, ok := Flatten(raw)[key]; ok {
		return v, nil
	}
	m, err := ToMap(defaults())
	if err != nil {
		return nil, err
	}
	return Flatten(m)[key], nil
}

// SetValue validates value for key and writes it to the file at path.
// Other entries in the file are kept as they are.
func SetValue(path, key, value string) error {
	k, ok := LookupKey(key)
	if !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}
	v, err := k.Parse(value)
	if err != nil {
		return err
	}
	raw, err := readRaw(path)
	if err != nil {
		return err
	}
	flat := Flatten(raw)
	flat[key] = v

	var data []byte
	nested := Unflatten(flat)
	if isTOML(path) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(nested); err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		data = buf.Bytes()
	} else {
		data, err = json.MarshalIndent(nested, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		data = append(data, '\n')
	}
	return writeAtomic(path, data)
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func decode(path string, data []byte, v any) error {
	if isTOML(path) {
		return toml.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

func encode(path string, cfg *Config) ([]byte, error) {
	if isTOML(path) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	raw := make(map[string]any)
	if err := decode(path, data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return raw, nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
