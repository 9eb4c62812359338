package config

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/user/chatrecipe/internal/state"
)

// Kind is the value type of a config key.
type Kind int

const (
	KindString Kind = iota
	KindInt
)

func (k Kind) String() string {
	if k == KindInt {
		return "int"
	}
	return "string"
}

// Key describes one settable config key, addressed by its dot-separated
// path in the config file.
type Key struct {
	Name   string
	Kind   Kind
	Secret bool
	Help   string
	check  func(any) error
}

var keys = []Key{
	{Name: "data_dir", Help: "directory holding conversations and the bolt file", check: nonEmpty},
	{Name: "log_level", Help: "debug, info, warn or error", check: oneOf("debug", "info", "warn", "error")},
	{Name: "client_id", Help: "id the recipe service addresses this client by", check: nonEmpty},
	{Name: "store.backend", Help: "conversation storage backend",
		check: oneOf(state.BackendBolt, state.BackendFile, state.BackendMemory)},
	{Name: "store.max_bytes", Kind: KindInt, Help: "largest record written before truncation", check: atLeast(1024)},
	{Name: "store.keep_recent", Kind: KindInt, Help: "messages kept when a record is too large", check: atLeast(1)},
	{Name: "store.retry_recent", Kind: KindInt, Help: "messages kept when a write is retried", check: atLeast(1)},
	{Name: "store.debounce_ms", Kind: KindInt, Help: "delay before a changed conversation is written", check: atLeast(0)},
	{Name: "store.max_concurrent_writes", Kind: KindInt, Help: "store operations allowed at once", check: atLeast(1)},
	{Name: "stream.stop_timeout_ms", Kind: KindInt, Help: "how long a stop waits for acknowledgement", check: atLeast(1)},
	{Name: "nats.url", Help: "NATS server URL", check: urlScheme("nats", "tls", "ws", "wss")},
	{Name: "nats.token", Secret: true, Help: "NATS auth token"},
	{Name: "nats.subject_prefix", Help: "first token of every NATS subject", check: subjectToken},
	{Name: "telegram.token", Secret: true, Help: "Telegram bot token"},
	{Name: "telegram.chat_id", Kind: KindInt, Help: "the one chat the bot answers"},
	{Name: "telegram.edit_interval_ms", Kind: KindInt, Help: "minimum gap between message edits", check: atLeast(100)},
}

// Keys returns every settable key in display order.
func Keys() []Key {
	return slices.Clone(keys)
}

// LookupKey returns the key named name.
func LookupKey(name string) (Key, bool) {
	i := slices.IndexFunc(keys, func(k Key) bool { return k.Name == name })
	if i < 0 {
		return Key{}, false
	}
	return keys[i], true
}

// IsSecretKey reports whether values of the named key are masked.
func IsSecretKey(name string) bool {
	k, ok := LookupKey(name)
	return ok && k.Secret
}

// Parse converts raw into the key's type and validates it.
func (k Key) Parse(raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	var v any = raw
	if k.Kind == KindInt {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: expected an integer, got %q", k.Name, raw)
		}
		v = n
	}
	if k.check != nil {
		if err := k.check(v); err != nil {
			return nil, fmt.Errorf("%s: %w", k.Name, err)
		}
	}
	return v, nil
}

func nonEmpty(v any) error {
	if v.(string) == "" {
		return fmt.Errorf("must not be empty")
	}
	return nil
}

func oneOf(allowed ...string) func(any) error {
	return func(v any) error {
		if !slices.Contains(allowed, v.(string)) {
			return fmt.Errorf("must be one of %s", strings.Join(allowed, ", "))
		}
		return nil
	}
}

func atLeast(min int64) func(any) error {
	return func(v any) error {
		if v.(int64) < min {
			return fmt.Errorf("must be at least %d", min)
		}
		return nil
	}
}

func urlScheme(schemes ...string) func(any) error {
	return func(v any) error {
		scheme, _, ok := strings.Cut(v.(string), "://")
		if !ok || !slices.Contains(schemes, scheme) {
			return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
		}
		return nil
	}
}

func subjectToken(v any) error {
	s := v.(string)
	if s == "" || strings.ContainsAny(s, ".*> \t") {
		return fmt.Errorf("must be a single subject token")
	}
	return nil
}

// Mask hides all but the last four characters of a secret.
func Mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "***" + s
	}
	return "***" + s[len(s)-4:]
}

// Flatten turns nested tables into dot-separated keys. Empty tables
// produce nothing.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if prefix != "" {
				k = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok {
				walk(k, child)
				continue
			}
			out[k] = v
		}
	}
	walk("", m)
	return out
}

// Unflatten is the inverse of Flatten. Keys are applied in sorted order so
// a scalar and a table under the same name resolve the same way every time.
func Unflatten(flat map[string]any) map[string]any {
	names := make([]string, 0, len(flat))
	for k := range flat {
		names = append(names, k)
	}
	sort.Strings(names)

	out := make(map[string]any)
	for _, name := range names {
		parts := strings.Split(name, ".")
		table := out
		for _, part := range parts[:len(parts)-1] {
			next, ok := table[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				table[part] = next
			}
			table = next
		}
		table[parts[len(parts)-1]] = flat[name]
	}
	return out
}
