package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/user/chatrecipe/internal/types"
)

// RecordVersion is written into every record.
const RecordVersion = 1

// Defaults for StoreOptions.
const (
	DefaultMaxBytes    = 4 << 20
	DefaultKeepRecent  = 50
	DefaultRetryRecent = 20
)

// StoreOptions bounds what Save writes.
type StoreOptions struct {
	// MaxBytes is the largest encoded record written as-is.
	MaxBytes int
	// KeepRecent is how many trailing messages survive an oversized record.
	KeepRecent int
	// RetryRecent is how many trailing messages the single retry after a
	// failed write keeps.
	RetryRecent int
}

func (o StoreOptions) withDefaults() StoreOptions {
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxBytes
	}
	if o.KeepRecent <= 0 {
		o.KeepRecent = DefaultKeepRecent
	}
	if o.RetryRecent <= 0 {
		o.RetryRecent = DefaultRetryRecent
	}
	return o
}

type record struct {
	Version  int             `json:"version"`
	Messages []types.Message `json:"messages"`
}

// Store reads and writes conversation records. Load and Save fail soft:
// problems are logged and never reach the caller.
type Store struct {
	backend Backend
	opts    StoreOptions
	logger  *slog.Logger
}

// NewStore creates a Store over backend.
func NewStore(backend Backend, opts StoreOptions, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{backend: backend, opts: opts.withDefaults(), logger: logger}
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// Load returns the stored messages for key, or nil when there are none.
// Interrupted streams come back complete and flagged RecoveredIncomplete.
// A record that cannot be decoded is deleted.
func (s *Store) Load(ctx context.Context, key types.StorageKey) []types.Message {
	data, err := s.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("load conversation failed", "key", key, "error", err)
		}
		return nil
	}

	msgs, err := decodeRecord(data)
	if err != nil {
		s.logger.Warn("discarding malformed conversation", "key", key, "error", err)
		if err := s.backend.Delete(ctx, key); err != nil {
			s.logger.Warn("clear malformed conversation failed", "key", key, "error", err)
		}
		return nil
	}
	return normalizeLoaded(msgs)
}

// Save writes msgs under key without placeholders. Oversized records keep
// only the most recent messages, and a failed write is retried once with a
// smaller window before the save is abandoned.
func (s *Store) Save(ctx context.Context, key types.StorageKey, msgs []types.Message) {
	durable := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.IsLoadingPlaceholder {
			durable = append(durable, m)
		}
	}

	data, err := encodeRecord(durable)
	if err != nil {
		s.logger.Error("encode conversation failed", "key", key, "error", err)
		return
	}
	if len(data) > s.opts.MaxBytes {
		s.logger.Warn("conversation over size ceiling, truncating",
			"key", key, "bytes", len(data), "keep", s.opts.KeepRecent)
		durable = recent(durable, s.opts.KeepRecent)
		if data, err = encodeRecord(durable); err != nil {
			s.logger.Error("encode conversation failed", "key", key, "error", err)
			return
		}
	}

	if err = s.backend.Put(ctx, key, data); err == nil {
		return
	}
	s.logger.Warn("save conversation failed, retrying with recent window",
		"key", key, "keep", s.opts.RetryRecent, "error", err)

	data, err = encodeRecord(recent(durable, s.opts.RetryRecent))
	if err != nil {
		s.logger.Error("encode conversation failed", "key", key, "error", err)
		return
	}
	if err := s.backend.Put(ctx, key, data); err != nil {
		s.logger.Error("save conversation abandoned", "key", key, "error", err)
	}
}

// Clear removes the record for key.
func (s *Store) Clear(ctx context.Context, key types.StorageKey) error {
	if err := s.backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("clear conversation: %w", err)
	}
	return nil
}

// Keys lists every stored conversation key.
func (s *Store) Keys(ctx context.Context) ([]types.StorageKey, error) {
	keys, err := s.backend.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return keys, nil
}

func encodeRecord(msgs []types.Message) ([]byte, error) {
	if msgs == nil {
		msgs = []types.Message{}
	}
	return json.Marshal(record{Version: RecordVersion, Messages: msgs})
}

// decodeRecord accepts the versioned object and a bare message array.
func decodeRecord(data []byte) ([]types.Message, error) {
	data = bytes.TrimSpace(data)
	var msgs []types.Message
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &msgs); err != nil {
			return nil, fmt.Errorf("unmarshal messages: %w", err)
		}
	} else {
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		if rec.Version > RecordVersion {
			return nil, fmt.Errorf("unsupported record version %d", rec.Version)
		}
		msgs = rec.Messages
	}

	for i, m := range msgs {
		if m.Sender != types.SenderUser && m.Sender != types.SenderAssistant {
			return nil, fmt.Errorf("message %d: unknown sender %q", i, m.Sender)
		}
	}
	return msgs, nil
}

func normalizeLoaded(msgs []types.Message) []types.Message {
	out := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.IsLoadingPlaceholder {
			continue
		}
		if m.ID == "" {
			m.ID = types.NewMessageID()
		}
		if !m.Complete {
			m.Complete = true
			m.Text = types.NormalizeReply(m.Text)
			m.RecoveredIncomplete = true
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func recent(msgs []types.Message, n int) []types.Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
