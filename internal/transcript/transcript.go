// Package transcript summarizes and exports stored conversations.
package transcript

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/chatrecipe/internal/types"
)

// DefaultModel selects the tokenizer used for token counts.
const DefaultModel = "gpt-4"

// Counter counts tokens in message text.
type Counter struct {
	tokenizer *tiktoken.Tiktoken
}

// NewCounter creates a Counter for model. Unknown models use cl100k_base.
// When no encoding can be loaded (tiktoken fetches its tables on first use)
// the Counter falls back to an estimate of four bytes per token.
func NewCounter(model string) *Counter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Debug("tokenizer unavailable, estimating", "error", err)
			return &Counter{}
		}
	}
	return &Counter{tokenizer: enc}
}

// Count returns the token count for text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c == nil || c.tokenizer == nil {
		return (len(text) + 3) / 4
	}
	return len(c.tokenizer.Encode(text, nil, nil))
}

// Stats describes one conversation.
type Stats struct {
	Messages     int
	User         int
	Assistant    int
	Errors       int
	Stopped      int
	Tokens       int
	LastActivity time.Time
}

// Summarize computes Stats for msgs, ignoring placeholders.
func Summarize(c *Counter, msgs []types.Message) Stats {
	var s Stats
	for _, m := range msgs {
		if m.IsLoadingPlaceholder {
			continue
		}
		s.Messages++
		if m.Sender == types.SenderUser {
			s.User++
		} else {
			s.Assistant++
		}
		if m.Error {
			s.Errors++
		}
		if m.Stopped {
			s.Stopped++
		}
		s.Tokens += c.Count(m.Text)
		if m.CreatedAt.After(s.LastActivity) {
			s.LastActivity = m.CreatedAt
		}
	}
	return s
}

// Recent returns the longest suffix of msgs whose text fits within budget
// tokens. A non-positive budget returns msgs unchanged.
func Recent(c *Counter, msgs []types.Message, budget int) []types.Message {
	if budget <= 0 {
		return msgs
	}
	used := 0
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		n := c.Count(msgs[i].Text)
		if used+n > budget {
			break
		}
		used += n
		start = i
	}
	return msgs[start:]
}

// Markdown renders msgs as a markdown document titled with key.
func Markdown(key types.StorageKey, msgs []types.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Conversation %s\n", key)
	for _, m := range msgs {
		if m.IsLoadingPlaceholder {
			continue
		}
		author := "You"
		if m.Sender == types.SenderAssistant {
			author = "ChatRecipe"
		}
		var notes []string
		if m.Error {
			notes = append(notes, "error")
		}
		if m.Stopped {
			notes = append(notes, "stopped")
		}
		if !m.Complete {
			notes = append(notes, "incomplete")
		}

		fmt.Fprintf(&b, "\n## %s", author)
		if !m.CreatedAt.IsZero() {
			fmt.Fprintf(&b, " · %s", m.CreatedAt.Format(time.RFC3339))
		}
		if len(notes) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(notes, ", "))
		}
		b.WriteString("\n\n")
		b.WriteString(m.Text)
		b.WriteString("\n")
	}
	return b.String()
}

// Preview shortens text to at most n runes on one line.
func Preview(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	r := []rune(text)
	return string(r[:n-1]) + "…"
}
