// internal/types/models.go
package types

import (
	"regexp"
	"strings"
	"time"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// Message is one entry of a conversation transcript. Optional fields decode
// to false when absent so older records stay readable.
type Message struct {
	ID                   MessageID `json:"id"`
	CreatedAt            time.Time `json:"createdAt"`
	Text                 string    `json:"text"`
	Sender               Sender    `json:"sender"`
	Complete             bool      `json:"complete"`
	IsLoadingPlaceholder bool      `json:"isLoading,omitempty"`
	Stopped              bool      `json:"stopped,omitempty"`
	RecoveredIncomplete  bool      `json:"recoveredIncomplete,omitempty"`
	Error                bool      `json:"error,omitempty"`
}

// NewUserMessage returns a complete message authored by the user.
func NewUserMessage(text string) Message {
	return Message{
		ID:        NewMessageID(),
		CreatedAt: time.Now(),
		Text:      text,
		Sender:    SenderUser,
		Complete:  true,
	}
}

// NewAssistantMessage returns a complete assistant message.
func NewAssistantMessage(text string) Message {
	return Message{
		ID:        NewMessageID(),
		CreatedAt: time.Now(),
		Text:      text,
		Sender:    SenderAssistant,
		Complete:  true,
	}
}

// NewStreamingMessage returns an assistant message that is still accumulating chunks.
func NewStreamingMessage(text string) Message {
	m := NewAssistantMessage(text)
	m.Complete = false
	return m
}

// NewPlaceholder returns the ephemeral "waiting for first chunk" message.
func NewPlaceholder(text string) Message {
	m := NewAssistantMessage(text)
	m.IsLoadingPlaceholder = true
	return m
}

// NewErrorMessage returns an assistant message describing a channel error.
func NewErrorMessage(text string) Message {
	m := NewAssistantMessage(text)
	m.Error = true
	return m
}

// Streaming reports whether m is an assistant message still accumulating text.
func (m Message) Streaming() bool {
	return m.Sender == SenderAssistant && !m.Complete && !m.IsLoadingPlaceholder
}

var (
	excessBreaks = regexp.MustCompile(`\n{3,}`)
	trailingWS   = regexp.MustCompile(`[ \t\f\v]+\n`)
)

// NormalizeReply cleans a finished assistant reply: line endings become \n,
// whitespace-only lines become empty, runs of three or more line breaks
// collapse to exactly two, and the result is trimmed.
func NormalizeReply(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = trailingWS.ReplaceAllString(text+"\n", "\n")
	text = excessBreaks.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
