package chat

import (
	"github.com/user/chatrecipe/internal/channel"
	"github.com/user/chatrecipe/internal/stream"
	"github.com/user/chatrecipe/internal/types"
)

// WelcomeText seeds every new conversation.
const WelcomeText = "👋 Welcome to ChatRecipe! Share a YouTube cooking video link, and I'll break down the recipe for you."

// Mode decides what a submission asks for.
type Mode int

const (
	// LinkSeeking submissions are video references to fetch.
	LinkSeeking Mode = iota
	// FreeForm submissions are questions about the fetched recipe.
	FreeForm
)

func (m Mode) String() string {
	if m == FreeForm {
		return "free_form"
	}
	return "link_seeking"
}

// Hint is the input prompt shown for the mode.
func (m Mode) Hint() string {
	if m == FreeForm {
		return "Ask a question"
	}
	return "Enter YouTube video URL"
}

// Request builds the outbound request for a submission in mode m.
func (m Mode) Request(text string) channel.Request {
	if m == FreeForm {
		return channel.Generate(text)
	}
	return channel.FetchContent(text)
}

// After returns the mode that follows outcome o.
func (m Mode) After(o stream.Outcome) Mode {
	switch o.Kind {
	case stream.Completed:
		if o.Request.Name == channel.RequestFetchContent {
			return FreeForm
		}
	case stream.Errored:
		switch o.ErrKind {
		case channel.ErrorKindResource:
			return LinkSeeking
		case channel.ErrorKindGeneration:
			return FreeForm
		}
	}
	return m
}

// DeriveMode recovers the mode of a loaded conversation: free-form once it
// holds a finished assistant reply that is not the welcome message, an
// error, a stopped reply or a recovered interruption.
func DeriveMode(msgs []types.Message) Mode {
	for _, m := range msgs {
		if m.Sender != types.SenderAssistant || !m.Complete {
			continue
		}
		if m.IsLoadingPlaceholder || m.Error || m.Stopped || m.RecoveredIncomplete {
			continue
		}
		if m.Text == WelcomeText {
			continue
		}
		return FreeForm
	}
	return LinkSeeking
}

// IsWelcomeOnly reports whether msgs is the untouched initial state, which
// is never persisted.
func IsWelcomeOnly(msgs []types.Message) bool {
	n := 0
	for _, m := range msgs {
		if m.IsLoadingPlaceholder {
			continue
		}
		if m.Sender != types.SenderAssistant || m.Text != WelcomeText {
			return false
		}
		n++
	}
	return n <= 1
}

func welcomeMessage() types.Message {
	return types.NewAssistantMessage(WelcomeText)
}
