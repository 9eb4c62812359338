// Package telegram puts a chat session behind a Telegram bot bound to one
// chat. Text messages are submitted to the session; the streamed reply is
// shown by editing a single Telegram message.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/user/chatrecipe/internal/chat"
	"github.com/user/chatrecipe/internal/transcript"
	"github.com/user/chatrecipe/internal/types"
)

const maxTelegramMessage = 4096

// DefaultEditInterval is the minimum gap between edits of a streaming reply.
const DefaultEditInterval = time.Second

// Bot is the part of the Bot API the adapter uses. *tgbotapi.BotAPI
// satisfies it.
type Bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Session is the conversation driven by the bot. *chat.Session satisfies
// it. Its methods are only called through the Runner.
type Session interface {
	Submit(text string) bool
	Stop() bool
	NewChat()
	Open(ref string)
	EnterRoute(path string)
	View() chat.View
}

// Runner executes fn on the goroutine that owns the session.
type Runner interface {
	Do(ctx context.Context, fn func()) error
}

// Options configures an Adapter.
type Options struct {
	ChatID       int64
	EditInterval time.Duration
	Counter      *transcript.Counter
	Logger       *slog.Logger
}

// shown tracks one assistant message mirrored into the chat.
type shown struct {
	tgID int
	text string
	done bool
}

// Adapter bridges Telegram to a chat session.
type Adapter struct {
	bot     Bot
	session Session
	run     Runner
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger

	views chan chat.View

	// Render state, owned by the render goroutine.
	key         types.StorageKey
	primed      bool
	seen        map[types.MessageID]*shown
	placeholder int
}

// NewBot connects to the Bot API with token.
func NewBot(token string) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return bot, nil
}

// New creates a Telegram adapter. Wire Publish into the session's OnChange
// before starting it.
func New(bot Bot, session Session, run Runner, opts Options) *Adapter {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.EditInterval <= 0 {
		opts.EditInterval = DefaultEditInterval
	}
	return &Adapter{
		bot:     bot,
		session: session,
		run:     run,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(opts.EditInterval), 1),
		logger:  opts.Logger,
		views:   make(chan chat.View, 1),
		seen:    make(map[types.MessageID]*shown),
	}
}

// Publish hands a view to the render goroutine. It never blocks: a view
// not yet rendered is replaced by the newer one.
func (a *Adapter) Publish(v chat.View) {
	select {
	case a.views <- v:
		return
	default:
	}
	select {
	case <-a.views:
	default:
	}
	select {
	case a.views <- v:
	default:
	}
}

// Start long-polls for updates and renders views until ctx is cancelled.
func (a *Adapter) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := a.bot.GetUpdatesChan(u)

	go a.renderLoop(ctx)

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return nil
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if chatID != a.opts.ChatID {
		a.logger.Warn("ignoring message from unbound chat", "chat_id", chatID)
		return
	}

	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}

	var accepted bool
	var view chat.View
	err := a.run.Do(ctx, func() {
		accepted = a.session.Submit(msg.Text)
		view = a.session.View()
	})
	if err != nil {
		a.logger.Error("submit failed", "error", err)
		return
	}
	if !accepted {
		a.sendResponse(refusal(view))
	}
}

func refusal(v chat.View) string {
	switch {
	case v.Loading:
		return "Still loading this conversation, try again in a moment."
	case v.CanStop():
		return "A reply is still in progress. Send /stop to cancel it."
	case !v.Connected:
		return "Not connected to the recipe service."
	}
	return "Message not sent."
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	var reply string
	err := a.run.Do(ctx, func() {
		switch msg.Command() {
		case "start":
			reply = chat.WelcomeText
		case "stop":
			if !a.session.Stop() {
				reply = "Nothing to stop."
			}
		case "new":
			a.session.NewChat()
			reply = "Started a new conversation."
		case "open":
			ref := strings.TrimSpace(msg.CommandArguments())
			if ref == "" {
				reply = "Usage: /open <video url>"
				return
			}
			a.session.Open(ref)
		case "home":
			a.session.EnterRoute("/")
		case "status":
			reply = a.status(a.session.View())
		default:
			reply = "Unknown command. Available: /open, /stop, /new, /home, /status"
		}
	})
	if err != nil {
		a.logger.Error("command failed", "command", msg.Command(), "error", err)
		return
	}
	if reply != "" {
		a.sendResponse(reply)
	}
}

func (a *Adapter) status(v chat.View) string {
	stats := transcript.Summarize(a.opts.Counter, v.Messages)
	conn := "connected"
	if !v.Connected {
		conn = "disconnected"
	}
	return fmt.Sprintf("Conversation: %s\nKey: %s\nMode: %s\nPhase: %s\nMessages: %d (%d tokens)\nChannel: %s",
		v.Context, v.Key, v.Mode, v.Phase, stats.Messages, stats.Tokens, conn)
}

func (a *Adapter) renderLoop(ctx context.Context) {
	for {
		select {
		case v := <-a.views:
			a.render(ctx, v)
		case <-ctx.Done():
			return
		}
	}
}

// render mirrors the assistant side of v into the chat. User messages are
// already visible in Telegram. Messages present when a conversation loads
// are announced, not replayed.
func (a *Adapter) render(ctx context.Context, v chat.View) {
	if v.Key != a.key {
		a.key = v.Key
		a.primed = false
		a.seen = make(map[types.MessageID]*shown)
		a.placeholder = 0
	}
	if v.Loading {
		return
	}
	if !a.primed {
		a.primed = true
		for _, m := range v.Messages {
			a.seen[m.ID] = &shown{text: m.Text, done: true}
		}
		a.sendResponse(fmt.Sprintf("%s\n%s", v.Context, v.Mode.Hint()))
		return
	}

	hasPlaceholder := false
	for _, m := range v.Messages {
		if m.Sender != types.SenderAssistant {
			continue
		}
		if m.IsLoadingPlaceholder {
			hasPlaceholder = true
			if a.placeholder == 0 {
				a.placeholder = a.post(m.Text)
			}
			continue
		}
		s, ok := a.seen[m.ID]
		if !ok {
			s = &shown{}
			a.seen[m.ID] = s
			if a.placeholder != 0 {
				s.tgID = a.placeholder
				a.placeholder = 0
			} else if m.Complete {
				a.sendResponse(m.Text)
				s.text, s.done = m.Text, true
				continue
			} else {
				s.tgID = a.post(m.Text)
				s.text = m.Text
			}
		}
		if s.done || s.text == m.Text {
			s.done = m.Complete
			continue
		}
		if !m.Complete {
			if err := a.limiter.Wait(ctx); err != nil {
				return
			}
		}
		a.edit(s, m.Text, m.Complete)
		s.done = m.Complete
	}

	if !hasPlaceholder && a.placeholder != 0 {
		a.remove(a.placeholder)
		a.placeholder = 0
	}
}

func (a *Adapter) post(text string) int {
	parts := splitMessage(text)
	sent, err := a.bot.Send(tgbotapi.NewMessage(a.opts.ChatID, parts[0]))
	if err != nil {
		a.logger.Error("send message error", "error", err)
		return 0
	}
	return sent.MessageID
}

// edit replaces the text of s. A finished reply longer than one Telegram
// message continues in follow-up messages.
func (a *Adapter) edit(s *shown, text string, final bool) {
	parts := splitMessage(text)
	s.text = text
	if s.tgID == 0 {
		return
	}
	if _, err := a.bot.Send(tgbotapi.NewEditMessageText(a.opts.ChatID, s.tgID, parts[0])); err != nil && !notModified(err) {
		a.logger.Warn("edit message error", "message_id", s.tgID, "error", err)
	}
	if final {
		for _, part := range parts[1:] {
			a.post(part)
		}
	}
}

func (a *Adapter) remove(tgID int) {
	if _, err := a.bot.Request(tgbotapi.NewDeleteMessage(a.opts.ChatID, tgID)); err != nil {
		a.logger.Warn("delete message error", "message_id", tgID, "error", err)
	}
}

func (a *Adapter) sendResponse(text string) {
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(a.opts.ChatID, part)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := a.bot.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.bot.Send(msg); err != nil {
				a.logger.Error("send message error", "error", err)
			}
		}
	}
}

func notModified(err error) bool {
	var apiErr *tgbotapi.Error
	return errors.As(err, &apiErr) && strings.Contains(apiErr.Message, "message is not modified")
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}
