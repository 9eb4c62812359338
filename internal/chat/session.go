// Package chat runs one user's conversation: it switches between
// conversation contexts, submits input in the right mode, and keeps the
// transcript persisted.
//
// A Session is owned by a single scheduler goroutine. Every method must run
// there; other goroutines go through loop.Loop.Do.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/user/chatrecipe/internal/channel"
	"github.com/user/chatrecipe/internal/messagelog"
	"github.com/user/chatrecipe/internal/routekey"
	"github.com/user/chatrecipe/internal/state"
	"github.com/user/chatrecipe/internal/stream"
	"github.com/user/chatrecipe/internal/types"
)

// View is what a frontend renders.
type View struct {
	Key       types.StorageKey
	Context   routekey.Context
	Messages  []types.Message
	Phase     stream.Phase
	Mode      Mode
	Loading   bool
	Connected bool
}

// CanSubmit reports whether input is accepted in this view.
func (v View) CanSubmit() bool {
	return !v.Loading && v.Phase.Ready()
}

// CanStop reports whether a reply is in flight.
func (v View) CanStop() bool {
	return v.Phase.Stoppable()
}

// Options configures a Session.
type Options struct {
	Scheduler   types.Scheduler
	Channel     channel.Adapter
	Writer      *state.Writer
	Debounce    time.Duration
	StopTimeout time.Duration
	// OnChange receives a fresh View after every visible change.
	OnChange func(View)
	Logger   *slog.Logger
}

// conversation is the live state of one storage key.
type conversation struct {
	key      types.StorageKey
	ctx      routekey.Context
	log      *messagelog.Log
	coord    *stream.Coordinator
	mode     Mode
	loading  bool
	quiet    bool
	pending  string
	unsubLog func()
}

// Session drives conversations over one channel.
type Session struct {
	opts      Options
	sched     types.Scheduler
	ch        channel.Adapter
	writer    *state.Writer
	debouncer *state.Debouncer
	retired   *stream.Retired
	logger    *slog.Logger

	sub       channel.Subscription
	conv      *conversation
	connected bool
	closed    bool
}

// NewSession creates a Session. Call Start to connect the channel and Enter
// to open the first conversation.
func NewSession(opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Session{
		opts:    opts,
		sched:   opts.Scheduler,
		ch:      opts.Channel,
		writer:  opts.Writer,
		retired: &stream.Retired{},
		logger:  opts.Logger,
	}
	s.debouncer = state.NewDebouncer(opts.Scheduler, opts.Debounce, s.persist)
	return s
}

// Start subscribes to the channel and connects it. A connection that is
// not up yet is reported through events, not as an error.
func (s *Session) Start(ctx context.Context) error {
	sub, err := s.ch.Subscribe(func(ev channel.Event) {
		s.sched.Post(func() { s.handleEvent(ev) })
	})
	if err != nil {
		return fmt.Errorf("subscribe channel: %w", err)
	}
	s.sub = sub
	if err := s.ch.Connect(ctx); err != nil {
		return fmt.Errorf("connect channel: %w", err)
	}
	return nil
}

// EnterRoute enters the conversation for a route path.
func (s *Session) EnterRoute(path string) {
	s.Enter(routekey.ParseRoute(path))
}

// Enter switches to the conversation for c. The outgoing conversation's
// latest messages are written before the new one is loaded.
func (s *Session) Enter(c routekey.Context) {
	if s.closed {
		return
	}
	key := routekey.KeyFor(c)
	if s.conv != nil && s.conv.key == key {
		s.conv.ctx = c
		return
	}

	var prev types.StorageKey
	if s.conv != nil {
		prev = s.conv.key
	}
	s.leave()

	conv := s.newConversation(c, key)
	s.conv = conv
	s.logger.Info("entering conversation", "key", key, "from", prev)

	load := func() {
		err := s.writer.Load(key, func(msgs []types.Message) {
			s.sched.Post(func() { s.applyLoad(conv, msgs) })
		})
		if err != nil {
			s.logger.Warn("queue load failed", "key", key, "error", err)
			s.sched.Post(func() { s.applyLoad(conv, nil) })
		}
	}
	if prev == "" {
		load()
	} else if err := s.writer.Barrier(prev, load); err != nil {
		s.logger.Warn("queue barrier failed", "key", prev, "error", err)
		load()
	}
	s.notify()
}

// Open enters the conversation for ref and, if that conversation is still
// waiting for a link, submits ref as the link.
func (s *Session) Open(ref string) {
	ref = strings.TrimSpace(ref)
	s.Enter(routekey.Context{Ref: ref})
	if s.conv == nil || ref == "" {
		return
	}
	if s.conv.loading {
		s.conv.pending = ref
		return
	}
	if s.conv.mode == LinkSeeking {
		s.Submit(ref)
	}
}

// Submit sends text in the current mode. Input is trimmed and empty input
// is ignored. It reports whether a request was started.
func (s *Session) Submit(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" || !s.CanSubmit() {
		return false
	}
	conv := s.conv
	if !conv.log.Append(types.NewUserMessage(text)) {
		s.logger.Debug("duplicate submission not re-added", "key", conv.key)
	}
	req := conv.mode.Request(text)
	if !conv.coord.Begin(req) {
		return false
	}
	s.logger.Info("request sent", "key", conv.key, "request", req.Name, "request_id", req.ID)
	return true
}

// Stop cancels the reply in flight.
func (s *Session) Stop() bool {
	if s.conv == nil {
		return false
	}
	if !s.conv.coord.Stop() {
		return false
	}
	s.logger.Info("generation stopped", "key", s.conv.key)
	return true
}

// NewChat discards the current conversation: its record is removed, the
// transcript returns to the welcome message and the remote side is told to
// reset.
func (s *Session) NewChat() {
	conv := s.conv
	if conv == nil || conv.loading {
		return
	}
	conv.coord.Abandon()
	s.debouncer.Cancel(conv.key)
	if err := s.writer.Clear(conv.key); err != nil {
		s.logger.Warn("queue clear failed", "key", conv.key, "error", err)
	}

	conv.quiet = true
	conv.log.Clear(welcomeMessage())
	conv.quiet = false
	conv.mode = LinkSeeking

	if err := s.ch.Emit(context.Background(), channel.ResetConversation()); err != nil {
		s.logger.Warn("emit reset failed", "error", err)
	}
	s.logger.Info("conversation reset", "key", conv.key)
	s.notify()
}

// CanSubmit reports whether Submit would be accepted.
func (s *Session) CanSubmit() bool {
	return s.conv != nil && !s.conv.loading && s.conv.coord.Phase().Ready()
}

// CanStop reports whether Stop would have an effect.
func (s *Session) CanStop() bool {
	return s.conv != nil && s.conv.coord.Phase().Stoppable()
}

// View returns the current state for rendering.
func (s *Session) View() View {
	v := View{Connected: s.connected}
	if s.conv == nil {
		return v
	}
	v.Key = s.conv.key
	v.Context = s.conv.ctx
	v.Messages = s.conv.log.Snapshot().Messages
	v.Phase = s.conv.coord.Phase()
	v.Mode = s.conv.mode
	v.Loading = s.conv.loading
	return v
}

// Close writes out pending changes, releases the channel subscription and
// closes the channel.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.leave()
	s.conv = nil
	s.debouncer.FlushAll()
	s.closed = true
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if err := s.ch.Close(); err != nil {
		s.logger.Warn("close channel failed", "error", err)
	}
}

func (s *Session) newConversation(c routekey.Context, key types.StorageKey) *conversation {
	conv := &conversation{key: key, ctx: c, loading: true, mode: LinkSeeking}
	conv.log = messagelog.New(welcomeMessage())
	conv.coord = stream.New(conv.log, s.ch, s.sched, stream.Options{
		StopTimeout: s.opts.StopTimeout,
		Logger:      s.logger.With("key", key),
		OnOutcome:   func(o stream.Outcome) { s.onOutcome(conv, o) },
		OnPhase:     func(stream.Phase) { s.notify() },
		Retired:     s.retired,
	})
	conv.unsubLog = conv.log.Subscribe(func(snap messagelog.Snapshot) {
		s.onSnapshot(conv, snap)
	})
	return conv
}

// leave detaches the current conversation and writes its latest messages
// immediately. A conversation that never finished loading is not written.
func (s *Session) leave() {
	conv := s.conv
	if conv == nil {
		return
	}
	conv.coord.Abandon()
	conv.unsubLog()
	s.debouncer.Cancel(conv.key)
	if !conv.loading {
		s.persist(conv.key, conv.log.Snapshot().Messages)
	}
}

func (s *Session) applyLoad(conv *conversation, msgs []types.Message) {
	if s.conv != conv || s.closed {
		return
	}
	conv.loading = false

	if len(msgs) > 0 {
		conv.mode = DeriveMode(msgs)
		conv.quiet = true
		conv.log.Reset(msgs)
		conv.quiet = false
		s.consumeRecovered(conv)
	}
	s.logger.Info("conversation loaded", "key", conv.key, "messages", conv.log.Len(), "mode", conv.mode)
	s.notify()

	if ref := conv.pending; ref != "" {
		conv.pending = ""
		if conv.mode == LinkSeeking {
			s.Submit(ref)
		}
	}
}

// consumeRecovered clears RecoveredIncomplete flags once they have been
// seen, so an interrupted reply is reported a single time.
func (s *Session) consumeRecovered(conv *conversation) {
	recovered := 0
	for _, m := range conv.log.Snapshot().Messages {
		if m.RecoveredIncomplete {
			recovered++
		}
	}
	if recovered == 0 {
		return
	}
	s.logger.Info("recovered interrupted reply", "key", conv.key, "count", recovered)
	conv.log.Update(func(msgs []types.Message) []types.Message {
		for i := range msgs {
			msgs[i].RecoveredIncomplete = false
		}
		return msgs
	})
}

func (s *Session) onSnapshot(conv *conversation, snap messagelog.Snapshot) {
	if !conv.loading && !conv.quiet {
		s.debouncer.Schedule(conv.key, snap.Messages)
	}
	s.notify()
}

func (s *Session) onOutcome(conv *conversation, o stream.Outcome) {
	prev := conv.mode
	conv.mode = conv.mode.After(o)
	s.logger.Info("reply finished", "key", conv.key, "outcome", o.Kind, "request", o.Request.Name, "mode", conv.mode)
	if o.Kind == stream.Errored {
		s.logger.Warn("reply failed", "key", conv.key, "error", o.Err, "kind", o.ErrKind)
	}
	if prev != conv.mode {
		s.notify()
	}
}

// persist writes msgs under key. The welcome-only state removes the record
// instead.
func (s *Session) persist(key types.StorageKey, msgs []types.Message) {
	var err error
	if IsWelcomeOnly(msgs) {
		err = s.writer.Clear(key)
	} else {
		err = s.writer.Save(key, msgs)
	}
	if err != nil {
		s.logger.Warn("queue write failed", "key", key, "error", err)
	}
}

func (s *Session) handleEvent(ev channel.Event) {
	if s.closed {
		return
	}
	switch ev.Name {
	case channel.EventConnect:
		if !s.connected {
			s.logger.Info("channel connected")
		}
		s.connected = true
		s.notify()
		return
	case channel.EventConnectError:
		s.logger.Warn("channel connection error", "reason", ev.Reason)
		s.connected = false
		s.notify()
		return
	case channel.EventDisconnect:
		s.logger.Warn("channel disconnected", "reason", ev.Reason)
		s.connected = false
		s.notify()
		return
	}
	if s.conv == nil || s.conv.loading {
		s.logger.Debug("discarding event without a ready conversation", "event", ev.Name)
		return
	}
	s.conv.coord.HandleEvent(ev)
}

func (s *Session) notify() {
	if s.opts.OnChange != nil && !s.closed {
		s.opts.OnChange(s.View())
	}
}
