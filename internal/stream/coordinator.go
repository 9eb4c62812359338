// Package stream turns channel events into message log mutations for one
// request at a time.
//
// A Coordinator owns at most one in-flight request. It appends a loading
// placeholder, replaces it with the first chunk, accumulates later chunks,
// and finalizes the reply on completion, error or stop. After a stop it
// discards everything for the request until the remote side acknowledges or
// the stop timeout passes.
package stream

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/user/chatrecipe/internal/channel"
	"github.com/user/chatrecipe/internal/messagelog"
	"github.com/user/chatrecipe/internal/types"
)

// Placeholder and decoration texts.
const (
	FetchingPlaceholder   = "Fetching recipe details..."
	GeneratingPlaceholder = "Generating response..."
	StoppedSuffix         = "\n\n_Generation stopped._"
	FetchErrorPrefix      = "Error fetching recipe: "
	GenerateErrorPrefix   = "Error: "
	EmptyReplyReason      = "no content received"
)

// DefaultStopTimeout bounds how long Stopping waits for an acknowledgement.
const DefaultStopTimeout = 500 * time.Millisecond

// retiredLimit caps how many finished server message ids are remembered.
const retiredLimit = 64

// Retired remembers the server message ids of finished replies. Sharing one
// across the coordinators of a session keeps a reply abandoned in one
// conversation from being adopted by the next. It is not safe for
// concurrent use; every coordinator sharing it runs on the same scheduler.
type Retired struct {
	ids []string
}

// Add records id. The oldest ids are forgotten past a fixed limit.
func (r *Retired) Add(id string) {
	if id == "" || r.Contains(id) {
		return
	}
	r.ids = append(r.ids, id)
	if len(r.ids) > retiredLimit {
		r.ids = r.ids[len(r.ids)-retiredLimit:]
	}
}

// Contains reports whether id belongs to a finished reply.
func (r *Retired) Contains(id string) bool {
	return id != "" && slices.Contains(r.ids, id)
}

// Emitter sends requests to the remote side.
type Emitter interface {
	Emit(ctx context.Context, req channel.Request) error
}

// Outcome describes how a request ended.
type Outcome struct {
	Kind    OutcomeKind
	Request channel.Request
	// MessageID is the reply message, if one was created.
	MessageID types.MessageID
	// Err and ErrKind are set for Errored outcomes.
	Err     string
	ErrKind channel.ErrorKind
}

// Options configures a Coordinator.
type Options struct {
	StopTimeout time.Duration
	// OnOutcome is called on the scheduler goroutine when a request ends.
	OnOutcome func(Outcome)
	// OnPhase is called after every phase change.
	OnPhase func(Phase)
	// Retired is shared with other coordinators; nil gives this one its own.
	Retired *Retired
	Logger  *slog.Logger
}

// request is the transient state of one in-flight request.
type request struct {
	req           channel.Request
	placeholderID types.MessageID
	activeID      types.MessageID
	serverID      string
	stopTimer     types.Timer
}

// stopTarget names the reply to stop: the server's message id, else the
// local reply id, else the request id when no chunk has arrived.
func (r *request) stopTarget() string {
	switch {
	case r.serverID != "":
		return r.serverID
	case r.activeID != "":
		return string(r.activeID)
	}
	return string(r.req.ID)
}

// Coordinator drives one conversation's streaming replies. All methods must
// be called from the scheduler goroutine.
type Coordinator struct {
	log   *messagelog.Log
	emit  Emitter
	sched types.Scheduler
	opts  Options

	phase Phase
	cur   *request
}

// New creates an idle Coordinator writing to log.
func New(log *messagelog.Log, emit Emitter, sched types.Scheduler, opts Options) *Coordinator {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Retired == nil {
		opts.Retired = &Retired{}
	}
	return &Coordinator{log: log, emit: emit, sched: sched, opts: opts}
}

// Phase returns the current phase.
func (c *Coordinator) Phase() Phase {
	return c.phase
}

// ActiveMessageID returns the id of the message receiving chunks, if any.
func (c *Coordinator) ActiveMessageID() (types.MessageID, bool) {
	if c.cur == nil || c.cur.activeID == "" {
		return "", false
	}
	return c.cur.activeID, true
}

// Begin starts req. It returns false, changing nothing, unless the phase is
// Idle or Done. An emit failure is resolved like a remote error.
func (c *Coordinator) Begin(req channel.Request) bool {
	if !c.phase.Ready() {
		c.opts.Logger.Debug("begin rejected", "phase", c.phase, "request", req.Name)
		return false
	}

	text := GeneratingPlaceholder
	if req.Name == channel.RequestFetchContent {
		text = FetchingPlaceholder
	}
	placeholder := types.NewPlaceholder(text)
	c.cur = &request{req: req, placeholderID: placeholder.ID}
	c.setPhase(AwaitingFirstChunk)
	c.log.Update(func(msgs []types.Message) []types.Message {
		return append(msgs, placeholder)
	})

	if err := c.emit.Emit(context.Background(), req); err != nil {
		c.opts.Logger.Warn("emit failed", "request", req.Name, "request_id", req.ID, "error", err)
		c.fail(err.Error(), "")
	}
	return true
}

// Stop cancels the in-flight request. The reply is finalized locally at
// once; the remote side is told to stop without waiting for it.
func (c *Coordinator) Stop() bool {
	if !c.phase.Stoppable() {
		return false
	}
	cur := c.cur
	target := cur.stopTarget()
	if err := c.emit.Emit(context.Background(), channel.Stop(target)); err != nil {
		c.opts.Logger.Warn("emit stop failed", "message_id", target, "error", err)
	}

	replyID := cur.activeID
	c.log.Update(func(msgs []types.Message) []types.Message {
		msgs = c.dropPlaceholder(msgs)
		if replyID == "" {
			return msgs
		}
		out, _ := messagelog.Edit(msgs, replyID, func(m *types.Message) {
			m.Text += StoppedSuffix
			m.Complete = true
			m.Stopped = true
		})
		return out
	})
	c.release(cur)

	c.setPhase(Stopping)
	cur.stopTimer = c.sched.AfterFunc(c.opts.StopTimeout, func() {
		if c.cur == cur && c.phase == Stopping {
			c.opts.Logger.Debug("stop not acknowledged, giving up", "message_id", target)
			c.finishStop()
		}
	})
	c.report(Outcome{Kind: Stopped, Request: cur.req, MessageID: replyID})
	return true
}

// Abandon forgets the in-flight request without finalizing its message,
// asking the remote side to stop if anything is still running. A partial
// reply stays incomplete in the log.
func (c *Coordinator) Abandon() {
	if c.cur == nil {
		return
	}
	if c.phase.Stoppable() {
		target := c.cur.stopTarget()
		if err := c.emit.Emit(context.Background(), channel.Stop(target)); err != nil {
			c.opts.Logger.Debug("emit stop failed", "message_id", target, "error", err)
		}
	}
	if c.cur.stopTimer != nil {
		c.cur.stopTimer.Stop()
	}
	c.release(c.cur)
	c.cur = nil
	c.setPhase(Idle)
}

// HandleEvent applies one inbound event.
func (c *Coordinator) HandleEvent(ev channel.Event) {
	if ev.Lifecycle() {
		return
	}
	p := ev.Payload
	typ := p.Type()
	if ev.Name == channel.EventStopAcknowledged {
		typ = channel.PayloadStopAck
	}

	if c.cur == nil {
		c.discard(ev, typ, "no request")
		return
	}
	if ev.Name != channel.EventStopAcknowledged && ev.Name != c.cur.req.StreamEvent() {
		c.discard(ev, typ, "other stream")
		return
	}

	if c.phase == Stopping {
		if typ == channel.PayloadStopAck || typ == channel.PayloadStopped {
			c.finishStop()
			return
		}
		c.discard(ev, typ, "stopping")
		return
	}
	if !c.phase.Stoppable() {
		c.discard(ev, typ, "finished")
		return
	}
	if c.opts.Retired.Contains(p.MessageID) {
		c.discard(ev, typ, "finished reply")
		return
	}

	switch typ {
	case channel.PayloadChunk:
		c.chunk(p)
	case channel.PayloadComplete:
		c.complete()
	case channel.PayloadError:
		c.fail(p.Error, p.Kind)
	case channel.PayloadStopped:
		c.remoteStop()
	default:
		c.discard(ev, typ, "unexpected")
	}
}

func (c *Coordinator) chunk(p channel.Payload) {
	cur := c.cur
	if p.MessageID != "" && cur.serverID != "" && p.MessageID != cur.serverID {
		c.opts.Logger.Debug("discarding chunk for another message",
			"message_id", p.MessageID, "active", cur.serverID)
		return
	}
	if cur.serverID == "" {
		cur.serverID = p.MessageID
	}

	if c.phase == AwaitingFirstChunk {
		msg := types.NewStreamingMessage(p.Data)
		cur.activeID = msg.ID
		c.setPhase(Streaming)
		c.log.Update(func(msgs []types.Message) []types.Message {
			return append(c.dropPlaceholder(msgs), msg)
		})
		return
	}

	found := false
	c.log.Update(func(msgs []types.Message) []types.Message {
		out, ok := messagelog.Edit(msgs, cur.activeID, func(m *types.Message) {
			m.Text += p.Data
		})
		found = ok
		return out
	})
	if !found {
		c.opts.Logger.Debug("active message missing, dropping chunk", "message_id", cur.activeID)
	}
}

// complete finalizes the reply. A completion before any chunk carries no
// reply and is reported as an error.
func (c *Coordinator) complete() {
	cur := c.cur
	replyID := cur.activeID
	if replyID == "" {
		c.fail(EmptyReplyReason, "")
		return
	}
	c.log.Update(func(msgs []types.Message) []types.Message {
		msgs = c.dropPlaceholder(msgs)
		out, _ := messagelog.Edit(msgs, replyID, func(m *types.Message) {
			m.Text = types.NormalizeReply(m.Text)
			m.Complete = true
		})
		return out
	})
	c.release(cur)
	c.setPhase(Done)
	c.report(Outcome{Kind: Completed, Request: cur.req, MessageID: replyID})
}

// fail finalizes any partial reply and appends an error message.
func (c *Coordinator) fail(reason string, kind channel.ErrorKind) {
	cur := c.cur
	prefix := GenerateErrorPrefix
	if cur.req.Name == channel.RequestFetchContent {
		prefix = FetchErrorPrefix
	}
	errMsg := types.NewErrorMessage(prefix + reason)

	replyID := cur.activeID
	c.log.Update(func(msgs []types.Message) []types.Message {
		msgs = c.dropPlaceholder(msgs)
		if replyID != "" {
			msgs, _ = messagelog.Edit(msgs, replyID, func(m *types.Message) {
				m.Text = types.NormalizeReply(m.Text)
				m.Complete = true
			})
		}
		return append(msgs, errMsg)
	})
	c.release(cur)
	c.setPhase(Idle)
	c.report(Outcome{Kind: Errored, Request: cur.req, MessageID: errMsg.ID, Err: reason, ErrKind: kind})
}

// remoteStop handles a stopped payload the user did not ask for.
func (c *Coordinator) remoteStop() {
	cur := c.cur
	replyID := cur.activeID
	c.log.Update(func(msgs []types.Message) []types.Message {
		msgs = c.dropPlaceholder(msgs)
		out, _ := messagelog.Edit(msgs, replyID, func(m *types.Message) {
			m.Text += StoppedSuffix
			m.Complete = true
			m.Stopped = true
		})
		return out
	})
	c.release(cur)
	c.setPhase(Idle)
	c.report(Outcome{Kind: Stopped, Request: cur.req, MessageID: replyID})
}

// release ends cur's claim on its reply: the local id is no longer active
// and the server id is remembered so its late events are dropped.
func (c *Coordinator) release(cur *request) {
	cur.activeID = ""
	c.opts.Retired.Add(cur.serverID)
}

func (c *Coordinator) finishStop() {
	if c.cur != nil && c.cur.stopTimer != nil {
		c.cur.stopTimer.Stop()
	}
	c.setPhase(Idle)
}

func (c *Coordinator) dropPlaceholder(msgs []types.Message) []types.Message {
	id := c.cur.placeholderID
	return messagelog.Without(msgs, func(m types.Message) bool {
		return m.IsLoadingPlaceholder || m.ID == id
	})
}

func (c *Coordinator) setPhase(p Phase) {
	if c.phase == p {
		return
	}
	c.phase = p
	if c.opts.OnPhase != nil {
		c.opts.OnPhase(p)
	}
}

func (c *Coordinator) report(o Outcome) {
	if c.opts.OnOutcome != nil {
		c.opts.OnOutcome(o)
	}
}

func (c *Coordinator) discard(ev channel.Event, typ channel.PayloadType, why string) {
	c.opts.Logger.Debug("discarding event", "event", ev.Name, "payload", typ, "phase", c.phase, "reason", why)
}
