// Package natschan carries the conversation channel over NATS.
//
// Requests are published to <prefix>.server.<request name>. Events for a
// client arrive on <prefix>.client.<client id>.<event name>.
package natschan

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/user/chatrecipe/internal/channel"
	"github.com/user/chatrecipe/internal/types"
)

// DefaultSubjectPrefix is used when Config.SubjectPrefix is empty.
const DefaultSubjectPrefix = "chatrecipe"

// Config describes the NATS connection.
type Config struct {
	URL           string
	Token         string
	SubjectPrefix string
	ClientID      types.ClientID
	MaxReconnects int
	ReconnectWait time.Duration
}

// Adapter is a channel.Adapter backed by a NATS connection.
type Adapter struct {
	cfg    Config
	logger *slog.Logger
	subs   channel.Subscribers

	mu     sync.Mutex
	conn   *nats.Conn
	sub    *nats.Subscription
	closed bool
}

// New creates an unconnected Adapter.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.ClientID == "" {
		cfg.ClientID = types.NewClientID()
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 60
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{cfg: cfg, logger: logger}
}

// ClientID returns the id stamped on outbound requests.
func (a *Adapter) ClientID() types.ClientID {
	return a.cfg.ClientID
}

// ServerSubject is the subject a request named name is published on.
func (a *Adapter) ServerSubject(name string) string {
	return a.cfg.SubjectPrefix + ".server." + name
}

// ClientSubject is the wildcard subject this client's events arrive on.
func (a *Adapter) ClientSubject() string {
	return a.cfg.SubjectPrefix + ".client." + string(a.cfg.ClientID) + ".>"
}

// Connect dials the server. The connection keeps retrying in the
// background, so Connect succeeds even while the server is unreachable; the
// outcome is reported to subscribers as connect or connect_error events.
func (a *Adapter) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return channel.ErrClosed
	}
	if a.conn != nil {
		return nil
	}

	opts := []nats.Option{
		nats.Name("chatrecipe " + string(a.cfg.ClientID)),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(a.cfg.MaxReconnects),
		nats.ReconnectWait(a.cfg.ReconnectWait),
		nats.ConnectHandler(func(_ *nats.Conn) {
			a.logger.Info("nats connected")
			a.subs.Dispatch(channel.Event{Name: channel.EventConnect})
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			reason := "disconnected"
			if err != nil {
				reason = err.Error()
				a.logger.Warn("nats disconnected", "error", err)
			}
			a.subs.Dispatch(channel.Event{Name: channel.EventDisconnect, Reason: reason})
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			a.logger.Info("nats reconnected")
			a.subs.Dispatch(channel.Event{Name: channel.EventConnect})
		}),
		nats.ReconnectErrHandler(func(_ *nats.Conn, err error) {
			a.logger.Warn("nats reconnect attempt failed", "error", err)
			a.subs.Dispatch(channel.Event{Name: channel.EventConnectError, Reason: err.Error()})
		}),
	}
	if a.cfg.Token != "" {
		opts = append(opts, nats.Token(a.cfg.Token))
	}

	nc, err := nats.Connect(a.cfg.URL, opts...)
	if err != nil {
		a.subs.Dispatch(channel.Event{Name: channel.EventConnectError, Reason: err.Error()})
		return fmt.Errorf("nats connect: %w", err)
	}

	sub, err := nc.Subscribe(a.ClientSubject(), a.handleMsg)
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribe %s: %w", a.ClientSubject(), err)
	}
	a.conn, a.sub = nc, sub
	a.logger.Info("subscribed", "subject", a.ClientSubject())

	// Report the initial state now. The connect handler may report it
	// again, and subscribers treat connect as idempotent.
	if nc.IsConnected() {
		a.subs.Dispatch(channel.Event{Name: channel.EventConnect})
	} else {
		a.subs.Dispatch(channel.Event{Name: channel.EventConnectError, Reason: "waiting for server"})
	}
	return nil
}

// Emit publishes req. It fails with channel.ErrNotConnected while the
// connection is down instead of buffering.
func (a *Adapter) Emit(_ context.Context, req channel.Request) error {
	a.mu.Lock()
	nc, closed := a.conn, a.closed
	a.mu.Unlock()
	switch {
	case closed:
		return channel.ErrClosed
	case nc == nil || !nc.IsConnected():
		return channel.ErrNotConnected
	}

	if req.ClientID == "" {
		req.ClientID = a.cfg.ClientID
	}
	body, err := req.Body()
	if err != nil {
		return fmt.Errorf("marshal %s: %w", req.Name, err)
	}
	if err := nc.Publish(a.ServerSubject(req.Name), body); err != nil {
		return fmt.Errorf("publish %s: %w", req.Name, err)
	}
	return nil
}

func (a *Adapter) Subscribe(h channel.Handler) (channel.Subscription, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, channel.ErrClosed
	}
	return a.subs.Add(h), nil
}

// Close drops every subscription and closes the connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	nc, sub := a.conn, a.sub
	a.mu.Unlock()

	a.subs.Clear()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if nc != nil {
		nc.Close()
	}
	return nil
}

func (a *Adapter) handleMsg(msg *nats.Msg) {
	name := EventName(msg.Subject)
	p, err := channel.DecodePayload(msg.Data)
	if err != nil {
		a.logger.Debug("dropping undecodable event", "subject", msg.Subject, "error", err)
		return
	}
	a.subs.Dispatch(channel.Event{Name: name, Payload: p})
}

// EventName is the last token of subject.
func EventName(subject string) string {
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		return subject[i+1:]
	}
	return subject
}

var _ channel.Adapter = (*Adapter)(nil)
