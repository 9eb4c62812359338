package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/user/chatrecipe/internal/channel/natschan"
	"github.com/user/chatrecipe/internal/chat"
	"github.com/user/chatrecipe/internal/config"
	"github.com/user/chatrecipe/internal/loop"
	"github.com/user/chatrecipe/internal/state"
	"github.com/user/chatrecipe/internal/types"
)

// engine is the wired conversation stack shared by the interactive
// commands.
type engine struct {
	backend state.Backend
	writer  *state.Writer
	loop    *loop.Loop
	session *chat.Session
}

// openEngine wires storage, the event loop and the NATS channel into a
// session. onChange runs on the loop for every visible change. Nothing
// connects until start.
func openEngine(cfg *config.Config, onChange func(chat.View)) (*engine, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	backend, err := state.OpenBackend(cfg.Store.Backend, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	store := state.NewStore(backend, state.StoreOptions{
		MaxBytes:    cfg.Store.MaxBytes,
		KeepRecent:  cfg.Store.KeepRecent,
		RetryRecent: cfg.Store.RetryRecent,
	}, slog.Default())

	writer := state.NewWriter(store, int64(cfg.Store.MaxConcurrentWrites), slog.Default())
	writer.Start(context.Background())

	l := loop.New(slog.Default())
	l.Start(context.Background())

	ch := natschan.New(natschan.Config{
		URL:           cfg.NATS.URL,
		Token:         cfg.NATS.Token,
		SubjectPrefix: cfg.NATS.SubjectPrefix,
		ClientID:      types.ClientID(cfg.ClientID),
	}, slog.Default())

	session := chat.NewSession(chat.Options{
		Scheduler:   l,
		Channel:     ch,
		Writer:      writer,
		Debounce:    cfg.Debounce(),
		StopTimeout: cfg.StopTimeout(),
		OnChange:    onChange,
		Logger:      slog.Default(),
	})

	slog.Info("chatrecipe started",
		"data_dir", cfg.DataDir,
		"store", cfg.Store.Backend,
		"nats_url", cfg.NATS.URL,
		"client_id", cfg.ClientID,
	)
	return &engine{backend: backend, writer: writer, loop: l, session: session}, nil
}

// start connects the channel and opens the conversation for ref, fetching
// it if it has not been fetched yet. An empty ref enters home.
func (e *engine) start(ctx context.Context, ref string) error {
	var startErr error
	err := e.loop.Do(ctx, func() {
		if startErr = e.session.Start(ctx); startErr != nil {
			return
		}
		if ref == "" {
			e.session.EnterRoute("/")
			return
		}
		e.session.Open(ref)
	})
	if err != nil {
		return err
	}
	return startErr
}

// Do runs fn against the session on the loop.
func (e *engine) Do(ctx context.Context, fn func()) error {
	return e.loop.Do(ctx, fn)
}

// Close persists the open conversation, drains pending writes and releases
// the store.
func (e *engine) Close() {
	if err := e.loop.Do(context.Background(), e.session.Close); err != nil {
		slog.Warn("close session failed", "error", err)
	}
	e.writer.Stop()
	e.loop.Stop()
	if err := e.backend.Close(); err != nil {
		slog.Warn("close store failed", "error", err)
	}
	slog.Info("shut down")
}
