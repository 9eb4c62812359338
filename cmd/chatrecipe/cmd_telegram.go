package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/chatrecipe/internal/chat"
	"github.com/user/chatrecipe/internal/telegram"
	"github.com/user/chatrecipe/internal/transcript"
)

func init() {
	rootCmd.AddCommand(telegramCmd)
}

var telegramCmd = &cobra.Command{
	Use:   "telegram",
	Short: "Serve the conversation through a Telegram bot bound to one chat",
	Args:  cobra.NoArgs,
	RunE:  runTelegram,
}

func runTelegram(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if cfg.Telegram.Token == "" {
		return errors.New("telegram.token is not set (or set TELEGRAM_BOT_TOKEN)")
	}
	if cfg.Telegram.ChatID == 0 {
		return errors.New("telegram.chat_id is not set")
	}

	bot, err := telegram.NewBot(cfg.Telegram.Token)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var adapter *telegram.Adapter
	eng, err := openEngine(cfg, func(v chat.View) { adapter.Publish(v) })
	if err != nil {
		return err
	}
	defer eng.Close()

	adapter = telegram.New(bot, eng.session, eng, telegram.Options{
		ChatID:       cfg.Telegram.ChatID,
		EditInterval: cfg.EditInterval(),
		Counter:      transcript.NewCounter(transcript.DefaultModel),
		Logger:       slog.Default(),
	})
	if err := eng.start(ctx, ""); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	slog.Info("telegram adapter started", "bot", bot.Self.UserName, "chat_id", cfg.Telegram.ChatID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return adapter.Start(gctx)
	})
	return g.Wait()
}
