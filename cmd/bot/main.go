package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/mkorobov/otpwatch/internal/config"
	"github.com/mkorobov/otpwatch/internal/formatter"
	"github.com/mkorobov/otpwatch/internal/mailbox"
	"github.com/mkorobov/otpwatch/internal/store"
	"github.com/mkorobov/otpwatch/internal/telegram"
	"github.com/mkorobov/otpwatch/internal/watch"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting mailbox code watcher bot")

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	cipher, err := store.NewCipher(cfg.EncryptionKey)
	if err != nil {
		logger.Error("bad encryption key", "error", err)
		os.Exit(1)
	}

	watchers := watch.NewService(watch.ServiceOptions{
		Sender: cfg.WatchSender,
		Session: mailbox.Options{
			DialTimeout: cfg.IMAPDialTimeout,
			IdleTimeout: cfg.IMAPIdleTimeout,
		},
		FetchRetryInterval: cfg.FetchRetryInterval,
		FetchRecencyWindow: cfg.FetchRecencyWindow,
	}, logger)

	bot, err := telegram.NewBot(telegram.BotDeps{
		Config:    cfg,
		Store:     db,
		Cipher:    cipher,
		Watchers:  watchers,
		Formatter: formatter.NewFormatter(),
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to create bot", "error", err)
		os.Exit(1)
	}

	// Resume watchers that were running before the last shutdown
	bot.RestoreWatchers(ctx)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		logger.Info("received shutdown signal", "signal", sig)
		watchers.StopAll()
		cancel()
	}()

	logger.Info("bot is running, press Ctrl+C to stop")
	bot.Start(ctx)

	logger.Info("bot stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		// Pretty colored output for console
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
