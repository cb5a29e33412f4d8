package telegram

import (
	"context"
	"log/slog"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/mkorobov/otpwatch/internal/config"
	"github.com/mkorobov/otpwatch/internal/formatter"
	"github.com/mkorobov/otpwatch/internal/store"
	"github.com/mkorobov/otpwatch/internal/watch"
)

// Bot is the chat front-end: it stores mailbox bindings, starts and stops
// watchers per chat and posts discovered codes back. All authorization
// decisions live here, not in the watcher core.
type Bot struct {
	bot       *bot.Bot
	config    *config.Config
	store     *store.Store
	cipher    *store.Cipher
	watchers  *watch.Service
	formatter *formatter.Formatter
	logger    *slog.Logger
}

// BotDeps dependencies for creating a bot
type BotDeps struct {
	Config    *config.Config
	Store     *store.Store
	Cipher    *store.Cipher
	Watchers  *watch.Service
	Formatter *formatter.Formatter
	Logger    *slog.Logger
}

// NewBot creates a new Telegram bot
func NewBot(deps BotDeps) (*Bot, error) {
	b := &Bot{
		config:    deps.Config,
		store:     deps.Store,
		cipher:    deps.Cipher,
		watchers:  deps.Watchers,
		formatter: deps.Formatter,
		logger:    deps.Logger.With("component", "telegram_bot"),
	}

	tgBot, err := bot.New(deps.Config.TelegramToken, bot.WithDefaultHandler(b.defaultHandler))
	if err != nil {
		return nil, err
	}

	b.bot = tgBot
	b.registerHandlers()

	return b, nil
}

// registerHandlers registers command handlers
func (b *Bot) registerHandlers() {
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/setup", bot.MatchTypePrefix, b.handleSetup)
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/watch", bot.MatchTypePrefix, b.handleWatch)
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/unwatch", bot.MatchTypePrefix, b.handleUnwatch)
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/fetch", bot.MatchTypePrefix, b.handleFetch)
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/status", bot.MatchTypePrefix, b.handleStatus)
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/delete", bot.MatchTypePrefix, b.handleDelete)
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/start", bot.MatchTypePrefix, b.handleHelp)
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/help", bot.MatchTypePrefix, b.handleHelp)
	b.bot.RegisterHandler(bot.HandlerTypeCallbackQueryData, "", bot.MatchTypePrefix, b.handleCallback)
}

// Start starts the bot
func (b *Bot) Start(ctx context.Context) {
	b.logger.Info("starting telegram bot")
	b.bot.Start(ctx)
}

// defaultHandler handles unknown messages
func (b *Bot) defaultHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	if update.Message.Text != "" && update.Message.Text[0] == '/' {
		b.logger.Debug("unknown command", "text", update.Message.Text)
	}
}

// handleHelp handles /help and /start
func (b *Bot) handleHelp(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message

	text := `<b>Mailbox code watcher</b>

Watches a mailbox for one-time verification codes and posts them here.

<b>Commands:</b>
/setup email password [host:port] [selfsigned] [ca=/path] - store mailbox credentials
/watch - start watching for code emails
/unwatch - stop watching
/fetch [seconds] - wait once for a code without a standing watcher
/status - show configuration and watcher state
/delete - remove stored configuration

<b>Examples:</b>
<code>/setup me@gmail.com app-password</code>
<code>/setup me@example.org password imap.example.org:993</code>
<code>/setup me@corp.example password imap.corp.example:993 ca=/etc/ssl/corp.pem</code>

<b>Notes:</b>
- For Gmail use an app password, not the account password
- The IMAP server is detected automatically when omitted
- In groups only administrators can change the configuration`

	b.sendMessage(ctx, msg.Chat.ID, text)
}
