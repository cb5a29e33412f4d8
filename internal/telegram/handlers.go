package telegram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/mkorobov/otpwatch/internal/formatter"
	"github.com/mkorobov/otpwatch/internal/mailbox"
	"github.com/mkorobov/otpwatch/internal/store"
	"github.com/mkorobov/otpwatch/internal/watch"
	appmodels "github.com/mkorobov/otpwatch/pkg/models"
)

// setupRequest is the parsed form of a /setup command
type setupRequest struct {
	address         string
	password        string
	host            string // empty means autodetect
	port            int
	allowSelfSigned bool
	trustedCAPath   string
}

const setupUsage = "Usage: <code>/setup email@example.com password [imap.example.com:993] [selfsigned] [ca=/path/to/bundle.pem]</code>"

// parseSetupCommand parses "/setup email password [host:port] [options]".
// Options may appear in any order after the password.
func parseSetupCommand(text string) (setupRequest, error) {
	parts := strings.Fields(text)
	if len(parts) < 3 {
		return setupRequest{}, fmt.Errorf("email and password are required")
	}

	req := setupRequest{
		address:  parts[1],
		password: parts[2],
		port:     993,
	}

	for _, arg := range parts[3:] {
		switch {
		case arg == "selfsigned":
			req.allowSelfSigned = true
		case strings.HasPrefix(arg, "ca="):
			path := strings.TrimPrefix(arg, "ca=")
			if path == "" {
				return setupRequest{}, fmt.Errorf("ca= needs a file path")
			}
			req.trustedCAPath = path
		case req.host == "":
			host, port, err := splitServer(arg)
			if err != nil {
				return setupRequest{}, fmt.Errorf("bad server address %q: %v", arg, err)
			}
			req.host, req.port = host, port
		default:
			return setupRequest{}, fmt.Errorf("unknown option %q", arg)
		}
	}

	return req, nil
}

// handleSetup handles /setup
// Usage: /setup email password [host:port] [selfsigned] [ca=/path]
func (b *Bot) handleSetup(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message
	if !b.authorize(ctx, msg) {
		return
	}

	req, parseErr := parseSetupCommand(msg.Text)

	// Get the password out of the chat right away
	if err := b.deleteMessage(ctx, msg.Chat.ID, msg.ID); err != nil {
		b.logger.Warn("failed to delete setup message", "error", err)
	}

	if parseErr != nil {
		b.sendMessage(ctx, msg.Chat.ID, fmt.Sprintf("%v\n%s", parseErr, setupUsage))
		return
	}

	host, port := req.host, req.port
	if host == "" {
		b.sendMessage(ctx, msg.Chat.ID, "Detecting IMAP server...")
		var err error
		host, port, err = mailbox.ResolveServer(req.address)
		if err != nil {
			b.sendMessage(ctx, msg.Chat.ID,
				fmt.Sprintf("Could not detect the IMAP server for %s\nSpecify it explicitly: <code>/setup email password imap.server.com:993</code>", req.address))
			return
		}
		b.logger.Info("resolved IMAP server", "address", req.address, "host", host, "port", port)
	}

	address := req.address
	creds := mailbox.Credentials{
		Address:         address,
		Secret:          req.password,
		Host:            host,
		Port:            port,
		UseTLS:          port != 143,
		AllowSelfSigned: req.allowSelfSigned,
		TrustedCAPath:   req.trustedCAPath,
	}

	b.sendMessage(ctx, msg.Chat.ID, fmt.Sprintf("Testing connection to %s:%d...", host, port))
	if err := b.watchers.TestCredentials(ctx, creds); err != nil {
		b.logger.Error("connection test failed", "error", err)
		b.sendMessage(ctx, msg.Chat.ID, fmt.Sprintf("Connection failed: %v", err))
		return
	}

	encrypted, err := b.cipher.Encrypt(req.password)
	if err != nil {
		b.logger.Error("failed to encrypt secret", "error", err)
		b.sendMessage(ctx, msg.Chat.ID, "Failed to store the credentials")
		return
	}

	account := &appmodels.Account{
		ChatID:          msg.Chat.ID,
		Address:         address,
		Secret:          encrypted,
		Host:            host,
		Port:            port,
		UseTLS:          creds.UseTLS,
		AllowSelfSigned: req.allowSelfSigned,
		TrustedCAPath:   req.trustedCAPath,
		Sender:          b.config.WatchSender,
		IsActive:        false,
		CreatedBy:       msg.From.ID,
	}
	if err := b.store.SaveAccount(ctx, account); err != nil {
		b.logger.Error("failed to save account", "error", err)
		b.sendMessage(ctx, msg.Chat.ID, "Failed to store the credentials")
		return
	}

	b.sendMessage(ctx, msg.Chat.ID,
		fmt.Sprintf("Mailbox <b>%s</b> configured.\nServer: %s:%d\n\nUse /watch to start watching for codes.", address, host, port))
}

// handleWatch handles /watch
func (b *Bot) handleWatch(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message
	if !b.authorize(ctx, msg) {
		return
	}

	account, err := b.loadAccount(ctx, msg.Chat.ID)
	if err != nil {
		b.sendMessage(ctx, msg.Chat.ID, "No mailbox configured. Use /setup first.")
		return
	}

	creds, err := b.credentialsFor(account)
	if err != nil {
		b.logger.Error("failed to decrypt secret", "error", err)
		b.sendMessage(ctx, msg.Chat.ID, "Stored credentials are unreadable, run /setup again")
		return
	}

	if _, err := b.startWatcher(account, creds); err != nil {
		if errors.Is(err, watch.ErrAlreadyActive) {
			b.sendMessage(ctx, msg.Chat.ID, "Already watching this mailbox")
			return
		}
		b.logger.Error("failed to start watcher", "error", err)
		b.sendMessage(ctx, msg.Chat.ID, fmt.Sprintf("Failed to start watching: %v", err))
		return
	}

	if err := b.store.SetAccountActive(ctx, account.ChatID, true); err != nil {
		b.logger.Error("failed to mark account active", "error", err)
	}

	b.sendMessage(ctx, msg.Chat.ID,
		fmt.Sprintf("Watching <b>%s</b> for codes from %s.\nCodes will be posted here as they arrive.", account.Address, account.Sender))
}

// handleUnwatch handles /unwatch
func (b *Bot) handleUnwatch(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message
	if !b.authorize(ctx, msg) {
		return
	}

	state, running := b.watchers.WatcherState(msg.Chat.ID)
	b.watchers.StopWatcher(msg.Chat.ID)

	if err := b.store.SetAccountActive(ctx, msg.Chat.ID, false); err != nil &&
		!errors.Is(err, store.ErrNotFound) {
		b.logger.Error("failed to mark account inactive", "error", err)
	}

	if !running {
		b.sendMessage(ctx, msg.Chat.ID, "No watcher is running")
		return
	}
	b.logger.Info("watcher stopped by command", "chat_id", msg.Chat.ID, "state", state)
	b.sendMessage(ctx, msg.Chat.ID, "Stopped watching the mailbox")
}

// handleFetch handles /fetch
// Usage: /fetch [seconds]
func (b *Bot) handleFetch(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message
	if !b.authorize(ctx, msg) {
		return
	}

	timeout := b.config.FetchTimeout
	parts := strings.Fields(msg.Text)
	if len(parts) >= 2 {
		secs, err := strconv.Atoi(parts[1])
		if err != nil || secs <= 0 || secs > 600 {
			b.sendMessage(ctx, msg.Chat.ID, "Usage: <code>/fetch [seconds]</code> (1-600)")
			return
		}
		timeout = time.Duration(secs) * time.Second
	}

	account, err := b.loadAccount(ctx, msg.Chat.ID)
	if err != nil {
		b.sendMessage(ctx, msg.Chat.ID, "No mailbox configured. Use /setup first.")
		return
	}

	creds, err := b.credentialsFor(account)
	if err != nil {
		b.logger.Error("failed to decrypt secret", "error", err)
		b.sendMessage(ctx, msg.Chat.ID, "Stored credentials are unreadable, run /setup again")
		return
	}

	b.sendMessage(ctx, msg.Chat.ID,
		fmt.Sprintf("Waiting up to %s for a code from %s...", timeout.Round(time.Second), account.Sender))

	// The poll loop can run for the full timeout, keep the handler free
	go func() {
		fetchCtx, cancel := context.WithTimeout(context.Background(), timeout+30*time.Second)
		defer cancel()

		started := time.Now()
		code, err := b.watchers.FetchCodeOnce(fetchCtx, creds, account.Sender, timeout)
		switch {
		case errors.Is(err, watch.ErrTimeout):
			b.sendMessage(fetchCtx, msg.Chat.ID, "No code email arrived in time")
		case errors.Is(err, watch.ErrNoCode):
			b.sendMessage(fetchCtx, msg.Chat.ID, "A matching email arrived but no code could be read from it")
		case err != nil:
			b.logger.Error("one-shot fetch failed", "error", err)
			b.sendMessage(fetchCtx, msg.Chat.ID, fmt.Sprintf("Fetch failed: %v", err))
		default:
			b.postCode(fetchCtx, account, code, time.Since(started))
		}
	}()
}

// handleStatus handles /status
func (b *Bot) handleStatus(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message

	account, err := b.loadAccount(ctx, msg.Chat.ID)
	if err != nil {
		b.sendMessage(ctx, msg.Chat.ID, "No mailbox configured. Use /setup first.")
		return
	}

	state, running := b.watchers.WatcherState(msg.Chat.ID)
	stateText := "not running"
	if running {
		stateText = state.String()
	}

	var last *appmodels.DiscoveredCode
	if rec, err := b.store.GetLastCode(ctx, account.ID); err == nil {
		last = &appmodels.DiscoveredCode{
			Code:       rec.Code,
			Subject:    rec.Subject,
			Sender:     rec.Sender,
			ReceivedAt: rec.ReceivedAt,
		}
	}

	b.sendMessage(ctx, msg.Chat.ID, b.formatter.FormatStatus(account, stateText, last))
}

// handleDelete handles /delete
func (b *Bot) handleDelete(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message
	if !b.authorize(ctx, msg) {
		return
	}

	b.watchers.StopWatcher(msg.Chat.ID)
	if err := b.store.DeleteAccountByChatID(ctx, msg.Chat.ID); err != nil {
		b.logger.Error("failed to delete account", "error", err)
		b.sendMessage(ctx, msg.Chat.ID, "Failed to delete the configuration")
		return
	}

	b.sendMessage(ctx, msg.Chat.ID, "Configuration removed")
}

// handleCallback handles inline keyboard callbacks
func (b *Bot) handleCallback(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	cb := update.CallbackQuery
	if cb == nil {
		return
	}

	data, err := formatter.DecodeCallback(cb.Data)
	if err != nil {
		b.logger.Warn("bad callback data", "data", cb.Data)
		b.answerCallback(ctx, cb.ID, "Unknown action", false)
		return
	}

	switch data.Action {
	case appmodels.CallbackShowCode:
		rec, err := b.store.GetCodeByID(ctx, data.CodeID)
		if err != nil {
			b.answerCallback(ctx, cb.ID, "Code no longer stored", true)
			return
		}
		b.answerCallback(ctx, cb.ID, fmt.Sprintf("Code: %s", rec.Code), true)

	case appmodels.CallbackForget:
		if err := b.store.DeleteCode(ctx, data.CodeID); err != nil {
			b.logger.Error("failed to delete code", "error", err)
		}
		if cb.Message.Message != nil {
			b.deleteMessage(ctx, cb.Message.Message.Chat.ID, cb.Message.Message.ID)
		}
		b.answerCallback(ctx, cb.ID, "Forgotten", false)

	default:
		b.answerCallback(ctx, cb.ID, "Unknown action", false)
	}
}

// loadAccount fetches the chat's mailbox binding
func (b *Bot) loadAccount(ctx context.Context, chatID int64) (*appmodels.Account, error) {
	return b.store.GetAccountByChatID(ctx, chatID)
}

// credentialsFor turns a stored account into live mailbox credentials
func (b *Bot) credentialsFor(account *appmodels.Account) (mailbox.Credentials, error) {
	secret, err := b.cipher.Decrypt(account.Secret)
	if err != nil {
		return mailbox.Credentials{}, err
	}
	return mailbox.Credentials{
		Address:         account.Address,
		Secret:          secret,
		Host:            account.Host,
		Port:            account.Port,
		UseTLS:          account.UseTLS,
		AllowSelfSigned: account.AllowSelfSigned,
		TrustedCAPath:   account.TrustedCAPath,
	}, nil
}

// splitServer parses host:port
func splitServer(server string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(server)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}
