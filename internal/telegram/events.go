package telegram

import (
	"context"
	"fmt"
	"time"

	"github.com/mkorobov/otpwatch/internal/formatter"
	"github.com/mkorobov/otpwatch/internal/mailbox"
	"github.com/mkorobov/otpwatch/internal/watch"
	appmodels "github.com/mkorobov/otpwatch/pkg/models"
)

// startWatcher starts a watcher for the account's chat and wires its
// events back into that chat. Watcher callbacks run on the watcher's
// goroutine, so they use their own contexts for Telegram calls.
func (b *Bot) startWatcher(account *appmodels.Account, creds mailbox.Credentials) (*watch.Watcher, error) {
	chatID := account.ChatID

	events := watch.Events{
		Monitoring: func() {
			ctx, cancel := eventContext()
			defer cancel()
			b.sendMessage(ctx, chatID, fmt.Sprintf("Watching <b>%s</b>", account.Address))
		},
		CodeFound: func(code appmodels.DiscoveredCode) {
			ctx, cancel := eventContext()
			defer cancel()
			b.postCode(ctx, account, code, 0)
		},
		Error: func(err error) {
			ctx, cancel := eventContext()
			defer cancel()
			b.sendMessage(ctx, chatID,
				fmt.Sprintf("Mailbox watcher failed:\n<code>%v</code>\n\nUse /watch to start it again.", err))
		},
		Disconnected: func() {
			ctx, cancel := eventContext()
			defer cancel()
			b.sendMessage(ctx, chatID, "Mailbox watcher disconnected")
		},
	}

	return b.watchers.StartWatcher(chatID, creds, account.Sender, events)
}

// postCode records a discovered code and posts it to the chat
func (b *Bot) postCode(ctx context.Context, account *appmodels.Account, code appmodels.DiscoveredCode, waited time.Duration) {
	text := b.formatter.FormatCode(code)
	if waited > 0 {
		text = b.formatter.FormatFetchResult(code, waited)
	}

	rec, err := b.store.InsertCode(ctx, account.ID, code)
	if err != nil {
		b.logger.Error("failed to record code", "error", err)
		b.sendMessage(ctx, account.ChatID, text)
		return
	}

	if _, err := b.sendMessageWithKeyboard(ctx, account.ChatID, text, formatter.BuildCodeKeyboard(rec.ID)); err != nil {
		b.logger.Error("failed to post code", "error", err)
	}
}

// RestoreWatchers starts watchers for every account marked active,
// typically on process start.
func (b *Bot) RestoreWatchers(ctx context.Context) {
	accounts, err := b.store.GetAllActiveAccounts(ctx)
	if err != nil {
		b.logger.Error("failed to load active accounts", "error", err)
		return
	}
	if len(accounts) == 0 {
		return
	}

	b.logger.Info("restoring watchers", "count", len(accounts))
	for _, account := range accounts {
		creds, err := b.credentialsFor(account)
		if err != nil {
			b.logger.Error("failed to decrypt stored secret", "chat_id", account.ChatID, "error", err)
			continue
		}
		if _, err := b.startWatcher(account, creds); err != nil {
			b.logger.Error("failed to restore watcher", "chat_id", account.ChatID, "error", err)
		}
	}
}

func eventContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
