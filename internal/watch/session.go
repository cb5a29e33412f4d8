package watch

import (
	"context"
	"log/slog"

	"github.com/mkorobov/otpwatch/internal/mailbox"
)

// Session is the slice of mailbox behavior the watchers rely on. Any
// transport offering these operations substitutes for the IMAP one,
// which keeps the watchers testable without a server.
type Session interface {
	Connect(ctx context.Context) error
	WaitForMail(ctx context.Context) error
	SearchUnseen(ctx context.Context, q mailbox.Query) ([]uint32, error)
	FetchMessage(ctx context.Context, uid uint32, markSeen bool) (*mailbox.Message, error)
	Close() error
}

// SessionFactory opens a new session for a set of credentials
type SessionFactory func(creds mailbox.Credentials) Session

// IMAPSessions returns the production session factory
func IMAPSessions(opts mailbox.Options, logger *slog.Logger) SessionFactory {
	return func(creds mailbox.Credentials) Session {
		return mailbox.NewSession(creds, opts, logger)
	}
}
