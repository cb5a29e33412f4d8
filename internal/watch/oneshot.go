package watch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mkorobov/otpwatch/internal/mailbox"
	"github.com/mkorobov/otpwatch/internal/parser"
	"github.com/mkorobov/otpwatch/pkg/models"
)

var (
	// ErrTimeout means no qualifying message appeared before the deadline
	ErrTimeout = errors.New("timed out waiting for a code email")
	// ErrNoCode means a qualifying message was found but no code could be
	// parsed from it. This is surfaced, not retried: skipping past a
	// matched-but-unparseable message would silently consume it.
	ErrNoCode = errors.New("matching email contained no extractable code")
)

const (
	defaultRecencyWindow = 5 * time.Minute
	defaultRetryInterval = 3 * time.Second
)

// OneShot retrieves a single code without a persistent subscription. Each
// poll opens a fresh session, searches recent unseen mail from the sender
// and closes again; polling repeats until a code is found or the timeout
// elapses.
type OneShot struct {
	Sessions      SessionFactory
	Sender        string
	RecencyWindow time.Duration // how far back a message may date
	RetryInterval time.Duration // pause between polls
	Extractor     *parser.Extractor
	HTML          *parser.HTMLParser
	Logger        *slog.Logger
}

// Fetch polls until one code is extracted or timeout elapses
func (o *OneShot) Fetch(ctx context.Context, creds mailbox.Credentials, timeout time.Duration) (models.DiscoveredCode, error) {
	window := o.RecencyWindow
	if window == 0 {
		window = defaultRecencyWindow
	}
	interval := o.RetryInterval
	if interval == 0 {
		interval = defaultRetryInterval
	}

	start := time.Now()
	for {
		code, found, err := o.attempt(ctx, creds, window)
		if err != nil {
			return models.DiscoveredCode{}, err
		}
		if found {
			return code, nil
		}

		if time.Since(start) > timeout {
			return models.DiscoveredCode{}, ErrTimeout
		}

		o.Logger.Debug("no code email yet, retrying", "interval", interval)
		select {
		case <-ctx.Done():
			return models.DiscoveredCode{}, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// attempt runs one connect-search-extract cycle
func (o *OneShot) attempt(ctx context.Context, creds mailbox.Credentials, window time.Duration) (models.DiscoveredCode, bool, error) {
	s := o.Sessions(creds)
	defer s.Close()

	if err := s.Connect(ctx); err != nil {
		return models.DiscoveredCode{}, false, err
	}

	uids, err := s.SearchUnseen(ctx, mailbox.Query{
		From:  o.Sender,
		Since: time.Now().Add(-window),
	})
	if err != nil {
		return models.DiscoveredCode{}, false, err
	}
	if len(uids) == 0 {
		return models.DiscoveredCode{}, false, nil
	}

	// Most recent qualifying message only
	msg, err := s.FetchMessage(ctx, uids[len(uids)-1], false)
	if err != nil {
		return models.DiscoveredCode{}, false, err
	}

	code, ok := extractCode(o.Extractor, o.HTML, msg)
	if !ok {
		return models.DiscoveredCode{}, false, ErrNoCode
	}

	return models.DiscoveredCode{
		Code:       code,
		Subject:    msg.Subject,
		Sender:     msg.Sender,
		ReceivedAt: msg.Date,
	}, true, nil
}
