package watch

import (
	"context"
	"log/slog"
	"time"

	"github.com/mkorobov/otpwatch/internal/mailbox"
	"github.com/mkorobov/otpwatch/internal/parser"
	"github.com/mkorobov/otpwatch/pkg/models"
)

// ServiceOptions configure the watcher service
type ServiceOptions struct {
	Sender             string          // sender address watchers filter on
	Session            mailbox.Options // timeouts for real IMAP sessions
	FetchRetryInterval time.Duration   // one-shot poll interval
	FetchRecencyWindow time.Duration   // one-shot message recency bound
}

// Service is the caller-facing surface: start and stop per-identity
// watchers and run one-shot fetches. Watchers for different identities
// run independently; a failure on one never touches the others.
type Service struct {
	opts      ServiceOptions
	sessions  SessionFactory
	registry  *Registry
	extractor *parser.Extractor
	html      *parser.HTMLParser
	logger    *slog.Logger
}

// NewService creates a service backed by real IMAP sessions
func NewService(opts ServiceOptions, logger *slog.Logger) *Service {
	logger = logger.With("component", "watch_service")
	return &Service{
		opts:      opts,
		sessions:  IMAPSessions(opts.Session, logger),
		registry:  NewRegistry(),
		extractor: parser.NewExtractor(),
		html:      parser.NewHTMLParser(),
		logger:    logger,
	}
}

// SetSessionFactory swaps the session transport, e.g. for tests
func (s *Service) SetSessionFactory(f SessionFactory) {
	s.sessions = f
}

// StartWatcher begins monitoring the mailbox for identity. It fails with
// ErrAlreadyActive while a live watcher exists for that identity. An
// empty sender falls back to the service default. Events are forwarded to
// the supplied callbacks; terminal events additionally free the
// identity's registry slot so a fresh watcher can be started.
func (s *Service) StartWatcher(identity int64, creds mailbox.Credentials, sender string, events Events) (*Watcher, error) {
	if sender == "" {
		sender = s.opts.Sender
	}
	var w *Watcher
	wrapped := Events{
		Monitoring: events.Monitoring,
		CodeFound:  events.CodeFound,
		Error: func(err error) {
			s.registry.RemoveWatcher(identity, w)
			if events.Error != nil {
				events.Error(err)
			}
		},
		Disconnected: func() {
			s.registry.RemoveWatcher(identity, w)
			if events.Disconnected != nil {
				events.Disconnected()
			}
		},
	}

	w = NewWatcher(WatcherConfig{
		Credentials: creds,
		Sender:      sender,
		Sessions:    s.sessions,
		Extractor:   s.extractor,
		HTML:        s.html,
		Events:      wrapped,
		Logger:      s.logger,
	})

	if err := s.registry.Set(identity, w); err != nil {
		return nil, err
	}
	if err := w.Start(); err != nil {
		s.registry.RemoveWatcher(identity, w)
		return nil, err
	}

	s.logger.Info("watcher started", "identity", identity, "credentials", creds)
	return w, nil
}

// StopWatcher stops the watcher for identity, if any. Idempotent.
func (s *Service) StopWatcher(identity int64) {
	w, ok := s.registry.Get(identity)
	if !ok {
		return
	}
	w.Stop()
	s.registry.RemoveWatcher(identity, w)
	s.logger.Info("watcher stopped", "identity", identity)
}

// WatcherState reports the state of identity's watcher
func (s *Service) WatcherState(identity int64) (State, bool) {
	w, ok := s.registry.Get(identity)
	if !ok {
		return StateIdle, false
	}
	return w.State(), true
}

// FetchCodeOnce retrieves a single code without keeping a connection open
func (s *Service) FetchCodeOnce(ctx context.Context, creds mailbox.Credentials, sender string, timeout time.Duration) (models.DiscoveredCode, error) {
	if sender == "" {
		sender = s.opts.Sender
	}
	one := &OneShot{
		Sessions:      s.sessions,
		Sender:        sender,
		RecencyWindow: s.opts.FetchRecencyWindow,
		RetryInterval: s.opts.FetchRetryInterval,
		Extractor:     s.extractor,
		HTML:          s.html,
		Logger:        s.logger,
	}
	return one.Fetch(ctx, creds, timeout)
}

// TestCredentials opens and closes a session to verify the credentials
func (s *Service) TestCredentials(ctx context.Context, creds mailbox.Credentials) error {
	sess := s.sessions(creds)
	defer sess.Close()
	return sess.Connect(ctx)
}

// StopAll stops every running watcher, used on shutdown
func (s *Service) StopAll() {
	for identity, w := range s.registry.All() {
		w.Stop()
		s.registry.RemoveWatcher(identity, w)
	}
	s.logger.Info("all watchers stopped")
}
