package watch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mkorobov/otpwatch/internal/mailbox"
	"github.com/mkorobov/otpwatch/internal/parser"
	"github.com/mkorobov/otpwatch/pkg/models"
)

// State of a watcher. Error and Disconnected are terminal: a watcher is
// single-use, and resuming means constructing a new one. Reconnect policy
// belongs to the caller, never to the watcher itself.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateMonitoring
	StateError
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateMonitoring:
		return "monitoring"
	case StateError:
		return "error"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ErrWatcherDone is returned by Start on a watcher that already stopped
var ErrWatcherDone = errors.New("watcher is terminal, construct a new one")

// Events are the watcher's outbound callbacks. All of them are invoked
// from the watcher's own goroutine, so per-watcher ordering matches the
// order the underlying triggers occurred. Nil callbacks are skipped.
type Events struct {
	Monitoring   func()
	CodeFound    func(code models.DiscoveredCode)
	Error        func(err error)
	Disconnected func()
}

// WatcherConfig carries a watcher's dependencies
type WatcherConfig struct {
	Credentials mailbox.Credentials
	Sender      string // only mail from this address qualifies
	Sessions    SessionFactory
	Extractor   *parser.Extractor
	HTML        *parser.HTMLParser
	Events      Events
	Logger      *slog.Logger
}

// Watcher keeps one mailbox session open, reacts to new-mail signals and
// emits discovered codes. It owns its session exclusively; nothing is
// shared across watchers.
type Watcher struct {
	creds     mailbox.Credentials
	sender    string
	sessions  SessionFactory
	extractor *parser.Extractor
	html      *parser.HTMLParser
	events    Events
	logger    *slog.Logger

	mu      sync.Mutex
	state   State
	session Session
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWatcher creates a watcher in the Idle state
func NewWatcher(cfg WatcherConfig) *Watcher {
	return &Watcher{
		creds:     cfg.Credentials,
		sender:    cfg.Sender,
		sessions:  cfg.Sessions,
		extractor: cfg.Extractor,
		html:      cfg.HTML,
		events:    cfg.Events,
		logger:    cfg.Logger.With("component", "watcher", "mailbox", cfg.Credentials.Address),
	}
}

// Start opens the session and begins monitoring. Calling it on a watcher
// that is already connecting or monitoring is a safe no-op and does not
// open a second connection.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case StateConnecting, StateMonitoring:
		w.logger.Debug("start ignored, already running", "state", w.state)
		return nil
	case StateError, StateDisconnected:
		return ErrWatcherDone
	}

	w.state = StateConnecting
	w.session = w.sessions(w.creds)
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.run(ctx, w.session)
	return nil
}

// Stop requests teardown and waits for the watcher goroutine to finish.
// It is idempotent and a no-op on a watcher that was never started.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	session := w.session
	done := w.done
	w.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	// Closing the session unblocks in-flight search/fetch right away
	// instead of waiting on a stuck server.
	session.Close()
	<-done
}

// IsMonitoring reports whether the watcher can currently receive
// new-mail signals.
func (w *Watcher) IsMonitoring() bool {
	return w.State() == StateMonitoring
}

// State returns the current state
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Active reports whether the watcher holds or is acquiring a connection
func (w *Watcher) Active() bool {
	s := w.State()
	return s == StateConnecting || s == StateMonitoring
}

// run is the watcher's single flow of control; every event is emitted
// from here.
func (w *Watcher) run(ctx context.Context, s Session) {
	defer close(w.done)
	defer s.Close()

	if err := s.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			w.finish(StateDisconnected)
			w.emitDisconnected()
			return
		}
		w.logger.Error("connect failed", "error", err)
		w.finish(StateError)
		w.emitError(err)
		return
	}

	w.setState(StateMonitoring)
	w.logger.Info("monitoring mailbox", "sender", w.sender)
	w.emitMonitoring()

	for {
		err := s.WaitForMail(ctx)
		if ctx.Err() != nil {
			w.finish(StateDisconnected)
			w.logger.Info("monitoring stopped")
			w.emitDisconnected()
			return
		}
		if err != nil {
			w.logger.Error("session failed", "error", err)
			w.finish(StateError)
			w.emitError(err)
			return
		}

		if err := w.checkMail(ctx, s); err != nil {
			if ctx.Err() != nil {
				w.finish(StateDisconnected)
				w.emitDisconnected()
				return
			}
			w.logger.Error("mail check failed", "error", err)
			w.finish(StateError)
			w.emitError(err)
			return
		}
	}
}

// checkMail runs one search-and-extract cycle. Absence of qualifying
// mail and failure to extract are both silent no-ops; only session-level
// failures come back as errors.
func (w *Watcher) checkMail(ctx context.Context, s Session) error {
	uids, err := s.SearchUnseen(ctx, mailbox.Query{From: w.sender})
	if err != nil {
		return err
	}
	if len(uids) == 0 {
		w.logger.Debug("no new qualifying mail")
		return nil
	}

	// Only the newest message of a burst is processed; older unseen ones
	// are skipped so the watcher never replays stale codes or falls
	// behind.
	newest := uids[len(uids)-1]
	msg, err := s.FetchMessage(ctx, newest, true)
	if err != nil {
		return err
	}

	code, ok := extractCode(w.extractor, w.html, msg)
	if !ok {
		w.logger.Debug("no code in message", "uid", newest, "subject", msg.Subject)
		return nil
	}

	w.logger.Info("code found", "uid", newest, "sender", msg.Sender)
	w.emitCode(models.DiscoveredCode{
		Code:       code,
		Subject:    msg.Subject,
		Sender:     msg.Sender,
		ReceivedAt: msg.Date,
	})
	return nil
}

// extractCode pulls a code out of a fetched message, preferring the
// plain-text body and falling back to flattened HTML.
func extractCode(ex *parser.Extractor, hp *parser.HTMLParser, msg *mailbox.Message) (string, bool) {
	body := msg.BodyText
	if body == "" && msg.BodyHTML != "" {
		text, err := hp.Parse(msg.BodyHTML)
		if err != nil {
			// Extractor strips tags itself, raw HTML still works
			text = msg.BodyHTML
		}
		body = text
	}
	if code, ok := ex.Extract(body); ok {
		return code, true
	}
	// A text part without a code may still have one in the HTML part
	if msg.BodyText != "" && msg.BodyHTML != "" {
		if text, err := hp.Parse(msg.BodyHTML); err == nil {
			return ex.Extract(text)
		}
	}
	return "", false
}

func (w *Watcher) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// finish moves to a terminal state
func (w *Watcher) finish(s State) {
	w.setState(s)
}

func (w *Watcher) emitMonitoring() {
	if w.events.Monitoring != nil {
		w.events.Monitoring()
	}
}

func (w *Watcher) emitCode(code models.DiscoveredCode) {
	if w.events.CodeFound != nil {
		w.events.CodeFound(code)
	}
}

func (w *Watcher) emitError(err error) {
	if w.events.Error != nil {
		w.events.Error(err)
	}
}

func (w *Watcher) emitDisconnected() {
	if w.events.Disconnected != nil {
		w.events.Disconnected()
	}
}
