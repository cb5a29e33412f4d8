package watch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mkorobov/otpwatch/internal/mailbox"
	"github.com/mkorobov/otpwatch/pkg/models"
)

// fakeSession is an in-memory Session for driving watchers in tests.
// Closing the mail channel simulates a connection failure; sending on it
// simulates a new-mail signal.
type fakeSession struct {
	mu         sync.Mutex
	mail       chan struct{}
	connectErr error
	searchErr  error
	fetchErr   error
	waitErr    error // returned when the mail channel is closed
	uids       []uint32
	msgs       map[uint32]*mailbox.Message

	connects  int
	fetched   []uint32
	seen      map[uint32]bool
	lastQuery mailbox.Query
	closed    bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		mail: make(chan struct{}, 8),
		msgs: make(map[uint32]*mailbox.Message),
		seen: make(map[uint32]bool),
	}
}

func (f *fakeSession) addMessage(uid uint32, subject, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uids = append(f.uids, uid)
	f.msgs[uid] = &mailbox.Message{
		UID:      uid,
		Subject:  subject,
		Sender:   "noreply@example.com",
		Date:     time.Now(),
		BodyText: body,
	}
}

func (f *fakeSession) signalMail() { f.mail <- struct{}{} }

func (f *fakeSession) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeSession) WaitForMail(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case _, ok := <-f.mail:
		if !ok {
			f.mu.Lock()
			err := f.waitErr
			f.mu.Unlock()
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return err
		}
		return nil
	}
}

func (f *fakeSession) SearchUnseen(ctx context.Context, q mailbox.Query) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery = q
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	out := make([]uint32, 0, len(f.uids))
	for _, uid := range f.uids {
		if !f.seen[uid] {
			out = append(out, uid)
		}
	}
	return out, nil
}

func (f *fakeSession) FetchMessage(ctx context.Context, uid uint32, markSeen bool) (*mailbox.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	f.fetched = append(f.fetched, uid)
	if markSeen {
		f.seen[uid] = true
	}
	return f.msgs[uid], nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSession) snapshot() (connects int, fetched []uint32, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, append([]uint32(nil), f.fetched...), f.closed
}

// fakeFactory builds one session per call, remembering them all
type fakeFactory struct {
	mu       sync.Mutex
	build    func(n int) *fakeSession
	sessions []*fakeSession
}

func (ff *fakeFactory) factory() SessionFactory {
	return func(creds mailbox.Credentials) Session {
		ff.mu.Lock()
		defer ff.mu.Unlock()
		s := ff.build(len(ff.sessions))
		ff.sessions = append(ff.sessions, s)
		return s
	}
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.sessions)
}

// recorder collects watcher events on channels
type recorder struct {
	monitoring   chan struct{}
	codes        chan models.DiscoveredCode
	errs         chan error
	disconnected chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		monitoring:   make(chan struct{}, 16),
		codes:        make(chan models.DiscoveredCode, 16),
		errs:         make(chan error, 16),
		disconnected: make(chan struct{}, 16),
	}
}

func (r *recorder) events() Events {
	return Events{
		Monitoring:   func() { r.monitoring <- struct{}{} },
		CodeFound:    func(code models.DiscoveredCode) { r.codes <- code },
		Error:        func(err error) { r.errs <- err },
		Disconnected: func() { r.disconnected <- struct{}{} },
	}
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func expectNone[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("unexpected %s", what)
	case <-time.After(100 * time.Millisecond):
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCreds() mailbox.Credentials {
	return mailbox.Credentials{
		Address: "user@example.com",
		Secret:  "secret",
		Host:    "imap.example.com",
		Port:    993,
		UseTLS:  true,
	}
}
