package watch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkorobov/otpwatch/internal/mailbox"
	"github.com/mkorobov/otpwatch/internal/parser"
)

func newOneShot(ff *fakeFactory) *OneShot {
	return &OneShot{
		Sessions:      ff.factory(),
		Sender:        "noreply@example.com",
		RecencyWindow: time.Minute,
		RetryInterval: 20 * time.Millisecond,
		Extractor:     parser.NewExtractor(),
		HTML:          parser.NewHTMLParser(),
		Logger:        testLogger(),
	}
}

func TestOneShotTimeout(t *testing.T) {
	ff := &fakeFactory{build: func(int) *fakeSession { return newFakeSession() }}
	o := newOneShot(ff)

	timeout := 150 * time.Millisecond
	start := time.Now()
	_, err := o.Fetch(context.Background(), testCreds(), timeout)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimeout)
	// Neither immediate nor unbounded: the deadline plus at most one
	// extra retry interval.
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, 2*time.Second)
	assert.GreaterOrEqual(t, ff.count(), 2, "expected repeated polls")
}

func TestOneShotFindsCodeAfterRetries(t *testing.T) {
	ff := &fakeFactory{build: func(n int) *fakeSession {
		fs := newFakeSession()
		if n >= 2 {
			fs.addMessage(42, "sign-in", "Your code is: qq12ww")
		}
		return fs
	}}
	o := newOneShot(ff)

	code, err := o.Fetch(context.Background(), testCreds(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "QQ12WW", code.Code)
	assert.Equal(t, "sign-in", code.Subject)
	assert.Equal(t, 3, ff.count(), "two empty polls, then the hit")

	// Every poll opens and closes its own session
	for _, fs := range ff.sessions {
		_, _, closed := fs.snapshot()
		assert.True(t, closed)
	}

	// One-shot must not mark the message seen
	last := ff.sessions[len(ff.sessions)-1]
	last.mu.Lock()
	defer last.mu.Unlock()
	assert.False(t, last.seen[42])
	assert.False(t, last.lastQuery.Since.IsZero(), "search must be recency-bounded")
}

func TestOneShotSurfacesExtractionFailure(t *testing.T) {
	ff := &fakeFactory{build: func(int) *fakeSession {
		fs := newFakeSession()
		fs.addMessage(9, "matched", "a mail with no token in it at all")
		return fs
	}}
	o := newOneShot(ff)

	_, err := o.Fetch(context.Background(), testCreds(), 5*time.Second)
	assert.ErrorIs(t, err, ErrNoCode)
	// No silent retry past a matched-but-unparseable message
	assert.Equal(t, 1, ff.count())
}

func TestOneShotConnectErrorPropagates(t *testing.T) {
	ff := &fakeFactory{build: func(int) *fakeSession {
		fs := newFakeSession()
		fs.connectErr = fmt.Errorf("%w: invalid credentials", mailbox.ErrAuth)
		return fs
	}}
	o := newOneShot(ff)

	_, err := o.Fetch(context.Background(), testCreds(), time.Second)
	assert.ErrorIs(t, err, mailbox.ErrAuth)
	assert.Equal(t, 1, ff.count())
}

func TestOneShotContextCancellation(t *testing.T) {
	ff := &fakeFactory{build: func(int) *fakeSession { return newFakeSession() }}
	o := newOneShot(ff)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := o.Fetch(ctx, testCreds(), time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
