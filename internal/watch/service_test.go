package watch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkorobov/otpwatch/internal/mailbox"
)

func newTestService(ff *fakeFactory) *Service {
	svc := NewService(ServiceOptions{
		Sender:             "noreply@example.com",
		FetchRetryInterval: 20 * time.Millisecond,
		FetchRecencyWindow: time.Minute,
	}, testLogger())
	svc.SetSessionFactory(ff.factory())
	return svc
}

func TestServiceOneWatcherPerIdentity(t *testing.T) {
	ff := &fakeFactory{build: func(int) *fakeSession { return newFakeSession() }}
	svc := newTestService(ff)
	rec := newRecorder()

	_, err := svc.StartWatcher(1, testCreds(), "", rec.events())
	require.NoError(t, err)
	recv(t, rec.monitoring, "monitoring event")

	_, err = svc.StartWatcher(1, testCreds(), "", rec.events())
	assert.ErrorIs(t, err, ErrAlreadyActive)

	// A different identity is unaffected
	_, err = svc.StartWatcher(2, testCreds(), "", rec.events())
	require.NoError(t, err)

	svc.StopAll()
}

func TestServiceSlotFreedAfterStop(t *testing.T) {
	ff := &fakeFactory{build: func(int) *fakeSession { return newFakeSession() }}
	svc := newTestService(ff)
	rec := newRecorder()

	_, err := svc.StartWatcher(7, testCreds(), "", rec.events())
	require.NoError(t, err)
	recv(t, rec.monitoring, "monitoring event")

	svc.StopWatcher(7)

	_, ok := svc.WatcherState(7)
	assert.False(t, ok)

	_, err = svc.StartWatcher(7, testCreds(), "", rec.events())
	assert.NoError(t, err)
	svc.StopAll()
}

func TestServiceSlotFreedOnConnectionError(t *testing.T) {
	var sessions []*fakeSession
	ff := &fakeFactory{build: func(int) *fakeSession {
		fs := newFakeSession()
		sessions = append(sessions, fs)
		return fs
	}}
	svc := newTestService(ff)
	rec := newRecorder()

	_, err := svc.StartWatcher(3, testCreds(), "", rec.events())
	require.NoError(t, err)
	recv(t, rec.monitoring, "monitoring event")

	// Simulate the connection dropping
	close(sessions[0].mail)
	recv(t, rec.errs, "error event")

	// The registry self-cleaned, so a restart succeeds
	_, err = svc.StartWatcher(3, testCreds(), "", rec.events())
	require.NoError(t, err)
	svc.StopAll()
}

func TestServiceStartWatcherAuthFailure(t *testing.T) {
	ff := &fakeFactory{build: func(int) *fakeSession {
		fs := newFakeSession()
		fs.connectErr = fmt.Errorf("%w: login refused", mailbox.ErrAuth)
		return fs
	}}
	svc := newTestService(ff)
	rec := newRecorder()

	w, err := svc.StartWatcher(5, testCreds(), "", rec.events())
	require.NoError(t, err, "connect failures surface through events, not Start")
	err = recv(t, rec.errs, "error event")
	assert.ErrorIs(t, err, mailbox.ErrAuth)
	assert.Equal(t, StateError, w.State())

	// Terminal error freed the slot
	_, ok := svc.WatcherState(5)
	assert.False(t, ok)
}

func TestServiceStopWatcherIdempotent(t *testing.T) {
	ff := &fakeFactory{build: func(int) *fakeSession { return newFakeSession() }}
	svc := newTestService(ff)

	svc.StopWatcher(99)
	svc.StopWatcher(99)
}

func TestServiceSenderFallback(t *testing.T) {
	ff := &fakeFactory{build: func(int) *fakeSession {
		fs := newFakeSession()
		fs.addMessage(1, "verify", "Your code is: AB12CD")
		return fs
	}}
	svc := newTestService(ff)
	rec := newRecorder()

	_, err := svc.StartWatcher(1, testCreds(), "", rec.events())
	require.NoError(t, err)
	recv(t, rec.monitoring, "monitoring event")

	ff.sessions[0].signalMail()
	recv(t, rec.codes, "code event")

	ff.sessions[0].mu.Lock()
	from := ff.sessions[0].lastQuery.From
	ff.sessions[0].mu.Unlock()
	assert.Equal(t, "noreply@example.com", from)
	svc.StopAll()
}

func TestServiceSenderOverride(t *testing.T) {
	ff := &fakeFactory{build: func(int) *fakeSession {
		fs := newFakeSession()
		fs.addMessage(1, "verify", "Your code is: AB12CD")
		return fs
	}}
	svc := newTestService(ff)
	rec := newRecorder()

	_, err := svc.StartWatcher(1, testCreds(), "codes@other.example", rec.events())
	require.NoError(t, err)
	recv(t, rec.monitoring, "monitoring event")

	ff.sessions[0].signalMail()
	recv(t, rec.codes, "code event")

	ff.sessions[0].mu.Lock()
	from := ff.sessions[0].lastQuery.From
	ff.sessions[0].mu.Unlock()
	assert.Equal(t, "codes@other.example", from)
	svc.StopAll()
}

func TestServiceFetchCodeOnce(t *testing.T) {
	ff := &fakeFactory{build: func(int) *fakeSession {
		fs := newFakeSession()
		fs.addMessage(4, "sign-in", "verification code: ZZ99XX")
		return fs
	}}
	svc := newTestService(ff)

	code, err := svc.FetchCodeOnce(context.Background(), testCreds(), "", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ZZ99XX", code.Code)
}

func TestServiceTestCredentials(t *testing.T) {
	ff := &fakeFactory{build: func(n int) *fakeSession {
		fs := newFakeSession()
		if n == 0 {
			fs.connectErr = fmt.Errorf("%w: bad password", mailbox.ErrAuth)
		}
		return fs
	}}
	svc := newTestService(ff)

	err := svc.TestCredentials(context.Background(), testCreds())
	assert.ErrorIs(t, err, mailbox.ErrAuth)

	err = svc.TestCredentials(context.Background(), testCreds())
	assert.NoError(t, err)

	for _, fs := range ff.sessions {
		_, _, closed := fs.snapshot()
		assert.True(t, closed, "probe sessions must be closed")
	}
}

func TestServiceStopAll(t *testing.T) {
	ff := &fakeFactory{build: func(int) *fakeSession { return newFakeSession() }}
	svc := newTestService(ff)
	rec := newRecorder()

	for id := int64(1); id <= 3; id++ {
		_, err := svc.StartWatcher(id, testCreds(), "", rec.events())
		require.NoError(t, err)
		recv(t, rec.monitoring, "monitoring event")
	}

	svc.StopAll()

	for id := int64(1); id <= 3; id++ {
		_, ok := svc.WatcherState(id)
		assert.False(t, ok)
	}
}
