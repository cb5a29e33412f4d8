package mailbox

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// silentServer accepts connections and never speaks, like a stalled or
// misbehaving IMAP server.
func silentServer(t *testing.T) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		var held []net.Conn
		defer func() {
			for _, c := range held {
				c.Close()
			}
		}()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			held = append(held, conn)
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err = strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func stalledCreds(host string, port int) Credentials {
	return Credentials{
		Address: "user@example.com",
		Secret:  "secret",
		Host:    host,
		Port:    port,
		UseTLS:  false,
	}
}

func TestCloseUnblocksStalledConnect(t *testing.T) {
	host, port := silentServer(t)
	s := NewSession(stalledCreds(host, port), Options{DialTimeout: time.Minute}, testLogger())

	connectErr := make(chan error, 1)
	go func() { connectErr <- s.Connect(context.Background()) }()

	// Let Connect get past the dial and block on the missing greeting
	time.Sleep(100 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a stalled handshake")
	}

	select {
	case err := <-connectErr:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after Close")
	}
}

func TestConnectGreetingDeadline(t *testing.T) {
	host, port := silentServer(t)
	s := NewSession(stalledCreds(host, port), Options{DialTimeout: 200 * time.Millisecond}, testLogger())
	defer s.Close()

	start := time.Now()
	err := s.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Less(t, time.Since(start), 2*time.Second, "a silent server must fail the handshake deadline")
}

func TestCloseIdempotentWithoutConnect(t *testing.T) {
	s := NewSession(stalledCreds("127.0.0.1", 9), Options{}, testLogger())
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.ErrorIs(t, s.Connect(context.Background()), ErrClosed)
}
