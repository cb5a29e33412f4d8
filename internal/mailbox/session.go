package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
)

// Options tune session timeouts
type Options struct {
	DialTimeout time.Duration // TCP + TLS handshake deadline
	IdleTimeout time.Duration // How long a single IDLE command may run before restart
}

const (
	defaultDialTimeout = 30 * time.Second
	defaultIdleTimeout = 25 * time.Minute
	pollInterval       = time.Minute // fallback when the server lacks IDLE
	logoutGrace        = 2 * time.Second
)

// Session owns exactly one authenticated connection to a single mailbox.
// It does not retry anything: every connection-level failure is surfaced
// to the owner, which decides whether to build a fresh session.
type Session struct {
	creds  Credentials
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	client  *client.Client
	conn    net.Conn // raw transport, killable while the handshake runs
	updates chan client.Update
	closed  bool
}

// NewSession creates a session for the given mailbox. No connection is
// opened until Connect.
func NewSession(creds Credentials, opts Options, logger *slog.Logger) *Session {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	return &Session{
		creds:  creds,
		opts:   opts,
		logger: logger.With("mailbox", creds.Address),
	}
}

// Connect performs the transport and auth handshake and selects INBOX in
// read-write mode. Calling it on an already-connected session is a no-op.
// Failures are classified as ErrAuth, ErrTLS or ErrNetwork. The mutex is
// never held across network I/O, so a concurrent Close always gets
// through and kills a handshake stuck on an unresponsive server.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.client != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.logger.Info("connecting to IMAP server", "server", s.creds.Addr())

	tlsCfg, err := s.creds.tlsConfig()
	if err != nil {
		return err
	}

	conn, err := s.dialConn(tlsCfg)
	if err != nil {
		return err
	}

	// Publish the raw connection before the greeting is read so Close
	// can sever a half-open handshake.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	s.conn = conn
	s.mu.Unlock()

	cl, err := s.handshake(conn, tlsCfg)
	if err != nil {
		conn.Close()
		s.mu.Lock()
		closed := s.closed
		s.conn = nil
		s.mu.Unlock()
		if closed {
			return ErrClosed
		}
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cl.Terminate()
		return ErrClosed
	}
	// Buffered so unilateral updates arriving while the owner is busy
	// searching or fetching do not stall the client reader.
	s.updates = make(chan client.Update, 64)
	cl.Updates = s.updates
	s.client = cl
	s.mu.Unlock()

	s.logger.Info("mailbox session ready")
	return nil
}

// dialConn opens the transport; the dialer timeout bounds TCP and, for
// implicit TLS, the TLS handshake.
func (s *Session) dialConn(tlsCfg *tls.Config) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: s.opts.DialTimeout}

	if s.creds.UseTLS {
		conn, err := tls.DialWithDialer(dialer, "tcp", s.creds.Addr(), tlsCfg)
		if err != nil {
			return nil, classifyDial(err)
		}
		return conn, nil
	}

	conn, err := dialer.Dial("tcp", s.creds.Addr())
	if err != nil {
		return nil, classifyDial(err)
	}
	return conn, nil
}

// handshake runs greeting, STARTTLS, login and INBOX select under one
// transport deadline. A server that accepted the connection and went
// silent fails the deadline instead of blocking forever.
func (s *Session) handshake(conn net.Conn, tlsCfg *tls.Config) (*client.Client, error) {
	conn.SetDeadline(time.Now().Add(s.opts.DialTimeout))

	cl, err := client.New(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: greeting: %v", ErrNetwork, err)
	}

	if !s.creds.UseTLS {
		if err := cl.StartTLS(tlsCfg); err != nil {
			return nil, classifyDial(err)
		}
	}

	if err := cl.Login(s.creds.Address, s.creds.Secret); err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, fmt.Errorf("%w: login: %v", ErrNetwork, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}

	// Read-write select so mark-seen side effects are possible
	if _, err := cl.Select("INBOX", false); err != nil {
		return nil, fmt.Errorf("select INBOX: %w", err)
	}

	// IDLE needs the deadline gone again
	conn.SetDeadline(time.Time{})
	return cl, nil
}

// SearchUnseen returns the UIDs of unseen messages matching q, in
// ascending order. An empty result is normal, not an error.
func (s *Session) SearchUnseen(ctx context.Context, q Query) ([]uint32, error) {
	cl, err := s.liveClient()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	if q.From != "" {
		criteria.Header.Add("From", q.From)
	}
	if !q.Since.IsZero() {
		criteria.Since = q.Since
	}

	uids, err := cl.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if uids == nil {
		uids = []uint32{}
	}
	return uids, nil
}

// FetchMessage retrieves the body of one message. Marking it seen is an
// explicit caller decision; mis-marking makes codes invisible to retries.
func (s *Session) FetchMessage(ctx context.Context, uid uint32, markSeen bool) (*Message, error) {
	cl, err := s.liveClient()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	// Peek leaves the \Seen flag untouched
	section := &imap.BodySectionName{Peek: !markSeen}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- cl.UidFetch(seqSet, items, messages)
	}()

	var msg *Message
	for raw := range messages {
		parsed, err := s.parseMessage(raw, section)
		if err != nil {
			s.logger.Warn("failed to parse message", "uid", raw.Uid, "error", err)
			continue
		}
		msg = parsed
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	if msg == nil {
		return nil, fmt.Errorf("fetch: message %d not found", uid)
	}
	return msg, nil
}

// parseMessage converts an IMAP message into a Message
func (s *Session) parseMessage(raw *imap.Message, section *imap.BodySectionName) (*Message, error) {
	msg := &Message{UID: raw.Uid}

	if raw.Envelope != nil {
		msg.Subject = raw.Envelope.Subject
		msg.Date = raw.Envelope.Date
		if len(raw.Envelope.From) > 0 {
			msg.Sender = raw.Envelope.From[0].Address()
		}
	}

	body := raw.GetBody(section)
	if body == nil {
		return msg, nil
	}

	mr, err := mail.CreateReader(body)
	if err != nil {
		return nil, fmt.Errorf("create mail reader: %w", err)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.logger.Warn("failed to read part", "error", err)
			break
		}

		if h, ok := part.Header.(*mail.InlineHeader); ok {
			ct, _, _ := h.ContentType()
			content, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(ct, "text/html"):
				msg.BodyHTML = string(content)
			case strings.HasPrefix(ct, "text/plain"):
				msg.BodyText = string(content)
			}
		}
	}

	return msg, nil
}

// WaitForMail blocks until the server signals new message arrivals,
// the context is cancelled, or the connection fails. A nil return means
// new mail; the session stays usable for search and fetch.
func (s *Session) WaitForMail(ctx context.Context) error {
	cl, err := s.liveClient()
	if err != nil {
		return err
	}

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cl.Idle(stop, &client.IdleOptions{
			LogoutTimeout: s.opts.IdleTimeout,
			PollInterval:  pollInterval,
		})
	}()

	stopped := false
	stopIdle := func() {
		if !stopped {
			close(stop)
			stopped = true
		}
	}

	for {
		select {
		case <-ctx.Done():
			stopIdle()
			// Give the server a moment to acknowledge DONE, then move
			// on; Close will terminate a stuck connection.
			select {
			case <-done:
			case <-time.After(logoutGrace):
			}
			return ctx.Err()

		case upd := <-s.updates:
			if _, ok := upd.(*client.MailboxUpdate); !ok {
				continue
			}
			stopIdle()
			if err := <-done; err != nil {
				return fmt.Errorf("%w: idle: %v", ErrNetwork, err)
			}
			return nil

		case err := <-done:
			if stopped {
				return nil
			}
			// Idle ended on its own: connection trouble
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("%w: idle: %v", ErrNetwork, err)
		}
	}
}

// liveClient returns the live client or ErrClosed
func (s *Session) liveClient() (*client.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.client == nil {
		return nil, ErrClosed
	}
	return s.client, nil
}

// Connected reports whether the session currently holds a connection
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil && !s.closed
}

// Close tears the connection down. It is idempotent and never hangs on a
// stuck server: a logout that takes too long is cut off with Terminate,
// and a connection still mid-handshake is closed at the transport.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cl := s.client
	conn := s.conn
	s.client = nil
	s.conn = nil
	s.mu.Unlock()

	if cl == nil {
		// Connect may be blocked on the greeting or login; closing the
		// transport fails it immediately.
		if conn != nil {
			conn.Close()
		}
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- cl.Logout()
	}()
	select {
	case <-done:
	case <-time.After(logoutGrace):
		cl.Terminate()
	}

	s.logger.Info("mailbox session closed")
	return nil
}
