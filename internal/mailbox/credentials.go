package mailbox

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"
)

// Credentials hold everything needed to open one mailbox connection.
// They are snapshotted at session construction; changing stored
// configuration afterwards does not affect a running session.
type Credentials struct {
	Address         string // Mailbox address, also the login name
	Secret          string // Password or app password
	Host            string // IMAP host
	Port            int    // IMAP port
	UseTLS          bool   // Implicit TLS; plaintext dial + STARTTLS otherwise
	AllowSelfSigned bool   // Skip certificate verification
	TrustedCAPath   string // Optional PEM bundle with additional trusted CAs
}

// Addr returns the host:port dial address
func (c Credentials) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// LogValue keeps the secret out of logs
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("address", c.Address),
		slog.String("server", c.Addr()),
		slog.Bool("use_tls", c.UseTLS),
		slog.Bool("allow_self_signed", c.AllowSelfSigned),
	)
}

// tlsConfig builds the TLS configuration for this mailbox
func (c Credentials) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{ServerName: c.Host}

	if c.AllowSelfSigned {
		cfg.InsecureSkipVerify = true
	}

	if c.TrustedCAPath != "" {
		pem, err := os.ReadFile(c.TrustedCAPath)
		if err != nil {
			return nil, fmt.Errorf("%w: read CA bundle: %v", ErrTLS, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: no certificates in %s", ErrTLS, c.TrustedCAPath)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

// Message is one fetched mailbox message
type Message struct {
	UID      uint32
	Subject  string
	Sender   string
	Date     time.Time
	BodyText string
	BodyHTML string
}

// Query selects unseen messages by sender, optionally bounded by recency
type Query struct {
	From  string
	Since time.Time
}
