package mailbox

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Common IMAP servers for popular email providers
var knownIMAPHosts = map[string]string{
	"gmail.com":      "imap.gmail.com",
	"googlemail.com": "imap.gmail.com",
	"outlook.com":    "outlook.office365.com",
	"hotmail.com":    "outlook.office365.com",
	"live.com":       "outlook.office365.com",
	"yahoo.com":      "imap.mail.yahoo.com",
	"yandex.ru":      "imap.yandex.ru",
	"yandex.com":     "imap.yandex.com",
	"mail.ru":        "imap.mail.ru",
	"icloud.com":     "imap.mail.me.com",
	"me.com":         "imap.mail.me.com",
	"aol.com":        "imap.aol.com",
	"zoho.com":       "imap.zoho.com",
	"fastmail.com":   "imap.fastmail.com",
	"gmx.com":        "imap.gmx.com",
	"gmx.de":         "imap.gmx.net",
	"web.de":         "imap.web.de",
}

const imapsPort = 993

// ResolveServer determines the IMAP host and port for an email address.
// Known providers resolve from a table; everything else is probed via
// common host patterns and MX records.
func ResolveServer(address string) (string, int, error) {
	domain := DomainOf(address)
	if domain == "" {
		return "", 0, fmt.Errorf("invalid email address %q", address)
	}

	if host, ok := knownIMAPHosts[domain]; ok {
		return host, imapsPort, nil
	}

	for _, host := range []string{"imap." + domain, "mail." + domain, domain} {
		if reachable(host, imapsPort) {
			return host, imapsPort, nil
		}
	}

	if host, err := resolveViaMX(domain); err == nil {
		return host, imapsPort, nil
	}

	// Last guess; Connect will report the real failure
	return "imap." + domain, imapsPort, nil
}

// DomainOf extracts the domain part of an email address
func DomainOf(address string) string {
	parts := strings.Split(address, "@")
	if len(parts) != 2 || parts[1] == "" {
		return ""
	}
	return strings.ToLower(parts[1])
}

// reachable checks whether host accepts TCP connections on port
func reachable(host string, port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), 3*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// resolveViaMX derives an IMAP host from the domain's primary MX record,
// e.g. mx.example.com -> imap.example.com.
func resolveViaMX(domain string) (string, error) {
	records, err := net.LookupMX(domain)
	if err != nil || len(records) == 0 {
		return "", fmt.Errorf("no MX records for %s", domain)
	}

	mxHost := strings.TrimSuffix(records[0].Host, ".")
	parts := strings.SplitN(mxHost, ".", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("unusable MX host %s", mxHost)
	}

	for _, prefix := range []string{"imap.", "mail."} {
		host := prefix + parts[1]
		if reachable(host, imapsPort) {
			return host, nil
		}
	}
	return "", fmt.Errorf("could not derive IMAP server for %s", domain)
}
