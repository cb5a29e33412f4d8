package formatter

import (
	"fmt"
	"strings"
	"time"

	"github.com/mkorobov/otpwatch/pkg/models"
)

// Formatter renders bot replies as Telegram HTML
type Formatter struct{}

// NewFormatter creates a new formatter
func NewFormatter() *Formatter {
	return &Formatter{}
}

// FormatCode renders one discovered code
func (f *Formatter) FormatCode(code models.DiscoveredCode) string {
	var sb strings.Builder

	sb.WriteString("<b>Verification code received</b>\n\n")
	sb.WriteString(fmt.Sprintf("<code>%s</code>\n\n", f.escapeHTML(code.Code)))
	if code.Subject != "" {
		sb.WriteString(fmt.Sprintf("<b>Subject:</b> %s\n", f.escapeHTML(code.Subject)))
	}
	sb.WriteString(fmt.Sprintf("<b>From:</b> %s\n", f.escapeHTML(code.Sender)))
	if !code.ReceivedAt.IsZero() {
		sb.WriteString(fmt.Sprintf("<b>Received:</b> %s\n", code.ReceivedAt.Format("02 Jan 2006 15:04:05")))
	}

	return sb.String()
}

// FormatStatus renders the current configuration and watcher state
func (f *Formatter) FormatStatus(account *models.Account, state string, last *models.DiscoveredCode) string {
	var sb strings.Builder

	sb.WriteString("<b>Mailbox watcher status</b>\n\n")
	sb.WriteString(fmt.Sprintf("<b>Mailbox:</b> %s\n", f.escapeHTML(account.Address)))
	sb.WriteString(fmt.Sprintf("<b>Server:</b> %s:%d\n", f.escapeHTML(account.Host), account.Port))
	sb.WriteString(fmt.Sprintf("<b>Watching sender:</b> %s\n", f.escapeHTML(account.Sender)))
	sb.WriteString(fmt.Sprintf("<b>Self-signed certs allowed:</b> %s\n", yesNo(account.AllowSelfSigned)))
	sb.WriteString(fmt.Sprintf("<b>State:</b> %s\n", f.escapeHTML(state)))

	if last != nil {
		sb.WriteString(fmt.Sprintf("\n<b>Last code:</b> %s (%s)\n",
			f.escapeHTML(last.Code), last.ReceivedAt.Format("02 Jan 2006 15:04")))
	}

	return sb.String()
}

// FormatFetchResult renders the outcome of a one-shot fetch
func (f *Formatter) FormatFetchResult(code models.DiscoveredCode, elapsed time.Duration) string {
	return fmt.Sprintf("<b>Code:</b> <code>%s</code>\nFound after %s",
		f.escapeHTML(code.Code), elapsed.Round(time.Second))
}

// escapeHTML escapes HTML special characters for Telegram
func (f *Formatter) escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
