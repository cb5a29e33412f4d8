package models

import "time"

// Account represents a stored mailbox binding for one chat
type Account struct {
	ID              int64     `db:"id"`
	ChatID          int64     `db:"chat_id"`           // Telegram chat the codes are posted to
	Address         string    `db:"address"`           // Mailbox address
	Secret          string    `db:"secret"`            // Encrypted mailbox password
	Host            string    `db:"host"`              // IMAP host
	Port            int       `db:"port"`              // IMAP port
	UseTLS          bool      `db:"use_tls"`           // Implicit TLS (vs. STARTTLS)
	AllowSelfSigned bool      `db:"allow_self_signed"` // Skip certificate verification
	TrustedCAPath   string    `db:"trusted_ca_path"`   // Optional custom CA bundle
	Sender          string    `db:"sender"`            // Sender address the watcher filters on
	IsActive        bool      `db:"is_active"`         // Watcher should run for this account
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
	CreatedBy       int64     `db:"created_by"` // Telegram user ID that configured it
}
