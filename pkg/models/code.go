package models

import "time"

// DiscoveredCode is one extracted one-time code. It is built per extraction
// event; the watcher core never persists it.
type DiscoveredCode struct {
	Code       string    // 6-character alphanumeric, uppercased
	Subject    string    // Subject of the message it came from
	Sender     string    // Sender address
	ReceivedAt time.Time // Message date
}
