package formatter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkorobov/otpwatch/pkg/models"
)

func TestFormatCodeEscapesHTML(t *testing.T) {
	f := NewFormatter()

	out := f.FormatCode(models.DiscoveredCode{
		Code:       "AB12CD",
		Subject:    "<script>alert(1)</script> & more",
		Sender:     "noreply@example.com",
		ReceivedAt: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	})

	assert.Contains(t, out, "<code>AB12CD</code>")
	assert.Contains(t, out, "&lt;script&gt;")
	assert.Contains(t, out, "&amp; more")
	assert.NotContains(t, out, "<script>")
}

func TestFormatStatus(t *testing.T) {
	f := NewFormatter()
	account := &models.Account{
		Address: "user@example.com",
		Host:    "imap.example.com",
		Port:    993,
		Sender:  "noreply@example.com",
	}

	out := f.FormatStatus(account, "monitoring", nil)
	assert.Contains(t, out, "user@example.com")
	assert.Contains(t, out, "imap.example.com:993")
	assert.Contains(t, out, "monitoring")
	assert.NotContains(t, out, "Last code")

	out = f.FormatStatus(account, "monitoring", &models.DiscoveredCode{
		Code:       "ZZ11YY",
		ReceivedAt: time.Now(),
	})
	assert.Contains(t, out, "ZZ11YY")
}

func TestCallbackRoundTrip(t *testing.T) {
	for _, action := range []models.CallbackAction{models.CallbackShowCode, models.CallbackForget} {
		encoded := EncodeCallback(models.CallbackData{Action: action, CodeID: 42})
		// Telegram limits callback data to 64 bytes
		assert.LessOrEqual(t, len(encoded), 64)

		decoded, err := DecodeCallback(encoded)
		require.NoError(t, err)
		assert.Equal(t, action, decoded.Action)
		assert.Equal(t, int64(42), decoded.CodeID)
	}
}

func TestDecodeCallbackRejectsGarbage(t *testing.T) {
	_, err := DecodeCallback("not json")
	assert.Error(t, err)
}

func TestBuildCodeKeyboard(t *testing.T) {
	kb := BuildCodeKeyboard(7)
	require.Len(t, kb.InlineKeyboard, 1)
	require.Len(t, kb.InlineKeyboard[0], 2)

	show, err := DecodeCallback(kb.InlineKeyboard[0][0].CallbackData)
	require.NoError(t, err)
	assert.Equal(t, models.CallbackShowCode, show.Action)
	assert.Equal(t, int64(7), show.CodeID)

	forget, err := DecodeCallback(kb.InlineKeyboard[0][1].CallbackData)
	require.NoError(t, err)
	assert.Equal(t, models.CallbackForget, forget.Action)
}
