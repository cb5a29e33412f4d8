package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mkorobov/otpwatch/pkg/models"
)

// CodeRecord is one discovered code kept for history. The watcher core
// never persists codes itself; this log belongs to the bot layer.
type CodeRecord struct {
	ID         int64     `db:"id"`
	AccountID  int64     `db:"account_id"`
	Code       string    `db:"code"`
	Subject    string    `db:"subject"`
	Sender     string    `db:"sender"`
	ReceivedAt time.Time `db:"received_at"`
	CreatedAt  time.Time `db:"created_at"`
}

// InsertCode records a discovered code for an account
func (s *Store) InsertCode(ctx context.Context, accountID int64, code models.DiscoveredCode) (*CodeRecord, error) {
	query := `
		INSERT INTO codes (account_id, code, subject, sender, received_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	now := time.Now()
	result, err := s.ExecContext(ctx, query, accountID, code.Code, code.Subject, code.Sender, code.ReceivedAt, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert code: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return &CodeRecord{
		ID:         id,
		AccountID:  accountID,
		Code:       code.Code,
		Subject:    code.Subject,
		Sender:     code.Sender,
		ReceivedAt: code.ReceivedAt,
		CreatedAt:  now,
	}, nil
}

// GetCodeByID returns one recorded code
func (s *Store) GetCodeByID(ctx context.Context, id int64) (*CodeRecord, error) {
	var rec CodeRecord
	query := `SELECT * FROM codes WHERE id = ?`
	err := s.GetContext(ctx, &rec, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get code: %w", err)
	}
	return &rec, nil
}

// GetLastCode returns the most recently recorded code for an account
func (s *Store) GetLastCode(ctx context.Context, accountID int64) (*CodeRecord, error) {
	var rec CodeRecord
	query := `SELECT * FROM codes WHERE account_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`
	err := s.GetContext(ctx, &rec, query, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last code: %w", err)
	}
	return &rec, nil
}

// DeleteCode removes one recorded code
func (s *Store) DeleteCode(ctx context.Context, id int64) error {
	query := `DELETE FROM codes WHERE id = ?`
	if _, err := s.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete code: %w", err)
	}
	return nil
}
