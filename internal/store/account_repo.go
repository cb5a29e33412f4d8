package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mkorobov/otpwatch/pkg/models"
)

// SaveAccount inserts or replaces the mailbox binding for a chat. One
// chat holds at most one binding.
func (s *Store) SaveAccount(ctx context.Context, account *models.Account) error {
	query := `
		INSERT INTO accounts (chat_id, address, secret, host, port, use_tls, allow_self_signed, trusted_ca_path, sender, is_active, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			address = excluded.address,
			secret = excluded.secret,
			host = excluded.host,
			port = excluded.port,
			use_tls = excluded.use_tls,
			allow_self_signed = excluded.allow_self_signed,
			trusted_ca_path = excluded.trusted_ca_path,
			sender = excluded.sender,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`
	now := time.Now()
	_, err := s.ExecContext(ctx, query,
		account.ChatID,
		account.Address,
		account.Secret,
		account.Host,
		account.Port,
		account.UseTLS,
		account.AllowSelfSigned,
		account.TrustedCAPath,
		account.Sender,
		account.IsActive,
		account.CreatedBy,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}

	// LastInsertId is unreliable on the update arm of the upsert, so the
	// id is read back explicitly.
	if err := s.GetContext(ctx, &account.ID, `SELECT id FROM accounts WHERE chat_id = ?`, account.ChatID); err != nil {
		return fmt.Errorf("failed to read account id: %w", err)
	}
	account.UpdatedAt = now
	return nil
}

// GetAccountByChatID returns the binding for a chat
func (s *Store) GetAccountByChatID(ctx context.Context, chatID int64) (*models.Account, error) {
	var account models.Account
	query := `SELECT * FROM accounts WHERE chat_id = ?`
	err := s.GetContext(ctx, &account, query, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// GetAllActiveAccounts returns every binding with an active watcher flag
func (s *Store) GetAllActiveAccounts(ctx context.Context) ([]*models.Account, error) {
	var accounts []*models.Account
	query := `SELECT * FROM accounts WHERE is_active = true`
	if err := s.SelectContext(ctx, &accounts, query); err != nil {
		return nil, fmt.Errorf("failed to get active accounts: %w", err)
	}
	return accounts, nil
}

// SetAccountActive flips the watcher flag for a chat's binding
func (s *Store) SetAccountActive(ctx context.Context, chatID int64, active bool) error {
	query := `UPDATE accounts SET is_active = ?, updated_at = ? WHERE chat_id = ?`
	if _, err := s.ExecContext(ctx, query, active, time.Now(), chatID); err != nil {
		return fmt.Errorf("failed to set account active: %w", err)
	}
	return nil
}

// DeleteAccountByChatID removes a chat's binding and its code history
func (s *Store) DeleteAccountByChatID(ctx context.Context, chatID int64) error {
	query := `DELETE FROM accounts WHERE chat_id = ?`
	if _, err := s.ExecContext(ctx, query, chatID); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}
