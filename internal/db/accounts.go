package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gojolo/inbox/internal/models"
	"github.com/jackc/pgx/v5"
)

// ErrAccountNotFound is returned when a requested mail account cannot be found.
var ErrAccountNotFound = errors.New("mail account not found")

const accountColumns = `
	id, org_id, label, email,
	imap_host, imap_port, imap_encryption, imap_username, encrypted_imap_password,
	smtp_host, smtp_port, smtp_encryption, smtp_username, encrypted_smtp_password,
	aliases, active, last_fetched_uid, last_fetched_uid_trash,
	COALESCE(last_error, ''), last_fetch_at, created_at, updated_at`

func scanAccount(row pgx.Row) (*models.MailAccount, error) {
	var a models.MailAccount
	var imapEnc, smtpEnc string
	var lastUID, lastTrashUID int64

	err := row.Scan(
		&a.ID, &a.OrgID, &a.Label, &a.Email,
		&a.IMAP.Host, &a.IMAP.Port, &imapEnc, &a.IMAP.Username, &a.EncryptedIMAPPassword,
		&a.SMTP.Host, &a.SMTP.Port, &smtpEnc, &a.SMTP.Username, &a.EncryptedSMTPPassword,
		&a.Aliases, &a.Active, &lastUID, &lastTrashUID,
		&a.LastError, &a.LastFetchAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.IMAP.Encryption = models.Encryption(imapEnc)
	a.SMTP.Encryption = models.Encryption(smtpEnc)
	a.LastFetchedUID = uint32(lastUID)
	a.LastFetchedUIDTrash = uint32(lastTrashUID)
	return &a, nil
}

func queryAccounts(ctx context.Context, q DBTX, sql string, args ...any) ([]*models.MailAccount, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query mail accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.MailAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mail account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mail accounts: %w", err)
	}

	return accounts, nil
}

// CreateAccount inserts a mail account and fills in its generated fields.
func CreateAccount(ctx context.Context, q DBTX, a *models.MailAccount) error {
	aliases := a.Aliases
	if aliases == nil {
		aliases = []string{}
	}

	err := q.QueryRow(ctx, `
		INSERT INTO mail_accounts (
			org_id, label, email,
			imap_host, imap_port, imap_encryption, imap_username, encrypted_imap_password,
			smtp_host, smtp_port, smtp_encryption, smtp_username, encrypted_smtp_password,
			aliases, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id, created_at, updated_at
	`,
		a.OrgID, a.Label, a.Email,
		a.IMAP.Host, a.IMAP.Port, string(a.IMAP.Encryption), a.IMAP.Username, a.EncryptedIMAPPassword,
		a.SMTP.Host, a.SMTP.Port, string(a.SMTP.Encryption), a.SMTP.Username, a.EncryptedSMTPPassword,
		aliases, a.Active,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create mail account: %w", err)
	}

	return nil
}

// GetAccount returns a mail account by id.
func GetAccount(ctx context.Context, q DBTX, accountID string) (*models.MailAccount, error) {
	a, err := scanAccount(q.QueryRow(ctx, `SELECT `+accountColumns+` FROM mail_accounts WHERE id = $1`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mail account: %w", err)
	}
	return a, nil
}

// FirstActiveAccount returns the oldest active account of an organization.
func FirstActiveAccount(ctx context.Context, q DBTX, orgID string) (*models.MailAccount, error) {
	a, err := scanAccount(q.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM mail_accounts
		WHERE org_id = $1 AND active
		ORDER BY created_at, id
		LIMIT 1
	`, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get first active account: %w", err)
	}
	return a, nil
}

// ListSyncAccounts returns the active accounts selected by scope. Both scope
// fields narrow the result when set.
func ListSyncAccounts(ctx context.Context, q DBTX, scope models.SyncScope) ([]*models.MailAccount, error) {
	return queryAccounts(ctx, q, `
		SELECT `+accountColumns+`
		FROM mail_accounts
		WHERE active
		  AND ($1 = '' OR org_id::text = $1)
		  AND ($2 = '' OR id::text = $2)
		ORDER BY created_at, id
	`, scope.OrgID, scope.AccountID)
}

// SaveCursor persists one of the two UID cursors. The stored value never
// moves backward.
func SaveCursor(ctx context.Context, q DBTX, accountID string, field models.CursorField, uid uint32) error {
	var column string
	switch field {
	case models.CursorInbox:
		column = "last_fetched_uid"
	case models.CursorTrash:
		column = "last_fetched_uid_trash"
	default:
		return fmt.Errorf("unknown cursor field %q", field)
	}

	_, err := q.Exec(ctx, `
		UPDATE mail_accounts
		SET `+column+` = GREATEST(`+column+`, $2), updated_at = now()
		WHERE id = $1
	`, accountID, int64(uid))
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", column, err)
	}
	return nil
}

// RecordAccountError stores the last sync failure for an account.
func RecordAccountError(ctx context.Context, q DBTX, accountID, message string) error {
	_, err := q.Exec(ctx, `
		UPDATE mail_accounts SET last_error = $2, updated_at = now() WHERE id = $1
	`, accountID, message)
	if err != nil {
		return fmt.Errorf("failed to record account error: %w", err)
	}
	return nil
}

// RecordAccountSuccess clears the last error and stamps the fetch time.
func RecordAccountSuccess(ctx context.Context, q DBTX, accountID string, at time.Time) error {
	_, err := q.Exec(ctx, `
		UPDATE mail_accounts
		SET last_error = NULL, last_fetch_at = $2, updated_at = now()
		WHERE id = $1
	`, accountID, at)
	if err != nil {
		return fmt.Errorf("failed to record account success: %w", err)
	}
	return nil
}
