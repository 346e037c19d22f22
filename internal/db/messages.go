package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/gojolo/inbox/internal/models"
	"github.com/jackc/pgx/v5"
)

// ErrMessageNotFound is returned when a requested message cannot be found.
var ErrMessageNotFound = errors.New("message not found")

var errDuplicate = errors.New("duplicate message")

const messageColumns = `
	id, thread_id, mail_account_id, direction, from_address, to_addresses, cc_addresses,
	subject, body_text, COALESCE(body_html, ''), external_id, COALESCE(in_reply_to, ''),
	"references", mailbox, external_uid, received_at, created_at`

func scanMessage(row pgx.Row) (*models.Message, error) {
	var m models.Message
	var direction string
	var uid *int64
	err := row.Scan(
		&m.ID, &m.ThreadID, &m.MailAccountID, &direction, &m.FromAddress, &m.ToAddresses, &m.CCAddresses,
		&m.Subject, &m.BodyText, &m.BodyHTML, &m.ExternalID, &m.InReplyTo,
		&m.References, &m.Mailbox, &uid, &m.ReceivedAt, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Direction = models.Direction(direction)
	if uid != nil {
		u := uint32(*uid)
		m.ExternalUID = &u
	}
	return &m, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// insertMessage inserts m and reports false when it collides with an existing
// message on either the Message-ID or the mailbox UID key.
func insertMessage(ctx context.Context, q DBTX, m *models.Message) (bool, error) {
	var uid *int64
	if m.ExternalUID != nil {
		u := int64(*m.ExternalUID)
		uid = &u
	}

	err := q.QueryRow(ctx, `
		INSERT INTO messages (
			thread_id, mail_account_id, direction, from_address, to_addresses, cc_addresses,
			subject, body_text, body_html, external_id, in_reply_to, "references",
			mailbox, external_uid, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT DO NOTHING
		RETURNING id, created_at
	`,
		m.ThreadID, m.MailAccountID, string(m.Direction), m.FromAddress, nonNil(m.ToAddresses), nonNil(m.CCAddresses),
		m.Subject, m.BodyText, nullIfEmpty(m.BodyHTML), m.ExternalID, nullIfEmpty(m.InReplyTo), nonNil(m.References),
		m.Mailbox, uid, m.ReceivedAt,
	).Scan(&m.ID, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}
	return true, nil
}

// MessageUIDExists reports whether a UID from the given mailbox was already stored.
func MessageUIDExists(ctx context.Context, q DBTX, accountID, mailbox string, uid uint32) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM messages
			WHERE mail_account_id = $1 AND mailbox = $2 AND external_uid = $3
		)
	`, accountID, mailbox, int64(uid)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check message uid: %w", err)
	}
	return exists, nil
}

// ThreadIDByExternalID returns the thread holding the account's message with
// that Message-ID, or "" when none exists.
func ThreadIDByExternalID(ctx context.Context, q DBTX, accountID, externalID string) (string, error) {
	var threadID string
	err := q.QueryRow(ctx, `
		SELECT thread_id FROM messages
		WHERE mail_account_id = $1 AND external_id = $2
	`, accountID, externalID).Scan(&threadID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up message by external id: %w", err)
	}
	return threadID, nil
}

// ThreadIDReferencing returns the thread of the oldest account message whose
// In-Reply-To or References names externalID, or "" when none exists.
func ThreadIDReferencing(ctx context.Context, q DBTX, accountID, externalID string) (string, error) {
	var threadID string
	err := q.QueryRow(ctx, `
		SELECT thread_id FROM messages
		WHERE mail_account_id = $1
		  AND (in_reply_to = $2 OR $2 = ANY("references"))
		ORDER BY received_at, created_at
		LIMIT 1
	`, accountID, externalID).Scan(&threadID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up referencing message: %w", err)
	}
	return threadID, nil
}

// LatestMessageID returns the id of the thread's most recent message.
func LatestMessageID(ctx context.Context, q DBTX, threadID string) (string, error) {
	var id string
	err := q.QueryRow(ctx, `
		SELECT id FROM messages
		WHERE thread_id = $1
		ORDER BY received_at DESC, created_at DESC
		LIMIT 1
	`, threadID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrMessageNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get latest message: %w", err)
	}
	return id, nil
}

// RecentThreadMessages returns up to limit messages of a thread, newest first.
func RecentThreadMessages(ctx context.Context, q DBTX, threadID string, limit int) ([]models.Message, error) {
	rows, err := q.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE thread_id = $1
		ORDER BY received_at DESC, created_at DESC
		LIMIT $2
	`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get thread messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}
