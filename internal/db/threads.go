package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gojolo/inbox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrThreadNotFound is returned when a requested thread cannot be found.
var ErrThreadNotFound = errors.New("thread not found")

const threadColumns = `
	id, org_id, channel, status, subject, from_address,
	COALESCE(mail_account_id::text, ''), last_message_at, created_at, updated_at`

func scanThread(row pgx.Row) (*models.Thread, error) {
	var t models.Thread
	var status string
	err := row.Scan(
		&t.ID, &t.OrgID, &t.Channel, &status, &t.Subject, &t.FromAddress,
		&t.MailAccountID, &t.LastMessageAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = models.ThreadStatus(status)
	return &t, nil
}

// GetThread returns a thread by its database ID.
func GetThread(ctx context.Context, q DBTX, threadID string) (*models.Thread, error) {
	t, err := scanThread(q.QueryRow(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = $1`, threadID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return t, nil
}

func insertThread(ctx context.Context, q DBTX, t *models.Thread) error {
	channel := t.Channel
	if channel == "" {
		channel = models.ChannelEmail
	}

	var accountID *string
	if t.MailAccountID != "" {
		accountID = &t.MailAccountID
	}

	err := q.QueryRow(ctx, `
		INSERT INTO threads (org_id, channel, status, subject, from_address, mail_account_id, last_message_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`, t.OrgID, channel, string(t.Status), t.Subject, t.FromAddress, accountID, t.LastMessageAt,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert thread: %w", err)
	}

	t.Channel = channel
	return nil
}

// CreateThreadWithMessage inserts a thread and its first message atomically.
// It returns false, and leaves no thread behind, when the message already
// exists for the account.
func CreateThreadWithMessage(ctx context.Context, pool *pgxpool.Pool, t *models.Thread, m *models.Message) (bool, error) {
	var inserted bool
	err := inTx(ctx, pool, func(tx pgx.Tx) error {
		if err := insertThread(ctx, tx, t); err != nil {
			return err
		}

		m.ThreadID = t.ID
		ok, err := insertMessage(ctx, tx, m)
		if err != nil {
			return err
		}
		if !ok {
			return errDuplicate
		}

		inserted = true
		return nil
	})
	if errors.Is(err, errDuplicate) {
		t.ID = ""
		m.ThreadID = ""
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// AppendMessage inserts a message into an existing thread and moves the
// thread's last activity forward. Inbound mail re-opens a closed thread when
// it is at least as new as the thread's last activity. Returns false when the
// message already exists for the account.
func AppendMessage(ctx context.Context, pool *pgxpool.Pool, threadID string, m *models.Message) (bool, error) {
	var inserted bool
	err := inTx(ctx, pool, func(tx pgx.Tx) error {
		m.ThreadID = threadID
		ok, err := insertMessage(ctx, tx, m)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		tag, err := tx.Exec(ctx, `
			UPDATE threads SET
				status = CASE
					WHEN status = 'closed' AND $3 AND $2 >= last_message_at THEN 'open'
					ELSE status
				END,
				last_message_at = GREATEST(last_message_at, $2),
				updated_at = now()
			WHERE id = $1
		`, threadID, m.ReceivedAt, m.Direction == models.DirectionInbound)
		if err != nil {
			return fmt.Errorf("failed to touch thread: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrThreadNotFound
		}

		inserted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// SetThreadStatus changes a thread's status. A non-zero touch also moves
// last_message_at forward.
func SetThreadStatus(ctx context.Context, q DBTX, threadID string, status models.ThreadStatus, touch time.Time) error {
	var touchArg *time.Time
	if !touch.IsZero() {
		touchArg = &touch
	}

	tag, err := q.Exec(ctx, `
		UPDATE threads SET
			status = $2,
			last_message_at = GREATEST(last_message_at, COALESCE($3, last_message_at)),
			updated_at = now()
		WHERE id = $1
	`, threadID, string(status), touchArg)
	if err != nil {
		return fmt.Errorf("failed to set thread status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrThreadNotFound
	}
	return nil
}

// RecentEmailThreads returns an organization's email threads active since
// the given time, newest first.
func RecentEmailThreads(ctx context.Context, q DBTX, orgID string, since time.Time, limit int) ([]models.Thread, error) {
	rows, err := q.Query(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE org_id = $1 AND channel = 'email' AND last_message_at >= $2
		ORDER BY last_message_at DESC
		LIMIT $3
	`, orgID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent threads: %w", err)
	}
	defer rows.Close()

	var threads []models.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		threads = append(threads, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating threads: %w", err)
	}

	return threads, nil
}
