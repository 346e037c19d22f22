package mailsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gojolo/inbox/internal/imap"
	"github.com/gojolo/inbox/internal/models"
	"github.com/gojolo/inbox/internal/threading"
	"go.uber.org/zap"
)

const noSubject = "(No subject)"

// errUnparseable marks a message that can never be stored. The pass skips it.
var errUnparseable = errors.New("unparseable message")

// pass describes one mailbox mirrored into the store.
type pass struct {
	mailbox string
	cursor  models.CursorField
	// status is given to threads the pass creates.
	status models.ThreadStatus
	// resolve threads new mail into existing conversations. Without it every
	// unknown message starts its own thread.
	resolve bool
	// onKnown is applied to the thread of a message whose Message-ID is
	// already stored. Empty means skip.
	onKnown models.ThreadStatus
}

func inboxPass(gmail bool) pass {
	return pass{
		mailbox: imap.PrimaryMailbox(gmail),
		cursor:  models.CursorInbox,
		status:  models.StatusOpen,
		resolve: true,
	}
}

func trashPass(mailbox string) pass {
	return pass{
		mailbox: mailbox,
		cursor:  models.CursorTrash,
		status:  models.StatusArchived,
		onKnown: models.StatusArchived,
	}
}

// fetchStart is the first UID to fetch. Without a cursor only the newest
// bootstrap messages are read.
func fetchStart(cursor, uidNext, bootstrap uint32) uint32 {
	if cursor > 0 {
		return cursor + 1
	}
	if uidNext > bootstrap {
		return uidNext - (bootstrap - 1)
	}
	return 1
}

func (e *Engine) syncMailbox(ctx context.Context, session imap.Session, account *models.MailAccount, p pass, stats *accountStats) error {
	log := e.logger.With(zap.String("account_id", account.ID), zap.String("mailbox", p.mailbox))

	status, err := session.Examine(p.mailbox)
	if err != nil {
		return err
	}

	cursor := account.Cursor(p.cursor)
	if status.Messages == 0 || (status.UIDNext > 0 && status.UIDNext <= cursor+1) {
		return nil
	}

	fetched, err := session.FetchFrom(fetchStart(cursor, status.UIDNext, e.bootstrap))
	if err != nil {
		return err
	}

	sort.Slice(fetched, func(i, j int) bool { return fetched[i].UID < fetched[j].UID })

	// The cursor only moves past messages that are stored or deliberately
	// skipped. A store failure stops the pass so the next run retries it.
	highest := cursor
	var storeErr error
	for _, fm := range fetched {
		if err := ctx.Err(); err != nil {
			break
		}
		if fm.UID <= cursor {
			continue
		}

		err := e.processMessage(ctx, account, p, fm, stats)
		if errors.Is(err, errUnparseable) {
			log.Warn("Skipping unparseable message", zap.Uint32("uid", fm.UID), zap.Error(err))
		} else if err != nil {
			storeErr = fmt.Errorf("failed to store message uid %d: %w", fm.UID, err)
			break
		}
		highest = fm.UID
	}

	if highest > cursor {
		if err := e.store.SaveCursor(ctx, account.ID, p.cursor, highest); err != nil {
			return fmt.Errorf("failed to save cursor: %w", err)
		}
		account.SetCursor(p.cursor, highest)
	}
	if storeErr != nil {
		return storeErr
	}
	return ctx.Err()
}

func (e *Engine) processMessage(ctx context.Context, account *models.MailAccount, p pass, fm *imap.FetchedMessage, stats *accountStats) error {
	exists, err := e.store.MessageUIDExists(ctx, account.ID, p.mailbox, fm.UID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	parsed, err := imap.ParseMessage(fm)
	if err != nil {
		return fmt.Errorf("%w: %w", errUnparseable, err)
	}

	msg := e.buildMessage(account, p.mailbox, parsed)

	if parsed.MessageID != "" {
		known, err := e.store.ThreadIDByExternalID(ctx, account.ID, parsed.MessageID)
		if err != nil {
			return err
		}
		if known != "" {
			if p.onKnown == "" {
				return nil
			}
			if err := e.store.SetThreadStatus(ctx, known, p.onKnown, msg.ReceivedAt); err != nil {
				return err
			}
			stats.changed = appendUnique(stats.changed, known)
			return nil
		}
	}

	threadID := ""
	if p.resolve {
		var match threading.Match
		threadID, match, err = e.resolver.Resolve(ctx, threading.Candidate{
			OrgID:      account.OrgID,
			AccountID:  account.ID,
			MessageID:  parsed.MessageID,
			InReplyTo:  parsed.InReplyTo,
			References: parsed.References,
			Subject:    parsed.Subject,
		})
		if err != nil {
			return err
		}
		if threadID != "" {
			e.logger.Debug("Threaded message", zap.Uint32("uid", fm.UID), zap.String("match", string(match)))
		}
	}

	if threadID != "" {
		inserted, err := e.store.AppendMessage(ctx, threadID, msg)
		if err != nil {
			return err
		}
		if inserted {
			stats.add(threadID, false)
		}
		return nil
	}

	thread := &models.Thread{
		OrgID:         account.OrgID,
		Channel:       models.ChannelEmail,
		Status:        p.status,
		Subject:       msg.Subject,
		FromAddress:   msg.FromAddress,
		MailAccountID: account.ID,
		LastMessageAt: msg.ReceivedAt,
	}
	created, err := e.store.CreateThreadWithMessage(ctx, thread, msg)
	if err != nil {
		return err
	}
	if created {
		stats.add(thread.ID, true)
	}
	return nil
}

func (e *Engine) buildMessage(account *models.MailAccount, mailbox string, parsed *imap.ParsedMessage) *models.Message {
	uid := parsed.UID

	externalID := parsed.MessageID
	if externalID == "" {
		externalID = fmt.Sprintf("uid-%s-%d", account.ID, uid)
	}

	subject := strings.TrimSpace(parsed.Subject)
	if subject == "" {
		subject = noSubject
	}

	received := parsed.Date
	if received.IsZero() {
		received = e.now()
	}

	direction := models.DirectionInbound
	if account.OwnsAddress(parsed.From) {
		direction = models.DirectionOutbound
	}

	return &models.Message{
		MailAccountID: account.ID,
		Direction:     direction,
		FromAddress:   parsed.From,
		ToAddresses:   parsed.To,
		CCAddresses:   parsed.CC,
		Subject:       subject,
		BodyText:      parsed.Text,
		BodyHTML:      parsed.HTML,
		ExternalID:    externalID,
		InReplyTo:     parsed.InReplyTo,
		References:    parsed.References,
		Mailbox:       mailbox,
		ExternalUID:   &uid,
		ReceivedAt:    received.UTC().Truncate(time.Microsecond),
	}
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
