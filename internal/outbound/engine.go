// Package outbound sends replies and new messages through an account's SMTP
// relay and records them in the thread store.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/customeros/mailsherpa/mailvalidate"
	"github.com/gojolo/inbox/internal/crypto"
	"github.com/gojolo/inbox/internal/db"
	"github.com/gojolo/inbox/internal/logging"
	"github.com/gojolo/inbox/internal/mailerr"
	"github.com/gojolo/inbox/internal/models"
	"github.com/gojolo/inbox/internal/smtp"
	"github.com/gojolo/inbox/internal/storage"
	"github.com/gojolo/inbox/internal/threading"
	"github.com/google/uuid"
	"github.com/jaytaylor/html2text"
	"go.uber.org/zap"
)

// ReferencesLimit is how many prior messages feed the References header.
const ReferencesLimit = 10

const noSubject = "(No subject)"

// ErrUnsupportedChannel is returned for replies to non-email threads.
var ErrUnsupportedChannel = errors.New("reply is only supported for email threads")

// Store is the persistence the send engine reads and writes.
type Store interface {
	GetAccount(ctx context.Context, accountID string) (*models.MailAccount, error)
	FirstActiveAccount(ctx context.Context, orgID string) (*models.MailAccount, error)
	GetThread(ctx context.Context, threadID string) (*models.Thread, error)
	RecentThreadMessages(ctx context.Context, threadID string, limit int) ([]models.Message, error)
	CreateThreadWithMessage(ctx context.Context, t *models.Thread, m *models.Message) (bool, error)
	AppendMessage(ctx context.Context, threadID string, m *models.Message) (bool, error)
	LatestMessageID(ctx context.Context, threadID string) (string, error)
	SetThreadStatus(ctx context.Context, threadID string, status models.ThreadStatus, touch time.Time) error
}

// Notifier is told which thread a send touched.
type Notifier interface {
	InboxUpdated(orgID string, threadIDs []string)
}

type nopNotifier struct{}

func (nopNotifier) InboxUpdated(string, []string) {}

type Engine struct {
	store     Store
	vault     crypto.Vault
	transport smtp.Transport
	blobs     storage.BlobStore
	notifier  Notifier
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
}

func NewEngine(store Store, vault crypto.Vault, transport smtp.Transport, blobs storage.BlobStore, notifier Notifier, logger *zap.Logger) *Engine {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:     store,
		vault:     vault,
		transport: transport,
		blobs:     blobs,
		notifier:  notifier,
		logger:    logger.Named("outbound"),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// WithClock replaces the time source used for sent timestamps.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// draft is a validated send request with everything resolved.
type draft struct {
	req     *models.SendRequest
	thread  *models.Thread
	history []models.Message // newest first
	account *models.MailAccount
	from    string
	to      string
	cc      []string
	bcc     []string
	subject string
}

// Send transmits the message, then records it. Nothing is written when
// transmission fails. A *mailerr.PersistenceError means the mail went out but
// the result has Recorded=false.
func (e *Engine) Send(ctx context.Context, req *models.SendRequest) (*models.SendResult, error) {
	d, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	password, err := e.credential(d.account)
	if err != nil {
		return nil, err
	}

	out, err := e.compose(ctx, d)
	if err != nil {
		return nil, err
	}

	env, err := smtp.Compose(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mailerr.ErrInvalidRequest, err)
	}

	settings := d.account.SMTP
	settings.Username = d.account.SMTPUsername()

	log := e.logger.With(zap.String("account_id", d.account.ID), logging.Email("to", d.to))
	if err := e.transport.Send(ctx, settings, password, env); err != nil {
		log.Warn("Send failed", zap.Error(err))
		return nil, &mailerr.SendFailedError{Err: err}
	}

	msg := &models.Message{
		MailAccountID: d.account.ID,
		Direction:     models.DirectionOutbound,
		FromAddress:   d.from,
		ToAddresses:   []string{d.to},
		CCAddresses:   d.cc,
		Subject:       d.subject,
		BodyText:      out.Text,
		BodyHTML:      out.HTML,
		ExternalID:    threading.NormalizeMessageID(out.MessageID),
		InReplyTo:     out.InReplyTo,
		References:    out.References,
		ReceivedAt:    out.Date,
	}

	result, err := e.record(ctx, d, msg)
	if err != nil {
		log.Error("Message sent but not recorded", zap.Error(err))
		return result, err
	}

	e.notifier.InboxUpdated(d.account.OrgID, []string{result.ThreadID})
	log.Info("Message sent", zap.String("thread_id", result.ThreadID), zap.Bool("closed", result.Closed))
	return result, nil
}

func (e *Engine) prepare(ctx context.Context, req *models.SendRequest) (*draft, error) {
	if strings.TrimSpace(req.Body) == "" {
		return nil, fmt.Errorf("%w: body is required", mailerr.ErrInvalidRequest)
	}
	if req.Compose && req.ThreadID != "" {
		return nil, fmt.Errorf("%w: threadId and compose are mutually exclusive", mailerr.ErrInvalidRequest)
	}
	if !req.Compose && req.ThreadID == "" {
		return nil, fmt.Errorf("%w: threadId is required", mailerr.ErrInvalidRequest)
	}

	d := &draft{req: req}

	if !req.Compose {
		thread, err := e.store.GetThread(ctx, req.ThreadID)
		if err != nil {
			return nil, err
		}
		if thread.OrgID != req.OrgID {
			return nil, mailerr.ErrForbidden
		}
		if thread.Channel != models.ChannelEmail {
			return nil, ErrUnsupportedChannel
		}
		history, err := e.store.RecentThreadMessages(ctx, thread.ID, ReferencesLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to load thread history: %w", err)
		}
		d.thread, d.history = thread, history
	}

	account, err := e.resolveAccount(ctx, d)
	if err != nil {
		return nil, err
	}
	d.account = account

	d.from = account.Email
	if req.From != "" {
		if !account.OwnsAddress(req.From) {
			return nil, fmt.Errorf("%w: %s is not an address of this account", mailerr.ErrInvalidRequest, req.From)
		}
		d.from = strings.ToLower(strings.TrimSpace(req.From))
	}

	to, err := e.resolveRecipient(d)
	if err != nil {
		return nil, err
	}
	d.to = to

	if d.cc, err = cleanAddresses("cc", req.CC); err != nil {
		return nil, err
	}
	if d.bcc, err = cleanAddresses("bcc", req.BCC); err != nil {
		return nil, err
	}

	d.subject = subjectFor(d)
	return d, nil
}

// resolveAccount picks the explicit account, else the account that last
// handled the thread, else the organization's first active account.
func (e *Engine) resolveAccount(ctx context.Context, d *draft) (*models.MailAccount, error) {
	accountID := d.req.AccountID
	if accountID == "" && d.thread != nil {
		for _, m := range d.history {
			if m.MailAccountID != "" {
				accountID = m.MailAccountID
				break
			}
		}
		if accountID == "" {
			accountID = d.thread.MailAccountID
		}
	}

	var account *models.MailAccount
	var err error
	switch {
	case accountID != "":
		account, err = e.store.GetAccount(ctx, accountID)
	case d.req.Compose:
		account, err = e.store.FirstActiveAccount(ctx, d.req.OrgID)
	default:
		return nil, mailerr.ErrNoAccountConfigured
	}
	if errors.Is(err, db.ErrAccountNotFound) {
		return nil, mailerr.ErrNoAccountConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve account: %w", err)
	}

	if account.OrgID != d.req.OrgID {
		return nil, mailerr.ErrForbidden
	}
	if account.SMTP.Host == "" {
		return nil, fmt.Errorf("%w: account %s has no SMTP server", mailerr.ErrNoAccountConfigured, account.Email)
	}
	return account, nil
}

// resolveRecipient uses the explicit address, else the sender of the newest
// inbound message of the thread.
func (e *Engine) resolveRecipient(d *draft) (string, error) {
	to := strings.TrimSpace(d.req.To)
	if to == "" {
		for _, m := range d.history {
			if m.Direction == models.DirectionInbound && m.FromAddress != "" {
				to = m.FromAddress
				break
			}
		}
	}
	// Recent history can be all outbound; the thread keeps its counterparty.
	if to == "" && d.thread != nil && !d.account.OwnsAddress(d.thread.FromAddress) {
		to = strings.TrimSpace(d.thread.FromAddress)
	}
	if to == "" {
		return "", mailerr.ErrRecipientRequired
	}

	validation := mailvalidate.ValidateEmailSyntax(to)
	if !validation.IsValid {
		return "", fmt.Errorf("%w: %q is not a valid address", mailerr.ErrRecipientRequired, to)
	}
	return validation.CleanEmail, nil
}

func cleanAddresses(field string, addrs []string) ([]string, error) {
	var out []string
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		validation := mailvalidate.ValidateEmailSyntax(a)
		if !validation.IsValid {
			return nil, fmt.Errorf("%w: invalid %s address %q", mailerr.ErrInvalidRequest, field, a)
		}
		out = append(out, validation.CleanEmail)
	}
	return out, nil
}

func subjectFor(d *draft) string {
	subject := strings.TrimSpace(d.req.Subject)
	if d.thread == nil {
		if subject == "" {
			return noSubject
		}
		return subject
	}

	if subject == "" {
		subject = strings.TrimSpace(d.thread.Subject)
	}
	if subject == "" {
		subject = noSubject
	}
	if !threading.HasReplyPrefix(subject) {
		subject = "Re: " + subject
	}
	return subject
}

func (e *Engine) credential(account *models.MailAccount) (string, error) {
	blob := account.EncryptedSMTPPassword
	if blob == "" {
		blob = account.EncryptedIMAPPassword
	}
	if blob == "" {
		return "", fmt.Errorf("%w: no SMTP credentials for this account", mailerr.ErrNoAccountConfigured)
	}

	password, err := e.vault.DecryptString(blob)
	if errors.Is(err, crypto.ErrKeyNotConfigured) {
		return "", fmt.Errorf("%w: ENCRYPTION_KEY not configured", mailerr.ErrConfiguration)
	}
	if err != nil {
		return "", err
	}
	return password, nil
}

func (e *Engine) compose(ctx context.Context, d *draft) (*smtp.Outgoing, error) {
	out := &smtp.Outgoing{
		FromName:  d.account.Label,
		From:      d.from,
		To:        []string{d.to},
		CC:        d.cc,
		BCC:       d.bcc,
		Subject:   d.subject,
		MessageID: e.newID() + "@" + smtp.Domain(d.from),
		Date:      e.now().UTC().Truncate(time.Microsecond),
	}

	if d.req.IsHTML {
		out.HTML = d.req.Body
		out.Text = PlainText(d.req.Body)
	} else {
		out.Text = d.req.Body
	}

	if len(d.history) > 0 {
		if id := d.history[0].ExternalID; isRealMessageID(id) {
			out.InReplyTo = id
		}
		// history is newest first; References lists oldest first.
		for i := len(d.history) - 1; i >= 0; i-- {
			if id := d.history[i].ExternalID; isRealMessageID(id) {
				out.References = append(out.References, id)
			}
		}
	}

	for _, ref := range d.req.Attachments {
		a, err := e.attachment(ctx, ref)
		if err != nil {
			return nil, err
		}
		out.Attachments = append(out.Attachments, a)
	}

	return out, nil
}

func (e *Engine) attachment(ctx context.Context, ref models.AttachmentRef) (smtp.Attachment, error) {
	if e.blobs == nil {
		return smtp.Attachment{}, fmt.Errorf("%w: attachments are not configured", mailerr.ErrConfiguration)
	}
	content, err := e.blobs.Fetch(ctx, ref.FilePath)
	if err != nil {
		return smtp.Attachment{}, fmt.Errorf("failed to load attachment %s: %w", ref.FilePath, err)
	}

	name := ref.FileName
	if name == "" {
		name = path.Base(ref.FilePath)
	}
	return smtp.Attachment{
		FileName:    name,
		ContentType: storage.ContentType(name, ref.ContentType),
		Content:     content,
	}, nil
}

// isRealMessageID rejects ids synthesized for mail without a Message-ID.
func isRealMessageID(id string) bool {
	return strings.Contains(id, "@") && !strings.HasPrefix(id, "uid-")
}

// PlainText derives the text alternative of an HTML body.
func PlainText(html string) string {
	text, err := html2text.FromString(html, html2text.Options{})
	if err != nil {
		return html
	}
	return text
}
