// Package mailsync polls IMAP accounts and mirrors their mail into threads.
package mailsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gojolo/inbox/internal/crypto"
	"github.com/gojolo/inbox/internal/imap"
	"github.com/gojolo/inbox/internal/logging"
	"github.com/gojolo/inbox/internal/mailerr"
	"github.com/gojolo/inbox/internal/models"
	"github.com/gojolo/inbox/internal/threading"
	"go.uber.org/zap"
)

// DefaultBootstrapCount is how many of the newest messages a mailbox without
// a cursor imports.
const DefaultBootstrapCount = 100

// Store is the persistence the sync engine writes through.
type Store interface {
	threading.Lookup
	ListSyncAccounts(ctx context.Context, scope models.SyncScope) ([]*models.MailAccount, error)
	MessageUIDExists(ctx context.Context, accountID, mailbox string, uid uint32) (bool, error)
	CreateThreadWithMessage(ctx context.Context, t *models.Thread, m *models.Message) (bool, error)
	AppendMessage(ctx context.Context, threadID string, m *models.Message) (bool, error)
	SetThreadStatus(ctx context.Context, threadID string, status models.ThreadStatus, touch time.Time) error
	SaveCursor(ctx context.Context, accountID string, field models.CursorField, uid uint32) error
	RecordAccountError(ctx context.Context, accountID, message string) error
	RecordAccountSuccess(ctx context.Context, accountID string, at time.Time) error
}

// Notifier is told which threads changed after an account sync.
type Notifier interface {
	InboxUpdated(orgID string, threadIDs []string)
}

type nopNotifier struct{}

func (nopNotifier) InboxUpdated(string, []string) {}

type Engine struct {
	store     Store
	vault     crypto.Vault
	dialer    imap.Dialer
	resolver  *threading.Resolver
	notifier  Notifier
	logger    *zap.Logger
	bootstrap uint32
	now       func() time.Time
}

func NewEngine(store Store, vault crypto.Vault, dialer imap.Dialer, notifier Notifier, logger *zap.Logger, bootstrapCount int) *Engine {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if bootstrapCount <= 0 {
		bootstrapCount = DefaultBootstrapCount
	}
	return &Engine{
		store:     store,
		vault:     vault,
		dialer:    dialer,
		resolver:  threading.NewResolver(store),
		notifier:  notifier,
		logger:    logger.Named("mailsync"),
		bootstrap: uint32(bootstrapCount),
		now:       time.Now,
	}
}

// WithClock replaces the engine's time source, including the resolver's.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	e.resolver.WithClock(now)
	return e
}

// accountStats is what one account contributed to the batch.
type accountStats struct {
	threadsCreated   int
	messagesInserted int
	changed          []string

	// warnings are failures that did not stop the account, such as trash sync.
	warnings []string
}

func (s *accountStats) add(threadID string, created bool) {
	s.messagesInserted++
	if created {
		s.threadsCreated++
	}
	s.changed = appendUnique(s.changed, threadID)
}

// Sync processes every active account selected by scope, one at a time.
// Account failures are recorded on the account and reported in the result;
// the returned error is reserved for failures that stop the whole batch.
func (e *Engine) Sync(ctx context.Context, scope models.SyncScope) (*models.SyncResult, error) {
	accounts, err := e.store.ListSyncAccounts(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	result := &models.SyncResult{}
	if len(accounts) == 0 {
		result.Errors = []string{"No active accounts to sync"}
		return result, nil
	}

	for _, account := range accounts {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("sync cancelled: %v", err))
			break
		}

		stats, err := e.syncAccount(ctx, account)
		if stats != nil {
			result.ThreadsCreated += stats.threadsCreated
			result.MessagesInserted += stats.messagesInserted
			if len(stats.changed) > 0 {
				e.notifier.InboxUpdated(account.OrgID, stats.changed)
			}
			for _, w := range stats.warnings {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", account.IMAP.Username, w))
			}
		}
		if errors.Is(err, crypto.ErrKeyNotConfigured) {
			return result, fmt.Errorf("%w: ENCRYPTION_KEY not configured", mailerr.ErrConfiguration)
		}
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", account.IMAP.Username, err))
			continue
		}
		result.Synced++
	}

	e.logger.Info("Sync finished",
		zap.Int("accounts", len(accounts)),
		zap.Int("synced", result.Synced),
		zap.Int("threads_created", result.ThreadsCreated),
		zap.Int("messages_inserted", result.MessagesInserted),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

func (e *Engine) syncAccount(ctx context.Context, account *models.MailAccount) (*accountStats, error) {
	log := e.logger.With(zap.String("account_id", account.ID), logging.Email("account", account.Email))

	password, err := e.vault.DecryptString(account.EncryptedIMAPPassword)
	if errors.Is(err, crypto.ErrKeyNotConfigured) {
		return nil, err
	}
	if err != nil {
		log.Warn("Failed to decrypt credentials", zap.Error(err))
		e.recordError(ctx, account, "Decrypt failed")
		return nil, crypto.ErrDecrypt
	}

	session, err := e.dialer.Dial(account.IMAP, password)
	if err != nil {
		log.Warn("Failed to connect", zap.Error(err))
		e.recordError(ctx, account, err.Error())
		return nil, err
	}
	defer func() {
		if err := session.Logout(); err != nil {
			log.Debug("Logout failed", zap.Error(err))
		}
	}()

	stats := &accountStats{}
	gmail := account.IsGmail()

	if err := e.syncMailbox(ctx, session, account, inboxPass(gmail), stats); err != nil {
		log.Warn("Mailbox sync failed", zap.Error(err))
		e.recordError(ctx, account, err.Error())
		return stats, err
	}

	trash, err := imap.FindTrash(session, gmail)
	if err != nil {
		log.Warn("Could not list mailboxes for trash", zap.Error(err))
		stats.warnings = append(stats.warnings, fmt.Sprintf("trash sync: %v", err))
	} else if trash != "" {
		if err := e.syncMailbox(ctx, session, account, trashPass(trash), stats); err != nil {
			// The primary pass already committed; keep its results.
			log.Warn("Trash sync failed", zap.String("mailbox", trash), zap.Error(err))
			stats.warnings = append(stats.warnings, fmt.Sprintf("trash sync: %v", err))
		}
	}

	if err := e.store.RecordAccountSuccess(ctx, account.ID, e.now()); err != nil {
		log.Warn("Failed to record sync success", zap.Error(err))
	}
	if len(stats.warnings) > 0 {
		e.recordError(ctx, account, strings.Join(stats.warnings, "; "))
	}

	log.Info("Account synced",
		zap.Int("threads_created", stats.threadsCreated),
		zap.Int("messages_inserted", stats.messagesInserted),
	)
	return stats, nil
}

func (e *Engine) recordError(ctx context.Context, account *models.MailAccount, msg string) {
	if err := e.store.RecordAccountError(ctx, account.ID, msg); err != nil {
		e.logger.Warn("Failed to record account error", zap.String("account_id", account.ID), zap.Error(err))
	}
}
