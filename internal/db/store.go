package db

import (
	"context"
	"time"

	"github.com/gojolo/inbox/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store binds the package functions to a pool so the engines can depend on
// small interfaces instead of *pgxpool.Pool.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (*models.MailAccount, error) {
	return GetAccount(ctx, s.pool, accountID)
}

func (s *Store) FirstActiveAccount(ctx context.Context, orgID string) (*models.MailAccount, error) {
	return FirstActiveAccount(ctx, s.pool, orgID)
}

func (s *Store) CreateAccount(ctx context.Context, a *models.MailAccount) error {
	return CreateAccount(ctx, s.pool, a)
}

func (s *Store) ListSyncAccounts(ctx context.Context, scope models.SyncScope) ([]*models.MailAccount, error) {
	return ListSyncAccounts(ctx, s.pool, scope)
}

func (s *Store) SaveCursor(ctx context.Context, accountID string, field models.CursorField, uid uint32) error {
	return SaveCursor(ctx, s.pool, accountID, field, uid)
}

func (s *Store) RecordAccountError(ctx context.Context, accountID, message string) error {
	return RecordAccountError(ctx, s.pool, accountID, message)
}

func (s *Store) RecordAccountSuccess(ctx context.Context, accountID string, at time.Time) error {
	return RecordAccountSuccess(ctx, s.pool, accountID, at)
}

func (s *Store) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	return GetThread(ctx, s.pool, threadID)
}

func (s *Store) CreateThreadWithMessage(ctx context.Context, t *models.Thread, m *models.Message) (bool, error) {
	return CreateThreadWithMessage(ctx, s.pool, t, m)
}

func (s *Store) AppendMessage(ctx context.Context, threadID string, m *models.Message) (bool, error) {
	return AppendMessage(ctx, s.pool, threadID, m)
}

func (s *Store) SetThreadStatus(ctx context.Context, threadID string, status models.ThreadStatus, touch time.Time) error {
	return SetThreadStatus(ctx, s.pool, threadID, status, touch)
}

func (s *Store) RecentEmailThreads(ctx context.Context, orgID string, since time.Time, limit int) ([]models.Thread, error) {
	return RecentEmailThreads(ctx, s.pool, orgID, since, limit)
}

func (s *Store) MessageUIDExists(ctx context.Context, accountID, mailbox string, uid uint32) (bool, error) {
	return MessageUIDExists(ctx, s.pool, accountID, mailbox, uid)
}

func (s *Store) ThreadIDByExternalID(ctx context.Context, accountID, externalID string) (string, error) {
	return ThreadIDByExternalID(ctx, s.pool, accountID, externalID)
}

func (s *Store) ThreadIDReferencing(ctx context.Context, accountID, externalID string) (string, error) {
	return ThreadIDReferencing(ctx, s.pool, accountID, externalID)
}

func (s *Store) LatestMessageID(ctx context.Context, threadID string) (string, error) {
	return LatestMessageID(ctx, s.pool, threadID)
}

func (s *Store) RecentThreadMessages(ctx context.Context, threadID string, limit int) ([]models.Message, error) {
	return RecentThreadMessages(ctx, s.pool, threadID, limit)
}

func (s *Store) UserIDForToken(ctx context.Context, token string) (string, error) {
	return UserIDForToken(ctx, s.pool, token)
}

func (s *Store) IsOrgMember(ctx context.Context, orgID, userID string) (bool, error) {
	return IsOrgMember(ctx, s.pool, orgID, userID)
}

func (s *Store) IsOrgAdmin(ctx context.Context, orgID, userID string) (bool, error) {
	return IsOrgAdmin(ctx, s.pool, orgID, userID)
}
