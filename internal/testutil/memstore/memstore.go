// Package memstore is an in-memory stand-in for db.Store used by engine
// tests that do not need a database container.
package memstore

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gojolo/inbox/internal/db"
	"github.com/gojolo/inbox/internal/models"
	"github.com/google/uuid"
)

type storedMessage struct {
	models.Message
	seq int
}

// Store keeps accounts, threads and messages in maps guarded by one mutex.
type Store struct {
	mu       sync.Mutex
	seq      int
	accounts []*models.MailAccount
	threads  map[string]*models.Thread
	messages []*storedMessage
	tokens   map[string]string
	roles    map[string]map[string]string
	failures map[string]error

	// AfterAppend runs, without the lock held, after AppendMessage stored a
	// message. Tests use it to interleave concurrent writes.
	AfterAppend func(threadID string)
}

func New() *Store {
	return &Store{
		threads:  make(map[string]*models.Thread),
		tokens:   make(map[string]string),
		roles:    make(map[string]map[string]string),
		failures: make(map[string]error),
	}
}

// FailOn makes the named method return err until cleared with a nil err.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, method)
		return
	}
	s.failures[method] = err
}

func (s *Store) fail(method string) error {
	return s.failures[method]
}

func (s *Store) next() int {
	s.seq++
	return s.seq
}

// AddAccount registers an account, assigning an id when missing.
func (s *Store) AddAccount(a *models.MailAccount) *models.MailAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().Add(time.Duration(s.next()) * time.Millisecond)
	}
	s.accounts = append(s.accounts, a)
	return a
}

// AddToken maps a bearer token to a user.
func (s *Store) AddToken(token, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = userID
}

// AddMember grants userID a role in orgID.
func (s *Store) AddMember(orgID, userID, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roles[orgID] == nil {
		s.roles[orgID] = make(map[string]string)
	}
	s.roles[orgID][userID] = role
}

// Account returns a copy of the stored account.
func (s *Store) Account(id string) models.MailAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.ID == id {
			return *a
		}
	}
	return models.MailAccount{}
}

// Threads returns copies of all threads ordered by creation.
func (s *Store) Threads() []models.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Thread, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Messages returns copies of a thread's messages in insertion order.
func (s *Store) Messages(threadID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.messages {
		if m.ThreadID == threadID {
			out = append(out, m.Message)
		}
	}
	return out
}

// MessageCount returns the number of stored messages.
func (s *Store) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *Store) findAccount(id string) *models.MailAccount {
	for _, a := range s.accounts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (*models.MailAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetAccount"); err != nil {
		return nil, err
	}
	a := s.findAccount(accountID)
	if a == nil {
		return nil, db.ErrAccountNotFound
	}
	c := *a
	return &c, nil
}

func (s *Store) FirstActiveAccount(ctx context.Context, orgID string) (*models.MailAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.OrgID == orgID && a.Active {
			c := *a
			return &c, nil
		}
	}
	return nil, db.ErrAccountNotFound
}

func (s *Store) CreateAccount(ctx context.Context, a *models.MailAccount) error {
	s.mu.Lock()
	if err := s.fail("CreateAccount"); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	stored := *a
	s.AddAccount(&stored)
	a.ID = stored.ID
	a.CreatedAt = stored.CreatedAt
	return nil
}

func (s *Store) ListSyncAccounts(ctx context.Context, scope models.SyncScope) ([]*models.MailAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ListSyncAccounts"); err != nil {
		return nil, err
	}
	var out []*models.MailAccount
	for _, a := range s.accounts {
		if !a.Active {
			continue
		}
		if scope.OrgID != "" && a.OrgID != scope.OrgID {
			continue
		}
		if scope.AccountID != "" && a.ID != scope.AccountID {
			continue
		}
		c := *a
		out = append(out, &c)
	}
	return out, nil
}

func (s *Store) SaveCursor(ctx context.Context, accountID string, field models.CursorField, uid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("SaveCursor"); err != nil {
		return err
	}
	if a := s.findAccount(accountID); a != nil && uid > a.Cursor(field) {
		a.SetCursor(field, uid)
	}
	return nil
}

func (s *Store) RecordAccountError(ctx context.Context, accountID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.findAccount(accountID); a != nil {
		a.LastError = message
	}
	return nil
}

func (s *Store) RecordAccountSuccess(ctx context.Context, accountID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.findAccount(accountID); a != nil {
		a.LastError = ""
		a.LastFetchAt = &at
	}
	return nil
}

func (s *Store) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return nil, db.ErrThreadNotFound
	}
	c := *t
	return &c, nil
}

// duplicate mirrors the two unique keys on messages.
func (s *Store) duplicate(m *models.Message) bool {
	for _, existing := range s.messages {
		if existing.MailAccountID != m.MailAccountID {
			continue
		}
		if existing.ExternalID == m.ExternalID {
			return true
		}
		if m.ExternalUID != nil && existing.ExternalUID != nil &&
			existing.Mailbox == m.Mailbox && *existing.ExternalUID == *m.ExternalUID {
			return true
		}
	}
	return false
}

func (s *Store) insert(m *models.Message) {
	m.ID = uuid.NewString()
	m.CreatedAt = time.Now()
	s.messages = append(s.messages, &storedMessage{Message: *m, seq: s.next()})
}

func (s *Store) CreateThreadWithMessage(ctx context.Context, t *models.Thread, m *models.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateThreadWithMessage"); err != nil {
		return false, err
	}
	if s.duplicate(m) {
		return false, nil
	}

	t.ID = uuid.NewString()
	if t.Channel == "" {
		t.Channel = models.ChannelEmail
	}
	now := time.Now().Add(time.Duration(s.next()) * time.Microsecond)
	t.CreatedAt, t.UpdatedAt = now, now
	stored := *t
	s.threads[t.ID] = &stored

	m.ThreadID = t.ID
	s.insert(m)
	return true, nil
}

func (s *Store) AppendMessage(ctx context.Context, threadID string, m *models.Message) (bool, error) {
	s.mu.Lock()
	if err := s.fail("AppendMessage"); err != nil {
		s.mu.Unlock()
		return false, err
	}
	t, ok := s.threads[threadID]
	if !ok {
		s.mu.Unlock()
		return false, db.ErrThreadNotFound
	}
	if s.duplicate(m) {
		s.mu.Unlock()
		return false, nil
	}

	m.ThreadID = threadID
	s.insert(m)
	if t.Status == models.StatusClosed && m.Direction == models.DirectionInbound && !m.ReceivedAt.Before(t.LastMessageAt) {
		t.Status = models.StatusOpen
	}
	if m.ReceivedAt.After(t.LastMessageAt) {
		t.LastMessageAt = m.ReceivedAt
	}
	t.UpdatedAt = time.Now()
	hook := s.AfterAppend
	s.mu.Unlock()

	if hook != nil {
		hook(threadID)
	}
	return true, nil
}

func (s *Store) SetThreadStatus(ctx context.Context, threadID string, status models.ThreadStatus, touch time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("SetThreadStatus"); err != nil {
		return err
	}
	t, ok := s.threads[threadID]
	if !ok {
		return db.ErrThreadNotFound
	}
	t.Status = status
	if touch.After(t.LastMessageAt) {
		t.LastMessageAt = touch
	}
	t.UpdatedAt = time.Now()
	return nil
}

func (s *Store) RecentEmailThreads(ctx context.Context, orgID string, since time.Time, limit int) ([]models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Thread
	for _, t := range s.threads {
		if t.OrgID == orgID && t.Channel == models.ChannelEmail && !t.LastMessageAt.Before(since) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MessageUIDExists(ctx context.Context, accountID, mailbox string, uid uint32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.MailAccountID == accountID && m.Mailbox == mailbox && m.ExternalUID != nil && *m.ExternalUID == uid {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ThreadIDByExternalID(ctx context.Context, accountID, externalID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.MailAccountID == accountID && m.ExternalID == externalID {
			return m.ThreadID, nil
		}
	}
	return "", nil
}

func (s *Store) ThreadIDReferencing(ctx context.Context, accountID, externalID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *storedMessage
	for _, m := range s.messages {
		if m.MailAccountID != accountID {
			continue
		}
		if m.InReplyTo != externalID && !slices.Contains(m.References, externalID) {
			continue
		}
		if best == nil || m.ReceivedAt.Before(best.ReceivedAt) {
			best = m
		}
	}
	if best == nil {
		return "", nil
	}
	return best.ThreadID, nil
}

// ordered returns a thread's messages newest first.
func (s *Store) ordered(threadID string) []*storedMessage {
	var out []*storedMessage
	for _, m := range s.messages {
		if m.ThreadID == threadID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.After(out[j].ReceivedAt)
		}
		return out[i].seq > out[j].seq
	})
	return out
}

func (s *Store) LatestMessageID(ctx context.Context, threadID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("LatestMessageID"); err != nil {
		return "", err
	}
	msgs := s.ordered(threadID)
	if len(msgs) == 0 {
		return "", db.ErrMessageNotFound
	}
	return msgs[0].ID, nil
}

func (s *Store) RecentThreadMessages(ctx context.Context, threadID string, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.ordered(threadID)
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Message)
	}
	return out, nil
}

func (s *Store) UserIDForToken(ctx context.Context, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.tokens[token]
	if !ok {
		return "", db.ErrTokenNotFound
	}
	return userID, nil
}

func (s *Store) IsOrgMember(ctx context.Context, orgID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.roles[orgID][userID]
	return ok, nil
}

func (s *Store) IsOrgAdmin(ctx context.Context, orgID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role := strings.ToLower(s.roles[orgID][userID])
	return role == "admin" || role == "owner", nil
}
