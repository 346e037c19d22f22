package mailsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gojolo/inbox/internal/crypto"
	"github.com/gojolo/inbox/internal/imap"
	"github.com/gojolo/inbox/internal/mailerr"
	"github.com/gojolo/inbox/internal/models"
	"github.com/gojolo/inbox/internal/testutil"
	"github.com/gojolo/inbox/internal/testutil/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newAccount(t *testing.T, store *memstore.Store, orgID, email string) *models.MailAccount {
	t.Helper()
	return store.AddAccount(&models.MailAccount{
		OrgID:                 orgID,
		Email:                 email,
		IMAP:                  models.ServerSettings{Host: "imap.example.com", Port: 993, Encryption: models.EncryptionImplicitTLS, Username: email},
		EncryptedIMAPPassword: testutil.MustEncrypt(t, "imap-secret"),
		Active:                true,
	})
}

func newTestEngine(t *testing.T, store *memstore.Store, dialer imap.Dialer, notifier Notifier) *Engine {
	t.Helper()
	return NewEngine(store, testutil.GetTestEncryptor(t), dialer, notifier, zap.NewNop(), 100).
		WithClock(func() time.Time { return testNow })
}

func threadOf(t *testing.T, store *memstore.Store, externalID, accountID string) string {
	t.Helper()
	id, err := store.ThreadIDByExternalID(context.Background(), accountID, externalID)
	require.NoError(t, err)
	require.NotEmpty(t, id, "no thread for %s", externalID)
	return id
}

func TestSyncEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	account := newAccount(t, store, "org-1", "support@example.com")
	server := newFakeServer()
	notifier := &recordingNotifier{}
	engine := newTestEngine(t, store, server, notifier)

	server.add(t, "INBOX", 5, testutil.Message{MessageID: "<m5@example.org>", Subject: "Broken login", Date: testNow.Add(-3 * time.Hour)})
	server.add(t, "INBOX", 7, testutil.Message{MessageID: "<m7@example.org>", Subject: "Invoice question", Date: testNow.Add(-2 * time.Hour)})
	server.add(t, "INBOX", 9, testutil.Message{MessageID: "<m9@example.org>", Subject: "Feature request", Date: testNow.Add(-1 * time.Hour)})

	result, err := engine.Sync(ctx, models.SyncScope{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	assert.Equal(t, 3, result.ThreadsCreated)
	assert.Equal(t, 3, result.MessagesInserted)
	assert.Empty(t, result.Errors)
	assert.Equal(t, uint32(9), store.Account(account.ID).LastFetchedUID)
	assert.Len(t, notifier.events["org-1"], 3)

	server.add(t, "INBOX", 10, testutil.Message{
		MessageID: "<m10@example.org>",
		InReplyTo: "<m7@example.org>",
		Subject:   "Re: Invoice question",
		Date:      testNow.Add(-30 * time.Minute),
	})

	result, err = engine.Sync(ctx, models.SyncScope{})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ThreadsCreated)
	assert.Equal(t, 1, result.MessagesInserted)
	assert.Equal(t, uint32(10), store.Account(account.ID).LastFetchedUID)
	assert.Equal(t, threadOf(t, store, "m7@example.org", account.ID), threadOf(t, store, "m10@example.org", account.ID))
	assert.Equal(t, []uint32{1, 10}, server.fetchFrom["INBOX"])

	got := store.Account(account.ID)
	assert.Empty(t, got.LastError)
	require.NotNil(t, got.LastFetchAt)
}

func TestSyncIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	account := newAccount(t, store, "org-1", "support@example.com")
	server := newFakeServer()
	engine := newTestEngine(t, store, server, nil)

	server.add(t, "INBOX", 1, testutil.Message{MessageID: "<a@example.org>", Subject: "Hello", Date: testNow.Add(-time.Hour)})
	server.add(t, "INBOX", 2, testutil.Message{MessageID: "<b@example.org>", Subject: "Other", Date: testNow.Add(-time.Hour)})

	_, err := engine.Sync(ctx, models.SyncScope{})
	require.NoError(t, err)
	before := store.MessageCount()

	result, err := engine.Sync(ctx, models.SyncScope{})
	require.NoError(t, err)
	assert.Equal(t, 0, result.MessagesInserted)
	assert.Equal(t, 0, result.ThreadsCreated)
	assert.Equal(t, 1, result.Synced)
	assert.Equal(t, before, store.MessageCount())
	assert.Equal(t, uint32(2), store.Account(account.ID).LastFetchedUID)
}

func TestSyncRefetchDoesNotDuplicate(t *testing.T) {
	// A cursor that was not saved must not cause duplicates on the next run.
	ctx := context.Background()
	store := memstore.New()
	account := newAccount(t, store, "org-1", "support@example.com")
	server := newFakeServer()
	engine := newTestEngine(t, store, server, nil)

	server.add(t, "INBOX", 3, testutil.Message{MessageID: "<a@example.org>", Subject: "Hello", Date: testNow.Add(-time.Hour)})
	store.FailOn("SaveCursor", errors.New("connection reset"))

	result, err := engine.Sync(ctx, models.SyncScope{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.MessagesInserted)
	assert.Equal(t, 0, result.Synced)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, uint32(0), store.Account(account.ID).LastFetchedUID)

	store.FailOn("SaveCursor", nil)
	result, err = engine.Sync(ctx, models.SyncScope{})
	require.NoError(t, err)
	assert.Equal(t, 0, result.MessagesInserted)
	assert.Equal(t, 1, store.MessageCount())
	assert.Equal(t, uint32(3), store.Account(account.ID).LastFetchedUID)
}

func TestSyncBootstrapWindow(t *testing.T) {
	store := memstore.New()
	newAccount(t, store, "org-1", "support@example.com")
	server := newFakeServer()
	engine := NewEngine(store, testutil.GetTestEncryptor(t), server, nil, zap.NewNop(), 2).
		WithClock(func() time.Time { return testNow })

	for uid := uint32(1); uid <= 5; uid++ {
		server.add(t, "INBOX", uid, testutil.Message{Subject: "Bulk", Date: testNow.Add(-time.Hour)})
	}

	result, err := engine.Sync(context.Background(), models.SyncScope{})
	require.NoError(t, err)
	assert.Equal(t, []uint32{5}, server.fetchFrom["INBOX"])
	assert.Equal(t, 1, result.MessagesInserted)
}

func TestFetchStart(t *testing.T) {
	assert.Equal(t, uint32(10), fetchStart(9, 20, 100))
	assert.Equal(t, uint32(1), fetchStart(0, 50, 100))
	assert.Equal(t, uint32(201), fetchStart(0, 300, 100))
	assert.Equal(t, uint32(1), fetchStart(0, 100, 100))
}

func TestSyncSynthesizesMissingMessageID(t *testing.T) {
	store := memstore.New()
	account := newAccount(t, store, "org-1", "support@example.com")
	server := newFakeServer()
	engine := newTestEngine(t, store, server, nil)

	server.add(t, "INBOX", 4, testutil.Message{Subject: "", Date: testNow.Add(-time.Hour)})

	_, err := engine.Sync(context.Background(), models.SyncScope{})
	require.NoError(t, err)

	threads := store.Threads()
	require.Len(t, threads, 1)
	assert.Equal(t, "(No subject)", threads[0].Subject)
	assert.Equal(t, models.StatusOpen, threads[0].Status)

	msgs := store.Messages(threads[0].ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "uid-"+account.ID+"-4", msgs[0].ExternalID)
	assert.Equal(t, models.DirectionInbound, msgs[0].Direction)
	require.NotNil(t, msgs[0].ExternalUID)
	assert.Equal(t, uint32(4), *msgs[0].ExternalUID)
}

func TestSyncDetectsOwnMail(t *testing.T) {
	store := memstore.New()
	newAccount(t, store, "org-1", "support@example.com")
	server := newFakeServer()
	engine := newTestEngine(t, store, server, nil)

	server.add(t, "INBOX", 1, testutil.Message{
		MessageID: "<sent@example.com>",
		From:      "Support <support@example.com>",
		To:        "customer@example.org",
		Subject:   "Following up",
		Date:      testNow.Add(-time.Hour),
	})

	_, err := engine.Sync(context.Background(), models.SyncScope{})
	require.NoError(t, err)

	threads := store.Threads()
	require.Len(t, threads, 1)
	msgs := store.Messages(threads[0].ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.DirectionOutbound, msgs[0].Direction)
}

func TestSyncIsolatesAccountFailures(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	broken := store.AddAccount(&models.MailAccount{
		OrgID: "org-1", Email: "broken@example.com", Active: true,
		IMAP:                  models.ServerSettings{Host: "imap.example.com", Username: "broken@example.com"},
		EncryptedIMAPPassword: "not-a-valid-blob",
	})
	wrongPassword := store.AddAccount(&models.MailAccount{
		OrgID: "org-1", Email: "wrong@example.com", Active: true,
		IMAP:                  models.ServerSettings{Host: "imap.example.com", Username: "wrong@example.com"},
		EncryptedIMAPPassword: testutil.MustEncrypt(t, "stale-password"),
	})
	healthy := newAccount(t, store, "org-1", "support@example.com")

	server := newFakeServer()
	server.add(t, "INBOX", 1, testutil.Message{MessageID: "<a@example.org>", Subject: "Hello", Date: testNow.Add(-time.Hour)})
	engine := newTestEngine(t, store, server, nil)

	result, err := engine.Sync(ctx, models.SyncScope{OrgID: "org-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	assert.Equal(t, 1, result.MessagesInserted)
	assert.Equal(t, []string{
		"broken@example.com: failed to decrypt credentials",
		"wrong@example.com: authentication failed",
	}, result.Errors)

	assert.Equal(t, "Decrypt failed", store.Account(broken.ID).LastError)
	assert.Equal(t, "authentication failed", store.Account(wrongPassword.ID).LastError)
	assert.Empty(t, store.Account(healthy.ID).LastError)
	assert.Equal(t, uint32(1), store.Account(healthy.ID).LastFetchedUID)
}

func TestSyncWithoutAccounts(t *testing.T) {
	engine := newTestEngine(t, memstore.New(), newFakeServer(), nil)

	result, err := engine.Sync(context.Background(), models.SyncScope{OrgID: "org-empty"})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Synced)
	assert.Equal(t, []string{"No active accounts to sync"}, result.Errors)
}

func TestSyncWithoutEncryptionKey(t *testing.T) {
	store := memstore.New()
	newAccount(t, store, "org-1", "support@example.com")
	engine := NewEngine(store, crypto.Unconfigured(), newFakeServer(), nil, zap.NewNop(), 100)

	_, err := engine.Sync(context.Background(), models.SyncScope{})
	assert.ErrorIs(t, err, mailerr.ErrConfiguration)
}

func TestSyncMirrorsTrash(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	account := newAccount(t, store, "org-1", "support@example.com")
	server := newFakeServer()
	engine := newTestEngine(t, store, server, nil)

	server.add(t, "INBOX", 1, testutil.Message{MessageID: "<kept@example.org>", Subject: "Keep me", Date: testNow.Add(-2 * time.Hour)})
	server.add(t, "INBOX", 2, testutil.Message{MessageID: "<done@example.org>", Subject: "Done", Date: testNow.Add(-2 * time.Hour)})
	server.mailboxes["Deleted Items"] = &fakeMailbox{attrs: []string{`\Trash`}}
	server.add(t, "Deleted Items", 1, testutil.Message{MessageID: "<done@example.org>", Subject: "Done", Date: testNow.Add(-time.Hour)})
	server.add(t, "Deleted Items", 2, testutil.Message{MessageID: "<old@example.org>", Subject: "Never synced", Date: testNow.Add(-time.Hour)})

	result, err := engine.Sync(ctx, models.SyncScope{})
	require.NoError(t, err)
	assert.Equal(t, 3, result.ThreadsCreated)
	assert.Equal(t, 3, result.MessagesInserted)

	statusOf := func(externalID string) models.ThreadStatus {
		thread, err := store.GetThread(ctx, threadOf(t, store, externalID, account.ID))
		require.NoError(t, err)
		return thread.Status
	}
	assert.Equal(t, models.StatusOpen, statusOf("kept@example.org"))
	assert.Equal(t, models.StatusArchived, statusOf("done@example.org"))
	assert.Equal(t, models.StatusArchived, statusOf("old@example.org"))

	got := store.Account(account.ID)
	assert.Equal(t, uint32(2), got.LastFetchedUID)
	assert.Equal(t, uint32(2), got.LastFetchedUIDTrash)
}

func TestSyncTrashFailureKeepsInboxResults(t *testing.T) {
	store := memstore.New()
	account := newAccount(t, store, "org-1", "support@example.com")
	server := newFakeServer()
	server.add(t, "INBOX", 1, testutil.Message{MessageID: "<a@example.org>", Subject: "Hello", Date: testNow.Add(-time.Hour)})
	server.mailboxes["Trash"] = &fakeMailbox{}
	server.add(t, "Trash", 1, testutil.Message{MessageID: "<b@example.org>", Subject: "Bye", Date: testNow.Add(-time.Hour)})
	server.fetchErr["Trash"] = errors.New("fetch timed out")
	engine := newTestEngine(t, store, server, nil)

	result, err := engine.Sync(context.Background(), models.SyncScope{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	assert.Equal(t, 1, result.MessagesInserted)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "support@example.com: trash sync: ")
	assert.Contains(t, result.Errors[0], "fetch timed out")

	got := store.Account(account.ID)
	assert.Equal(t, uint32(1), got.LastFetchedUID)
	assert.Equal(t, uint32(0), got.LastFetchedUIDTrash)
	assert.Contains(t, got.LastError, "trash sync")
	require.NotNil(t, got.LastFetchAt)
}

func TestSyncStopsAtStoreFailure(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	account := newAccount(t, store, "org-1", "support@example.com")
	server := newFakeServer()
	server.add(t, "INBOX", 4, testutil.Message{MessageID: "<m4@example.org>", Subject: "Refund", Date: testNow.Add(-time.Hour)})
	engine := newTestEngine(t, store, server, nil)

	store.FailOn("CreateThreadWithMessage", errors.New("db down"))
	result, err := engine.Sync(ctx, models.SyncScope{})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Synced)
	assert.Equal(t, 0, result.MessagesInserted)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "failed to store message uid 4")
	assert.Contains(t, result.Errors[0], "db down")

	got := store.Account(account.ID)
	assert.Equal(t, uint32(0), got.LastFetchedUID)
	assert.Contains(t, got.LastError, "db down")
	assert.Equal(t, 0, store.MessageCount())

	store.FailOn("CreateThreadWithMessage", nil)
	result, err = engine.Sync(ctx, models.SyncScope{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	assert.Equal(t, 1, result.MessagesInserted)
	assert.Equal(t, uint32(4), store.Account(account.ID).LastFetchedUID)
	assert.Empty(t, store.Account(account.ID).LastError)
}

func TestSyncKeepsMessagesBeforeStoreFailure(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	account := newAccount(t, store, "org-1", "support@example.com")
	server := newFakeServer()
	server.add(t, "INBOX", 2, testutil.Message{MessageID: "<m2@example.org>", Subject: "First", Date: testNow.Add(-2 * time.Hour)})
	server.add(t, "INBOX", 3, testutil.Message{MessageID: "<m3@example.org>", InReplyTo: "<m2@example.org>", Subject: "Re: First", Date: testNow.Add(-time.Hour)})
	engine := newTestEngine(t, store, server, nil)

	store.FailOn("AppendMessage", errors.New("db down"))
	result, err := engine.Sync(ctx, models.SyncScope{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.MessagesInserted)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "failed to store message uid 3")
	assert.Equal(t, uint32(2), store.Account(account.ID).LastFetchedUID)
}

func TestSyncSkipsUnparseableMessage(t *testing.T) {
	store := memstore.New()
	account := newAccount(t, store, "org-1", "support@example.com")
	server := newFakeServer()
	server.mailboxes["INBOX"].messages = append(server.mailboxes["INBOX"].messages, &imap.FetchedMessage{UID: 1})
	server.add(t, "INBOX", 2, testutil.Message{MessageID: "<ok@example.org>", Subject: "Fine", Date: testNow.Add(-time.Hour)})
	engine := newTestEngine(t, store, server, nil)

	result, err := engine.Sync(context.Background(), models.SyncScope{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	assert.Equal(t, 1, result.MessagesInserted)
	assert.Empty(t, result.Errors)
	assert.Equal(t, uint32(2), store.Account(account.ID).LastFetchedUID)
}

func TestSyncConvergesOutOfOrder(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	account := newAccount(t, store, "org-1", "support@example.com")
	server := newFakeServer()
	engine := newTestEngine(t, store, server, nil)

	// The reply arrives first, with a subject that shares nothing with A.
	server.add(t, "INBOX", 1, testutil.Message{
		MessageID: "<b@example.org>",
		InReplyTo: "<a@example.org>",
		Subject:   "Re: quick thing",
		Date:      testNow.Add(-time.Hour),
	})
	_, err := engine.Sync(ctx, models.SyncScope{})
	require.NoError(t, err)

	server.add(t, "INBOX", 2, testutil.Message{MessageID: "<a@example.org>", Subject: "Shipment delayed", Date: testNow.Add(-2 * time.Hour)})
	result, err := engine.Sync(ctx, models.SyncScope{})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ThreadsCreated)

	assert.Equal(t, threadOf(t, store, "a@example.org", account.ID), threadOf(t, store, "b@example.org", account.ID))
	assert.Len(t, store.Threads(), 1)
}

func TestSyncReopensClosedThreadOnCustomerReply(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	account := newAccount(t, store, "org-1", "support@example.com")
	server := newFakeServer()
	engine := newTestEngine(t, store, server, nil)

	server.add(t, "INBOX", 1, testutil.Message{MessageID: "<a@example.org>", Subject: "Refund", Date: testNow.Add(-2 * time.Hour)})
	_, err := engine.Sync(ctx, models.SyncScope{})
	require.NoError(t, err)

	threadID := threadOf(t, store, "a@example.org", account.ID)
	require.NoError(t, store.SetThreadStatus(ctx, threadID, models.StatusClosed, time.Time{}))

	server.add(t, "INBOX", 2, testutil.Message{
		MessageID:  "<b@example.org>",
		References: "<a@example.org>",
		Subject:    "Re: Refund",
		Date:       testNow.Add(-time.Hour),
	})
	_, err = engine.Sync(ctx, models.SyncScope{})
	require.NoError(t, err)

	thread, err := store.GetThread(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, thread.Status)
	assert.True(t, thread.LastMessageAt.Equal(testNow.Add(-time.Hour)))
}

func TestSyncWithIMAPServer(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	store := memstore.New()
	account := store.AddAccount(&models.MailAccount{
		OrgID:                 "org-1",
		Email:                 "support@example.com",
		IMAP:                  server.Settings(),
		EncryptedIMAPPassword: testutil.MustEncrypt(t, server.Password()),
		Active:                true,
	})

	server.AddMessage(t, "INBOX", testutil.Message{MessageID: "<first@example.org>", Subject: "Order 1001", Date: time.Now().Add(-time.Hour)})
	last := server.AddMessage(t, "INBOX", testutil.Message{
		MessageID: "<second@example.org>",
		InReplyTo: "<first@example.org>",
		Subject:   "Re: Order 1001",
		Date:      time.Now(),
	})

	engine := NewEngine(store, testutil.GetTestEncryptor(t), &imap.ClientDialer{}, nil, zap.NewNop(), 100)
	result, err := engine.Sync(context.Background(), models.SyncScope{AccountID: account.ID})
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 1, result.Synced)
	// The memory backend seeds INBOX with one message of its own.
	assert.Equal(t, 3, result.MessagesInserted)
	assert.Equal(t, last, store.Account(account.ID).LastFetchedUID)

	first := threadOf(t, store, "first@example.org", account.ID)
	assert.Equal(t, first, threadOf(t, store, "second@example.org", account.ID))
}
