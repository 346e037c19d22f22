package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gojolo/inbox/internal/accounts"
	"github.com/gojolo/inbox/internal/auth"
	"github.com/gojolo/inbox/internal/models"
	"github.com/gojolo/inbox/internal/testutil/memstore"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testOrg    = "org-1"
	adminID    = "user-admin"
	agentID    = "user-agent"
	outsiderID = "user-outsider"

	adminToken    = "admin-token"
	agentToken    = "agent-token"
	outsiderToken = "outsider-token"
)

// newTestStore returns a store with an admin and a plain member of testOrg
// plus a user who belongs to another organization.
func newTestStore() *memstore.Store {
	store := memstore.New()
	store.AddToken(adminToken, adminID)
	store.AddToken(agentToken, agentID)
	store.AddToken(outsiderToken, outsiderID)
	store.AddMember(testOrg, adminID, "admin")
	store.AddMember(testOrg, agentID, "member")
	store.AddMember("org-2", outsiderID, "owner")
	return store
}

func newTestAuthenticator(store *memstore.Store) *auth.Authenticator {
	return auth.NewAuthenticator(store, zap.NewNop())
}

// postJSON builds a POST request with body encoded as JSON. A nil body sends
// an empty request body.
func postJSON(t *testing.T, url string, body any) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// asUser stores userID in the request context the way auth.RequireAuth does.
func asUser(req *http.Request, userID string) *http.Request {
	return req.WithContext(auth.WithUserID(req.Context(), userID))
}

// decodeResponse checks the in-band contract (HTTP 200, JSON) and decodes the body.
func decodeResponse[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()

	require.Equal(t, http.StatusOK, rr.Code, "handlers answer 200 and report errors in-band")
	require.True(t, strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json"))

	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeResponse[ErrorResponse](t, rr).Error
}

type fakeSyncer struct {
	calls  []models.SyncScope
	result *models.SyncResult
	err    error
}

func (f *fakeSyncer) Sync(_ context.Context, scope models.SyncScope) (*models.SyncResult, error) {
	f.calls = append(f.calls, scope)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &models.SyncResult{}, nil
}

type fakeSender struct {
	calls  []models.SendRequest
	result *models.SendResult
	err    error
}

func (f *fakeSender) Send(_ context.Context, req *models.SendRequest) (*models.SendResult, error) {
	f.calls = append(f.calls, *req)
	return f.result, f.err
}

type fakeTester struct {
	calls   []models.AccountTestRequest
	outcome *accounts.Outcome
	err     error
}

func (f *fakeTester) Test(_ context.Context, req *models.AccountTestRequest) (*accounts.Outcome, error) {
	f.calls = append(f.calls, *req)
	return f.outcome, f.err
}

type recordingNotifier struct {
	orgIDs    []string
	threadIDs [][]string
}

func (n *recordingNotifier) InboxUpdated(orgID string, threadIDs []string) {
	n.orgIDs = append(n.orgIDs, orgID)
	n.threadIDs = append(n.threadIDs, threadIDs)
}

// seedThread stores an open email thread for orgID and returns its id.
func seedThread(t *testing.T, store *memstore.Store, orgID string) string {
	t.Helper()

	thread := &models.Thread{
		OrgID:         orgID,
		Channel:       models.ChannelEmail,
		Status:        models.StatusOpen,
		Subject:       "Invoice #12",
		LastMessageAt: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	msg := &models.Message{
		Direction:   models.DirectionInbound,
		FromAddress: "customer@example.org",
		Subject:     "Invoice #12",
		ExternalID:  "invoice-12@example.org",
		ReceivedAt:  thread.LastMessageAt,
	}
	created, err := store.CreateThreadWithMessage(context.Background(), thread, msg)
	require.NoError(t, err)
	require.True(t, created)
	return thread.ID
}
