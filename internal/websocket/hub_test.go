package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newHubServer upgrades every request and registers it with hub under the
// orgId query parameter.
func newHubServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := hub.Register(r.URL.Query().Get("orgId"), "user-1", conn)
		if client == nil {
			return
		}
		go func() {
			defer hub.Unregister(r.URL.Query().Get("orgId"), client)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server, orgID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?orgId=" + orgID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForConnections(t *testing.T, hub *Hub, orgID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return hub.ActiveConnections(orgID) == n
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHubInboxUpdated(t *testing.T) {
	hub := NewHub(5, zap.NewNop())
	server := newHubServer(t, hub)

	first := dial(t, server, "org-1")
	second := dial(t, server, "org-1")
	other := dial(t, server, "org-2")
	waitForConnections(t, hub, "org-1", 2)
	waitForConnections(t, hub, "org-2", 1)

	hub.InboxUpdated("org-1", []string{"thread-a", "thread-b"})

	for _, conn := range []*websocket.Conn{first, second} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var event Event
		require.NoError(t, json.Unmarshal(data, &event))
		assert.Equal(t, EventInboxUpdated, event.Type)
		assert.Equal(t, "org-1", event.OrgID)
		assert.Equal(t, []string{"thread-a", "thread-b"}, event.ThreadIDs)
	}

	_ = other.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := other.ReadMessage()
	assert.Error(t, err, "org-2 must not receive org-1 events")
}

func TestHubInboxUpdatedIgnoresEmpty(t *testing.T) {
	hub := NewHub(5, zap.NewNop())
	server := newHubServer(t, hub)

	conn := dial(t, server, "org-1")
	waitForConnections(t, hub, "org-1", 1)

	hub.InboxUpdated("org-1", nil)

	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestHubEnforcesLimit(t *testing.T) {
	hub := NewHub(1, zap.NewNop())
	server := newHubServer(t, hub)

	dial(t, server, "org-1")
	waitForConnections(t, hub, "org-1", 1)

	rejected := dial(t, server, "org-1")
	_ = rejected.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := rejected.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	assert.Equal(t, 1, hub.ActiveConnections("org-1"))
}

func TestHubUnregisterOnDisconnect(t *testing.T) {
	hub := NewHub(5, zap.NewNop())
	server := newHubServer(t, hub)

	conn := dial(t, server, "org-1")
	waitForConnections(t, hub, "org-1", 1)

	require.NoError(t, conn.Close())
	waitForConnections(t, hub, "org-1", 0)
}

func TestNewHubDefaults(t *testing.T) {
	hub := NewHub(0, nil)
	assert.Equal(t, DefaultMaxPerOrg, hub.maxPerOrg)
	hub.Unregister("org-1", nil)
	assert.Equal(t, 0, hub.ActiveConnections("org-1"))
}

func TestHubSendDoesNotWaitForStalledClient(t *testing.T) {
	hub := NewHub(5, zap.NewNop())

	// A client whose writer never runs stands in for a peer that stopped reading.
	conns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(server.Close)
	dial(t, server, "org-1")

	stalled := newClient(<-conns, "user-1")
	hub.mu.Lock()
	hub.clients["org-1"] = map[*Client]struct{}{stalled: {}}
	hub.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for i := 0; i <= sendBuffer; i++ {
			hub.InboxUpdated("org-1", []string{"thread-a"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a stalled client")
	}
	waitForConnections(t, hub, "org-1", 0)
}
