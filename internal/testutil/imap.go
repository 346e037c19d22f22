package testutil

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
	"github.com/gojolo/inbox/internal/models"
)

// TestIMAPServer represents a test IMAP server instance.
type TestIMAPServer struct {
	Server   *server.Server
	Address  string
	Backend  *memory.Backend
	username string
	password string
}

// NewTestIMAPServer starts an in-memory IMAP server on a random port. The
// memory backend has a single user "username"/"password" whose INBOX already
// holds one message. The server is closed when the test finishes.
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	be := memory.New()

	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	go func() {
		if err := s.Serve(listener); err != nil {
			t.Logf("IMAP server stopped: %v", err)
		}
	}()

	t.Cleanup(func() { _ = s.Close() })

	return &TestIMAPServer{
		Server:   s,
		Address:  listener.Addr().String(),
		Backend:  be,
		username: "username",
		password: "password",
	}
}

// Username returns the default test username.
func (s *TestIMAPServer) Username() string {
	return s.username
}

// Password returns the default test password.
func (s *TestIMAPServer) Password() string {
	return s.password
}

// Settings returns plain-text connection settings for the server.
func (s *TestIMAPServer) Settings() models.ServerSettings {
	host, portStr, _ := net.SplitHostPort(s.Address)
	port, _ := strconv.Atoi(portStr)
	return models.ServerSettings{
		Host:       host,
		Port:       port,
		Encryption: models.EncryptionNone,
		Username:   s.username,
	}
}

// Connect creates a new logged-in client connection to the test server.
func (s *TestIMAPServer) Connect(t *testing.T) (*imapclient.Client, func()) {
	t.Helper()

	client, err := imapclient.Dial(s.Address)
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}

	if err := client.Login(s.username, s.password); err != nil {
		_ = client.Logout()
		t.Fatalf("Failed to login: %v", err)
	}

	return client, func() { _ = client.Logout() }
}

// CreateMailbox creates a mailbox for the default user.
func (s *TestIMAPServer) CreateMailbox(t *testing.T, name string) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if err := client.Create(name); err != nil {
		t.Fatalf("Failed to create mailbox %s: %v", name, err)
	}
}

// AppendRaw appends an RFC 5322 message to a mailbox and returns its UID.
func (s *TestIMAPServer) AppendRaw(t *testing.T, mailbox, raw string) uint32 {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\n", "\r\n")
	if err := client.Append(mailbox, []string{imap.SeenFlag}, time.Now(), strings.NewReader(raw)); err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}

	status, err := client.Select(mailbox, true)
	if err != nil {
		t.Fatalf("Failed to examine %s: %v", mailbox, err)
	}
	return status.UidNext - 1
}

// Message describes a test message for AddMessage.
type Message struct {
	MessageID  string
	InReplyTo  string
	References string
	Subject    string
	From       string
	To         string
	Date       time.Time
	Body       string
}

// AddMessage appends a plain-text message built from m and returns its UID.
func (s *TestIMAPServer) AddMessage(t *testing.T, mailbox string, m Message) uint32 {
	t.Helper()
	return s.AppendRaw(t, mailbox, BuildRaw(m))
}

// BuildRaw renders m as an RFC 5322 message.
func BuildRaw(m Message) string {
	if m.Date.IsZero() {
		m.Date = time.Now()
	}
	if m.From == "" {
		m.From = "customer@example.org"
	}
	if m.To == "" {
		m.To = "support@example.com"
	}
	if m.Body == "" {
		m.Body = "Test message body."
	}

	var b strings.Builder
	if m.MessageID != "" {
		fmt.Fprintf(&b, "Message-ID: %s\n", m.MessageID)
	}
	if m.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\n", m.InReplyTo)
	}
	if m.References != "" {
		fmt.Fprintf(&b, "References: %s\n", m.References)
	}
	fmt.Fprintf(&b, "Date: %s\n", m.Date.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "From: %s\n", m.From)
	fmt.Fprintf(&b, "To: %s\n", m.To)
	fmt.Fprintf(&b, "Subject: %s\n", m.Subject)
	b.WriteString("Content-Type: text/plain; charset=utf-8\n\n")
	b.WriteString(m.Body)
	b.WriteString("\n")
	return b.String()
}
