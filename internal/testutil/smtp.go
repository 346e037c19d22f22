package testutil

import (
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/gojolo/inbox/internal/models"
)

// ReceivedMessage is one submission accepted by the in-memory SMTP server.
type ReceivedMessage struct {
	From string
	To   []string
	Data []byte
}

// MemoryBackend is an in-memory SMTP backend with PLAIN authentication.
type MemoryBackend struct {
	mu       sync.Mutex
	messages []*ReceivedMessage
	username string
	password string

	rejectData error
}

// NewMemoryBackend creates a backend accepting only the given credentials.
func NewMemoryBackend(username, password string) *MemoryBackend {
	return &MemoryBackend{username: username, password: password}
}

// NewSession creates a new SMTP session.
func (b *MemoryBackend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &memorySession{backend: b}, nil
}

// GetMessages returns all received messages.
func (b *MemoryBackend) GetMessages() []*ReceivedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*ReceivedMessage(nil), b.messages...)
}

// SetRejectData makes DATA fail with err until reset with nil.
func (b *MemoryBackend) SetRejectData(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectData = err
}

type memorySession struct {
	backend *MemoryBackend
	authed  bool
	from    string
	to      []string
}

func (s *memorySession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *memorySession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != s.backend.username || password != s.backend.password {
			return &smtp.SMTPError{
				Code:         535,
				EnhancedCode: smtp.EnhancedCode{5, 7, 8},
				Message:      "Invalid credentials",
			}
		}
		s.authed = true
		return nil
	}), nil
}

func (s *memorySession) Mail(from string, opts *smtp.MailOptions) error {
	if !s.authed {
		return smtp.ErrAuthRequired
	}
	s.from = from
	return nil
}

func (s *memorySession) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *memorySession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	if s.backend.rejectData != nil {
		return s.backend.rejectData
	}

	s.backend.messages = append(s.backend.messages, &ReceivedMessage{
		From: s.from,
		To:   append([]string(nil), s.to...),
		Data: data,
	})

	return nil
}

func (s *memorySession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *memorySession) Logout() error {
	return nil
}

// TestSMTPServer represents a test SMTP server instance.
type TestSMTPServer struct {
	Server  *smtp.Server
	Address string
	Backend *MemoryBackend
}

// NewTestSMTPServer starts an in-memory SMTP server on a random port that
// accepts Username()/Password() over plain-text AUTH. It is closed when the test ends.
func NewTestSMTPServer(t *testing.T) *TestSMTPServer {
	t.Helper()
	return newTestSMTPServer(t, true)
}

// NewTestSMTPServerWithoutAuth starts a server that, like most relays, does
// not advertise AUTH on an unencrypted connection.
func NewTestSMTPServerWithoutAuth(t *testing.T) *TestSMTPServer {
	t.Helper()
	return newTestSMTPServer(t, false)
}

func newTestSMTPServer(t *testing.T, allowInsecureAuth bool) *TestSMTPServer {
	t.Helper()

	be := NewMemoryBackend("test-user", "test-pass")

	s := smtp.NewServer(be)
	s.AllowInsecureAuth = allowInsecureAuth
	s.Domain = "localhost"

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	go func() {
		// Serve returns an error once Close is called.
		_ = s.Serve(listener)
	}()

	t.Cleanup(func() { _ = s.Close() })

	return &TestSMTPServer{
		Server:  s,
		Address: listener.Addr().String(),
		Backend: be,
	}
}

// Username returns the accepted username.
func (s *TestSMTPServer) Username() string {
	return s.Backend.username
}

// Password returns the accepted password.
func (s *TestSMTPServer) Password() string {
	return s.Backend.password
}

// Settings returns plain-text connection settings for the server.
func (s *TestSMTPServer) Settings() models.ServerSettings {
	host, portStr, _ := net.SplitHostPort(s.Address)
	port, _ := strconv.Atoi(portStr)
	return models.ServerSettings{
		Host:       host,
		Port:       port,
		Encryption: models.EncryptionNone,
		Username:   s.Backend.username,
	}
}

// GetMessages returns all messages received by the server.
func (s *TestSMTPServer) GetMessages() []*ReceivedMessage {
	return s.Backend.GetMessages()
}
