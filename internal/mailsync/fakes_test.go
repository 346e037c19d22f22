package mailsync

import (
	"errors"
	"strings"
	"sync"
	"testing"

	goimap "github.com/emersion/go-imap"
	"github.com/gojolo/inbox/internal/imap"
	"github.com/gojolo/inbox/internal/models"
	"github.com/gojolo/inbox/internal/testutil"
)

type fakeMailbox struct {
	attrs    []string
	uidNext  uint32
	messages []*imap.FetchedMessage
}

// fakeServer hands out sessions over a fixed set of mailboxes.
type fakeServer struct {
	mu        sync.Mutex
	mailboxes map[string]*fakeMailbox
	dialErr   error
	fetchErr  map[string]error
	fetchFrom map[string][]uint32
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		mailboxes: map[string]*fakeMailbox{"INBOX": {}},
		fetchErr:  make(map[string]error),
		fetchFrom: make(map[string][]uint32),
	}
}

func (s *fakeServer) add(t *testing.T, mailbox string, uid uint32, m testutil.Message) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.mailboxes[mailbox]
	if !ok {
		mb = &fakeMailbox{}
		s.mailboxes[mailbox] = mb
	}
	raw := strings.ReplaceAll(testutil.BuildRaw(m), "\n", "\r\n")
	mb.messages = append(mb.messages, &imap.FetchedMessage{UID: uid, Source: []byte(raw)})
	if uid >= mb.uidNext {
		mb.uidNext = uid + 1
	}
}

func (s *fakeServer) Dial(settings models.ServerSettings, password string) (imap.Session, error) {
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	if password != "imap-secret" {
		return nil, errors.New("authentication failed")
	}
	return &fakeSession{server: s}, nil
}

type fakeSession struct {
	server   *fakeServer
	selected string
}

func (f *fakeSession) Examine(mailbox string) (*imap.MailboxStatus, error) {
	f.server.mu.Lock()
	defer f.server.mu.Unlock()
	mb, ok := f.server.mailboxes[mailbox]
	if !ok {
		return nil, errors.New("no such mailbox")
	}
	f.selected = mailbox
	return &imap.MailboxStatus{Name: mailbox, Messages: uint32(len(mb.messages)), UIDNext: mb.uidNext}, nil
}

func (f *fakeSession) FetchFrom(from uint32) ([]*imap.FetchedMessage, error) {
	f.server.mu.Lock()
	defer f.server.mu.Unlock()
	f.server.fetchFrom[f.selected] = append(f.server.fetchFrom[f.selected], from)
	if err := f.server.fetchErr[f.selected]; err != nil {
		return nil, err
	}
	var out []*imap.FetchedMessage
	for _, m := range f.server.mailboxes[f.selected].messages {
		if m.UID >= from {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeSession) Mailboxes() ([]*goimap.MailboxInfo, error) {
	f.server.mu.Lock()
	defer f.server.mu.Unlock()
	var out []*goimap.MailboxInfo
	for name, mb := range f.server.mailboxes {
		out = append(out, &goimap.MailboxInfo{Name: name, Attributes: mb.attrs, Delimiter: "/"})
	}
	return out, nil
}

func (f *fakeSession) Logout() error { return nil }

type recordingNotifier struct {
	mu     sync.Mutex
	events map[string][]string
}

func (n *recordingNotifier) InboxUpdated(orgID string, threadIDs []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.events == nil {
		n.events = make(map[string][]string)
	}
	n.events[orgID] = append(n.events[orgID], threadIDs...)
}
