package imap

import (
	"fmt"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// MailboxStatus is what EXAMINE tells us about a mailbox.
type MailboxStatus struct {
	Name     string
	Messages uint32
	UIDNext  uint32
}

// FetchedMessage is one message as returned by UID FETCH.
type FetchedMessage struct {
	UID      uint32
	Envelope *imap.Envelope
	Source   []byte
}

// Session is an authenticated IMAP connection. Mailboxes are only ever
// opened read-only.
type Session interface {
	Examine(mailbox string) (*MailboxStatus, error)
	// FetchFrom returns the messages of the examined mailbox with UID >= from,
	// in ascending UID order.
	FetchFrom(from uint32) ([]*FetchedMessage, error)
	// Mailboxes lists every mailbox with its attributes.
	Mailboxes() ([]*imap.MailboxInfo, error)
	Logout() error
}

type clientSession struct {
	c *client.Client
}

// NewSession wraps an already authenticated go-imap client.
func NewSession(c *client.Client) Session {
	return &clientSession{c: c}
}

func (s *clientSession) Examine(mailbox string) (*MailboxStatus, error) {
	mbox, err := s.c.Select(mailbox, true)
	if err != nil {
		return nil, fmt.Errorf("failed to examine %s: %w", mailbox, err)
	}
	return &MailboxStatus{Name: mbox.Name, Messages: mbox.Messages, UIDNext: mbox.UidNext}, nil
}

func (s *clientSession) FetchFrom(from uint32) ([]*FetchedMessage, error) {
	return fetchFrom(s.c, from)
}

func (s *clientSession) Mailboxes() ([]*imap.MailboxInfo, error) {
	return listMailboxes(s.c)
}

func (s *clientSession) Logout() error {
	if err := s.c.Logout(); err != nil {
		return fmt.Errorf("failed to logout: %w", err)
	}
	return nil
}
