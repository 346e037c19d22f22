package imap

import (
	"fmt"
	"slices"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

const (
	inboxMailbox      = "INBOX"
	gmailAllMail      = "[Gmail]/All Mail"
	gmailTrash        = "[Gmail]/Trash"
	trashAttr         = `\Trash`
	trashFallbackName = "Trash"
)

func listMailboxes(c *client.Client) ([]*imap.MailboxInfo, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- c.List("", "*", mailboxes)
	}()

	var result []*imap.MailboxInfo
	for m := range mailboxes {
		result = append(result, m)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	return result, nil
}

// PrimaryMailbox is the mailbox the inbox pass reads. Gmail's All Mail also
// carries mail sent from other clients.
func PrimaryMailbox(gmail bool) string {
	if gmail {
		return gmailAllMail
	}
	return inboxMailbox
}

// FindTrash picks the Trash mailbox: the \Trash special-use entry, else a
// mailbox named Trash. It returns "" when the server has neither.
func FindTrash(s Session, gmail bool) (string, error) {
	if gmail {
		return gmailTrash, nil
	}

	mailboxes, err := s.Mailboxes()
	if err != nil {
		return "", err
	}

	for _, m := range mailboxes {
		if slices.ContainsFunc(m.Attributes, func(a string) bool { return strings.EqualFold(a, trashAttr) }) {
			return m.Name, nil
		}
	}
	for _, m := range mailboxes {
		if strings.EqualFold(m.Name, trashFallbackName) {
			return m.Name, nil
		}
	}
	return "", nil
}
