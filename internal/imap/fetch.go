package imap

import (
	"fmt"
	"io"
	"sort"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// fetchFrom runs UID FETCH from:* for envelope and the full source. BODY.PEEK
// keeps the \Seen flag untouched.
func fetchFrom(c *client.Client, from uint32) ([]*FetchedMessage, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}
	if from == 0 {
		from = 1
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(from, 0)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		imap.FetchUid,
		imap.FetchEnvelope,
		section.FetchItem(),
	}

	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)

	go func() {
		done <- c.UidFetch(seqSet, items, messages)
	}()

	var result []*FetchedMessage
	var readErr error
	for msg := range messages {
		// A from:* range always includes the last message, even below from.
		if msg.Uid < from {
			continue
		}

		fm := &FetchedMessage{UID: msg.Uid, Envelope: msg.Envelope}
		for _, literal := range msg.Body {
			if literal == nil {
				continue
			}
			src, err := io.ReadAll(literal)
			if err != nil && readErr == nil {
				readErr = fmt.Errorf("failed to read body of uid %d: %w", msg.Uid, err)
			}
			fm.Source = src
			break
		}
		result = append(result, fm)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	if readErr != nil {
		return nil, readErr
	}

	sort.Slice(result, func(i, j int) bool { return result[i].UID < result[j].UID })
	return result, nil
}
