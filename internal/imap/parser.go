package imap

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/gojolo/inbox/internal/threading"
	"github.com/jaytaylor/html2text"
	"github.com/jhillyerd/enmime"
)

// MaxBodyChars bounds stored text and HTML bodies.
const MaxBodyChars = 50000

const truncationMark = "…"

// ParsedMessage is the normalized form of a fetched message.
type ParsedMessage struct {
	UID        uint32
	MessageID  string
	InReplyTo  string
	References []string
	Subject    string
	From       string
	To         []string
	CC         []string
	Date       time.Time
	Text       string
	HTML       string
}

// ParseMessage extracts identifying headers, addresses and a bounded body.
// The envelope is preferred for addresses, subject and date; the raw header
// block is authoritative for Message-ID, In-Reply-To and References.
func ParseMessage(fm *FetchedMessage) (*ParsedMessage, error) {
	if fm == nil {
		return nil, fmt.Errorf("fetched message is nil")
	}

	p := &ParsedMessage{UID: fm.UID}

	header, headerErr := readHeader(fm.Source)
	if headerErr != nil && fm.Envelope == nil {
		return nil, fmt.Errorf("failed to read headers of uid %d: %w", fm.UID, headerErr)
	}
	if headerErr == nil {
		p.MessageID = threading.NormalizeMessageID(header.Get("Message-Id"))
		p.InReplyTo = firstID(header.Get("In-Reply-To"))
		p.References = threading.ParseReferences(header.Get("References"))
	}

	if env := fm.Envelope; env != nil {
		p.Subject = env.Subject
		p.Date = env.Date
		if len(env.From) > 0 {
			p.From = addressOf(env.From[0])
		}
		p.To = addressList(env.To)
		p.CC = addressList(env.Cc)
		if p.MessageID == "" {
			p.MessageID = threading.NormalizeMessageID(env.MessageId)
		}
		if p.InReplyTo == "" {
			p.InReplyTo = firstID(env.InReplyTo)
		}
	} else if headerErr == nil {
		fillFromHeader(p, header)
	}

	p.Text, p.HTML = extractBody(fm.Source)
	return p, nil
}

func readHeader(source []byte) (textproto.Header, error) {
	if len(source) == 0 {
		return textproto.Header{}, fmt.Errorf("empty source")
	}
	return textproto.ReadHeader(bufio.NewReader(bytes.NewReader(source)))
}

// firstID normalizes In-Reply-To, which some clients fill with several ids.
func firstID(v string) string {
	if ids := threading.ParseReferences(v); len(ids) > 0 {
		return ids[0]
	}
	return ""
}

func fillFromHeader(p *ParsedMessage, h textproto.Header) {
	mh := mail.Header{Header: message.Header{Header: h}}
	if subject, err := mh.Subject(); err == nil {
		p.Subject = subject
	}
	if from, err := mh.AddressList("From"); err == nil && len(from) > 0 {
		p.From = strings.ToLower(from[0].Address)
	}
	p.To = headerAddresses(mh, "To")
	p.CC = headerAddresses(mh, "Cc")
	if d, err := mh.Date(); err == nil {
		p.Date = d
	}
}

func headerAddresses(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, strings.ToLower(a.Address))
	}
	return out
}

// extractBody prefers the decoded text part, then text derived from HTML,
// then the raw bytes after the header block.
func extractBody(source []byte) (text, html string) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(source))
	if err == nil {
		text = strings.TrimSpace(env.Text)
		html = env.HTML
		if text == "" && html != "" {
			if converted, convErr := html2text.FromString(html, html2text.Options{}); convErr == nil {
				text = strings.TrimSpace(converted)
			}
		}
	}
	if text == "" {
		text = strings.TrimSpace(rawBody(source))
	}
	return Truncate(text, MaxBodyChars), Truncate(html, MaxBodyChars)
}

// rawBody returns everything after the first blank line.
func rawBody(source []byte) string {
	s := string(source)
	if i := strings.Index(s, "\r\n\r\n"); i >= 0 {
		return s[i+4:]
	}
	if i := strings.Index(s, "\n\n"); i >= 0 {
		return s[i+2:]
	}
	return ""
}

// Truncate cuts s to at most n characters and marks the cut.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + truncationMark
}

func addressOf(a *imap.Address) string {
	if a == nil || a.MailboxName == "" || a.HostName == "" {
		return ""
	}
	return strings.ToLower(a.MailboxName + "@" + a.HostName)
}

func addressList(list []*imap.Address) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		if addr := addressOf(a); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
