package smtp

import (
	"bytes"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
)

// Attachment is one file carried in an outgoing message.
type Attachment struct {
	FileName    string
	ContentType string
	Content     []byte
}

// Outgoing is everything needed to render an outbound message.
type Outgoing struct {
	FromName   string
	From       string
	To         []string
	CC         []string
	BCC        []string
	Subject    string
	Text       string
	HTML       string
	MessageID  string
	InReplyTo  string
	References []string
	Date       time.Time

	Attachments []Attachment
}

// Compose renders o with enmime and returns the submission envelope. Ids are
// given without angle brackets.
func Compose(o *Outgoing) (*Envelope, error) {
	if o.From == "" {
		return nil, fmt.Errorf("from address is required")
	}

	b := enmime.Builder().
		From(o.FromName, o.From).
		Subject(o.Subject).
		Date(dateOrNow(o.Date)).
		Text([]byte(o.Text))

	var recipients []string
	add := func(addrs []string, apply func(enmime.MailBuilder, string) enmime.MailBuilder) {
		for _, a := range addrs {
			a = strings.TrimSpace(a)
			if a == "" {
				continue
			}
			b = apply(b, a)
			recipients = append(recipients, a)
		}
	}
	add(o.To, func(m enmime.MailBuilder, a string) enmime.MailBuilder { return m.To("", a) })
	add(o.CC, func(m enmime.MailBuilder, a string) enmime.MailBuilder { return m.CC("", a) })
	add(o.BCC, func(m enmime.MailBuilder, a string) enmime.MailBuilder { return m.BCC("", a) })

	if o.HTML != "" {
		b = b.HTML([]byte(o.HTML))
	}
	if o.MessageID != "" {
		b = b.Header("Message-ID", angle(o.MessageID))
	}
	if o.InReplyTo != "" {
		b = b.Header("In-Reply-To", angle(o.InReplyTo))
	}
	if len(o.References) > 0 {
		refs := make([]string, 0, len(o.References))
		for _, r := range o.References {
			refs = append(refs, angle(r))
		}
		b = b.Header("References", strings.Join(refs, " "))
	}
	for _, a := range o.Attachments {
		b = b.AddAttachment(a.Content, a.ContentType, a.FileName)
	}

	part, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build message: %w", err)
	}

	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	return &Envelope{From: o.From, Recipients: recipients, Data: buf.Bytes()}, nil
}

func angle(id string) string {
	return "<" + strings.Trim(strings.TrimSpace(id), "<>") + ">"
}

func dateOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

// Domain returns the domain part of an address, used for Message-ID generation.
func Domain(address string) string {
	if a, err := mail.ParseAddress(address); err == nil {
		address = a.Address
	}
	if i := strings.LastIndexByte(address, '@'); i >= 0 && i < len(address)-1 {
		return strings.ToLower(address[i+1:])
	}
	return "localhost"
}
