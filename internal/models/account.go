package models

import (
	"slices"
	"strings"
	"time"
)

// Encryption is the transport security mode for an IMAP or SMTP connection.
type Encryption string

const (
	EncryptionNone        Encryption = "none"
	EncryptionSTARTTLS    Encryption = "starttls"
	EncryptionImplicitTLS Encryption = "implicit-tls"
)

// ParseEncryption maps stored or user-supplied values to an Encryption mode.
// Unknown values, "ssl" and "tls" fall back to implicit TLS. Account forms
// should use ParseIMAPEncryption or ParseSMTPEncryption, which differ on "tls".
func ParseEncryption(s string) Encryption {
	switch normalizeEncryption(s) {
	case "none", "plain":
		return EncryptionNone
	case "starttls":
		return EncryptionSTARTTLS
	default:
		return EncryptionImplicitTLS
	}
}

// ParseIMAPEncryption treats "tls" as an implicitly secure connection (993).
func ParseIMAPEncryption(s string) Encryption {
	return ParseEncryption(s)
}

// ParseSMTPEncryption treats "tls" as STARTTLS on the submission port.
func ParseSMTPEncryption(s string) Encryption {
	if normalizeEncryption(s) == "tls" {
		return EncryptionSTARTTLS
	}
	return ParseEncryption(s)
}

func normalizeEncryption(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ServerSettings describes one side (IMAP or SMTP) of a mail account.
type ServerSettings struct {
	Host       string     `json:"host"`
	Port       int        `json:"port"`
	Encryption Encryption `json:"encryption"`
	Username   string     `json:"username"`
}

// CursorField names one of the two persisted UID cursors.
type CursorField string

const (
	CursorInbox CursorField = "last_fetched_uid"
	CursorTrash CursorField = "last_fetched_uid_trash"
)

// MailAccount is one mailbox registered to an organization.
type MailAccount struct {
	ID                    string         `json:"id"`
	OrgID                 string         `json:"org_id"`
	Label                 string         `json:"label"`
	Email                 string         `json:"email"`
	IMAP                  ServerSettings `json:"imap"`
	SMTP                  ServerSettings `json:"smtp"`
	EncryptedIMAPPassword string         `json:"-"`
	EncryptedSMTPPassword string         `json:"-"`
	Aliases               []string       `json:"aliases"`
	Active                bool           `json:"active"`
	LastFetchedUID        uint32         `json:"last_fetched_uid"`
	LastFetchedUIDTrash   uint32         `json:"last_fetched_uid_trash"`
	LastError             string         `json:"last_error,omitempty"`
	LastFetchAt           *time.Time     `json:"last_fetch_at,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// Cursor returns the value of the named cursor.
func (a *MailAccount) Cursor(field CursorField) uint32 {
	if field == CursorTrash {
		return a.LastFetchedUIDTrash
	}
	return a.LastFetchedUID
}

// SetCursor updates the named cursor in memory.
func (a *MailAccount) SetCursor(field CursorField, uid uint32) {
	if field == CursorTrash {
		a.LastFetchedUIDTrash = uid
		return
	}
	a.LastFetchedUID = uid
}

// OwnsAddress reports whether addr is the account address or one of its aliases.
func (a *MailAccount) OwnsAddress(addr string) bool {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if addr == "" {
		return false
	}
	if strings.EqualFold(a.Email, addr) {
		return true
	}
	return slices.ContainsFunc(a.Aliases, func(alias string) bool {
		return strings.EqualFold(strings.TrimSpace(alias), addr)
	})
}

// SMTPUsername falls back to the IMAP username when no SMTP login was stored.
func (a *MailAccount) SMTPUsername() string {
	if a.SMTP.Username != "" {
		return a.SMTP.Username
	}
	return a.IMAP.Username
}

// IsGmail reports whether the IMAP host is Google's.
func (a *MailAccount) IsGmail() bool {
	h := strings.ToLower(a.IMAP.Host)
	return strings.Contains(h, "gmail.com") || strings.Contains(h, "googlemail.com")
}
