package models

import "time"

// ThreadStatus is the lifecycle state of a conversation.
type ThreadStatus string

const (
	StatusOpen     ThreadStatus = "open"
	StatusClosed   ThreadStatus = "closed"
	StatusArchived ThreadStatus = "archived"
)

// Valid reports whether s is a known status.
func (s ThreadStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusClosed, StatusArchived:
		return true
	}
	return false
}

// Direction is whether a message was received or sent by the mailbox.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

const ChannelEmail = "email"

type Thread struct {
	ID            string       `json:"id"`
	OrgID         string       `json:"org_id"`
	Channel       string       `json:"channel"`
	Status        ThreadStatus `json:"status"`
	Subject       string       `json:"subject"`
	FromAddress   string       `json:"from_address"`
	MailAccountID string       `json:"mail_account_id"`
	LastMessageAt time.Time    `json:"last_message_at"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

type Message struct {
	ID            string    `json:"id"`
	ThreadID      string    `json:"thread_id"`
	MailAccountID string    `json:"mail_account_id"`
	Direction     Direction `json:"direction"`
	FromAddress   string    `json:"from_address"`
	ToAddresses   []string  `json:"to_addresses"`
	CCAddresses   []string  `json:"cc_addresses"`
	Subject       string    `json:"subject"`
	BodyText      string    `json:"body_text"`
	BodyHTML      string    `json:"body_html,omitempty"`
	ExternalID    string    `json:"external_id"`
	InReplyTo     string    `json:"in_reply_to,omitempty"`
	References    []string  `json:"references,omitempty"`
	// Mailbox and ExternalUID are empty for messages recorded by the send path.
	Mailbox     string    `json:"mailbox,omitempty"`
	ExternalUID *uint32   `json:"external_uid,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
	CreatedAt   time.Time `json:"created_at"`
}
