package models

// SyncScope selects which accounts a sync run covers. An empty scope means
// every active account.
type SyncScope struct {
	OrgID     string `json:"orgId,omitempty"`
	AccountID string `json:"accountId,omitempty"`
}

// IsGlobal reports whether the scope selects all active accounts.
func (s SyncScope) IsGlobal() bool {
	return s.OrgID == "" && s.AccountID == ""
}

type SyncResult struct {
	Synced           int      `json:"synced"`
	ThreadsCreated   int      `json:"threadsCreated"`
	MessagesInserted int      `json:"messagesInserted"`
	Errors           []string `json:"errors,omitempty"`
}

type AttachmentRef struct {
	FileName    string `json:"fileName"`
	FilePath    string `json:"filePath"`
	ContentType string `json:"contentType,omitempty"`
}

// SendRequest is a reply (ThreadID set) or a new compose (Compose set).
type SendRequest struct {
	OrgID       string          `json:"orgId"`
	ThreadID    string          `json:"threadId,omitempty"`
	Compose     bool            `json:"compose,omitempty"`
	AccountID   string          `json:"accountId,omitempty"`
	From        string          `json:"from,omitempty"`
	To          string          `json:"to,omitempty"`
	CC          []string        `json:"cc,omitempty"`
	BCC         []string        `json:"bcc,omitempty"`
	Subject     string          `json:"subject,omitempty"`
	Body        string          `json:"body"`
	IsHTML      bool            `json:"isHtml,omitempty"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
}

type SendResult struct {
	ThreadID  string `json:"threadId"`
	MessageID string `json:"messageId"`
	Closed    bool   `json:"closed"`
	Recorded  bool   `json:"recorded"`
}

// AccountTestRequest is the full parameter set for testing or saving an account.
type AccountTestRequest struct {
	OrgID          string   `json:"orgId"`
	Label          string   `json:"label"`
	Email          string   `json:"email"`
	IMAPHost       string   `json:"imapHost"`
	IMAPPort       int      `json:"imapPort"`
	IMAPEncryption string   `json:"imapEncryption"`
	IMAPUsername   string   `json:"imapUsername"`
	IMAPPassword   string   `json:"imapPassword"`
	SMTPHost       string   `json:"smtpHost"`
	SMTPPort       int      `json:"smtpPort"`
	SMTPEncryption string   `json:"smtpEncryption"`
	SMTPUsername   string   `json:"smtpUsername"`
	SMTPPassword   string   `json:"smtpPassword"`
	Aliases        []string `json:"aliases,omitempty"`
	Save           bool     `json:"save"`
	TestSMTPOnly   bool     `json:"testSmtpOnly"`
}

type ThreadStatusRequest struct {
	OrgID    string       `json:"orgId"`
	ThreadID string       `json:"threadId"`
	Status   ThreadStatus `json:"status"`
}
