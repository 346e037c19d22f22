// Package mailerr holds the error kinds shared by the sync, send and
// connection-test paths. Match them with errors.Is and errors.As.
package mailerr

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration means a required server-side secret is missing.
	ErrConfiguration = errors.New("server configuration error")
	// ErrRecipientRequired means no usable recipient address was resolved.
	ErrRecipientRequired = errors.New("recipient email is required")
	// ErrNoAccountConfigured means no mail account could send for the request.
	ErrNoAccountConfigured = errors.New("no email account configured")
	// ErrForbidden means the caller lacks the capability for the organization.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidRequest means the request body is malformed or incomplete.
	ErrInvalidRequest = errors.New("invalid request")
)

// ConnectionError is a network or TLS failure reaching a mail server.
type ConnectionError struct {
	Protocol string
	Server   string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s connection to %s failed: %v", e.Protocol, e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError means the mail server rejected the credentials.
type AuthError struct {
	Protocol string
	Server   string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s authentication on %s failed: %v", e.Protocol, e.Server, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// SendFailedError carries the relay's error text when transmission fails.
type SendFailedError struct {
	Err error
}

func (e *SendFailedError) Error() string {
	return fmt.Sprintf("failed to send email: %v", e.Err)
}

func (e *SendFailedError) Unwrap() error { return e.Err }

// PersistenceError reports that mail was delivered to the relay but could not
// be recorded. ThreadID is set when the thread row already existed.
type PersistenceError struct {
	ThreadID string
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("Message sent but failed to save: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsSentButNotRecorded reports whether err is a PersistenceError.
func IsSentButNotRecorded(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
