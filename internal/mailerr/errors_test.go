package mailerr

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrappedKinds(t *testing.T) {
	conn := fmt.Errorf("sync: %w", &ConnectionError{Protocol: "IMAP", Server: "imap.example.com:993", Err: io.EOF})

	var ce *ConnectionError
	assert.True(t, errors.As(conn, &ce))
	assert.Equal(t, "IMAP", ce.Protocol)
	assert.ErrorIs(t, conn, io.EOF)

	auth := &AuthError{Protocol: "SMTP", Server: "smtp.example.com:587", Err: errors.New("535 bad credentials")}
	assert.Contains(t, auth.Error(), "535 bad credentials")
	assert.False(t, errors.As(auth, &ce))
}

func TestPersistenceError(t *testing.T) {
	err := fmt.Errorf("send: %w", &PersistenceError{ThreadID: "t1", Err: errors.New("db down")})

	assert.True(t, IsSentButNotRecorded(err))
	assert.Contains(t, err.Error(), "Message sent but failed to save: db down")
	assert.False(t, IsSentButNotRecorded(&SendFailedError{Err: errors.New("relay")}))
}
