package db

import (
	"context"
	"testing"
	"time"

	"github.com/gojolo/inbox/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

func seedAccount(t *testing.T, pool *pgxpool.Pool, orgID, email string) *models.MailAccount {
	t.Helper()

	a := &models.MailAccount{
		OrgID:                 orgID,
		Label:                 "Support",
		Email:                 email,
		IMAP:                  models.ServerSettings{Host: "imap.example.com", Port: 993, Encryption: models.EncryptionImplicitTLS, Username: email},
		SMTP:                  models.ServerSettings{Host: "smtp.example.com", Port: 587, Encryption: models.EncryptionSTARTTLS, Username: email},
		EncryptedIMAPPassword: "blob",
		Aliases:               []string{"sales@example.com"},
		Active:                true,
	}
	require.NoError(t, CreateAccount(context.Background(), pool, a))
	return a
}

func inboundMessage(accountID, externalID string, uid uint32, at time.Time) *models.Message {
	return &models.Message{
		MailAccountID: accountID,
		Direction:     models.DirectionInbound,
		FromAddress:   "customer@example.org",
		ToAddresses:   []string{"support@example.com"},
		Subject:       "Hello",
		BodyText:      "body",
		ExternalID:    externalID,
		Mailbox:       "INBOX",
		ExternalUID:   &uid,
		ReceivedAt:    at,
	}
}
