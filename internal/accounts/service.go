// Package accounts checks IMAP and SMTP settings and registers mail accounts.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gojolo/inbox/internal/crypto"
	"github.com/gojolo/inbox/internal/imap"
	"github.com/gojolo/inbox/internal/logging"
	"github.com/gojolo/inbox/internal/mailerr"
	"github.com/gojolo/inbox/internal/models"
	"github.com/gojolo/inbox/internal/smtp"
	"go.uber.org/zap"
)

const (
	MessageIMAPOK = "IMAP connection successful"
	MessageSMTPOK = "SMTP connection successful"
	MessageSaved  = "Account added"
)

var (
	ErrIMAPFailed = errors.New("IMAP connection failed")
	ErrSMTPFailed = errors.New("SMTP connection failed")
)

type Store interface {
	CreateAccount(ctx context.Context, a *models.MailAccount) error
}

type Service struct {
	store     Store
	vault     crypto.Vault
	dialer    imap.Dialer
	transport smtp.Transport
	logger    *zap.Logger
}

func NewService(store Store, vault crypto.Vault, dialer imap.Dialer, transport smtp.Transport, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, vault: vault, dialer: dialer, transport: transport, logger: logger.Named("accounts")}
}

// Outcome is the success message and, after a save, the stored account.
type Outcome struct {
	Message string
	Account *models.MailAccount
}

// Test runs the connection test the request asks for and saves the account
// when req.Save is set. Nothing is persisted unless the IMAP login succeeds.
func (s *Service) Test(ctx context.Context, req *models.AccountTestRequest) (*Outcome, error) {
	if req.TestSMTPOnly {
		if err := s.TestSMTP(ctx, req); err != nil {
			return nil, err
		}
		return &Outcome{Message: MessageSMTPOK}, nil
	}

	if err := s.TestIMAP(req); err != nil {
		return nil, err
	}
	if !req.Save {
		return &Outcome{Message: MessageIMAPOK}, nil
	}

	account, err := s.save(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Outcome{Message: MessageSaved, Account: account}, nil
}

// TestIMAP logs in and out with the request's IMAP settings.
func (s *Service) TestIMAP(req *models.AccountTestRequest) error {
	if req.OrgID == "" || req.Email == "" || req.IMAPHost == "" || req.IMAPUsername == "" || req.IMAPPassword == "" {
		return fmt.Errorf("%w: Missing required fields: orgId, email, host, username, password", mailerr.ErrInvalidRequest)
	}

	settings := imapSettings(req)
	if err := imap.CheckLogin(s.dialer, settings, req.IMAPPassword); err != nil {
		s.logger.Info("IMAP test failed", zap.String("server", imap.Address(settings)), logging.Email("user", req.IMAPUsername), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrIMAPFailed, err)
	}
	return nil
}

// TestSMTP authenticates against the request's SMTP settings.
func (s *Service) TestSMTP(ctx context.Context, req *models.AccountTestRequest) error {
	if req.SMTPHost == "" || req.SMTPUsername == "" || req.SMTPPassword == "" {
		return fmt.Errorf("%w: Missing SMTP host, username, or password", mailerr.ErrInvalidRequest)
	}

	settings := smtpSettings(req)
	if err := s.transport.Check(ctx, settings, req.SMTPPassword); err != nil {
		s.logger.Info("SMTP test failed", zap.String("server", smtp.Address(settings)), logging.Email("user", req.SMTPUsername), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrSMTPFailed, err)
	}
	return nil
}

func (s *Service) save(ctx context.Context, req *models.AccountTestRequest) (*models.MailAccount, error) {
	imapBlob, err := s.encrypt(req.IMAPPassword)
	if err != nil {
		return nil, err
	}

	account := &models.MailAccount{
		OrgID:                 req.OrgID,
		Label:                 strings.TrimSpace(req.Label),
		Email:                 strings.ToLower(strings.TrimSpace(req.Email)),
		IMAP:                  imapSettings(req),
		EncryptedIMAPPassword: imapBlob,
		Aliases:               normalizeAliases(req.Aliases),
		Active:                true,
	}
	if account.Label == "" {
		account.Label = account.Email
	}

	if req.SMTPHost != "" {
		account.SMTP = smtpSettings(req)
		if req.SMTPPassword != "" {
			if account.EncryptedSMTPPassword, err = s.encrypt(req.SMTPPassword); err != nil {
				return nil, err
			}
		}
	}

	if err := s.store.CreateAccount(ctx, account); err != nil {
		return nil, err
	}

	s.logger.Info("Mail account added", zap.String("account_id", account.ID), zap.String("org_id", account.OrgID), logging.Email("email", account.Email))
	return account, nil
}

func (s *Service) encrypt(password string) (string, error) {
	blob, err := s.vault.EncryptString(password)
	if errors.Is(err, crypto.ErrKeyNotConfigured) {
		return "", fmt.Errorf("%w: ENCRYPTION_KEY not configured", mailerr.ErrConfiguration)
	}
	if err != nil {
		return "", fmt.Errorf("failed to encrypt credentials: %w", err)
	}
	return blob, nil
}

func imapSettings(req *models.AccountTestRequest) models.ServerSettings {
	enc := models.ParseIMAPEncryption(req.IMAPEncryption)
	port := req.IMAPPort
	if port <= 0 {
		port = imap.DefaultPort(enc)
	}
	return models.ServerSettings{Host: strings.TrimSpace(req.IMAPHost), Port: port, Encryption: enc, Username: req.IMAPUsername}
}

func smtpSettings(req *models.AccountTestRequest) models.ServerSettings {
	enc := models.ParseSMTPEncryption(req.SMTPEncryption)
	port := req.SMTPPort
	if port <= 0 {
		port = smtp.DefaultPort(enc)
	}
	username := req.SMTPUsername
	if username == "" {
		username = req.IMAPUsername
	}
	return models.ServerSettings{Host: strings.TrimSpace(req.SMTPHost), Port: port, Encryption: enc, Username: username}
}

func normalizeAliases(aliases []string) []string {
	out := make([]string, 0, len(aliases))
	seen := make(map[string]bool, len(aliases))
	for _, a := range aliases {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}
