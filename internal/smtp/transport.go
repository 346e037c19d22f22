package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/gojolo/inbox/internal/mailerr"
	"github.com/gojolo/inbox/internal/models"
)

const protocol = "SMTP"

// DefaultPort returns the conventional submission port for an encryption mode.
func DefaultPort(enc models.Encryption) int {
	if enc == models.EncryptionImplicitTLS {
		return 465
	}
	return 587
}

// Address returns host:port, filling in the default port when unset.
func Address(s models.ServerSettings) string {
	port := s.Port
	if port == 0 {
		port = DefaultPort(s.Encryption)
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(port))
}

// Envelope is one submission: SMTP envelope addresses plus the encoded message.
type Envelope struct {
	From       string
	Recipients []string
	Data       []byte
}

// Transport submits mail to a relay.
type Transport interface {
	Send(ctx context.Context, settings models.ServerSettings, password string, env *Envelope) error
	Check(ctx context.Context, settings models.ServerSettings, password string) error
}

// DefaultConnectTimeout bounds the TCP and TLS handshake.
const DefaultConnectTimeout = 10 * time.Second

// ClientTransport submits through go-smtp.
type ClientTransport struct {
	// ConnectTimeout bounds dialing. Zero means DefaultConnectTimeout.
	ConnectTimeout time.Duration
	// CommandTimeout bounds each SMTP command. Zero means 30 seconds.
	CommandTimeout time.Duration
	// SubmissionTimeout bounds the DATA phase. Zero means 2 minutes.
	SubmissionTimeout time.Duration
	// TLSConfig overrides the default config derived from the host.
	TLSConfig *tls.Config
}

// Send dials, authenticates and submits env. Dial failures are
// *mailerr.ConnectionError and rejected logins *mailerr.AuthError.
func (t *ClientTransport) Send(ctx context.Context, settings models.ServerSettings, password string, env *Envelope) error {
	if len(env.Recipients) == 0 {
		return mailerr.ErrRecipientRequired
	}

	c, err := t.open(ctx, settings, password)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if err := c.SendMail(env.From, env.Recipients, bytes.NewReader(env.Data)); err != nil {
		return fmt.Errorf("failed to submit message: %w", err)
	}

	if err := c.Quit(); err != nil {
		return fmt.Errorf("failed to quit: %w", err)
	}
	return nil
}

// Check verifies reachability and credentials without sending anything.
func (t *ClientTransport) Check(ctx context.Context, settings models.ServerSettings, password string) error {
	c, err := t.open(ctx, settings, password)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if err := c.Quit(); err != nil {
		return fmt.Errorf("failed to quit: %w", err)
	}
	return nil
}

func (t *ClientTransport) open(ctx context.Context, settings models.ServerSettings, password string) (*smtp.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	addr := Address(settings)
	if settings.Host == "" {
		return nil, &mailerr.ConnectionError{Protocol: protocol, Server: addr, Err: errors.New("missing host")}
	}

	tlsConfig := t.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: settings.Host, MinVersion: tls.VersionTLS12}
	}

	dialer := &net.Dialer{Timeout: t.ConnectTimeout}
	if dialer.Timeout == 0 {
		dialer.Timeout = DefaultConnectTimeout
	}

	var conn net.Conn
	var err error
	if settings.Encryption == models.EncryptionImplicitTLS {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, &mailerr.ConnectionError{Protocol: protocol, Server: addr, Err: err}
	}

	var c *smtp.Client
	if settings.Encryption == models.EncryptionSTARTTLS {
		if c, err = smtp.NewClientStartTLS(conn, tlsConfig); err != nil {
			return nil, &mailerr.ConnectionError{Protocol: protocol, Server: addr, Err: err}
		}
		t.applyTimeouts(c)
	} else {
		c = smtp.NewClient(conn)
		t.applyTimeouts(c)
		if err := c.Hello("localhost"); err != nil {
			_ = c.Close()
			return nil, &mailerr.ConnectionError{Protocol: protocol, Server: addr, Err: err}
		}
	}

	if settings.Username != "" {
		if ok, _ := c.Extension("AUTH"); !ok {
			_ = c.Close()
			return nil, &mailerr.AuthError{Protocol: protocol, Server: addr, Err: errors.New("server does not support AUTH")}
		}
		if err := c.Auth(sasl.NewPlainClient("", settings.Username, password)); err != nil {
			_ = c.Close()
			return nil, &mailerr.AuthError{Protocol: protocol, Server: addr, Err: err}
		}
	}

	return c, nil
}

func (t *ClientTransport) applyTimeouts(c *smtp.Client) {
	c.CommandTimeout = t.CommandTimeout
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 30 * time.Second
	}
	c.SubmissionTimeout = t.SubmissionTimeout
	if c.SubmissionTimeout == 0 {
		c.SubmissionTimeout = 2 * time.Minute
	}
}
