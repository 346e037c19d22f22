package imap

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/gojolo/inbox/internal/mailerr"
	"github.com/gojolo/inbox/internal/models"
)

const protocol = "IMAP"

// DefaultPort returns the conventional IMAP port for an encryption mode.
func DefaultPort(enc models.Encryption) int {
	if enc == models.EncryptionImplicitTLS {
		return 993
	}
	return 143
}

// Address returns host:port, filling in the default port when unset.
func Address(s models.ServerSettings) string {
	port := s.Port
	if port == 0 {
		port = DefaultPort(s.Encryption)
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(port))
}

// Dialer opens authenticated IMAP sessions.
type Dialer interface {
	Dial(settings models.ServerSettings, password string) (Session, error)
}

// ClientDialer dials real servers with go-imap.
type ClientDialer struct {
	// ConnectTimeout bounds the TCP connect. Zero means 10 seconds.
	ConnectTimeout time.Duration
	// CommandTimeout bounds each IMAP command. Zero means 60 seconds.
	CommandTimeout time.Duration
	// TLSConfig overrides the default config derived from the host.
	TLSConfig *tls.Config
}

// Dial connects per the settings' encryption mode and logs in. Network and
// TLS failures come back as *mailerr.ConnectionError, a rejected LOGIN as
// *mailerr.AuthError.
func (d *ClientDialer) Dial(settings models.ServerSettings, password string) (Session, error) {
	c, err := d.connect(settings)
	if err != nil {
		return nil, err
	}

	if err := c.Login(settings.Username, password); err != nil {
		_ = c.Logout()
		return nil, &mailerr.AuthError{Protocol: protocol, Server: Address(settings), Err: err}
	}

	return &clientSession{c: c}, nil
}

func (d *ClientDialer) connect(settings models.ServerSettings) (*client.Client, error) {
	addr := Address(settings)
	if settings.Host == "" {
		return nil, &mailerr.ConnectionError{Protocol: protocol, Server: addr, Err: errors.New("missing host")}
	}

	connectTimeout := d.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: connectTimeout}

	tlsConfig := d.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: settings.Host, MinVersion: tls.VersionTLS12}
	}

	var c *client.Client
	var err error
	switch settings.Encryption {
	case models.EncryptionNone, models.EncryptionSTARTTLS:
		c, err = client.DialWithDialer(dialer, addr)
	default:
		c, err = client.DialWithDialerTLS(dialer, addr, tlsConfig)
	}
	if err != nil {
		return nil, &mailerr.ConnectionError{Protocol: protocol, Server: addr, Err: err}
	}

	commandTimeout := d.CommandTimeout
	if commandTimeout == 0 {
		commandTimeout = 60 * time.Second
	}
	c.Timeout = commandTimeout

	if settings.Encryption == models.EncryptionSTARTTLS {
		if err := c.StartTLS(tlsConfig); err != nil {
			_ = c.Logout()
			return nil, &mailerr.ConnectionError{Protocol: protocol, Server: addr, Err: fmt.Errorf("STARTTLS: %w", err)}
		}
	}

	return c, nil
}

// CheckLogin opens a session and closes it right away.
func CheckLogin(d Dialer, settings models.ServerSettings, password string) error {
	s, err := d.Dial(settings, password)
	if err != nil {
		return err
	}
	return s.Logout()
}
