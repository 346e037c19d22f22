package smtp

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/gojolo/inbox/internal/mailerr"
	"github.com/gojolo/inbox/internal/models"
	"github.com/gojolo/inbox/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddress(t *testing.T) {
	assert.Equal(t, "smtp.example.com:465", Address(models.ServerSettings{Host: "smtp.example.com", Encryption: models.EncryptionImplicitTLS}))
	assert.Equal(t, "smtp.example.com:587", Address(models.ServerSettings{Host: "smtp.example.com", Encryption: models.EncryptionSTARTTLS}))
	assert.Equal(t, "smtp.example.com:2525", Address(models.ServerSettings{Host: "smtp.example.com", Port: 2525}))
}

func TestClientTransportSend(t *testing.T) {
	server := testutil.NewTestSMTPServer(t)
	transport := &ClientTransport{}
	ctx := context.Background()

	env, err := Compose(&Outgoing{
		From:    "support@example.com",
		To:      []string{"customer@example.org"},
		BCC:     []string{"audit@example.com"},
		Subject: "Hello",
		Text:    "Body",
	})
	require.NoError(t, err)

	t.Run("delivers to every recipient", func(t *testing.T) {
		require.NoError(t, transport.Send(ctx, server.Settings(), server.Password(), env))

		msgs := server.GetMessages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "support@example.com", msgs[0].From)
		assert.Equal(t, []string{"customer@example.org", "audit@example.com"}, msgs[0].To)
		assert.Contains(t, string(msgs[0].Data), "Subject: Hello")
	})

	t.Run("wrong password", func(t *testing.T) {
		err := transport.Send(ctx, server.Settings(), "wrong", env)
		var authErr *mailerr.AuthError
		assert.True(t, errors.As(err, &authErr), "got %v", err)
	})

	t.Run("relay rejects data", func(t *testing.T) {
		server.Backend.SetRejectData(errors.New("mailbox full"))
		defer server.Backend.SetRejectData(nil)

		err := transport.Send(ctx, server.Settings(), server.Password(), env)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mailbox full")
	})

	t.Run("no recipients", func(t *testing.T) {
		err := transport.Send(ctx, server.Settings(), server.Password(), &Envelope{From: "a@example.com"})
		assert.ErrorIs(t, err, mailerr.ErrRecipientRequired)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		err := transport.Send(cancelled, server.Settings(), server.Password(), env)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestClientTransportCheck(t *testing.T) {
	server := testutil.NewTestSMTPServer(t)
	transport := &ClientTransport{}
	ctx := context.Background()

	require.NoError(t, transport.Check(ctx, server.Settings(), server.Password()))

	var connErr *mailerr.ConnectionError
	err := transport.Check(ctx, models.ServerSettings{Host: "127.0.0.1", Port: 1, Encryption: models.EncryptionNone}, "x")
	assert.True(t, errors.As(err, &connErr), "got %v", err)

	var authErr *mailerr.AuthError
	err = transport.Check(ctx, server.Settings(), "wrong")
	assert.True(t, errors.As(err, &authErr), "got %v", err)
}

func TestClientTransportCheckRequiresAuth(t *testing.T) {
	server := testutil.NewTestSMTPServerWithoutAuth(t)
	transport := &ClientTransport{}

	err := transport.Check(context.Background(), server.Settings(), "any password")
	var authErr *mailerr.AuthError
	require.True(t, errors.As(err, &authErr), "got %v", err)
	assert.Contains(t, err.Error(), "server does not support AUTH")

	// Without a username there is nothing to verify and the relay is used as is.
	settings := server.Settings()
	settings.Username = ""
	assert.NoError(t, transport.Check(context.Background(), settings, ""))
}

func TestClientTransportGreetingTimeout(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	// Accept one connection and never greet.
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		<-done
		_ = conn.Close()
	}()

	host, portStr, err := net.SplitHostPort(listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	transport := &ClientTransport{ConnectTimeout: time.Second, CommandTimeout: 200 * time.Millisecond}
	start := time.Now()
	err = transport.Check(context.Background(), models.ServerSettings{Host: host, Port: port, Encryption: models.EncryptionNone, Username: "u"}, "p")

	var connErr *mailerr.ConnectionError
	assert.True(t, errors.As(err, &connErr), "got %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
