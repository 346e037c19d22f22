package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gojolo/inbox/internal/config"
	"github.com/gojolo/inbox/internal/crypto"
	"github.com/gojolo/inbox/internal/db"
	"github.com/gojolo/inbox/internal/imap"
	"github.com/gojolo/inbox/internal/logging"
	"github.com/gojolo/inbox/internal/mailsync"
	"github.com/gojolo/inbox/internal/models"
	"github.com/gojolo/inbox/internal/smtp"
	"github.com/gojolo/inbox/migrations"
	"go.uber.org/zap"
)

type Globals struct {
	JSON    bool `help:"Output as JSON" name:"json"`
	Verbose bool `help:"Verbose logging" short:"v"`
}

type CLI struct {
	Globals

	Sync     SyncCmd     `cmd:"" help:"Run one sync pass over active accounts"`
	TestIMAP TestIMAPCmd `cmd:"" name:"test-imap" help:"Check an IMAP login"`
	TestSMTP TestSMTPCmd `cmd:"" name:"test-smtp" help:"Check an SMTP login"`
	Encrypt  EncryptCmd  `cmd:"" help:"Encrypt a password read from stdin for storage"`
	Migrate  MigrateCmd  `cmd:"" help:"Apply database migrations"`
}

// Env is what every command runs with.
type Env struct {
	Ctx     context.Context
	In      io.Reader
	Out     io.Writer
	Globals *Globals
}

func (e *Env) logger() *zap.Logger {
	if !e.Globals.Verbose {
		return zap.NewNop()
	}
	logger, err := logging.New("development", "debug")
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func (e *Env) printJSON(v any) error {
	enc := json.NewEncoder(e.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// SyncCmd runs the sync engine once, outside the server's schedule.
type SyncCmd struct {
	Org     string `help:"Only sync accounts of this organization"`
	Account string `help:"Only sync this account"`
}

func (c *SyncCmd) Run(env *Env) error {
	cfg, err := config.NewConfig()
	if err != nil {
		return err
	}
	vault := crypto.Unconfigured()
	if cfg.EncryptionKeyHex != "" {
		if vault, err = crypto.NewEncryptorFromHex(cfg.EncryptionKeyHex); err != nil {
			return err
		}
	}

	pool, err := db.NewConnection(env.Ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.CloseConnection(pool)

	engine := mailsync.NewEngine(db.NewStore(pool), vault, &imap.ClientDialer{}, nil, env.logger(), cfg.SyncBootstrapCount)
	result, err := engine.Sync(env.Ctx, models.SyncScope{OrgID: c.Org, AccountID: c.Account})
	if err != nil {
		return err
	}
	return printSyncResult(env, result)
}

func printSyncResult(env *Env, result *models.SyncResult) error {
	if env.Globals.JSON {
		return env.printJSON(result)
	}
	_, _ = fmt.Fprintf(env.Out, "Synced %d account(s): %d new thread(s), %d new message(s)\n",
		result.Synced, result.ThreadsCreated, result.MessagesInserted)
	for _, e := range result.Errors {
		_, _ = fmt.Fprintf(env.Out, "  error: %s\n", e)
	}
	return nil
}

// ServerFlags are the connection settings shared by both test commands.
type ServerFlags struct {
	Host       string `help:"Server hostname" required:""`
	Port       int    `help:"Server port (default depends on encryption)"`
	Encryption string `help:"none, starttls, tls or implicit-tls" default:"implicit-tls"`
	Username   string `help:"Login username" short:"u" required:""`
	Password   string `help:"Login password; read from stdin when empty" env:"INBOX_TEST_PASSWORD"`
}

func (f *ServerFlags) settings(parse func(string) models.Encryption, defaultPort func(models.Encryption) int) models.ServerSettings {
	enc := parse(f.Encryption)
	port := f.Port
	if port <= 0 {
		port = defaultPort(enc)
	}
	return models.ServerSettings{Host: f.Host, Port: port, Encryption: enc, Username: f.Username}
}

func (f *ServerFlags) password(env *Env) (string, error) {
	if f.Password != "" {
		return f.Password, nil
	}
	return readSecret(env.In)
}

type TestIMAPCmd struct {
	ServerFlags `embed:""`
}

func (c *TestIMAPCmd) Run(env *Env) error {
	password, err := c.password(env)
	if err != nil {
		return err
	}
	settings := c.settings(models.ParseIMAPEncryption, imap.DefaultPort)
	if err := imap.CheckLogin(&imap.ClientDialer{}, settings, password); err != nil {
		return fmt.Errorf("IMAP connection failed: %w", err)
	}
	return reportOK(env, "IMAP connection successful", settings)
}

type TestSMTPCmd struct {
	ServerFlags `embed:""`
}

func (c *TestSMTPCmd) Run(env *Env) error {
	password, err := c.password(env)
	if err != nil {
		return err
	}
	settings := c.settings(models.ParseSMTPEncryption, smtp.DefaultPort)
	if err := (&smtp.ClientTransport{}).Check(env.Ctx, settings, password); err != nil {
		return fmt.Errorf("SMTP connection failed: %w", err)
	}
	return reportOK(env, "SMTP connection successful", settings)
}

func reportOK(env *Env, message string, settings models.ServerSettings) error {
	if env.Globals.JSON {
		return env.printJSON(map[string]any{"ok": true, "message": message, "server": settings})
	}
	_, err := fmt.Fprintf(env.Out, "%s (%s:%d)\n", message, settings.Host, settings.Port)
	return err
}

// EncryptCmd prints the stored form of a password so operators can seed
// mail_accounts rows by hand.
type EncryptCmd struct {
	Key string `help:"64 hex character vault key" env:"ENCRYPTION_KEY" required:""`
}

func (c *EncryptCmd) Run(env *Env) error {
	vault, err := crypto.NewEncryptorFromHex(c.Key)
	if err != nil {
		return err
	}
	password, err := readSecret(env.In)
	if err != nil {
		return err
	}
	blob, err := vault.EncryptString(password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(env.Out, blob)
	return err
}

type MigrateCmd struct {
	List bool `help:"Only list the embedded migrations"`
}

func (c *MigrateCmd) Run(env *Env) error {
	names, err := migrations.Names()
	if err != nil {
		return err
	}
	if c.List {
		for _, name := range names {
			_, _ = fmt.Fprintln(env.Out, name)
		}
		return nil
	}

	cfg, err := config.NewConfig()
	if err != nil {
		return err
	}
	pool, err := db.NewConnection(env.Ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.CloseConnection(pool)

	if err := migrations.Apply(env.Ctx, pool); err != nil {
		return err
	}
	_, err = fmt.Fprintf(env.Out, "Applied %d migration(s)\n", len(names))
	return err
}

// readSecret returns the first line of r without its line ending.
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read from stdin: %w", err)
	}
	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return "", errors.New("empty input on stdin")
	}
	return secret, nil
}
