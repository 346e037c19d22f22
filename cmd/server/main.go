package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gojolo/inbox/internal/accounts"
	"github.com/gojolo/inbox/internal/api"
	"github.com/gojolo/inbox/internal/auth"
	"github.com/gojolo/inbox/internal/config"
	"github.com/gojolo/inbox/internal/crypto"
	"github.com/gojolo/inbox/internal/db"
	"github.com/gojolo/inbox/internal/imap"
	"github.com/gojolo/inbox/internal/logging"
	"github.com/gojolo/inbox/internal/mailsync"
	"github.com/gojolo/inbox/internal/outbound"
	"github.com/gojolo/inbox/internal/scheduler"
	"github.com/gojolo/inbox/internal/smtp"
	"github.com/gojolo/inbox/internal/storage"
	ws "github.com/gojolo/inbox/internal/websocket"
	"github.com/gojolo/inbox/migrations"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.CloseConnection(pool)
	logger.Info("Successfully connected to database")

	if err := migrations.Apply(ctx, pool); err != nil {
		return err
	}

	vault, err := newVault(cfg, logger)
	if err != nil {
		return err
	}
	blobs, err := storage.New(cfg.Attachments)
	if err != nil {
		return fmt.Errorf("failed to create attachment store: %w", err)
	}

	server := NewServer(cfg, Dependencies{
		Store:     db.NewStore(pool),
		Vault:     vault,
		Dialer:    &imap.ClientDialer{},
		Transport: &smtp.ClientTransport{},
		Blobs:     blobs,
	}, logger)

	if cfg.SyncSchedule != "" {
		sched := scheduler.New(server.Sync, logger)
		if err := sched.Start(cfg.SyncSchedule); err != nil {
			return err
		}
		defer sched.Stop()
		logger.Info("Sync scheduler started", zap.String("schedule", cfg.SyncSchedule))
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Inbox server starting", zap.String("address", httpServer.Addr), zap.String("environment", cfg.Environment))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// newVault returns an Encryptor for the configured key, or an unconfigured one
// whose operations fail with crypto.ErrKeyNotConfigured.
func newVault(cfg *config.Config, logger *zap.Logger) (*crypto.Encryptor, error) {
	if cfg.EncryptionKeyHex == "" {
		logger.Warn("ENCRYPTION_KEY is not set; sync, send and account save will report a configuration error")
		return crypto.Unconfigured(), nil
	}
	vault, err := crypto.NewEncryptorFromHex(cfg.EncryptionKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}
	return vault, nil
}

// Store is everything the server needs from persistence.
type Store interface {
	mailsync.Store
	outbound.Store
	accounts.Store
	auth.TokenValidator
	auth.Membership
}

type Dependencies struct {
	Store     Store
	Vault     crypto.Vault
	Dialer    imap.Dialer
	Transport smtp.Transport
	Blobs     storage.BlobStore
}

// Server is the HTTP surface plus the engines behind it.
type Server struct {
	mux  *http.ServeMux
	Sync *mailsync.Engine
	Hub  *ws.Hub
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// NewServer wires the engines and routes.
func NewServer(cfg *config.Config, deps Dependencies, logger *zap.Logger) *Server {
	hub := ws.NewHub(ws.DefaultMaxPerOrg, logger)

	syncEngine := mailsync.NewEngine(deps.Store, deps.Vault, deps.Dialer, hub, logger, cfg.SyncBootstrapCount)
	sendEngine := outbound.NewEngine(deps.Store, deps.Vault, deps.Transport, deps.Blobs, hub, logger)
	accountService := accounts.NewService(deps.Store, deps.Vault, deps.Dialer, deps.Transport, logger)

	authenticator := auth.NewAuthenticator(deps.Store, logger)

	syncHandler := api.NewSyncHandler(syncEngine, authenticator, deps.Store, cfg.CronSecret, logger)
	sendHandler := api.NewSendHandler(sendEngine, deps.Store, deps.Store, logger)
	accountsHandler := api.NewAccountsHandler(accountService, deps.Store, logger)
	threadStatusHandler := api.NewThreadStatusHandler(deps.Store, deps.Store, hub, logger)
	wsHandler := api.NewWebSocketHandler(authenticator, deps.Store, hub, logger)

	mux := http.NewServeMux()

	mux.HandleFunc("/", handleRoot)

	// Sync authorizes itself: the cron secret or a bearer token.
	mux.HandleFunc("/api/v1/inbox/sync", syncHandler.Handle)
	mux.Handle("/api/v1/inbox/send", authenticator.RequireAuth(http.HandlerFunc(sendHandler.Handle)))
	mux.Handle("/api/v1/inbox/accounts/test", authenticator.RequireAuth(http.HandlerFunc(accountsHandler.Handle)))
	mux.Handle("/api/v1/inbox/threads/status", authenticator.RequireAuth(http.HandlerFunc(threadStatusHandler.Handle)))
	// WebSocket handler handles its own authentication via query parameter
	// (since browsers can't set headers on WebSocket connections).
	mux.HandleFunc("/api/v1/ws", wsHandler.Handle)

	return &Server{mux: mux, Sync: syncEngine, Hub: hub}
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Inbox API is running")
}
