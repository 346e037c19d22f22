// Package scheduler runs the global mail sync on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gojolo/inbox/internal/models"
	cronv3 "github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultRunTimeout bounds one scheduled sync.
const DefaultRunTimeout = 10 * time.Minute

type Syncer interface {
	Sync(ctx context.Context, scope models.SyncScope) (*models.SyncResult, error)
}

// Scheduler runs at most one sync at a time, whether started by the cron
// entry or by RunOnce.
type Scheduler struct {
	syncer  Syncer
	logger  *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	running sync.Mutex
	cron    *cronv3.Cron
}

func New(syncer Syncer, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{syncer: syncer, logger: logger.Named("scheduler"), timeout: DefaultRunTimeout}
}

// Start registers the sync job with a standard five-field cron expression
// (or a descriptor such as "@every 5m") and starts the cron loop.
func (s *Scheduler) Start(schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	log := cronLogger{s.logger.Sugar()}
	c := cronv3.New(cronv3.WithChain(
		cronv3.SkipIfStillRunning(log),
		cronv3.Recover(log),
	))
	if _, err := c.AddFunc(schedule, s.run); err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", schedule, err)
	}
	c.Start()
	s.cron = c

	s.logger.Info("Registered sync job", zap.String("schedule", schedule))
	return nil
}

// Stop halts the cron loop and waits for a running job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	s.logger.Info("Stopping scheduler")
	<-c.Stop().Done()
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	_, _, _ = s.RunOnce(ctx)
}

// RunOnce runs a global sync now. It returns ran=false without syncing when
// another run is in progress.
func (s *Scheduler) RunOnce(ctx context.Context) (result *models.SyncResult, ran bool, err error) {
	if !s.running.TryLock() {
		s.logger.Info("Sync already running, skipping")
		return nil, false, nil
	}
	defer s.running.Unlock()

	start := time.Now()
	result, err = s.syncer.Sync(ctx, models.SyncScope{})
	if err != nil {
		s.logger.Error("Scheduled sync failed", zap.Error(err))
		return nil, true, err
	}

	s.logger.Info("Scheduled sync completed",
		zap.Duration("took", time.Since(start)),
		zap.Int("synced", result.Synced),
		zap.Int("messages_inserted", result.MessagesInserted),
		zap.Strings("errors", result.Errors),
	)
	return result, true, nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
