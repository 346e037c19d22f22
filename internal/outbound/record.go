package outbound

import (
	"context"
	"errors"
	"time"

	"github.com/gojolo/inbox/internal/mailerr"
	"github.com/gojolo/inbox/internal/models"
	"go.uber.org/zap"
)

var errDuplicateMessage = errors.New("message id already recorded")

// record stores a sent message. Replies close the thread when the new
// message is still the thread's latest after the insert.
func (e *Engine) record(ctx context.Context, d *draft, msg *models.Message) (*models.SendResult, error) {
	if d.thread == nil {
		thread := &models.Thread{
			OrgID:         d.account.OrgID,
			Channel:       models.ChannelEmail,
			Status:        models.StatusClosed,
			Subject:       msg.Subject,
			FromAddress:   d.to,
			MailAccountID: d.account.ID,
			LastMessageAt: msg.ReceivedAt,
		}
		created, err := e.store.CreateThreadWithMessage(ctx, thread, msg)
		if err == nil && !created {
			err = errDuplicateMessage
		}
		if err != nil {
			return &models.SendResult{}, &mailerr.PersistenceError{Err: err}
		}
		return &models.SendResult{ThreadID: thread.ID, MessageID: msg.ID, Closed: true, Recorded: true}, nil
	}

	threadID := d.thread.ID
	inserted, err := e.store.AppendMessage(ctx, threadID, msg)
	if err == nil && !inserted {
		err = errDuplicateMessage
	}
	if err != nil {
		return &models.SendResult{ThreadID: threadID}, &mailerr.PersistenceError{ThreadID: threadID, Err: err}
	}

	result := &models.SendResult{ThreadID: threadID, MessageID: msg.ID, Recorded: true}

	latest, err := e.store.LatestMessageID(ctx, threadID)
	if err != nil {
		e.logger.Warn("Failed to check latest message", zap.String("thread_id", threadID), zap.Error(err))
		return result, nil
	}
	if latest != msg.ID {
		e.logger.Info("Newer message arrived during send, leaving thread status", zap.String("thread_id", threadID))
		return result, nil
	}

	if err := e.store.SetThreadStatus(ctx, threadID, models.StatusClosed, time.Time{}); err != nil {
		e.logger.Warn("Failed to close thread", zap.String("thread_id", threadID), zap.Error(err))
		return result, nil
	}
	result.Closed = true
	return result, nil
}
