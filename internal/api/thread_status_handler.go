package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gojolo/inbox/internal/auth"
	"github.com/gojolo/inbox/internal/mailerr"
	"github.com/gojolo/inbox/internal/models"
	"go.uber.org/zap"
)

type ThreadStatusStore interface {
	ThreadGetter
	SetThreadStatus(ctx context.Context, threadID string, status models.ThreadStatus, touch time.Time) error
}

// Notifier is told which threads changed for an organization.
type Notifier interface {
	InboxUpdated(orgID string, threadIDs []string)
}

type ThreadStatusResponse struct {
	OK       bool                `json:"ok"`
	ThreadID string              `json:"threadId"`
	Status   models.ThreadStatus `json:"status"`
}

// ThreadStatusHandler handles POST /api/v1/inbox/threads/status: closing,
// archiving or reopening a thread. It expects auth.RequireAuth in front of it.
type ThreadStatusHandler struct {
	store    ThreadStatusStore
	members  auth.Membership
	notifier Notifier
	logger   *zap.Logger
}

func NewThreadStatusHandler(store ThreadStatusStore, members auth.Membership, notifier Notifier, logger *zap.Logger) *ThreadStatusHandler {
	return &ThreadStatusHandler{store: store, members: members, notifier: notifier, logger: logger.Named("api.threads")}
}

func (h *ThreadStatusHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	ctx := r.Context()

	userID, err := requireUserID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var req models.ThreadStatusRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if req.ThreadID == "" {
		writeError(w, h.logger, fmt.Errorf("%w: threadId is required", mailerr.ErrInvalidRequest))
		return
	}
	if !req.Status.Valid() {
		writeError(w, h.logger, fmt.Errorf("%w: status must be open, closed or archived", mailerr.ErrInvalidRequest))
		return
	}

	thread, err := h.store.GetThread(ctx, req.ThreadID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if req.OrgID != "" && req.OrgID != thread.OrgID {
		writeError(w, h.logger, mailerr.ErrForbidden)
		return
	}
	if err := auth.RequireMember(ctx, h.members, thread.OrgID, userID); err != nil {
		writeError(w, h.logger, err)
		return
	}

	// Manual changes leave last_message_at alone.
	if err := h.store.SetThreadStatus(ctx, thread.ID, req.Status, time.Time{}); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if h.notifier != nil {
		h.notifier.InboxUpdated(thread.OrgID, []string{thread.ID})
	}

	h.logger.Info("Thread status changed",
		zap.String("thread_id", thread.ID),
		zap.String("from", string(thread.Status)),
		zap.String("to", string(req.Status)),
	)
	writeJSON(w, h.logger, ThreadStatusResponse{OK: true, ThreadID: thread.ID, Status: req.Status})
}
