package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gojolo/inbox/internal/auth"
	"github.com/gojolo/inbox/internal/mailerr"
	"github.com/gojolo/inbox/internal/models"
	"go.uber.org/zap"
)

// Sender transmits a reply or a new message.
type Sender interface {
	Send(ctx context.Context, req *models.SendRequest) (*models.SendResult, error)
}

// ThreadGetter loads a thread so the handler can derive its organization.
type ThreadGetter interface {
	GetThread(ctx context.Context, threadID string) (*models.Thread, error)
}

// SendResponse is returned whenever the message went out. Warning is set when
// it could not be recorded afterwards.
type SendResponse struct {
	OK        bool   `json:"ok"`
	ThreadID  string `json:"threadId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Closed    bool   `json:"closed"`
	Warning   string `json:"warning,omitempty"`
}

// SendHandler handles POST /api/v1/inbox/send. It expects auth.RequireAuth
// in front of it.
type SendHandler struct {
	sender  Sender
	threads ThreadGetter
	members auth.Membership
	logger  *zap.Logger
}

func NewSendHandler(sender Sender, threads ThreadGetter, members auth.Membership, logger *zap.Logger) *SendHandler {
	return &SendHandler{sender: sender, threads: threads, members: members, logger: logger.Named("api.send")}
}

func (h *SendHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	ctx := r.Context()

	userID, err := requireUserID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var req models.SendRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, h.logger, err)
		return
	}

	if req.OrgID == "" && req.ThreadID != "" {
		thread, err := h.threads.GetThread(ctx, req.ThreadID)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		req.OrgID = thread.OrgID
	}
	if req.OrgID == "" {
		writeError(w, h.logger, fmt.Errorf("%w: orgId is required", mailerr.ErrInvalidRequest))
		return
	}
	if err := auth.RequireMember(ctx, h.members, req.OrgID, userID); err != nil {
		writeError(w, h.logger, err)
		return
	}

	result, err := h.sender.Send(ctx, &req)
	if err != nil {
		var pe *mailerr.PersistenceError
		if !errors.As(err, &pe) {
			writeError(w, h.logger, err)
			return
		}
		h.logger.Error("message sent but not recorded", zap.String("thread_id", pe.ThreadID), zap.Error(pe.Err))
		resp := SendResponse{OK: true, ThreadID: pe.ThreadID, Warning: err.Error()}
		if resp.ThreadID == "" && result != nil {
			resp.ThreadID = result.ThreadID
		}
		writeJSON(w, h.logger, resp)
		return
	}

	writeJSON(w, h.logger, SendResponse{
		OK:        true,
		ThreadID:  result.ThreadID,
		MessageID: result.MessageID,
		Closed:    result.Closed,
	})
}
