package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gojolo/inbox/internal/auth"
	"github.com/gojolo/inbox/internal/mailerr"
	"github.com/gojolo/inbox/internal/models"
	"go.uber.org/zap"
)

// Syncer runs one sync over the accounts a scope selects.
type Syncer interface {
	Sync(ctx context.Context, scope models.SyncScope) (*models.SyncResult, error)
}

// SyncHandler handles POST /api/v1/inbox/sync.
//
// A request carrying the cron secret may sync any scope, including the global
// one selected by an empty body. Any other request needs a bearer token and
// an org admin role for the named orgId.
type SyncHandler struct {
	syncer     Syncer
	auth       *auth.Authenticator
	members    auth.Membership
	cronSecret string
	logger     *zap.Logger
}

func NewSyncHandler(syncer Syncer, authenticator *auth.Authenticator, members auth.Membership, cronSecret string, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{
		syncer:     syncer,
		auth:       authenticator,
		members:    members,
		cronSecret: cronSecret,
		logger:     logger.Named("api.sync"),
	}
}

func (h *SyncHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	ctx := r.Context()

	var scope models.SyncScope
	if err := decodeBody(r, &scope, true); err != nil {
		writeError(w, h.logger, err)
		return
	}

	if !auth.CronAuthorized(r, h.cronSecret) {
		if err := h.authorizeUser(r, scope); err != nil {
			writeError(w, h.logger, err)
			return
		}
	}

	result, err := h.syncer.Sync(ctx, scope)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, result)
}

func (h *SyncHandler) authorizeUser(r *http.Request, scope models.SyncScope) error {
	userID, err := h.auth.Authenticate(r)
	if err != nil {
		return err
	}
	if scope.OrgID == "" {
		return fmt.Errorf("%w: orgId is required", mailerr.ErrInvalidRequest)
	}
	return auth.RequireAdmin(r.Context(), h.members, scope.OrgID, userID)
}
