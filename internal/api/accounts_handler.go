package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gojolo/inbox/internal/accounts"
	"github.com/gojolo/inbox/internal/auth"
	"github.com/gojolo/inbox/internal/mailerr"
	"github.com/gojolo/inbox/internal/models"
	"go.uber.org/zap"
)

// AccountTester runs connection tests and optionally saves the account.
type AccountTester interface {
	Test(ctx context.Context, req *models.AccountTestRequest) (*accounts.Outcome, error)
}

type AccountTestResponse struct {
	OK        bool   `json:"ok"`
	Message   string `json:"message"`
	AccountID string `json:"accountId,omitempty"`
}

// AccountsHandler handles POST /api/v1/inbox/accounts/test. It expects
// auth.RequireAuth in front of it.
type AccountsHandler struct {
	tester  AccountTester
	members auth.Membership
	logger  *zap.Logger
}

func NewAccountsHandler(tester AccountTester, members auth.Membership, logger *zap.Logger) *AccountsHandler {
	return &AccountsHandler{tester: tester, members: members, logger: logger.Named("api.accounts")}
}

func (h *AccountsHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	ctx := r.Context()

	userID, err := requireUserID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var req models.AccountTestRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if req.OrgID == "" {
		writeError(w, h.logger, fmt.Errorf("%w: orgId is required", mailerr.ErrInvalidRequest))
		return
	}
	if err := auth.RequireAdmin(ctx, h.members, req.OrgID, userID); err != nil {
		writeError(w, h.logger, err)
		return
	}

	outcome, err := h.tester.Test(ctx, &req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	resp := AccountTestResponse{OK: true, Message: outcome.Message}
	if outcome.Account != nil {
		resp.AccountID = outcome.Account.ID
	}
	writeJSON(w, h.logger, resp)
}
