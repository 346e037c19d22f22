package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gojolo/inbox/internal/accounts"
	"github.com/gojolo/inbox/internal/auth"
	"github.com/gojolo/inbox/internal/crypto"
	"github.com/gojolo/inbox/internal/db"
	"github.com/gojolo/inbox/internal/mailerr"
	"github.com/gojolo/inbox/internal/outbound"
	"github.com/gojolo/inbox/internal/storage"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// ErrorResponse is the in-band error body. Every handler answers HTTP 200 so
// clients read the message from the payload.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v into a buffer first so a failed encode never leaves a
// half-written body.
func writeJSON(w http.ResponseWriter, logger *zap.Logger, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		logger.Error("failed to encode response", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		logger.Warn("failed to write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	msg, known := errorMessage(err)
	if !known {
		logger.Error("request failed", zap.Error(err))
	} else {
		logger.Debug("request rejected", zap.Error(err))
	}
	writeJSON(w, logger, ErrorResponse{Error: msg})
}

// errorMessage renders err for clients. Errors outside the known taxonomy are
// replaced by a generic message so storage details do not leak.
func errorMessage(err error) (string, bool) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return "Unauthorized", true
	case errors.Is(err, mailerr.ErrForbidden):
		if strings.Contains(err.Error(), "not an org admin") {
			return "Forbidden: not an org admin", true
		}
		return "Forbidden", true
	case errors.Is(err, db.ErrThreadNotFound):
		return "Thread not found", true
	case errors.Is(err, db.ErrAccountNotFound):
		return "Email account not found", true
	case errors.Is(err, crypto.ErrDecrypt):
		return "Failed to decrypt credentials", true
	}

	var (
		connErr *mailerr.ConnectionError
		authErr *mailerr.AuthError
		sendErr *mailerr.SendFailedError
	)
	if errors.As(err, &connErr) || errors.As(err, &authErr) || errors.As(err, &sendErr) {
		return err.Error(), true
	}

	for _, kind := range []error{
		accounts.ErrIMAPFailed,
		accounts.ErrSMTPFailed,
		mailerr.ErrConfiguration,
		mailerr.ErrRecipientRequired,
		mailerr.ErrNoAccountConfigured,
		mailerr.ErrInvalidRequest,
		outbound.ErrUnsupportedChannel,
		storage.ErrNotFound,
	} {
		if errors.Is(err, kind) {
			return err.Error(), true
		}
	}
	return "Internal server error", false
}

// decodeBody reads a JSON body into dst. An empty body leaves dst untouched
// when allowEmpty is set.
func decodeBody(r *http.Request, dst any, allowEmpty bool) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return errInvalidBody
	}
	if len(bytes.TrimSpace(data)) == 0 {
		if allowEmpty {
			return nil
		}
		return errInvalidBody
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return errInvalidBody
	}
	return nil
}

var errInvalidBody = fmt.Errorf("%w: malformed JSON body", mailerr.ErrInvalidRequest)

// requireUserID returns the user id stored by auth.RequireAuth.
func requireUserID(r *http.Request) (string, error) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		return "", auth.ErrUnauthorized
	}
	return userID, nil
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}
