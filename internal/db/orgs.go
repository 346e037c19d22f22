package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrTokenNotFound is returned when an API token is unknown.
var ErrTokenNotFound = errors.New("api token not found")

// HashToken returns the stored form of an API token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// UserIDForToken resolves a bearer token to its user.
func UserIDForToken(ctx context.Context, q DBTX, token string) (string, error) {
	var userID string
	err := q.QueryRow(ctx, `SELECT user_id FROM api_tokens WHERE token_hash = $1`, HashToken(token)).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrTokenNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up api token: %w", err)
	}
	return userID, nil
}

// CreateAPIToken stores the hash of token for userID.
func CreateAPIToken(ctx context.Context, q DBTX, userID, token string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO api_tokens (token_hash, user_id) VALUES ($1, $2)
		ON CONFLICT (token_hash) DO UPDATE SET user_id = EXCLUDED.user_id
	`, HashToken(token), userID)
	if err != nil {
		return fmt.Errorf("failed to create api token: %w", err)
	}
	return nil
}

// AddOrgMember grants userID a role in orgID.
func AddOrgMember(ctx context.Context, q DBTX, orgID, userID, role string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO organization_members (org_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (org_id, user_id) DO UPDATE SET role = EXCLUDED.role
	`, orgID, userID, role)
	if err != nil {
		return fmt.Errorf("failed to add organization member: %w", err)
	}
	return nil
}

// IsOrgMember reports whether userID belongs to orgID in any role.
func IsOrgMember(ctx context.Context, q DBTX, orgID, userID string) (bool, error) {
	var ok bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM organization_members WHERE org_id::text = $1 AND user_id = $2)
	`, orgID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to check organization membership: %w", err)
	}
	return ok, nil
}

// IsOrgAdmin reports whether userID is an admin or owner of orgID.
func IsOrgAdmin(ctx context.Context, q DBTX, orgID, userID string) (bool, error) {
	var ok bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM organization_members
			WHERE org_id::text = $1 AND user_id = $2 AND role IN ('admin', 'owner')
		)
	`, orgID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to check organization role: %w", err)
	}
	return ok, nil
}
