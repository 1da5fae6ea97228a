package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/example/roomsync/pkg/models"
)

// GetIdentity fetches a user's provisioned chat identity.
func (db *DB) GetIdentity(ctx context.Context, tenant models.Tenant, user models.UserKey) (*models.ChatIdentity, error) {
	row := db.readDB.QueryRowContext(ctx, `
SELECT tenant, user_key, external_user_id, username, access_token, display_name, created_at
FROM chat_identities WHERE tenant = ? AND user_key = ?`, string(tenant), string(user))

	var id models.ChatIdentity
	err := row.Scan(&id.Tenant, &id.UserKey, &id.ExternalUserID, &id.Username,
		&id.AccessToken, &id.DisplayName, &id.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan identity: %w", err)
	}
	return &id, nil
}

// SaveIdentity stores a freshly provisioned chat identity. Replaces any
// previous record for the user, e.g. after re-provisioning.
func (db *DB) SaveIdentity(ctx context.Context, id *models.ChatIdentity) error {
	_, err := db.writeDB.ExecContext(ctx, `
INSERT INTO chat_identities (tenant, user_key, external_user_id, username, access_token, display_name, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (tenant, user_key) DO UPDATE SET
  external_user_id = excluded.external_user_id,
  username = excluded.username,
  access_token = excluded.access_token,
  display_name = excluded.display_name`,
		string(id.Tenant), string(id.UserKey), id.ExternalUserID, id.Username,
		id.AccessToken, id.DisplayName, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}
	return nil
}
