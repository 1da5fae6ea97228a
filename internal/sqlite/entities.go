package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/example/roomsync/pkg/models"
)

const selectEntityBase = `SELECT tenant, entity_key, slug, display_name, visibility, external_room_id, deleted
FROM entities`

func scanEntity(row interface{ Scan(...any) error }) (*models.Entity, error) {
	var e models.Entity
	err := row.Scan(&e.Tenant, &e.Key, &e.Slug, &e.DisplayName, &e.Visibility, &e.ExternalRoomID, &e.Deleted)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetEntity fetches the mirrored entity record by its storage key.
func (db *DB) GetEntity(ctx context.Context, tenant models.Tenant, entityKey string) (*models.Entity, error) {
	row := db.readDB.QueryRowContext(ctx, selectEntityBase+" WHERE tenant = ? AND entity_key = ?", string(tenant), entityKey)
	e, err := scanEntity(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan entity: %w", err)
	}
	return e, nil
}

// UpsertEntity writes or refreshes a mirrored entity record. The
// deleted flag is deliberately not overwritten on conflict: a mirror
// refresh racing an entity deletion must not resurrect the entity.
func (db *DB) UpsertEntity(ctx context.Context, e *models.Entity) error {
	_, err := db.writeDB.ExecContext(ctx, `
INSERT INTO entities (tenant, entity_key, slug, display_name, visibility, external_room_id, deleted)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (tenant, entity_key) DO UPDATE SET
  slug = excluded.slug,
  display_name = excluded.display_name,
  visibility = excluded.visibility`,
		string(e.Tenant), e.Key, e.Slug, e.DisplayName, string(e.Visibility), e.ExternalRoomID, e.Deleted)
	if err != nil {
		return fmt.Errorf("failed to upsert entity: %w", err)
	}
	return nil
}

// SetEntityExternalRoom back-links (or clears, with an empty id) the
// external room id on the entity record.
func (db *DB) SetEntityExternalRoom(ctx context.Context, tenant models.Tenant, entityKey, externalRoomID string) error {
	res, err := db.writeDB.ExecContext(ctx,
		"UPDATE entities SET external_room_id = ? WHERE tenant = ? AND entity_key = ?",
		externalRoomID, string(tenant), entityKey)
	if err != nil {
		return fmt.Errorf("failed to update entity room link: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkEntityDeleted flags the mirrored record as deleted.
func (db *DB) MarkEntityDeleted(ctx context.Context, tenant models.Tenant, entityKey string) error {
	_, err := db.writeDB.ExecContext(ctx,
		"UPDATE entities SET deleted = 1 WHERE tenant = ? AND entity_key = ?",
		string(tenant), entityKey)
	if err != nil {
		return fmt.Errorf("failed to mark entity deleted: %w", err)
	}
	return nil
}
