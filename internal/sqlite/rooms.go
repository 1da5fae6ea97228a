package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/roomsync/pkg/models"
)

const selectRoomBase = `SELECT id, tenant, kind, entity_key, external_room_id, visibility,
history_visibility, guest_access, require_invitation, encrypted, members, created_at, updated_at
FROM chat_rooms`

func scanRoom(row interface{ Scan(...any) error }) (*models.ChatRoom, error) {
	var (
		room       models.ChatRoom
		membersRaw string
	)
	err := row.Scan(
		&room.ID, &room.Tenant, &room.Kind, &room.EntityKey, &room.ExternalRoomID,
		&room.Visibility, &room.Settings.HistoryVisibility, &room.Settings.GuestAccess,
		&room.Settings.RequireInvitation, &room.Settings.Encrypted,
		&membersRaw, &room.CreatedAt, &room.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(membersRaw), &room.Members); err != nil {
		return nil, fmt.Errorf("failed to decode member cache for room %d: %w", room.ID, err)
	}
	return &room, nil
}

// GetRoomByEntity fetches the room bound to an entity key.
func (db *DB) GetRoomByEntity(ctx context.Context, tenant models.Tenant, entityKey string) (*models.ChatRoom, error) {
	row := db.readDB.QueryRowContext(ctx, selectRoomBase+" WHERE tenant = ? AND entity_key = ?", string(tenant), entityKey)
	room, err := scanRoom(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan room: %w", err)
	}
	return room, nil
}

// ListRoomsByEntity returns every room record bound to the entity key.
// Normally at most one, but crash windows during stale-room recovery can
// leave more than one; permission fan-out iterates all of them.
func (db *DB) ListRoomsByEntity(ctx context.Context, tenant models.Tenant, entityKey string) ([]*models.ChatRoom, error) {
	rows, err := db.readDB.QueryContext(ctx, selectRoomBase+" WHERE tenant = ? AND entity_key = ? ORDER BY id", string(tenant), entityKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	defer rows.Close()

	var out []*models.ChatRoom
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		out = append(out, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rooms: %w", err)
	}
	return out, nil
}

// CreateRoom inserts the binding if no room exists for the entity yet.
// The UNIQUE(tenant, entity_key) constraint is the real cross-instance
// guard: when another writer won the race the existing row is returned
// and created is false.
func (db *DB) CreateRoom(ctx context.Context, room *models.ChatRoom) (*models.ChatRoom, bool, error) {
	membersRaw, err := json.Marshal(room.Members)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode member cache: %w", err)
	}
	if room.Members == nil {
		membersRaw = []byte("[]")
	}

	now := time.Now().UTC()
	res, err := db.writeDB.ExecContext(ctx, `
INSERT OR IGNORE INTO chat_rooms
(tenant, kind, entity_key, external_room_id, visibility, history_visibility,
 guest_access, require_invitation, encrypted, members, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(room.Tenant), string(room.Kind), room.EntityKey, room.ExternalRoomID,
		string(room.Visibility), room.Settings.HistoryVisibility, room.Settings.GuestAccess,
		room.Settings.RequireInvitation, room.Settings.Encrypted, string(membersRaw), now, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create room: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read insert result: %w", err)
	}

	existing, err := db.GetRoomByEntity(ctx, room.Tenant, room.EntityKey)
	if err != nil {
		return nil, false, err
	}
	return existing, affected > 0, nil
}

// DeleteRoom removes a room record.
func (db *DB) DeleteRoom(ctx context.Context, id int64) error {
	res, err := db.writeDB.ExecContext(ctx, "DELETE FROM chat_rooms WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddRoomMember appends a user to the cached member list if absent.
func (db *DB) AddRoomMember(ctx context.Context, roomID int64, user models.UserKey) error {
	return db.mutateMembers(ctx, roomID, func(members []models.UserKey) ([]models.UserKey, bool) {
		for _, m := range members {
			if m == user {
				return members, false
			}
		}
		return append(members, user), true
	})
}

// RemoveRoomMember drops a user from the cached member list.
func (db *DB) RemoveRoomMember(ctx context.Context, roomID int64, user models.UserKey) error {
	return db.mutateMembers(ctx, roomID, func(members []models.UserKey) ([]models.UserKey, bool) {
		for i, m := range members {
			if m == user {
				return append(members[:i], members[i+1:]...), true
			}
		}
		return members, false
	})
}

// mutateMembers runs a read-modify-write of the member cache inside one
// write transaction. The single write connection serializes these.
func (db *DB) mutateMembers(ctx context.Context, roomID int64, mutate func([]models.UserKey) ([]models.UserKey, bool)) error {
	tx, err := db.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin member update: %w", err)
	}
	defer tx.Rollback()

	var raw string
	if err := tx.QueryRowContext(ctx, "SELECT members FROM chat_rooms WHERE id = ?", roomID).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read member cache: %w", err)
	}

	var members []models.UserKey
	if err := json.Unmarshal([]byte(raw), &members); err != nil {
		return fmt.Errorf("failed to decode member cache: %w", err)
	}

	updated, changed := mutate(members)
	if !changed {
		return nil
	}

	encoded, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("failed to encode member cache: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE chat_rooms SET members = ?, updated_at = ? WHERE id = ?",
		string(encoded), time.Now().UTC(), roomID); err != nil {
		return fmt.Errorf("failed to write member cache: %w", err)
	}
	return tx.Commit()
}
