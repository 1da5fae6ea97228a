package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/roomsync/internal/chat"
	"github.com/example/roomsync/internal/metrics"
	"github.com/example/roomsync/internal/sqlite"
	"github.com/example/roomsync/pkg/models"
)

// EnsureRoom returns the room bound to the entity, creating it on the
// external backend first if no binding exists yet. A nil room with a nil
// error means creation was skipped because too many creation locks were
// held in this scope; callers treat that as "not now", not as failure.
func EnsureRoom(ctx context.Context, deps Deps, scope *Scope, entity models.EntityRef, creator models.UserKey) (*models.ChatRoom, error) {
	if err := entity.Validate(); err != nil {
		return nil, err
	}
	key := entity.StorageKey()

	if room, ok := scope.Room(key); ok {
		return room, nil
	}

	room, err := deps.Store.GetRoomByEntity(ctx, deps.Tenant, key)
	if err == nil {
		scope.PutRoom(key, room)
		return room, nil
	}
	if !errors.Is(err, sqlite.ErrNotFound) {
		return nil, fmt.Errorf("failed to load room for %s: %w", key, err)
	}

	switch scope.AcquireCreateLock(key) {
	case LockStorm:
		deps.Log.Warn("skipping room creation, too many creation locks held in scope", "entity", key)
		return nil, nil
	case LockHeld:
		// Another creation for this entity is in flight within this
		// scope. Re-read before creating so we don't race ourselves into
		// a duplicate external room.
		room, err := deps.Store.GetRoomByEntity(ctx, deps.Tenant, key)
		if err == nil {
			scope.PutRoom(key, room)
			return room, nil
		}
		if !errors.Is(err, sqlite.ErrNotFound) {
			return nil, fmt.Errorf("failed to re-read room for %s: %w", key, err)
		}
	case LockAcquired:
		defer scope.ReleaseCreateLock(key)
	}

	return createRoom(ctx, deps, scope, entity, creator)
}

// createRoom provisions the external room and persists the binding. Room
// name and topic derive from the entity's stable slug, never its mutable
// display name, so repeated creation attempts stay recognizable.
func createRoom(ctx context.Context, deps Deps, scope *Scope, entity models.EntityRef, creator models.UserKey) (*models.ChatRoom, error) {
	key := entity.StorageKey()

	visibility := models.VisibilityPrivate
	if entity.Kind != models.RoomKindDirect {
		ent, err := resolveEntity(ctx, deps, scope, entity)
		if err != nil {
			return nil, err
		}
		visibility = ent.Visibility
	}
	settings := models.DefaultRoomSettings(visibility)

	opts := chat.CreateRoomOptions{
		Name:              roomName(entity),
		Topic:             roomTopic(entity),
		Public:            visibility == models.VisibilityPublic,
		Direct:            entity.Kind == models.RoomKindDirect,
		HistoryVisibility: settings.HistoryVisibility,
		GuestAccess:       settings.GuestAccess,
		Encrypted:         settings.Encrypted,
	}

	// If the creator already has a chat identity, invite them up front
	// and seed their moderator level. Best effort: a creator without an
	// identity simply joins later through reconciliation.
	if creator != "" {
		if identity, err := deps.Store.GetIdentity(ctx, deps.Tenant, creator); err == nil {
			opts.InviteUserIDs = []string{identity.ExternalUserID}
			opts.PowerLevelOverrides = map[string]int{identity.ExternalUserID: PowerLevelModerator}
		} else if !errors.Is(err, sqlite.ErrNotFound) {
			return nil, fmt.Errorf("failed to load creator identity: %w", err)
		}
	}

	externalID, err := deps.Chat.CreateRoom(ctx, opts)
	if err != nil {
		metrics.IncExternalFailure("create_room", "transient")
		return nil, fmt.Errorf("failed to create external room for %s: %w", key, err)
	}
	metrics.IncRoomCreated(string(entity.Kind))

	stored, created, err := deps.Store.CreateRoom(ctx, &models.ChatRoom{
		Tenant:         deps.Tenant,
		Kind:           entity.Kind,
		EntityKey:      key,
		ExternalRoomID: externalID,
		Visibility:     visibility,
		Settings:       settings,
		Members:        []models.UserKey{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist room for %s: %w", key, err)
	}
	if !created && stored.ExternalRoomID != externalID {
		// Lost the cross-instance race: another writer bound the entity
		// first. Our just-created external room is an orphan; the backend
		// has no delete operation, so all we can do is record it.
		deps.Log.Warn("discarding external room after losing creation race",
			"entity", key, "orphan_room", externalID, "bound_room", stored.ExternalRoomID)
	}

	if entity.Kind != models.RoomKindDirect {
		if err := deps.Store.SetEntityExternalRoom(ctx, deps.Tenant, key, stored.ExternalRoomID); err != nil {
			// Back-link is denormalization for display; reconciliation
			// works without it.
			deps.Log.Warn("failed to back-link external room onto entity", "entity", key, "error", err)
		}
	}

	scope.PutRoom(key, stored)
	return stored, nil
}

// recoverStaleRoom handles an external "room missing" classification:
// unbind, delete the local record, and recreate through the normal path.
// The caller retries its original operation exactly once against the
// returned room.
func recoverStaleRoom(ctx context.Context, deps Deps, scope *Scope, entity models.EntityRef, stale *models.ChatRoom) (*models.ChatRoom, error) {
	key := entity.StorageKey()
	metrics.IncStaleRoomRecovery()
	deps.Log.Warn("external room missing, recreating", "entity", key, "external_room", stale.ExternalRoomID)

	if entity.Kind != models.RoomKindDirect {
		if err := deps.Store.SetEntityExternalRoom(ctx, deps.Tenant, key, ""); err != nil && !errors.Is(err, sqlite.ErrNotFound) {
			deps.Log.Warn("failed to clear entity room link during recovery", "entity", key, "error", err)
		}
	}
	if err := deps.Store.DeleteRoom(ctx, stale.ID); err != nil && !errors.Is(err, sqlite.ErrNotFound) {
		return nil, fmt.Errorf("failed to delete stale room record for %s: %w", key, err)
	}
	scope.ForgetRoom(key)
	scope.ReleaseCreateLock(key)

	room, err := EnsureRoom(ctx, deps, scope, entity, "")
	if err != nil {
		return nil, fmt.Errorf("stale room recovery failed for %s: %w", key, err)
	}
	if room == nil {
		return nil, fmt.Errorf("stale room recovery for %s: %w", key, ErrRoomUnavailable)
	}
	return room, nil
}

// DeleteEntityRooms tears down every room bound to an entity: removes
// all cached members from the external room, deletes the local records,
// and clears the entity back-link. Used on entity deletion; errors are
// logged and the teardown keeps going, because entity deletion must
// never hinge on chat cleanup.
func DeleteEntityRooms(ctx context.Context, deps Deps, entity models.EntityRef) error {
	key := entity.StorageKey()

	rooms, err := deps.Store.ListRoomsByEntity(ctx, deps.Tenant, key)
	if err != nil {
		return fmt.Errorf("failed to list rooms for %s: %w", key, err)
	}

	var lastErr error
	for _, room := range rooms {
		for _, member := range room.Members {
			if err := removeExternalMember(ctx, deps, room, member); err != nil {
				deps.Log.Error("failed to remove member during room teardown",
					"entity", key, "user", member, "error", err)
				lastErr = err
			}
		}
		if err := deps.Store.DeleteRoom(ctx, room.ID); err != nil && !errors.Is(err, sqlite.ErrNotFound) {
			deps.Log.Error("failed to delete room record during teardown", "entity", key, "room_id", room.ID, "error", err)
			lastErr = err
		}
	}

	if entity.Kind != models.RoomKindDirect {
		if err := deps.Store.SetEntityExternalRoom(ctx, deps.Tenant, key, ""); err != nil && !errors.Is(err, sqlite.ErrNotFound) {
			deps.Log.Warn("failed to clear entity room link during teardown", "entity", key, "error", err)
		}
		// Flag the mirror so late-arriving membership events stop
		// recreating rooms for the dying entity.
		if err := deps.Store.MarkEntityDeleted(ctx, deps.Tenant, key); err != nil {
			deps.Log.Warn("failed to flag entity deleted during teardown", "entity", key, "error", err)
		}
	}
	return lastErr
}

// MirrorEntity writes or refreshes the local entity mirror record that
// room creation resolves slugs and visibility against.
func MirrorEntity(ctx context.Context, deps Deps, entity models.EntityRef, slug, displayName string, visibility models.Visibility) error {
	if err := entity.Validate(); err != nil {
		return err
	}
	if entity.Kind == models.RoomKindDirect {
		// Direct rooms have no mirrored record.
		return nil
	}
	if slug == "" {
		slug = entity.Slug()
	}
	if visibility == "" {
		visibility = models.VisibilityPrivate
	}
	return deps.Store.UpsertEntity(ctx, &models.Entity{
		Tenant:      deps.Tenant,
		Key:         entity.StorageKey(),
		Slug:        slug,
		DisplayName: displayName,
		Visibility:  visibility,
	})
}

func roomName(entity models.EntityRef) string {
	return fmt.Sprintf("%s-%s", entity.Kind, entity.Slug())
}

func roomTopic(entity models.EntityRef) string {
	switch entity.Kind {
	case models.RoomKindEvent:
		return fmt.Sprintf("Discussion for event %s", entity.Slug())
	case models.RoomKindGroup:
		return fmt.Sprintf("Discussion for group %s", entity.Slug())
	default:
		return ""
	}
}

// resolveEntity loads the mirrored entity record, going through the
// scope cache first. Deleted entities resolve as not found.
func resolveEntity(ctx context.Context, deps Deps, scope *Scope, entity models.EntityRef) (*models.Entity, error) {
	key := entity.StorageKey()
	if e, ok := scope.Entity(key); ok {
		return e, nil
	}
	e, err := deps.Store.GetEntity(ctx, deps.Tenant, key)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, key)
		}
		return nil, fmt.Errorf("failed to load entity %s: %w", key, err)
	}
	if e.Deleted {
		return nil, fmt.Errorf("%w: %s is deleted", ErrEntityNotFound, key)
	}
	scope.PutEntity(key, e)
	return e, nil
}
