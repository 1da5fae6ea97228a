package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/example/roomsync/internal/chat"
	"github.com/example/roomsync/internal/metrics"
	"github.com/example/roomsync/internal/sqlite"
	"github.com/example/roomsync/pkg/models"
)

// EnsureMember makes the user a verified participant of the entity's
// room. Idempotent: repeat calls within one scope are served from the
// verified cache and never touch the backend again. Errors are returned
// to the caller; whether they are surfaced or swallowed is the caller's
// policy (the event adapter swallows, the message paths surface).
func EnsureMember(ctx context.Context, deps Deps, scope *Scope, entity models.EntityRef, user models.UserKey) error {
	if err := entity.Validate(); err != nil {
		return err
	}
	key := entity.StorageKey()

	if scope.Verified(key, user) {
		return nil
	}

	room, err := EnsureRoom(ctx, deps, scope, entity, user)
	if err != nil {
		return err
	}
	if room == nil {
		return fmt.Errorf("%w: %s", ErrRoomUnavailable, key)
	}

	// Fast path: the cached member list already knows this user. No
	// external call needed.
	if room.HasMember(user) {
		scope.MarkVerified(key, user)
		return nil
	}

	identity, err := ensureIdentity(ctx, deps, user)
	if err != nil {
		return err
	}

	joinErr := joinOnce(ctx, deps, room, identity)
	if joinErr != nil && chat.IsRoomMissing(joinErr) {
		room, err = recoverStaleRoom(ctx, deps, scope, entity, room)
		if err != nil {
			return err
		}
		// Retry the original membership operation exactly once against
		// the recreated room.
		joinErr = joinOnce(ctx, deps, room, identity)
	}
	if joinErr != nil {
		metrics.IncExternalFailure("join_room", classify(joinErr))
		return fmt.Errorf("failed to join %s to %s: %w", user, key, joinErr)
	}

	if err := deps.Store.AddRoomMember(ctx, room.ID, user); err != nil {
		return fmt.Errorf("failed to cache membership of %s in %s: %w", user, key, err)
	}
	scope.MarkVerified(key, user)
	return nil
}

// joinOnce runs one direct-join attempt with the invite-then-join
// fallback. "Already a member" phrasings count as success throughout.
// A room-missing classification is returned untouched so the caller can
// run stale-room recovery.
func joinOnce(ctx context.Context, deps Deps, room *models.ChatRoom, identity *models.ChatIdentity) error {
	creds := chat.Credentials{UserID: identity.ExternalUserID, AccessToken: identity.AccessToken}

	err := deps.Chat.JoinRoom(ctx, room.ExternalRoomID, creds)
	if err == nil || chat.IsAlreadyMember(err) {
		return nil
	}
	if chat.IsRoomMissing(err) {
		return err
	}

	// Direct join failed for some other reason (typically an
	// invite-only room). Invite administratively, then retry the join
	// once.
	deps.Log.Debug("direct join failed, falling back to invite",
		"room", room.ExternalRoomID, "user", identity.UserKey, "error", err)

	if ierr := deps.Chat.InviteUser(ctx, room.ExternalRoomID, identity.ExternalUserID); ierr != nil && !chat.IsAlreadyMember(ierr) {
		if chat.IsRoomMissing(ierr) {
			return ierr
		}
		return fmt.Errorf("invite failed after join error (%s): %w", err, ierr)
	}

	jerr := deps.Chat.JoinRoom(ctx, room.ExternalRoomID, creds)
	if jerr == nil || chat.IsAlreadyMember(jerr) {
		return nil
	}
	return jerr
}

// RemoveMember removes the user from the entity's room, externally first,
// then from the cached member list. A user with no provisioned chat
// identity was never in the room, so removal is a no-op success.
func RemoveMember(ctx context.Context, deps Deps, scope *Scope, entity models.EntityRef, user models.UserKey) error {
	if err := entity.Validate(); err != nil {
		return err
	}
	key := entity.StorageKey()
	scope.InvalidateVerified(key, user)

	identity, err := deps.Store.GetIdentity(ctx, deps.Tenant, user)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load identity for %s: %w", user, err)
	}

	room, err := deps.Store.GetRoomByEntity(ctx, deps.Tenant, key)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load room for %s: %w", key, err)
	}

	if err := deps.Chat.RemoveUser(ctx, room.ExternalRoomID, identity.ExternalUserID); err != nil && !chat.IsRoomMissing(err) {
		metrics.IncExternalFailure("remove_user", classify(err))
		return fmt.Errorf("failed to remove %s from %s: %w", user, key, err)
	}

	if err := deps.Store.RemoveRoomMember(ctx, room.ID, user); err != nil && !errors.Is(err, sqlite.ErrNotFound) {
		return fmt.Errorf("failed to uncache membership of %s in %s: %w", user, key, err)
	}
	return nil
}

// removeExternalMember removes one cached member from a room's external
// counterpart. Used by entity teardown; missing identity or missing room
// count as done.
func removeExternalMember(ctx context.Context, deps Deps, room *models.ChatRoom, user models.UserKey) error {
	identity, err := deps.Store.GetIdentity(ctx, deps.Tenant, user)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := deps.Chat.RemoveUser(ctx, room.ExternalRoomID, identity.ExternalUserID); err != nil && !chat.IsRoomMissing(err) {
		return err
	}
	return nil
}

// ensureIdentity returns the user's chat identity, provisioning an
// account on the backend the first time the user needs one.
func ensureIdentity(ctx context.Context, deps Deps, user models.UserKey) (*models.ChatIdentity, error) {
	identity, err := deps.Store.GetIdentity(ctx, deps.Tenant, user)
	if err == nil {
		return identity, nil
	}
	if !errors.Is(err, sqlite.ErrNotFound) {
		return nil, fmt.Errorf("failed to load identity for %s: %w", user, err)
	}

	username := chatUsername(deps.Tenant, user)
	creds, err := deps.Chat.CreateUser(ctx, username, uuid.NewString(), string(user))
	if err != nil {
		metrics.IncExternalFailure("create_user", classify(err))
		return nil, fmt.Errorf("failed to provision chat account for %s: %w", user, err)
	}

	identity = &models.ChatIdentity{
		Tenant:         deps.Tenant,
		UserKey:        user,
		ExternalUserID: creds.UserID,
		Username:       username,
		AccessToken:    creds.AccessToken,
		DisplayName:    string(user),
	}
	if err := deps.Store.SaveIdentity(ctx, identity); err != nil {
		return nil, fmt.Errorf("failed to save identity for %s: %w", user, err)
	}
	return identity, nil
}

func chatUsername(tenant models.Tenant, user models.UserKey) string {
	s := strings.ToLower(fmt.Sprintf("%s-%s", tenant, user))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, s)
}

func classify(err error) string {
	switch {
	case chat.IsRoomMissing(err):
		return "room_missing"
	case chat.IsAlreadyMember(err):
		return "already_member"
	case chat.IsTimeout(err):
		return "timeout"
	default:
		return "transient"
	}
}
