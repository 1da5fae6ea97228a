package core

import (
	"context"
	"fmt"

	"github.com/example/roomsync/internal/chat"
	"github.com/example/roomsync/internal/metrics"
	"github.com/example/roomsync/pkg/models"
)

// SendMessage posts a message to the entity's room as the user. Unlike
// background reconciliation, this is a direct user action: membership is
// ensured first and every failure propagates to the caller.
func SendMessage(ctx context.Context, deps Deps, scope *Scope, entity models.EntityRef, user models.UserKey, body, formattedBody string) (string, error) {
	if err := EnsureMember(ctx, deps, scope, entity, user); err != nil {
		return "", err
	}

	room, err := EnsureRoom(ctx, deps, scope, entity, user)
	if err != nil {
		return "", err
	}
	if room == nil {
		return "", fmt.Errorf("%w: %s", ErrRoomUnavailable, entity.StorageKey())
	}

	identity, err := deps.Store.GetIdentity(ctx, deps.Tenant, user)
	if err != nil {
		return "", fmt.Errorf("failed to load identity for %s: %w", user, err)
	}
	creds := chat.Credentials{UserID: identity.ExternalUserID, AccessToken: identity.AccessToken}

	msgID, err := deps.Chat.SendMessage(ctx, room.ExternalRoomID, body, formattedBody, creds)
	if err != nil && chat.IsRoomMissing(err) {
		room, err = recoverStaleRoom(ctx, deps, scope, entity, room)
		if err != nil {
			return "", err
		}
		// The recreated room has no members yet; rejoin before the
		// single retry of the send.
		scope.InvalidateVerified(entity.StorageKey(), user)
		if err := EnsureMember(ctx, deps, scope, entity, user); err != nil {
			return "", err
		}
		msgID, err = deps.Chat.SendMessage(ctx, room.ExternalRoomID, body, formattedBody, creds)
	}
	if err != nil {
		metrics.IncExternalFailure("send_message", classify(err))
		return "", fmt.Errorf("failed to send message to %s: %w", entity.StorageKey(), err)
	}
	return msgID, nil
}

// FetchMessages reads one page of the entity room's history as the user.
// Direct user action: errors propagate.
func FetchMessages(ctx context.Context, deps Deps, scope *Scope, entity models.EntityRef, user models.UserKey, limit int, pageToken string) (*models.MessagePage, error) {
	if err := EnsureMember(ctx, deps, scope, entity, user); err != nil {
		return nil, err
	}

	room, err := EnsureRoom(ctx, deps, scope, entity, user)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, fmt.Errorf("%w: %s", ErrRoomUnavailable, entity.StorageKey())
	}

	identity, err := deps.Store.GetIdentity(ctx, deps.Tenant, user)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity for %s: %w", user, err)
	}

	page, err := deps.Chat.FetchMessages(ctx, room.ExternalRoomID, limit, pageToken, identity.ExternalUserID)
	if err != nil && chat.IsRoomMissing(err) {
		room, err = recoverStaleRoom(ctx, deps, scope, entity, room)
		if err != nil {
			return nil, err
		}
		page, err = deps.Chat.FetchMessages(ctx, room.ExternalRoomID, limit, pageToken, identity.ExternalUserID)
	}
	if err != nil {
		metrics.IncExternalFailure("fetch_messages", classify(err))
		return nil, fmt.Errorf("failed to fetch messages for %s: %w", entity.StorageKey(), err)
	}
	page.ExternalRoomID = room.ExternalRoomID
	return page, nil
}
