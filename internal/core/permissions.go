package core

import (
	"context"
	"errors"
	"strings"

	"github.com/example/roomsync/internal/metrics"
	"github.com/example/roomsync/internal/sqlite"
	"github.com/example/roomsync/pkg/models"
)

// Power levels in the external room. The backend knows nothing about
// application roles; it only ranks users on this scale.
const (
	PowerLevelRegular       = 0
	PowerLevelModerator     = 50
	PowerLevelAdministrator = 100
)

// Role classification tables. Matching is case-insensitive and exact;
// an unrecognized role never results in a push.
var (
	moderatorRoles = map[string]struct{}{
		"host": {}, "cohost": {}, "moderator": {}, "admin": {}, "owner": {}, "creator": {},
	}
	administratorRoles = map[string]struct{}{
		"superadmin": {}, "systemadmin": {},
	}
	regularRoles = map[string]struct{}{
		"member": {}, "attendee": {}, "guest": {}, "participant": {}, "confirmed": {}, "pending": {},
	}
)

// ClassifyRole maps an application role name to an external power level.
// The second return is false for unrecognized roles.
func ClassifyRole(name string) (int, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	if _, ok := moderatorRoles[n]; ok {
		return PowerLevelModerator, true
	}
	if _, ok := administratorRoles[n]; ok {
		return PowerLevelAdministrator, true
	}
	if _, ok := regularRoles[n]; ok {
		return PowerLevelRegular, true
	}
	return 0, false
}

// SyncRolePermissions pushes the power level implied by a role change to
// every room bound to the entity. Returns whether any push was made:
// unrecognized roles, users without a chat identity, and entities
// without rooms are all no-ops, not errors. Per-room push failures are
// logged independently and do not abort sibling updates.
//
// This function never creates rooms and never manages membership.
func SyncRolePermissions(ctx context.Context, deps Deps, change models.RoleChange) (bool, error) {
	if err := change.Entity.Validate(); err != nil {
		return false, err
	}
	key := change.Entity.StorageKey()

	var level int
	if change.Action == models.RoleRevoked {
		// Revocation is always an explicit downgrade, whatever the role
		// name classified as.
		level = PowerLevelRegular
	} else {
		var ok bool
		level, ok = ClassifyRole(change.NewRole)
		if !ok {
			deps.Log.Warn("unrecognized role, skipping permission sync",
				"role", change.NewRole, "entity", key, "user", change.User)
			return false, nil
		}
	}

	identity, err := deps.Store.GetIdentity(ctx, deps.Tenant, change.User)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			// No chat account means the user was never in any room.
			return false, nil
		}
		return false, err
	}

	rooms, err := deps.Store.ListRoomsByEntity(ctx, deps.Tenant, key)
	if err != nil {
		return false, err
	}

	pushed := false
	for _, room := range rooms {
		if room.ExternalRoomID == "" {
			continue
		}
		err := deps.Chat.SetRoomPowerLevels(ctx, room.ExternalRoomID, map[string]int{identity.ExternalUserID: level})
		if err != nil {
			metrics.IncExternalFailure("set_power_levels", classify(err))
			deps.Log.Error("failed to push power level",
				"entity", key, "user", change.User, "room", room.ExternalRoomID,
				"level", level, "error", err)
			continue
		}
		pushed = true
	}
	return pushed, nil
}
