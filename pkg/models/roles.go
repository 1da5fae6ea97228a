package models

// RoleAction says what happened to a role assignment.
type RoleAction string

const (
	RoleGranted RoleAction = "granted"
	RoleRevoked RoleAction = "revoked"
	RoleUpdated RoleAction = "updated"
)

// RoleChange is a role-change notification consumed by the permission
// synchronizer.
type RoleChange struct {
	Tenant  Tenant     `json:"tenant"`
	User    UserKey    `json:"user"`
	Entity  EntityRef  `json:"entity"`
	NewRole string     `json:"new_role"`
	OldRole string     `json:"old_role,omitempty"`
	Action  RoleAction `json:"action"`
}
