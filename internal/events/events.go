// Package events adapts domain events (membership changes, role changes,
// entity lifecycle) into chat reconciliation calls. Handlers never block
// or fail the emitting workflow: every error is converted into an
// Outcome, logged, and counted.
package events

import (
	"github.com/example/roomsync/pkg/models"
)

// Outcome is the terminal result of one event handler run.
type Outcome string

const (
	// OutcomeApplied means the handler changed external or local state.
	OutcomeApplied Outcome = "applied"
	// OutcomeSkippedNoop means the handler ran but there was nothing to
	// do (already converged, no identity, unrecognized role).
	OutcomeSkippedNoop Outcome = "skipped_noop"
	// OutcomeSkippedError means the handler failed; the failure was
	// logged and counted, never propagated to the event source.
	OutcomeSkippedError Outcome = "skipped_error"
)

// MemberAdded says a user became a participant of an entity.
type MemberAdded struct {
	Tenant models.Tenant    `json:"tenant"`
	Entity models.EntityRef `json:"entity"`
	User   models.UserKey   `json:"user"`
}

// MemberRemoved says a user left or was removed from an entity.
type MemberRemoved struct {
	Tenant models.Tenant    `json:"tenant"`
	Entity models.EntityRef `json:"entity"`
	User   models.UserKey   `json:"user"`
}

// RoleChanged says a user's role on an entity changed.
type RoleChanged struct {
	Tenant  models.Tenant     `json:"tenant"`
	Entity  models.EntityRef  `json:"entity"`
	User    models.UserKey    `json:"user"`
	NewRole string            `json:"new_role"`
	OldRole string            `json:"old_role,omitempty"`
	Action  models.RoleAction `json:"action"`
}

// EntityCreated says an event or group entity came into existence. The
// handler refreshes the local entity mirror and provisions the room up
// front, with the creator seeded as moderator.
type EntityCreated struct {
	Tenant      models.Tenant     `json:"tenant"`
	Entity      models.EntityRef  `json:"entity"`
	Creator     models.UserKey    `json:"creator,omitempty"`
	Slug        string            `json:"slug,omitempty"`
	DisplayName string            `json:"display_name,omitempty"`
	Visibility  models.Visibility `json:"visibility,omitempty"`
}

// EntityDeleting says an entity is being deleted and its chat rooms
// should be torn down. SkipChatCleanup lets the emitter keep rooms
// around, e.g. for archival flows.
type EntityDeleting struct {
	Tenant          models.Tenant    `json:"tenant"`
	Entity          models.EntityRef `json:"entity"`
	SkipChatCleanup bool             `json:"skip_chat_cleanup,omitempty"`
}
