package models

import (
	"fmt"
	"strings"
	"time"
)

// Tenant identifies which customer's chat backend and data an operation
// applies to. Background paths must carry it explicitly; it is never
// inferred.
type Tenant string

// UserKey is the stable application-side identifier of a user.
type UserKey string

// RoomKind distinguishes what kind of entity a chat room is bound to.
type RoomKind string

const (
	RoomKindEvent  RoomKind = "event"
	RoomKindGroup  RoomKind = "group"
	RoomKindDirect RoomKind = "direct"
)

// Visibility of a room, derived from the bound entity at creation time.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// EntityRef points at the application entity that owns a chat room: an
// event, a group, or an unordered user pair for direct chats.
type EntityRef struct {
	Kind RoomKind `json:"kind"`
	// Key is the entity's stable slug (events, groups). Unused for direct
	// rooms.
	Key string `json:"key,omitempty"`
	// UserA/UserB identify the pair for direct rooms.
	UserA UserKey `json:"user_a,omitempty"`
	UserB UserKey `json:"user_b,omitempty"`
}

// EventRef builds a reference to an event entity.
func EventRef(slug string) EntityRef {
	return EntityRef{Kind: RoomKindEvent, Key: slug}
}

// GroupRef builds a reference to a group entity.
func GroupRef(slug string) EntityRef {
	return EntityRef{Kind: RoomKindGroup, Key: slug}
}

// DirectRef builds a reference to the direct room between two users. The
// pair is unordered; both argument orders produce the same reference.
func DirectRef(a, b UserKey) EntityRef {
	if b < a {
		a, b = b, a
	}
	return EntityRef{Kind: RoomKindDirect, UserA: a, UserB: b}
}

// StorageKey returns the canonical key a room binding is stored under.
// Repeated calls for the same logical entity always yield the same key,
// which is what makes room creation recognizable across retries.
func (e EntityRef) StorageKey() string {
	if e.Kind == RoomKindDirect {
		return fmt.Sprintf("%s:%s|%s", e.Kind, e.UserA, e.UserB)
	}
	return fmt.Sprintf("%s:%s", e.Kind, e.Key)
}

// Slug returns the stable, human-readable part of the storage key.
func (e EntityRef) Slug() string {
	if e.Kind == RoomKindDirect {
		return fmt.Sprintf("%s-%s", e.UserA, e.UserB)
	}
	return e.Key
}

func (e EntityRef) String() string { return e.StorageKey() }

// Validate reports whether the reference is structurally complete.
func (e EntityRef) Validate() error {
	switch e.Kind {
	case RoomKindEvent, RoomKindGroup:
		if strings.TrimSpace(e.Key) == "" {
			return fmt.Errorf("entity key is required for kind %q", e.Kind)
		}
	case RoomKindDirect:
		if e.UserA == "" || e.UserB == "" {
			return fmt.Errorf("both users are required for a direct room")
		}
	default:
		return fmt.Errorf("unknown room kind %q", e.Kind)
	}
	return nil
}

// RoomSettings is the fixed policy object written when the external room
// is created. It is never mutated afterwards.
type RoomSettings struct {
	HistoryVisibility string `json:"history_visibility"`
	GuestAccess       bool   `json:"guest_access"`
	RequireInvitation bool   `json:"require_invitation"`
	Encrypted         bool   `json:"encrypted"`
}

// DefaultRoomSettings returns the policy applied to newly created rooms
// of the given visibility.
func DefaultRoomSettings(v Visibility) RoomSettings {
	return RoomSettings{
		HistoryVisibility: "shared",
		GuestAccess:       false,
		RequireInvitation: v == VisibilityPrivate,
		Encrypted:         false,
	}
}

// ChatRoom binds one application entity to one external room. The member
// list mirrors the external room's participants; it is a local cache for
// listing, not the authoritative membership.
type ChatRoom struct {
	ID             int64        `json:"id"`
	Tenant         Tenant       `json:"tenant"`
	Kind           RoomKind     `json:"kind"`
	EntityKey      string       `json:"entity_key"`
	ExternalRoomID string       `json:"external_room_id,omitempty"`
	Visibility     Visibility   `json:"visibility"`
	Settings       RoomSettings `json:"settings"`
	Members        []UserKey    `json:"members"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// HasMember reports whether the cached member list contains the user.
func (r *ChatRoom) HasMember(user UserKey) bool {
	for _, m := range r.Members {
		if m == user {
			return true
		}
	}
	return false
}

// Entity is the denormalized mirror of an event or group record that the
// chat subsystem reads. The surrounding entity management owns it; this
// subsystem only resolves slugs against it and back-links external room
// ids onto it.
type Entity struct {
	Tenant         Tenant     `json:"tenant"`
	Key            string     `json:"key"`
	Slug           string     `json:"slug"`
	DisplayName    string     `json:"display_name"`
	Visibility     Visibility `json:"visibility"`
	ExternalRoomID string     `json:"external_room_id,omitempty"`
	Deleted        bool       `json:"deleted"`
}
