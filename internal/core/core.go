// Package core implements the room lifecycle, membership reconciliation,
// and permission synchronization against the external chat backend.
package core

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/roomsync/internal/chat"
	"github.com/example/roomsync/pkg/models"
)

var (
	// ErrEntityNotFound indicates the referenced event or group does not
	// exist (or is deleted) in the entity mirror.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrRoomUnavailable indicates no room could be resolved for a direct
	// user action, e.g. because creation was skipped under lock pressure.
	ErrRoomUnavailable = errors.New("chat room unavailable")
)

// Store is the persistence surface the reconciler needs. *sqlite.DB
// implements it; tests substitute in-memory fakes.
type Store interface {
	GetRoomByEntity(ctx context.Context, tenant models.Tenant, entityKey string) (*models.ChatRoom, error)
	ListRoomsByEntity(ctx context.Context, tenant models.Tenant, entityKey string) ([]*models.ChatRoom, error)
	CreateRoom(ctx context.Context, room *models.ChatRoom) (*models.ChatRoom, bool, error)
	DeleteRoom(ctx context.Context, id int64) error
	AddRoomMember(ctx context.Context, roomID int64, user models.UserKey) error
	RemoveRoomMember(ctx context.Context, roomID int64, user models.UserKey) error

	GetEntity(ctx context.Context, tenant models.Tenant, entityKey string) (*models.Entity, error)
	UpsertEntity(ctx context.Context, e *models.Entity) error
	SetEntityExternalRoom(ctx context.Context, tenant models.Tenant, entityKey, externalRoomID string) error
	MarkEntityDeleted(ctx context.Context, tenant models.Tenant, entityKey string) error

	GetIdentity(ctx context.Context, tenant models.Tenant, user models.UserKey) (*models.ChatIdentity, error)
	SaveIdentity(ctx context.Context, id *models.ChatIdentity) error
}

// Deps bundles the collaborators one tenant's reconciliation runs
// against. Event handlers build one per event; the HTTP layer builds one
// per request.
type Deps struct {
	Tenant models.Tenant
	Store  Store
	Chat   chat.Client
	Log    *slog.Logger
}
