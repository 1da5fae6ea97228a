package events

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/example/roomsync/internal/chat"
	"github.com/example/roomsync/internal/sqlite"
	"github.com/example/roomsync/pkg/models"
)

// memStore is a minimal in-memory core.Store for adapter tests.
type memStore struct {
	nextID     int64
	rooms      map[int64]*models.ChatRoom
	entities   map[string]*models.Entity
	identities map[models.UserKey]*models.ChatIdentity
}

func newMemStore() *memStore {
	return &memStore{
		rooms:      make(map[int64]*models.ChatRoom),
		entities:   make(map[string]*models.Entity),
		identities: make(map[models.UserKey]*models.ChatIdentity),
	}
}

func (s *memStore) GetRoomByEntity(_ context.Context, tenant models.Tenant, entityKey string) (*models.ChatRoom, error) {
	for _, r := range s.rooms {
		if r.Tenant == tenant && r.EntityKey == entityKey {
			return r, nil
		}
	}
	return nil, sqlite.ErrNotFound
}

func (s *memStore) ListRoomsByEntity(_ context.Context, tenant models.Tenant, entityKey string) ([]*models.ChatRoom, error) {
	var out []*models.ChatRoom
	for _, r := range s.rooms {
		if r.Tenant == tenant && r.EntityKey == entityKey {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) CreateRoom(_ context.Context, room *models.ChatRoom) (*models.ChatRoom, bool, error) {
	for _, r := range s.rooms {
		if r.Tenant == room.Tenant && r.EntityKey == room.EntityKey {
			return r, false, nil
		}
	}
	s.nextID++
	room.ID = s.nextID
	s.rooms[room.ID] = room
	return room, true, nil
}

func (s *memStore) DeleteRoom(_ context.Context, id int64) error {
	if _, ok := s.rooms[id]; !ok {
		return sqlite.ErrNotFound
	}
	delete(s.rooms, id)
	return nil
}

func (s *memStore) AddRoomMember(_ context.Context, roomID int64, user models.UserKey) error {
	r, ok := s.rooms[roomID]
	if !ok {
		return sqlite.ErrNotFound
	}
	if !r.HasMember(user) {
		r.Members = append(r.Members, user)
	}
	return nil
}

func (s *memStore) RemoveRoomMember(_ context.Context, roomID int64, user models.UserKey) error {
	r, ok := s.rooms[roomID]
	if !ok {
		return sqlite.ErrNotFound
	}
	out := r.Members[:0]
	for _, m := range r.Members {
		if m != user {
			out = append(out, m)
		}
	}
	r.Members = out
	return nil
}

func (s *memStore) GetEntity(_ context.Context, _ models.Tenant, entityKey string) (*models.Entity, error) {
	e, ok := s.entities[entityKey]
	if !ok {
		return nil, sqlite.ErrNotFound
	}
	return e, nil
}

func (s *memStore) UpsertEntity(_ context.Context, e *models.Entity) error {
	if prev, ok := s.entities[e.Key]; ok {
		e.Deleted = prev.Deleted
	}
	s.entities[e.Key] = e
	return nil
}

func (s *memStore) MarkEntityDeleted(_ context.Context, _ models.Tenant, entityKey string) error {
	if e, ok := s.entities[entityKey]; ok {
		e.Deleted = true
	}
	return nil
}

func (s *memStore) SetEntityExternalRoom(_ context.Context, _ models.Tenant, entityKey, externalRoomID string) error {
	e, ok := s.entities[entityKey]
	if !ok {
		return sqlite.ErrNotFound
	}
	e.ExternalRoomID = externalRoomID
	return nil
}

func (s *memStore) GetIdentity(_ context.Context, _ models.Tenant, user models.UserKey) (*models.ChatIdentity, error) {
	id, ok := s.identities[user]
	if !ok {
		return nil, sqlite.ErrNotFound
	}
	return id, nil
}

func (s *memStore) SaveIdentity(_ context.Context, id *models.ChatIdentity) error {
	s.identities[id.UserKey] = id
	return nil
}

// stubClient is a chat.Client that records calls and always succeeds,
// except for hooks set by individual tests.
type stubClient struct {
	createRoomCalls int
	joinCalls       int
	removeCalls     int
	powerLevels     map[string]map[string]int

	joinErr   error
	removeErr error
}

func newStubClient() *stubClient {
	return &stubClient{powerLevels: make(map[string]map[string]int)}
}

func (c *stubClient) CreateRoom(_ context.Context, _ chat.CreateRoomOptions) (string, error) {
	c.createRoomCalls++
	return "!room:chat", nil
}

func (c *stubClient) InviteUser(_ context.Context, _, _ string) error { return nil }

func (c *stubClient) JoinRoom(_ context.Context, _ string, _ chat.Credentials) error {
	c.joinCalls++
	return c.joinErr
}

func (c *stubClient) RemoveUser(_ context.Context, _, _ string) error {
	c.removeCalls++
	return c.removeErr
}

func (c *stubClient) SetRoomPowerLevels(_ context.Context, roomID string, levels map[string]int) error {
	if c.powerLevels[roomID] == nil {
		c.powerLevels[roomID] = make(map[string]int)
	}
	for u, l := range levels {
		c.powerLevels[roomID][u] = l
	}
	return nil
}

func (c *stubClient) CreateUser(_ context.Context, username, _, _ string) (chat.Credentials, error) {
	return chat.Credentials{UserID: "@" + username + ":chat", AccessToken: "tok"}, nil
}

func (c *stubClient) FetchMessages(_ context.Context, roomID string, _ int, _, _ string) (*models.MessagePage, error) {
	return &models.MessagePage{ExternalRoomID: roomID}, nil
}

func (c *stubClient) SendMessage(_ context.Context, _, _, _ string, _ chat.Credentials) (string, error) {
	return "$msg", nil
}

func (c *stubClient) Ping(_ context.Context) error { return nil }
func (c *stubClient) Close() error                 { return nil }

// stubResolver hands out one client for one tenant and counts lookups.
type stubResolver struct {
	tenant  models.Tenant
	client  chat.Client
	lookups int
}

func (r *stubResolver) GetClient(tenant models.Tenant) (chat.Client, error) {
	r.lookups++
	if tenant != r.tenant {
		return nil, chat.ErrTenantNotConfigured
	}
	return r.client, nil
}

func testAdapter(store *memStore, client *stubClient) (*Adapter, *stubResolver) {
	resolver := &stubResolver{tenant: "acme", client: client}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAdapter(store, resolver, log), resolver
}

func TestHandleMemberAdded(t *testing.T) {
	store := newMemStore()
	client := newStubClient()
	adapter, _ := testAdapter(store, client)
	entity := models.EventRef("summit")
	store.entities[entity.StorageKey()] = &models.Entity{Tenant: "acme", Key: entity.StorageKey()}

	got := adapter.HandleMemberAdded(context.Background(), MemberAdded{
		Tenant: "acme",
		Entity: entity,
		User:   "alice",
	})
	if got != OutcomeApplied {
		t.Fatalf("outcome = %s, want %s", got, OutcomeApplied)
	}
	if client.createRoomCalls != 1 || client.joinCalls != 1 {
		t.Errorf("createRoomCalls=%d joinCalls=%d, want 1 and 1", client.createRoomCalls, client.joinCalls)
	}
}

func TestHandleMemberAddedMissingTenant(t *testing.T) {
	store := newMemStore()
	client := newStubClient()
	adapter, resolver := testAdapter(store, client)

	got := adapter.HandleMemberAdded(context.Background(), MemberAdded{
		Entity: models.EventRef("summit"),
		User:   "alice",
	})
	if got != OutcomeSkippedError {
		t.Fatalf("outcome = %s, want %s", got, OutcomeSkippedError)
	}
	// The tenant check must short-circuit before any client resolution.
	if resolver.lookups != 0 {
		t.Errorf("client lookups = %d, want 0 for a tenantless event", resolver.lookups)
	}
}

func TestHandleMemberAddedUnknownTenant(t *testing.T) {
	store := newMemStore()
	client := newStubClient()
	adapter, _ := testAdapter(store, client)

	got := adapter.HandleMemberAdded(context.Background(), MemberAdded{
		Tenant: "unknown",
		Entity: models.EventRef("summit"),
		User:   "alice",
	})
	if got != OutcomeSkippedError {
		t.Fatalf("outcome = %s, want %s", got, OutcomeSkippedError)
	}
	if client.createRoomCalls != 0 {
		t.Error("no backend calls for an unconfigured tenant")
	}
}

func TestHandleMemberAddedEntityGone(t *testing.T) {
	store := newMemStore()
	client := newStubClient()
	adapter, _ := testAdapter(store, client)

	got := adapter.HandleMemberAdded(context.Background(), MemberAdded{
		Tenant: "acme",
		Entity: models.EventRef("vanished"),
		User:   "alice",
	})
	if got != OutcomeSkippedNoop {
		t.Fatalf("outcome = %s, want %s for a vanished entity", got, OutcomeSkippedNoop)
	}
}

func TestHandleMemberAddedBackendFailureIsSwallowed(t *testing.T) {
	store := newMemStore()
	client := newStubClient()
	client.joinErr = &chat.BackendError{Op: "join_room", Status: 500, Body: "internal server error"}
	adapter, _ := testAdapter(store, client)
	entity := models.EventRef("summit")
	store.entities[entity.StorageKey()] = &models.Entity{Tenant: "acme", Key: entity.StorageKey()}

	// Must return an outcome, never panic or propagate.
	got := adapter.HandleMemberAdded(context.Background(), MemberAdded{
		Tenant: "acme",
		Entity: entity,
		User:   "alice",
	})
	if got != OutcomeSkippedError {
		t.Fatalf("outcome = %s, want %s", got, OutcomeSkippedError)
	}
}

func TestHandleMemberRemoved(t *testing.T) {
	store := newMemStore()
	client := newStubClient()
	adapter, _ := testAdapter(store, client)
	entity := models.GroupRef("devs")
	store.identities["alice"] = &models.ChatIdentity{Tenant: "acme", UserKey: "alice", ExternalUserID: "@alice:chat"}
	store.nextID++
	store.rooms[store.nextID] = &models.ChatRoom{
		ID: store.nextID, Tenant: "acme", Kind: models.RoomKindGroup,
		EntityKey: entity.StorageKey(), ExternalRoomID: "!r1:chat",
		Members: []models.UserKey{"alice"},
	}

	got := adapter.HandleMemberRemoved(context.Background(), MemberRemoved{
		Tenant: "acme",
		Entity: entity,
		User:   "alice",
	})
	if got != OutcomeApplied {
		t.Fatalf("outcome = %s, want %s", got, OutcomeApplied)
	}
	if client.removeCalls != 1 {
		t.Errorf("removeCalls = %d, want 1", client.removeCalls)
	}
}

func TestHandleRoleChangedFanOut(t *testing.T) {
	store := newMemStore()
	client := newStubClient()
	adapter, _ := testAdapter(store, client)
	entity := models.EventRef("summit")
	store.identities["alice"] = &models.ChatIdentity{Tenant: "acme", UserKey: "alice", ExternalUserID: "@alice:chat"}
	for _, roomID := range []string{"!r1:chat", "!r2:chat"} {
		store.nextID++
		store.rooms[store.nextID] = &models.ChatRoom{
			ID: store.nextID, Tenant: "acme", Kind: models.RoomKindEvent,
			EntityKey: entity.StorageKey(), ExternalRoomID: roomID,
		}
	}

	got := adapter.HandleRoleChanged(context.Background(), RoleChanged{
		Tenant:  "acme",
		Entity:  entity,
		User:    "alice",
		NewRole: "host",
		Action:  models.RoleGranted,
	})
	if got != OutcomeApplied {
		t.Fatalf("outcome = %s, want %s", got, OutcomeApplied)
	}
	for _, roomID := range []string{"!r1:chat", "!r2:chat"} {
		if got := client.powerLevels[roomID]["@alice:chat"]; got != 50 {
			t.Errorf("power level in %s = %d, want 50", roomID, got)
		}
	}
}

func TestHandleRoleChangedUnknownRole(t *testing.T) {
	store := newMemStore()
	client := newStubClient()
	adapter, _ := testAdapter(store, client)

	got := adapter.HandleRoleChanged(context.Background(), RoleChanged{
		Tenant:  "acme",
		Entity:  models.EventRef("summit"),
		User:    "alice",
		NewRole: "mystery",
		Action:  models.RoleGranted,
	})
	if got != OutcomeSkippedNoop {
		t.Fatalf("outcome = %s, want %s", got, OutcomeSkippedNoop)
	}
}

func TestHandleEntityDeleting(t *testing.T) {
	store := newMemStore()
	client := newStubClient()
	adapter, _ := testAdapter(store, client)
	entity := models.GroupRef("devs")
	store.entities[entity.StorageKey()] = &models.Entity{Tenant: "acme", Key: entity.StorageKey(), ExternalRoomID: "!r1:chat"}
	store.identities["alice"] = &models.ChatIdentity{Tenant: "acme", UserKey: "alice", ExternalUserID: "@alice:chat"}
	store.nextID++
	store.rooms[store.nextID] = &models.ChatRoom{
		ID: store.nextID, Tenant: "acme", Kind: models.RoomKindGroup,
		EntityKey: entity.StorageKey(), ExternalRoomID: "!r1:chat",
		Members: []models.UserKey{"alice"},
	}

	got := adapter.HandleEntityDeleting(context.Background(), EntityDeleting{
		Tenant: "acme",
		Entity: entity,
	})
	if got != OutcomeApplied {
		t.Fatalf("outcome = %s, want %s", got, OutcomeApplied)
	}
	if len(store.rooms) != 0 {
		t.Errorf("rooms left = %d, want 0", len(store.rooms))
	}
}

func TestHandleEntityDeletingSkipCleanup(t *testing.T) {
	store := newMemStore()
	client := newStubClient()
	adapter, _ := testAdapter(store, client)
	entity := models.GroupRef("devs")
	store.nextID++
	store.rooms[store.nextID] = &models.ChatRoom{
		ID: store.nextID, Tenant: "acme", Kind: models.RoomKindGroup,
		EntityKey: entity.StorageKey(), ExternalRoomID: "!r1:chat",
	}

	got := adapter.HandleEntityDeleting(context.Background(), EntityDeleting{
		Tenant:          "acme",
		Entity:          entity,
		SkipChatCleanup: true,
	})
	if got != OutcomeSkippedNoop {
		t.Fatalf("outcome = %s, want %s", got, OutcomeSkippedNoop)
	}
	if len(store.rooms) != 1 {
		t.Error("rooms must be untouched when cleanup is skipped")
	}
}

func TestHandleEntityDeletingFailureIsSwallowed(t *testing.T) {
	store := newMemStore()
	client := newStubClient()
	client.removeErr = &chat.BackendError{Op: "remove_user", Status: 500, Body: "internal server error"}
	adapter, _ := testAdapter(store, client)
	entity := models.GroupRef("devs")
	store.entities[entity.StorageKey()] = &models.Entity{Tenant: "acme", Key: entity.StorageKey()}
	store.identities["alice"] = &models.ChatIdentity{Tenant: "acme", UserKey: "alice", ExternalUserID: "@alice:chat"}
	store.nextID++
	store.rooms[store.nextID] = &models.ChatRoom{
		ID: store.nextID, Tenant: "acme", Kind: models.RoomKindGroup,
		EntityKey: entity.StorageKey(), ExternalRoomID: "!r1:chat",
		Members: []models.UserKey{"alice"},
	}

	got := adapter.HandleEntityDeleting(context.Background(), EntityDeleting{
		Tenant: "acme",
		Entity: entity,
	})
	if got != OutcomeSkippedError {
		t.Fatalf("outcome = %s, want %s", got, OutcomeSkippedError)
	}
	// Local records are still cleaned up; only the external removal failed.
	if len(store.rooms) != 0 {
		t.Errorf("rooms left = %d, want 0", len(store.rooms))
	}
}

func TestHandleEntityCreated(t *testing.T) {
	store := newMemStore()
	client := newStubClient()
	adapter, _ := testAdapter(store, client)
	entity := models.EventRef("summit")

	got := adapter.HandleEntityCreated(context.Background(), EntityCreated{
		Tenant:     "acme",
		Entity:     entity,
		Creator:    "alice",
		Slug:       "summit",
		Visibility: models.VisibilityPublic,
	})
	if got != OutcomeApplied {
		t.Fatalf("outcome = %s, want %s", got, OutcomeApplied)
	}
	if client.createRoomCalls != 1 {
		t.Errorf("createRoomCalls = %d, want 1", client.createRoomCalls)
	}
	mirrored, ok := store.entities[entity.StorageKey()]
	if !ok {
		t.Fatal("entity mirror not written")
	}
	if mirrored.Visibility != models.VisibilityPublic {
		t.Errorf("mirrored visibility = %q, want public", mirrored.Visibility)
	}
	if len(store.rooms) != 1 {
		t.Errorf("room records = %d, want 1", len(store.rooms))
	}
}

func TestHandleEntityCreatedDeletedEntityIsNoop(t *testing.T) {
	store := newMemStore()
	client := newStubClient()
	adapter, _ := testAdapter(store, client)
	entity := models.EventRef("summit")
	store.entities[entity.StorageKey()] = &models.Entity{Tenant: "acme", Key: entity.StorageKey(), Deleted: true}

	// The entity was deleted between event emission and handling; the
	// mirror refresh must not resurrect it and no room may be created.
	got := adapter.HandleEntityCreated(context.Background(), EntityCreated{
		Tenant: "acme",
		Entity: entity,
		Slug:   "summit",
	})
	if got != OutcomeSkippedNoop {
		t.Fatalf("outcome = %s, want %s", got, OutcomeSkippedNoop)
	}
	if client.createRoomCalls != 0 {
		t.Error("no room may be created for a deleted entity")
	}
}

func TestHandleEntityCreatedDirectIsNoop(t *testing.T) {
	store := newMemStore()
	client := newStubClient()
	adapter, resolver := testAdapter(store, client)

	got := adapter.HandleEntityCreated(context.Background(), EntityCreated{
		Tenant: "acme",
		Entity: models.DirectRef("alice", "bob"),
	})
	if got != OutcomeSkippedNoop {
		t.Fatalf("outcome = %s, want %s", got, OutcomeSkippedNoop)
	}
	if resolver.lookups != 0 {
		t.Error("direct entities should short-circuit before client resolution")
	}
	if len(store.entities) != 0 {
		t.Error("direct entities must not be mirrored")
	}
}
