package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/example/roomsync/internal/chat"
	"github.com/example/roomsync/internal/sqlite"
	"github.com/example/roomsync/pkg/models"
)

// fakeStore is an in-memory Store for tests.
type fakeStore struct {
	mu         sync.Mutex
	nextID     int64
	rooms      map[int64]*models.ChatRoom
	entities   map[string]*models.Entity
	identities map[models.UserKey]*models.ChatIdentity
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rooms:      make(map[int64]*models.ChatRoom),
		entities:   make(map[string]*models.Entity),
		identities: make(map[models.UserKey]*models.ChatIdentity),
	}
}

func (s *fakeStore) addEntity(e *models.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[e.Key] = e
}

func (s *fakeStore) addIdentity(id *models.ChatIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[id.UserKey] = id
}

func (s *fakeStore) addRoom(room *models.ChatRoom) *models.ChatRoom {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	room.ID = s.nextID
	s.rooms[room.ID] = room
	return room
}

func (s *fakeStore) roomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

func (s *fakeStore) GetRoomByEntity(_ context.Context, tenant models.Tenant, entityKey string) (*models.ChatRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rooms {
		if r.Tenant == tenant && r.EntityKey == entityKey {
			return r, nil
		}
	}
	return nil, sqlite.ErrNotFound
}

func (s *fakeStore) ListRoomsByEntity(_ context.Context, tenant models.Tenant, entityKey string) ([]*models.ChatRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ChatRoom
	for _, r := range s.rooms {
		if r.Tenant == tenant && r.EntityKey == entityKey {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) CreateRoom(_ context.Context, room *models.ChatRoom) (*models.ChatRoom, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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

func (s *fakeStore) DeleteRoom(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[id]; !ok {
		return sqlite.ErrNotFound
	}
	delete(s.rooms, id)
	return nil
}

func (s *fakeStore) AddRoomMember(_ context.Context, roomID int64, user models.UserKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return sqlite.ErrNotFound
	}
	if !r.HasMember(user) {
		r.Members = append(r.Members, user)
	}
	return nil
}

func (s *fakeStore) RemoveRoomMember(_ context.Context, roomID int64, user models.UserKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
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

func (s *fakeStore) GetEntity(_ context.Context, _ models.Tenant, entityKey string) (*models.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[entityKey]
	if !ok {
		return nil, sqlite.ErrNotFound
	}
	return e, nil
}

func (s *fakeStore) UpsertEntity(_ context.Context, e *models.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.entities[e.Key]; ok {
		e.Deleted = prev.Deleted
	}
	s.entities[e.Key] = e
	return nil
}

func (s *fakeStore) MarkEntityDeleted(_ context.Context, _ models.Tenant, entityKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entities[entityKey]; ok {
		e.Deleted = true
	}
	return nil
}

func (s *fakeStore) SetEntityExternalRoom(_ context.Context, _ models.Tenant, entityKey, externalRoomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[entityKey]
	if !ok {
		return sqlite.ErrNotFound
	}
	e.ExternalRoomID = externalRoomID
	return nil
}

func (s *fakeStore) GetIdentity(_ context.Context, _ models.Tenant, user models.UserKey) (*models.ChatIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identities[user]
	if !ok {
		return nil, sqlite.ErrNotFound
	}
	return id, nil
}

func (s *fakeStore) SaveIdentity(_ context.Context, id *models.ChatIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[id.UserKey] = id
	return nil
}

// fakeChat is a scriptable chat.Client. Per-method error hooks default to
// success; counters record every external call for assertions.
type fakeChat struct {
	mu sync.Mutex

	createRoomCalls int
	joinCalls       []string
	inviteCalls     []string
	removeCalls     []string
	powerCalls      map[string]map[string]int
	createUserCalls int

	createRoomErr func(opts chat.CreateRoomOptions) error
	joinErr       func(roomID string) error
	inviteErr     func(roomID string) error
	removeErr     func(roomID string) error
	powerErr      func(roomID string) error
	sendErr       func(roomID string) error
	fetchErr      func(roomID string) error

	sendCalls  []string
	fetchCalls []string
}

func newFakeChat() *fakeChat {
	return &fakeChat{powerCalls: make(map[string]map[string]int)}
}

func (f *fakeChat) CreateRoom(_ context.Context, opts chat.CreateRoomOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createRoomErr != nil {
		if err := f.createRoomErr(opts); err != nil {
			return "", err
		}
	}
	f.createRoomCalls++
	return fmt.Sprintf("!room%d:chat", f.createRoomCalls), nil
}

func (f *fakeChat) InviteUser(_ context.Context, roomID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inviteCalls = append(f.inviteCalls, roomID)
	if f.inviteErr != nil {
		return f.inviteErr(roomID)
	}
	return nil
}

func (f *fakeChat) JoinRoom(_ context.Context, roomID string, _ chat.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joinCalls = append(f.joinCalls, roomID)
	if f.joinErr != nil {
		return f.joinErr(roomID)
	}
	return nil
}

func (f *fakeChat) RemoveUser(_ context.Context, roomID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls = append(f.removeCalls, roomID)
	if f.removeErr != nil {
		return f.removeErr(roomID)
	}
	return nil
}

func (f *fakeChat) SetRoomPowerLevels(_ context.Context, roomID string, levels map[string]int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.powerErr != nil {
		if err := f.powerErr(roomID); err != nil {
			return err
		}
	}
	if f.powerCalls[roomID] == nil {
		f.powerCalls[roomID] = make(map[string]int)
	}
	for u, l := range levels {
		f.powerCalls[roomID][u] = l
	}
	return nil
}

func (f *fakeChat) CreateUser(_ context.Context, username, _, _ string) (chat.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createUserCalls++
	return chat.Credentials{
		UserID:      "@" + username + ":chat",
		AccessToken: "token-" + username,
	}, nil
}

func (f *fakeChat) FetchMessages(_ context.Context, roomID string, _ int, _, _ string) (*models.MessagePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls = append(f.fetchCalls, roomID)
	if f.fetchErr != nil {
		if err := f.fetchErr(roomID); err != nil {
			return nil, err
		}
	}
	return &models.MessagePage{ExternalRoomID: roomID}, nil
}

func (f *fakeChat) SendMessage(_ context.Context, roomID, _, _ string, _ chat.Credentials) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls = append(f.sendCalls, roomID)
	if f.sendErr != nil {
		if err := f.sendErr(roomID); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("$msg%d", len(f.sendCalls)), nil
}

func (f *fakeChat) Ping(_ context.Context) error { return nil }
func (f *fakeChat) Close() error                 { return nil }

func (f *fakeChat) joinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.joinCalls)
}

func backendErr(op, body string) error {
	return &chat.BackendError{Op: op, Status: 400, Body: body}
}

func testDeps(t *testing.T, store Store, client chat.Client) Deps {
	t.Helper()
	return Deps{
		Tenant: "acme",
		Store:  store,
		Chat:   client,
		Log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}
