package core

import (
	"sync"
	"time"

	"github.com/example/roomsync/pkg/models"
)

const (
	// maxScopeLocks caps how many creation locks one operation scope may
	// hold at once. Beyond this, creation is skipped rather than risking
	// a cascading lock storm.
	maxScopeLocks = 3
	// lockStaleAfter is the age cutoff after which a held creation lock
	// is considered stuck and may be taken over.
	lockStaleAfter = 10 * time.Second
)

// LockState is the result of a creation lock acquisition.
type LockState int

const (
	// LockAcquired means the caller now holds the lock.
	LockAcquired LockState = iota
	// LockHeld means the lock was already held in this scope; the caller
	// must re-read the store before creating.
	LockHeld
	// LockStorm means too many locks are held in this scope and creation
	// should be skipped entirely.
	LockStorm
)

// Scope is the per-operation deduplication layer: one instance lives for
// one inbound request or one background event. It is passed explicitly
// into every reconciliation call, never carried in ambient state, and is
// safe to discard at any point.
type Scope struct {
	mu       sync.Mutex
	entities map[string]*models.Entity
	rooms    map[string]*models.ChatRoom
	verified map[string]bool
	locks    map[string]time.Time
}

// NewScope returns an empty operation scope.
func NewScope() *Scope {
	return &Scope{
		entities: make(map[string]*models.Entity),
		rooms:    make(map[string]*models.ChatRoom),
		verified: make(map[string]bool),
		locks:    make(map[string]time.Time),
	}
}

// Entity returns the cached resolved entity for a storage key.
func (s *Scope) Entity(key string) (*models.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[key]
	return e, ok
}

// PutEntity caches a resolved entity.
func (s *Scope) PutEntity(key string, e *models.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[key] = e
}

// Room returns the cached resolved room for an entity key.
func (s *Scope) Room(key string) (*models.ChatRoom, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[key]
	return r, ok
}

// PutRoom caches a resolved room.
func (s *Scope) PutRoom(key string, r *models.ChatRoom) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[key] = r
}

// ForgetRoom drops a cached room, e.g. after stale-room recovery.
func (s *Scope) ForgetRoom(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, key)
}

func verifiedKey(entityKey string, user models.UserKey) string {
	return entityKey + "\x00" + string(user)
}

// Verified reports whether membership of (entity, user) was already
// confirmed within this scope.
func (s *Scope) Verified(entityKey string, user models.UserKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verified[verifiedKey(entityKey, user)]
}

// MarkVerified records that membership of (entity, user) is confirmed.
func (s *Scope) MarkVerified(entityKey string, user models.UserKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verified[verifiedKey(entityKey, user)] = true
}

// InvalidateVerified clears the confirmation for (entity, user), e.g.
// after a removal.
func (s *Scope) InvalidateVerified(entityKey string, user models.UserKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.verified, verifiedKey(entityKey, user))
}

// AcquireCreateLock attempts to take the creation lock for an entity key.
// A lock older than lockStaleAfter is treated as stuck and taken over.
func (s *Scope) AcquireCreateLock(key string) LockState {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if held, ok := s.locks[key]; ok {
		if now.Sub(held) < lockStaleAfter {
			return LockHeld
		}
		// Stuck lock: take it over.
		s.locks[key] = now
		return LockAcquired
	}

	active := 0
	for _, held := range s.locks {
		if now.Sub(held) < lockStaleAfter {
			active++
		}
	}
	if active >= maxScopeLocks {
		return LockStorm
	}

	s.locks[key] = now
	return LockAcquired
}

// ReleaseCreateLock releases a previously acquired creation lock.
func (s *Scope) ReleaseCreateLock(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, key)
}
