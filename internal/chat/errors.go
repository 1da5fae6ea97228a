package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTenantNotConfigured indicates no chat backend is configured for
	// the requested tenant.
	ErrTenantNotConfigured = errors.New("chat backend not configured for tenant")
)

// BackendError carries the raw, unstructured failure text returned by the
// external chat backend. The backend reports everything as free text, so
// callers must classify errors through the predicates below rather than
// status codes.
type BackendError struct {
	Op     string
	Status int
	Body   string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("chat backend %s failed (status %d): %s", e.Op, e.Status, e.Body)
}

// The backend's known phrasings for "this user is already a participant".
// Matching any of these means the operation already happened and is a
// success, not a failure. Kept in one place so the vocabulary is
// maintained and tested centrally.
var alreadyMemberPhrases = []string{
	"already in the room",
	"already a member",
	"already joined",
	"already invited",
}

// The backend's known phrasings for "this room no longer exists". Matching
// any of these triggers stale-room recovery.
var roomMissingPhrases = []string{
	"room not found",
	"unknown room",
	"no known servers",
	"room does not exist",
}

func matchesAny(err error, phrases []string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range phrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsAlreadyMember reports whether the error is the backend saying the user
// is already a participant (or already invited). Treated as success.
func IsAlreadyMember(err error) bool {
	return matchesAny(err, alreadyMemberPhrases)
}

// IsRoomMissing reports whether the error is the backend saying the room
// no longer exists on its side.
func IsRoomMissing(err error) bool {
	return matchesAny(err, roomMissingPhrases)
}

// IsTimeout reports whether the call ran into the per-call deadline.
// Timeouts are retryable and distinct from both "already a member" and
// "room missing".
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
