// Package sessionstore persists the room identity of the current session.
package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// ErrInvalidIdentity indicates a user id or room code that cannot form an identity.
var ErrInvalidIdentity = errors.New("sessionstore: invalid identity")

// Identity is who the local participant is and which room they joined.
// Both fields are set or neither is.
type Identity struct {
	UserID   int64
	RoomCode string
}

// NewIdentity validates and normalizes an identity.
func NewIdentity(userID int64, roomCode string) (Identity, error) {
	code := strings.TrimSpace(roomCode)
	if userID <= 0 {
		return Identity{}, fmt.Errorf("%w: user id %d", ErrInvalidIdentity, userID)
	}
	if code == "" {
		return Identity{}, fmt.Errorf("%w: empty room code", ErrInvalidIdentity)
	}
	return Identity{UserID: userID, RoomCode: code}, nil
}

// parseIdentity builds an identity from the two persisted string values.
func parseIdentity(userID, roomCode string) (Identity, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(userID), 10, 64)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: user id %q", ErrInvalidIdentity, userID)
	}
	return NewIdentity(id, roomCode)
}

// IsZero reports whether the identity is absent.
func (i Identity) IsZero() bool {
	return i.UserID == 0 && i.RoomCode == ""
}

func (i Identity) String() string {
	if i.IsZero() {
		return "<none>"
	}
	return fmt.Sprintf("user %d in room %s", i.UserID, i.RoomCode)
}

// Store persists at most one identity.
type Store interface {
	// Load returns the stored identity and whether one exists.
	Load(ctx context.Context) (Identity, bool, error)
	Save(ctx context.Context, identity Identity) error
	Clear(ctx context.Context) error
}

// MemoryStore keeps the identity for the lifetime of the process.
type MemoryStore struct {
	mu       sync.Mutex
	identity Identity
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(context.Context) (Identity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, !s.identity.IsZero(), nil
}

func (s *MemoryStore) Save(_ context.Context, identity Identity) error {
	validated, err := NewIdentity(identity.UserID, identity.RoomCode)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = validated
	return nil
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = Identity{}
	return nil
}
