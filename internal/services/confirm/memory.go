package confirm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryEntry struct {
	req       *PendingRequest
	expiresAt time.Time
}

// MemoryStash keeps pending confirmations in process memory. Used when
// redis is not configured; prompts do not survive a restart.
type MemoryStash struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryStash() *MemoryStash {
	return &MemoryStash{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStash) Put(ctx context.Context, req *PendingRequest, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked()
	s.entries[stashKey(req.UserID, req.CorrelationID)] = memoryEntry{
		req:       req,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (s *MemoryStash) Take(ctx context.Context, userID int64, correlationID string) (*PendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := stashKey(userID, correlationID)
	entry, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	delete(s.entries, key)

	if time.Now().After(entry.expiresAt) {
		return nil, nil
	}
	return entry.req, nil
}

// sweepLocked drops expired entries so an abandoned prompt cannot pin
// its payload forever. Must be called with the lock held.
func (s *MemoryStash) sweepLocked() {
	now := time.Now()
	for key, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, key)
		}
	}
}

func stashKey(userID int64, correlationID string) string {
	return fmt.Sprintf("%d:%s", userID, correlationID)
}
