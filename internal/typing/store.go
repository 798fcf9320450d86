// Package typing keeps ephemeral typing indicators. Entries expire a fixed
// TTL after the last "typing" signal; expiry is applied lazily on read, and
// an optional sweeper bounds memory.
package typing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultTTL is how long a typing=true signal stays visible.
const DefaultTTL = 3 * time.Second

// Store maps target -> sender -> expiry. It tolerates lost updates; typing
// indicators are cosmetic.
type Store struct {
	mu      sync.Mutex
	clock   clock.Clock
	ttl     time.Duration
	entries map[string]map[string]time.Time // target_id -> sender_id -> expiry
}

// NewStore creates a Store. A nil clock uses the wall clock and a
// non-positive ttl uses DefaultTTL.
func NewStore(clk clock.Clock, ttl time.Duration) *Store {
	if clk == nil {
		clk = clock.New()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		clock:   clk,
		ttl:     ttl,
		entries: make(map[string]map[string]time.Time),
	}
}

// SetTyping records (senderID, targetID) with expiry now+TTL when isTyping is
// true, and removes it immediately otherwise.
func (s *Store) SetTyping(senderID, targetID string, isTyping bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !isTyping {
		s.removeLocked(senderID, targetID)
		return
	}

	senders, ok := s.entries[targetID]
	if !ok {
		senders = make(map[string]time.Time)
		s.entries[targetID] = senders
	}
	senders[senderID] = s.clock.Now().Add(s.ttl)
}

// GetTypingUsers returns the sorted senders currently typing to targetID.
// Entries at or past their expiry are treated as absent.
func (s *Store) GetTypingUsers(targetID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	users := []string{}
	for senderID, expiry := range s.entries[targetID] {
		if now.Before(expiry) {
			users = append(users, senderID)
		}
	}
	sort.Strings(users)
	return users
}

// IsTyping reports whether senderID is currently typing to targetID.
func (s *Store) IsTyping(senderID, targetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.entries[targetID][senderID]
	return ok && s.clock.Now().Before(expiry)
}

// ClearSender drops every indicator senderID has towards anyone. Used when
// the sender goes offline.
func (s *Store) ClearSender(senderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for targetID := range s.entries {
		s.removeLocked(senderID, targetID)
	}
}

// Sweep physically removes expired entries and returns how many were
// removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	removed := 0
	for targetID, senders := range s.entries {
		for senderID, expiry := range senders {
			if !now.Before(expiry) {
				delete(senders, senderID)
				removed++
			}
		}
		if len(senders) == 0 {
			delete(s.entries, targetID)
		}
	}
	return removed
}

// Run sweeps every interval until ctx is cancelled. A non-positive interval
// disables sweeping; reads still filter expired entries.
func (s *Store) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Len returns the number of stored entries, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, senders := range s.entries {
		n += len(senders)
	}
	return n
}

func (s *Store) removeLocked(senderID, targetID string) {
	senders, ok := s.entries[targetID]
	if !ok {
		return
	}
	delete(senders, senderID)
	if len(senders) == 0 {
		delete(s.entries, targetID)
	}
}
