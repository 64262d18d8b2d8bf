package crewchat

import (
	"sort"
	"sync"
)

// PresenceStore tracks which users are currently online. It is seeded by the
// presence:list snapshot and kept current by presence:online /
// presence:offline events.
type PresenceStore struct {
	mu     sync.Mutex
	online map[int64]bool

	subMu     sync.Mutex
	nextSub   int
	onChanged map[int]func()
}

// NewPresenceStore creates an empty presence store.
func NewPresenceStore() *PresenceStore {
	return &PresenceStore{
		online:    make(map[int64]bool),
		onChanged: make(map[int]func()),
	}
}

// OnChanged subscribes to presence changes. Returns an unsubscribe function.
func (s *PresenceStore) OnChanged(h func()) func() {
	s.subMu.Lock()
	s.nextSub++
	id := s.nextSub
	s.onChanged[id] = h
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.onChanged, id)
		s.subMu.Unlock()
	}
}

func (s *PresenceStore) notify() {
	s.subMu.Lock()
	hs := make([]func(), 0, len(s.onChanged))
	for _, h := range s.onChanged {
		hs = append(hs, h)
	}
	s.subMu.Unlock()
	for _, h := range hs {
		h()
	}
}

// ApplyList replaces the online set with a server snapshot.
func (s *PresenceStore) ApplyList(userIDs []int64) {
	s.mu.Lock()
	s.online = make(map[int64]bool, len(userIDs))
	for _, id := range userIDs {
		s.online[id] = true
	}
	s.mu.Unlock()
	s.notify()
}

// SetOnline marks one user online.
func (s *PresenceStore) SetOnline(userID int64) {
	s.mu.Lock()
	changed := !s.online[userID]
	s.online[userID] = true
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// SetOffline marks one user offline.
func (s *PresenceStore) SetOffline(userID int64) {
	s.mu.Lock()
	changed := s.online[userID]
	delete(s.online, userID)
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// IsOnline reports whether a user is online.
func (s *PresenceStore) IsOnline(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[userID]
}

// Online returns the online user ids in ascending order.
func (s *PresenceStore) Online() []int64 {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.online))
	for id := range s.online {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
