package chat

import (
	"sync"

	"github.com/samber/lo"
)

type connSet map[string]struct{}

// SessionIndex maps a user id to the ids of the connections currently
// representing that user. It never owns connections, it only references them.
type SessionIndex struct {
	mu       sync.RWMutex
	sessions map[string]connSet
}

// NewSessionIndex returns an empty index.
func NewSessionIndex() *SessionIndex {
	return &SessionIndex{
		sessions: make(map[string]connSet),
	}
}

// Bind adds connID to the session of userID, creating the session if needed.
func (s *SessionIndex) Bind(userID, connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sessions[userID]
	if !ok {
		set = make(connSet)
		s.sessions[userID] = set
	}
	set[connID] = struct{}{}
}

// Unbind removes connID from the session of userID. The session is deleted
// once its last connection is gone so no empty entries linger.
func (s *SessionIndex) Unbind(userID, connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sessions[userID]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(s.sessions, userID)
	}
}

// ConnectionsFor returns a copy of the connection ids bound to userID.
// Unknown users yield an empty slice.
func (s *SessionIndex) ConnectionsFor(userID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.sessions[userID]
	if !ok {
		return []string{}
	}
	return lo.Keys(set)
}

// Len returns the number of users with a live session.
func (s *SessionIndex) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
