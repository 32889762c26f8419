// Package voice exposes the reminder engine to the conversational voice
// pipeline: per-call sessions and the tool calls the agent can make.
package voice

import (
	"sync"
	"time"
)

// CallKind says why the service placed a call.
type CallKind string

const (
	CallReminder CallKind = "reminder"
	CallSchedule CallKind = "schedule"
)

// Session is the context of one live call. It is created when the call is
// placed and removed when the status webhook reports the call finished.
type Session struct {
	CallSID   string
	LineID    string
	TimeZone  string
	Kind      CallKind
	RecordID  uint
	FiredAt   time.Time
	StartedAt time.Time
}

const (
	DefaultSessionCapacity = 512
	DefaultSessionTTL      = 2 * time.Hour
)

// SessionStore holds live call sessions. It is bounded both in size and age:
// expired sessions are dropped on access and the oldest session is evicted
// when the store is full.
type SessionStore struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]Session
}

func NewSessionStore(capacity int, ttl time.Duration) *SessionStore {
	if capacity <= 0 {
		capacity = DefaultSessionCapacity
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionStore{
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]Session, capacity),
	}
}

// Begin registers a session, replacing any session with the same call SID.
func (s *SessionStore) Begin(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if sess.StartedAt.IsZero() {
		sess.StartedAt = now
	}
	if _, exists := s.sessions[sess.CallSID]; !exists && len(s.sessions) >= s.capacity {
		s.sweepLocked(now)
		if len(s.sessions) >= s.capacity {
			s.evictOldestLocked()
		}
	}
	s.sessions[sess.CallSID] = sess
}

func (s *SessionStore) Get(callSID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[callSID]
	if !ok {
		return Session{}, false
	}
	if s.expired(sess, s.now()) {
		delete(s.sessions, callSID)
		return Session{}, false
	}
	return sess, true
}

// End removes and returns the session for callSID.
func (s *SessionStore) End(callSID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[callSID]
	if ok {
		delete(s.sessions, callSID)
	}
	return sess, ok
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep drops expired sessions and returns how many were removed.
func (s *SessionStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.now())
}

func (s *SessionStore) expired(sess Session, now time.Time) bool {
	return !now.Before(sess.StartedAt.Add(s.ttl))
}

func (s *SessionStore) sweepLocked(now time.Time) int {
	n := 0
	for sid, sess := range s.sessions {
		if s.expired(sess, now) {
			delete(s.sessions, sid)
			n++
		}
	}
	return n
}

func (s *SessionStore) evictOldestLocked() {
	var (
		oldestSID string
		oldest    time.Time
	)
	for sid, sess := range s.sessions {
		if oldestSID == "" || sess.StartedAt.Before(oldest) {
			oldestSID, oldest = sid, sess.StartedAt
		}
	}
	delete(s.sessions, oldestSID)
}
