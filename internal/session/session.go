// Package session tracks the upstream session token and the id sequence
// used for upstream calls.
package session

import (
	"encoding/json"
	"strconv"
	"sync"
)

// IDOffset seeds the upstream id sequence. Local peers number their
// requests from small integers, so upstream ids start above this value.
const IDOffset = 9000

// Session is owned by one bridge instance.
type Session struct {
	mu    sync.Mutex
	token string
	next  uint64
}

// New returns a Session with no token and the counter at IDOffset.
func New() *Session {
	return &Session{next: IDOffset}
}

// NextID allocates the next upstream request id.
func (s *Session) NextID() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return json.RawMessage(strconv.FormatUint(s.next, 10))
}

// Token returns the upstream session token, or "" when none is known.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// SetToken records a token issued by the upstream. It reports whether the
// stored value changed. An empty token is ignored.
func (s *Session) SetToken(token string) bool {
	if token == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == token {
		return false
	}
	s.token = token
	return true
}
