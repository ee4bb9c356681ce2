package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultStateTTL is how long an authorization redirect stays redeemable
const DefaultStateTTL = 10 * time.Minute

// stateStore remembers the anti-forgery state tokens of pending authorizations
type stateStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	states map[string]time.Time
}

func newStateStore(ttl time.Duration, now func() time.Time) *stateStore {
	return &stateStore{ttl: ttl, now: now, states: map[string]time.Time{}}
}

// Issue creates a new single-use state token
func (s *stateStore) Issue() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for token, expires := range s.states {
		if !now.Before(expires) {
			delete(s.states, token)
		}
	}

	token := uuid.NewString()
	s.states[token] = now.Add(s.ttl)
	return token
}

// Consume redeems a token; it succeeds once and only before expiry
func (s *stateStore) Consume(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	expires, ok := s.states[token]
	if !ok {
		return false
	}
	delete(s.states, token)
	return s.now().Before(expires)
}
