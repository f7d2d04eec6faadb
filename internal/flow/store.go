package flow

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/federata/samlidp/internal/saml"
)

// Store keeps in-progress flows across the login suspension. Flows are
// bounded by TTL; expired entries are swept opportunistically on access so
// no janitor goroutine is needed.
type Store struct {
	ttl   time.Duration
	clock clockwork.Clock

	mu    sync.Mutex
	flows map[string]*Flow
}

func NewStore(ttl time.Duration, clock clockwork.Clock) *Store {
	return &Store{ttl: ttl, clock: clock, flows: map[string]*Flow{}}
}

func (s *Store) Put(f *Flow) {
	now := s.clock.Now()
	f.ExpiresAt = now.Add(s.ttl)
	s.mu.Lock()
	s.sweepLocked(now)
	s.flows[f.ID] = f
	s.mu.Unlock()
}

// Get returns the live flow or ErrFlowExpired when it is gone or past its
// TTL. A flow abandoned in the browser simply ages out here.
func (s *Store) Get(id string) (*Flow, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, saml.ErrFlowExpired
	}
	if now.After(f.ExpiresAt) {
		delete(s.flows, id)
		return nil, saml.ErrFlowExpired
	}
	return f, nil
}

func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.flows, id)
	s.mu.Unlock()
}

func (s *Store) sweepLocked(now time.Time) {
	for id, f := range s.flows {
		if now.After(f.ExpiresAt) {
			delete(s.flows, id)
		}
	}
}
