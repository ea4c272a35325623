package state

import (
	"sync"
	"time"

	"github.com/musthaq16/live-route-tracker/types"
)

// Store keeps the latest tracking snapshot for readers outside the controller
// loop and pushes every new one to subscribers.
type Store struct {
	mu       sync.RWMutex
	snapshot types.TrackingState
	errAt    time.Time
	subs     map[uint64]chan types.TrackingState
	nextID   uint64
}

func NewStore(initial types.TrackingState) *Store {
	return &Store{
		snapshot: initial.Clone(),
		subs:     make(map[uint64]chan types.TrackingState),
	}
}

// Render replaces the stored snapshot.
func (s *Store) Render(st types.TrackingState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = st.Clone()
	s.broadcast()
}

// ReportError records err on the stored snapshot. Position, distance and route
// are left as they are.
func (s *Store) ReportError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.LastError = err.Error()
	s.errAt = time.Now()
	s.broadcast()
}

// Latest returns a copy of the stored snapshot.
func (s *Store) Latest() types.TrackingState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.Clone()
}

// LastErrorAt is when ReportError last ran, zero if never.
func (s *Store) LastErrorAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errAt
}

// Subscribe returns a channel receiving the current snapshot followed by every
// later one. A slow reader only ever sees the newest pending snapshot. The
// returned func unsubscribes and closes the channel.
func (s *Store) Subscribe() (<-chan types.TrackingState, func()) {
	ch := make(chan types.TrackingState, 1)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	ch <- s.snapshot.Clone()
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			close(ch)
			s.mu.Unlock()
		})
	}
}

// Subscribers reports how many subscriptions are open.
func (s *Store) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// broadcast must be called with mu held.
func (s *Store) broadcast() {
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s.snapshot.Clone()
	}
}
