package realtime

import (
	"sync"
	"time"

	"puntosclub.org/internal/loyalty"
)

// EventKind discriminates membership change notifications.
type EventKind string

const (
	EventInsert EventKind = "INSERT"
	EventUpdate EventKind = "UPDATE"
	EventDelete EventKind = "DELETE"
)

// Event is one membership change notification. Membership always carries the
// full updated row; subscribers may patch fields in place without a re-fetch.
type Event struct {
	Kind       EventKind          `json:"kind"`
	ProfileID  string             `json:"profile_id"`
	Membership loyalty.Membership `json:"membership"`
	OccurredAt time.Time          `json:"occurred_at"`
}

// Subscription is one live, profile-scoped channel. Close is idempotent and
// synchronous: after it returns no further events are delivered.
type Subscription struct {
	stream    *Stream
	id        int
	profileID string
	ch        chan Event

	closeOnce sync.Once
}

// C returns the receive channel. It is closed by Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// ProfileID reports the profile this subscription is scoped to.
func (s *Subscription) ProfileID() string { return s.profileID }

// Close removes the subscription and closes its channel.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.stream.mu.Lock()
		delete(s.stream.subs, s.id)
		close(s.ch)
		s.stream.mu.Unlock()
	})
}

// Stream fan-outs membership change events to profile-scoped subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]*Subscription
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]*Subscription)}
}

// Subscribe registers a subscriber for one profile's membership rows.
func (s *Stream) Subscribe(profileID string) *Subscription {
	sub := &Subscription{
		stream:    s,
		profileID: profileID,
		ch:        make(chan Event, 16),
	}
	s.mu.Lock()
	sub.id = s.next
	s.next++
	s.subs[sub.id] = sub
	s.mu.Unlock()
	return sub
}

// Publish fan-outs the event to subscribers whose profile matches.
func (s *Stream) Publish(evt Event) {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.profileID != evt.ProfileID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// CloseAll closes every live subscription. Used on shutdown; subscribers see
// their channels end.
func (s *Stream) CloseAll() {
	s.mu.RLock()
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// Subscribers reports the number of live subscriptions (for tests/metrics).
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
