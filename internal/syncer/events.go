package syncer

import (
	"context"

	"puntosclub.org/internal/obs"
	"puntosclub.org/internal/realtime"
)

// openSubscriptionLocked opens the push channel scoped to the profile. The
// previous channel, if any, is closed first: there is never more than one
// live subscription.
func (s *Synchronizer) openSubscriptionLocked(profileID string) {
	s.teardownSubscriptionLocked()
	if s.stream == nil {
		return
	}
	s.setSubStateLocked(Subscribing)
	sub := s.stream.Subscribe(profileID)
	s.sub = sub
	s.setSubStateLocked(Subscribed)
	go s.pump(sub)
}

// teardownSubscriptionLocked closes the live channel. Setting s.sub to nil
// before Close tells the pump the closure was deliberate, not a channel
// failure.
func (s *Synchronizer) teardownSubscriptionLocked() {
	if s.sub == nil {
		if s.subState != SubscriptionError {
			s.setSubStateLocked(Unsubscribed)
		}
		return
	}
	sub := s.sub
	s.sub = nil
	s.setSubStateLocked(Unsubscribed)
	sub.Close()
}

// pump drains one subscription. Events arrive in per-channel order; a single
// goroutine per subscription preserves it. If the channel ends while the
// subscription is still current, the state machine enters Error — recovery
// happens on the next profile change, never by silently reporting Subscribed.
func (s *Synchronizer) pump(sub *realtime.Subscription) {
	for evt := range sub.C() {
		s.handleEvent(evt)
	}
	s.mu.Lock()
	if s.sub == sub {
		s.sub = nil
		s.setSubStateLocked(SubscriptionError)
		obs.LogEvent("sync.subscription_lost", map[string]any{"profile_id": sub.ProfileID()})
	}
	s.mu.Unlock()
}

// handleEvent is the explicit case analysis over event kinds. An update to a
// known membership patches only its counters in place — the stream guarantees
// full-row payloads, so the patch cannot null out untouched fields. Inserts,
// deletes and updates for unknown rows change set membership and fall back to
// a full re-fetch.
func (s *Synchronizer) handleEvent(evt realtime.Event) {
	obs.ObserveRealtimeEvent(string(evt.Kind))

	s.mu.Lock()
	if s.profile == nil || s.profile.ID != evt.ProfileID {
		s.mu.Unlock()
		return
	}

	if evt.Kind == realtime.EventUpdate {
		if cur, ok := s.members[evt.Membership.ID]; ok {
			cur.AvailablePoints = evt.Membership.AvailablePoints
			cur.TotalPointsEarned = evt.Membership.TotalPointsEarned
			cur.TotalPointsRedeemed = evt.Membership.TotalPointsRedeemed
			s.members[cur.ID] = cur
			s.mu.Unlock()
			return
		}
	}

	gen := s.gen
	profileID := s.profile.ID
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ResolveTimeout)
	defer cancel()
	if err := s.refreshMemberships(ctx, gen, profileID, false); err != nil {
		// Keep the last known good list; the next refresh converges.
		obs.LogEvent("sync.event_refetch_failed", map[string]any{
			"profile_id": profileID, "kind": string(evt.Kind), "error": err.Error(),
		})
	}
}

func (s *Synchronizer) setSubStateLocked(state SubscriptionState) {
	s.subState = state
	obs.SetSubscriptionState(int(state))
}
