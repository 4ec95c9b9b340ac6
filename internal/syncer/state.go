package syncer

import (
	"puntosclub.org/internal/auth"
	"puntosclub.org/internal/loyalty"
)

// SubscriptionState tracks the push subscription lifecycle.
type SubscriptionState int

const (
	Unsubscribed SubscriptionState = iota
	Subscribing
	Subscribed
	SubscriptionError
)

func (s SubscriptionState) String() string {
	switch s {
	case Unsubscribed:
		return "unsubscribed"
	case Subscribing:
		return "subscribing"
	case Subscribed:
		return "subscribed"
	case SubscriptionError:
		return "error"
	default:
		return "unknown"
	}
}

// Snapshot is a consistent copy of the synchronizer state. Screens and the
// HTTP layer read snapshots; they never touch the live state.
type Snapshot struct {
	Session            *auth.Session         `json:"session,omitempty"`
	Identity           *auth.Identity        `json:"identity,omitempty"`
	Profile            *loyalty.Profile      `json:"profile,omitempty"`
	Memberships        []loyalty.Membership  `json:"memberships"`
	Organizations      []loyalty.Organization `json:"organizations"`
	LoadingProfile     bool                  `json:"loading_profile"`
	LoadingMemberships bool                  `json:"loading_memberships"`
	Subscription       SubscriptionState     `json:"-"`
}
