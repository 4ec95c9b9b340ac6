package loyalty

import "context"

// ProfileStore reads and updates profile rows. Profiles are created by the
// auth subsystem at sign-up; the synchronizer only ever fetches them.
type ProfileStore interface {
	// FindWithRole returns the profile joined with its role name.
	FindWithRole(ctx context.Context, identityID string) (Profile, error)
	UpdateBalance(ctx context.Context, identityID string, delta int64) (Profile, error)
}

// MembershipStore manages membership rows and their point counters.
type MembershipStore interface {
	// ListActiveByProfile returns the profile's active memberships.
	ListActiveByProfile(ctx context.Context, profileID string) ([]Membership, error)
	// FindByProfileAndOrg returns the membership row whether active or not.
	FindByProfileAndOrg(ctx context.Context, profileID, organizationID string) (Membership, error)
	Insert(ctx context.Context, profileID, organizationID string) (Membership, error)
	// Reactivate flips the active flag back on, preserving counters.
	Reactivate(ctx context.Context, membershipID string) (Membership, error)
	Deactivate(ctx context.Context, membershipID string) error
	// ApplyPoints adjusts counters (earn: available+earned, redeem:
	// available-redeemed). The backend is the only caller.
	ApplyPoints(ctx context.Context, membershipID string, earned, redeemed int64) (Membership, error)
}

// OrganizationStore exposes the read-only merchant catalog.
type OrganizationStore interface {
	List(ctx context.Context) ([]Organization, error)
}

// DeviceStore persists push-notification registrations.
type DeviceStore interface {
	Register(ctx context.Context, reg DeviceRegistration) error
}
