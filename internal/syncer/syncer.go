package syncer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"puntosclub.org/internal/auth"
	"puntosclub.org/internal/loyalty"
	"puntosclub.org/internal/obs"
	"puntosclub.org/internal/realtime"
)

const (
	defaultSessionTimeout = 8 * time.Second
	defaultResolveTimeout = 10 * time.Second
)

// AuthClient is the slice of the auth subsystem the synchronizer consumes.
// *auth.Client satisfies it.
type AuthClient interface {
	CurrentSession(ctx context.Context) (*auth.Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*auth.Session, error)
	SignUp(ctx context.Context, email, password string, seed auth.ProfileSeed) (auth.Identity, error)
	SignOut(ctx context.Context) error
	OnAuthStateChange(fn func(event string, session *auth.Session)) func()
}

// Subscriber opens profile-scoped membership change subscriptions.
// *realtime.Stream satisfies it.
type Subscriber interface {
	Subscribe(profileID string) *realtime.Subscription
}

// Config bounds the synchronizer's waits. Zero values pick the defaults;
// uncapped waits are a defect.
type Config struct {
	SessionTimeout time.Duration
	ResolveTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = defaultSessionTimeout
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = defaultResolveTimeout
	}
	return c
}

// Synchronizer is the sole owner of session, profile, membership and catalog
// state. Every mutation goes through its five operations; everything else is
// a read-only snapshot. It is constructed explicitly and injected into its
// consumers; there is no ambient instance.
type Synchronizer struct {
	auth        AuthClient
	profiles    loyalty.ProfileStore
	memberships loyalty.MembershipStore
	orgs        loyalty.OrganizationStore
	devices     loyalty.DeviceStore
	stream      Subscriber
	cfg         Config

	mu                 sync.Mutex
	gen                uint64
	session            *auth.Session
	profile            *loyalty.Profile
	members            map[string]loyalty.Membership
	catalog            []loyalty.Organization
	loadingProfile     bool
	loadingMemberships bool
	subState           SubscriptionState
	sub                *realtime.Subscription
	unsubscribeAuth    func()
}

// New constructs a Synchronizer. devices may be nil when push registration
// is disabled.
func New(authClient AuthClient, profiles loyalty.ProfileStore, memberships loyalty.MembershipStore,
	orgs loyalty.OrganizationStore, devices loyalty.DeviceStore, stream Subscriber, cfg Config) *Synchronizer {
	return &Synchronizer{
		auth:        authClient,
		profiles:    profiles,
		memberships: memberships,
		orgs:        orgs,
		devices:     devices,
		stream:      stream,
		cfg:         cfg.withDefaults(),
		members:     make(map[string]loyalty.Membership),
	}
}

// Initialize runs once at process start: it asks the auth subsystem for the
// current session with a bounded wait and registers the standing listener
// that re-runs resolution on every subsequent session change. On timeout or
// error it fails closed: state stays empty and loading completes.
func (s *Synchronizer) Initialize(ctx context.Context) {
	s.mu.Lock()
	s.loadingProfile = true
	s.mu.Unlock()

	s.unsubscribeAuth = s.auth.OnAuthStateChange(func(event string, session *auth.Session) {
		s.onSessionChange(session)
	})

	sessionCtx, cancel := context.WithTimeout(ctx, s.cfg.SessionTimeout)
	session, err := s.auth.CurrentSession(sessionCtx)
	cancel()
	if err != nil {
		obs.LogEvent("sync.session_retrieval_failed", map[string]any{"error": err.Error()})
		s.onSessionChange(nil)
		return
	}
	s.onSessionChange(session)
}

// Close tears down the listener and any live subscription. After Close the
// synchronizer must not be used.
func (s *Synchronizer) Close() {
	if s.unsubscribeAuth != nil {
		s.unsubscribeAuth()
	}
	s.mu.Lock()
	s.teardownSubscriptionLocked()
	s.mu.Unlock()
}

// Snapshot returns a consistent copy of the current state. Memberships come
// back ordered by join time; the slice is never nil.
func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Memberships:        make([]loyalty.Membership, 0, len(s.members)),
		Organizations:      append([]loyalty.Organization(nil), s.catalog...),
		LoadingProfile:     s.loadingProfile,
		LoadingMemberships: s.loadingMemberships,
		Subscription:       s.subState,
	}
	if s.session != nil {
		v := *s.session
		snap.Session = &v
		id := v.Identity
		snap.Identity = &id
	}
	if s.profile != nil {
		p := *s.profile
		snap.Profile = &p
	}
	for _, m := range s.members {
		snap.Memberships = append(snap.Memberships, m)
	}
	sort.Slice(snap.Memberships, func(i, j int) bool {
		return snap.Memberships[i].JoinedAt.Before(snap.Memberships[j].JoinedAt)
	})
	if snap.Organizations == nil {
		snap.Organizations = []loyalty.Organization{}
	}
	return snap
}

// SignIn performs the password grant and then independently re-verifies that
// the identity maps to a beneficiary profile. Verification failure forces a
// sign-out and surfaces the domain error, never the raw store error.
func (s *Synchronizer) SignIn(ctx context.Context, email, password string) error {
	session, err := s.auth.SignInWithPassword(ctx, email, password)
	if err != nil {
		return err
	}

	resolveCtx, cancel := context.WithTimeout(ctx, s.cfg.ResolveTimeout)
	profile, err := s.profiles.FindWithRole(resolveCtx, session.Identity.ID)
	cancel()
	if err != nil || !profile.IsBeneficiary() {
		_ = s.auth.SignOut(ctx)
		return loyalty.ErrNotBeneficiary
	}
	// The auth-state listener populates profile and memberships.
	return nil
}

// SignUp creates the identity, attaching the profile fields so the store can
// materialize the profile row transactionally. Profile state shows up later
// through the auth-state listener; success here only means the identity
// exists.
func (s *Synchronizer) SignUp(ctx context.Context, email, password string, seed auth.ProfileSeed) error {
	_, err := s.auth.SignUp(ctx, email, password, seed)
	return err
}

// SignOut closes the push subscription first, then invalidates the session,
// then clears local state. The ordering is an invariant: a subscription must
// never outlive the profile it is scoped to.
func (s *Synchronizer) SignOut(ctx context.Context) error {
	s.mu.Lock()
	s.teardownSubscriptionLocked()
	s.mu.Unlock()

	err := s.auth.SignOut(ctx)

	// The auth-state broadcast normally clears state; do it here as well in
	// case no listener is registered yet.
	s.mu.Lock()
	s.gen++
	s.clearStateLocked()
	s.mu.Unlock()
	return err
}

// JoinOrganization creates or reactivates the membership row and then
// re-fetches the membership list so local state reflects the post-write
// truth. An active membership is a user-facing conflict, not a silent no-op.
func (s *Synchronizer) JoinOrganization(ctx context.Context, organizationID string) error {
	s.mu.Lock()
	if s.profile == nil {
		s.mu.Unlock()
		return loyalty.ErrNotAuthenticated
	}
	gen := s.gen
	profileID := s.profile.ID
	s.mu.Unlock()

	existing, err := s.memberships.FindByProfileAndOrg(ctx, profileID, organizationID)
	switch {
	case err == nil && existing.Active:
		return loyalty.ErrAlreadyMember
	case err == nil:
		if _, err := s.memberships.Reactivate(ctx, existing.ID); err != nil {
			return fmt.Errorf("reactivate membership: %w", err)
		}
	case err == loyalty.ErrNotFound:
		if _, err := s.memberships.Insert(ctx, profileID, organizationID); err != nil {
			return fmt.Errorf("create membership: %w", err)
		}
	default:
		return fmt.Errorf("lookup membership: %w", err)
	}

	if err := s.refreshMemberships(ctx, gen, profileID, true); err != nil {
		// The write committed; local state catches up on the next refresh.
		obs.LogEvent("sync.refresh_after_join_failed", map[string]any{"error": err.Error()})
	}
	return nil
}

// RefreshOrganizations re-pulls the active membership list and the full
// catalog concurrently. Without a profile it is a no-op.
func (s *Synchronizer) RefreshOrganizations(ctx context.Context) error {
	s.mu.Lock()
	if s.profile == nil {
		s.mu.Unlock()
		return nil
	}
	gen := s.gen
	profileID := s.profile.ID
	s.mu.Unlock()

	return s.refreshMemberships(ctx, gen, profileID, true)
}

// onSessionChange is the single entry point for session transitions: initial
// retrieval, sign-in (here or elsewhere), token refresh and sign-out. Each
// transition bumps the generation; resolution results carrying an older
// generation are discarded instead of cancelled.
func (s *Synchronizer) onSessionChange(session *auth.Session) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.session = session

	if session == nil {
		s.teardownSubscriptionLocked()
		s.clearStateLocked()
		s.mu.Unlock()
		return
	}

	if s.profile != nil && s.profile.ID != session.Identity.ID {
		// Profile changes identity: close the channel before any other cleanup.
		s.teardownSubscriptionLocked()
		s.profile = nil
		s.members = make(map[string]loyalty.Membership)
	}
	s.loadingProfile = true
	identityID := session.Identity.ID
	s.mu.Unlock()

	s.resolveProfile(gen, identityID)
}

// resolveProfile fetches the profile with its role and applies the three
// outcomes: unauthorized (missing row, fetch error or wrong role) forces a
// sign-out; a beneficiary profile is committed and the subscription opened.
// The loading flag is cleared exactly once on every path.
func (s *Synchronizer) resolveProfile(gen uint64, identityID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ResolveTimeout)
	defer cancel()

	profile, err := s.profiles.FindWithRole(ctx, identityID)

	s.mu.Lock()
	if s.gen != gen {
		// A newer session change superseded this resolution.
		s.mu.Unlock()
		obs.ObserveResolution("stale")
		return
	}

	if err != nil || !profile.IsBeneficiary() {
		s.teardownSubscriptionLocked()
		s.profile = nil
		s.members = make(map[string]loyalty.Membership)
		s.loadingProfile = false
		s.mu.Unlock()

		outcome := "unauthorized"
		if err != nil {
			outcome = "error"
			obs.LogEvent("sync.profile_resolution_failed", map[string]any{
				"identity_id": identityID, "error": err.Error(),
			})
		}
		obs.ObserveResolution(outcome)
		// Forced sign-out; its broadcast clears the session.
		_ = s.auth.SignOut(context.Background())
		return
	}

	s.profile = &profile
	s.loadingProfile = false
	s.openSubscriptionLocked(profile.ID)
	s.mu.Unlock()

	obs.ObserveResolution("ok")
	s.registerDevice(profile.ID)

	refreshCtx, refreshCancel := context.WithTimeout(context.Background(), s.cfg.ResolveTimeout)
	defer refreshCancel()
	if err := s.refreshMemberships(refreshCtx, gen, profile.ID, true); err != nil {
		obs.LogEvent("sync.membership_fetch_failed", map[string]any{
			"profile_id": profile.ID, "error": err.Error(),
		})
	}
}

// registerDevice is fire and forget: push registration failure must never
// fail authentication.
func (s *Synchronizer) registerDevice(profileID string) {
	if s.devices == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ResolveTimeout)
		defer cancel()
		err := s.devices.Register(ctx, loyalty.DeviceRegistration{
			ProfileID: profileID,
			Token:     uuid.NewString(),
			Platform:  "api",
		})
		if err != nil {
			obs.LogEvent("sync.device_registration_failed", map[string]any{
				"profile_id": profileID, "error": err.Error(),
			})
		}
	}()
}

// refreshMemberships pulls the active membership list and, when withCatalog
// is set, the organization catalog concurrently. Results are committed only
// if the generation still matches; on fetch failure local state keeps the
// last known good list.
func (s *Synchronizer) refreshMemberships(ctx context.Context, gen uint64, profileID string, withCatalog bool) error {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil
	}
	s.loadingMemberships = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.gen == gen {
			s.loadingMemberships = false
		}
		s.mu.Unlock()
	}()

	var (
		wg         sync.WaitGroup
		catalog    []loyalty.Organization
		catalogErr error
	)
	if withCatalog {
		wg.Add(1)
		go func() {
			defer wg.Done()
			catalog, catalogErr = s.orgs.List(ctx)
		}()
	}

	list, err := s.memberships.ListActiveByProfile(ctx, profileID)
	wg.Wait()

	if err != nil {
		return fmt.Errorf("list memberships: %w", err)
	}
	if catalogErr != nil {
		return fmt.Errorf("list organizations: %w", catalogErr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return nil
	}
	s.members = make(map[string]loyalty.Membership, len(list))
	for _, m := range list {
		s.members[m.ID] = m
	}
	if withCatalog {
		s.catalog = catalog
	}
	return nil
}

func (s *Synchronizer) clearStateLocked() {
	s.profile = nil
	s.members = make(map[string]loyalty.Membership)
	s.session = nil
	s.loadingProfile = false
	s.loadingMemberships = false
}
