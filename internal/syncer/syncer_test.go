package syncer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"puntosclub.org/internal/auth"
	"puntosclub.org/internal/loyalty"
	"puntosclub.org/internal/realtime"
)

// --- fakes -----------------------------------------------------------------

type fakeAuth struct {
	mu           sync.Mutex
	session      *auth.Session
	currentErr   error
	block        chan struct{} // when set, CurrentSession waits for it or ctx
	signOutCalls int
	signOutCheck func()
	listeners    []func(string, *auth.Session)
}

func (f *fakeAuth) CurrentSession(ctx context.Context) (*auth.Session, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-block:
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session, f.currentErr
}

func (f *fakeAuth) SignInWithPassword(ctx context.Context, email, password string) (*auth.Session, error) {
	f.mu.Lock()
	session := f.session
	f.mu.Unlock()
	if session == nil {
		return nil, auth.ErrUnauthorized
	}
	f.broadcast(auth.EventSignedIn, session)
	return session, nil
}

func (f *fakeAuth) SignUp(ctx context.Context, email, password string, seed auth.ProfileSeed) (auth.Identity, error) {
	return auth.Identity{ID: "new-identity", Email: email}, nil
}

func (f *fakeAuth) SignOut(ctx context.Context) error {
	f.mu.Lock()
	f.signOutCalls++
	check := f.signOutCheck
	f.session = nil
	f.mu.Unlock()
	if check != nil {
		check()
	}
	f.broadcast(auth.EventSignedOut, nil)
	return nil
}

func (f *fakeAuth) OnAuthStateChange(fn func(string, *auth.Session)) func() {
	f.mu.Lock()
	f.listeners = append(f.listeners, fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeAuth) broadcast(event string, session *auth.Session) {
	f.mu.Lock()
	fns := append(([]func(string, *auth.Session))(nil), f.listeners...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(event, session)
	}
}

func (f *fakeAuth) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signOutCalls
}

type fakeProfiles struct {
	mu   sync.Mutex
	rows map[string]loyalty.Profile
	err  error
	gate map[string]chan struct{} // per-identity fetch gate
}

func (f *fakeProfiles) FindWithRole(ctx context.Context, identityID string) (loyalty.Profile, error) {
	f.mu.Lock()
	gate := f.gate[identityID]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-ctx.Done():
			return loyalty.Profile{}, ctx.Err()
		case <-gate:
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return loyalty.Profile{}, f.err
	}
	p, ok := f.rows[identityID]
	if !ok {
		return loyalty.Profile{}, loyalty.ErrNotFound
	}
	return p, nil
}

func (f *fakeProfiles) UpdateBalance(ctx context.Context, identityID string, delta int64) (loyalty.Profile, error) {
	return f.FindWithRole(ctx, identityID)
}

type fakeMemberships struct {
	mu   sync.Mutex
	rows map[string]loyalty.Membership
	seq  int
}

func newFakeMemberships() *fakeMemberships {
	return &fakeMemberships{rows: make(map[string]loyalty.Membership)}
}

func (f *fakeMemberships) ListActiveByProfile(ctx context.Context, profileID string) ([]loyalty.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []loyalty.Membership
	for _, m := range f.rows {
		if m.ProfileID == profileID && m.Active {
			res = append(res, m)
		}
	}
	return res, nil
}

func (f *fakeMemberships) FindByProfileAndOrg(ctx context.Context, profileID, organizationID string) (loyalty.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.rows {
		if m.ProfileID == profileID && m.OrganizationID == organizationID {
			return m, nil
		}
	}
	return loyalty.Membership{}, loyalty.ErrNotFound
}

func (f *fakeMemberships) Insert(ctx context.Context, profileID, organizationID string) (loyalty.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	m := loyalty.Membership{
		ID:             fmt.Sprintf("m-%d", f.seq),
		ProfileID:      profileID,
		OrganizationID: organizationID,
		JoinedAt:       time.Now().UTC(),
		Active:         true,
	}
	f.rows[m.ID] = m
	return m, nil
}

func (f *fakeMemberships) Reactivate(ctx context.Context, membershipID string) (loyalty.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[membershipID]
	if !ok {
		return loyalty.Membership{}, loyalty.ErrNotFound
	}
	m.Active = true
	f.rows[membershipID] = m
	return m, nil
}

func (f *fakeMemberships) Deactivate(ctx context.Context, membershipID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[membershipID]
	if !ok {
		return loyalty.ErrNotFound
	}
	m.Active = false
	f.rows[membershipID] = m
	return nil
}

func (f *fakeMemberships) ApplyPoints(ctx context.Context, membershipID string, earned, redeemed int64) (loyalty.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[membershipID]
	if !ok {
		return loyalty.Membership{}, loyalty.ErrNotFound
	}
	m.AvailablePoints += earned - redeemed
	m.TotalPointsEarned += earned
	m.TotalPointsRedeemed += redeemed
	f.rows[membershipID] = m
	return m, nil
}

func (f *fakeMemberships) put(m loyalty.Membership) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[m.ID] = m
}

func (f *fakeMemberships) activeCount(profileID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.rows {
		if m.ProfileID == profileID && m.Active {
			n++
		}
	}
	return n
}

type fakeOrgs struct {
	list []loyalty.Organization
}

func (f *fakeOrgs) List(ctx context.Context) ([]loyalty.Organization, error) {
	return append([]loyalty.Organization(nil), f.list...), nil
}

type fakeDevices struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeDevices) Register(ctx context.Context, reg loyalty.DeviceRegistration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

// --- helpers ---------------------------------------------------------------

func testSession(identityID string) *auth.Session {
	return &auth.Session{
		Identity:        auth.Identity{ID: identityID, Email: identityID + "@x.com"},
		AccessToken:     "token-" + identityID,
		AccessExpiresAt: time.Now().Add(time.Hour),
	}
}

func beneficiaryProfile(identityID string) loyalty.Profile {
	return loyalty.Profile{
		ID:        identityID,
		FirstName: "A",
		LastName:  "B",
		Email:     identityID + "@x.com",
		RoleName:  loyalty.RoleBeneficiary,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

type deps struct {
	fa      *fakeAuth
	fp      *fakeProfiles
	fm      *fakeMemberships
	fo      *fakeOrgs
	fd      *fakeDevices
	stream  *realtime.Stream
	s       *Synchronizer
}

func newTestSync(t *testing.T, fa *fakeAuth) *deps {
	t.Helper()
	d := &deps{
		fa:     fa,
		fp:     &fakeProfiles{rows: make(map[string]loyalty.Profile)},
		fm:     newFakeMemberships(),
		fo:     &fakeOrgs{list: []loyalty.Organization{{ID: "org-1", Name: "Cafetería Luna"}}},
		fd:     &fakeDevices{},
		stream: realtime.New(),
	}
	d.s = New(fa, d.fp, d.fm, d.fo, d.fd, d.stream, Config{
		SessionTimeout: 200 * time.Millisecond,
		ResolveTimeout: 2 * time.Second,
	})
	t.Cleanup(d.s.Close)
	return d
}

// --- tests -----------------------------------------------------------------

func TestInitializeWithoutSession(t *testing.T) {
	d := newTestSync(t, &fakeAuth{})
	d.s.Initialize(context.Background())

	snap := d.s.Snapshot()
	if snap.Session != nil || snap.Profile != nil {
		t.Fatalf("expected empty state, got %+v", snap)
	}
	if snap.LoadingProfile {
		t.Fatal("loading must complete")
	}
	if snap.Memberships == nil || len(snap.Memberships) != 0 {
		t.Fatalf("expected empty ordered membership collection, got %v", snap.Memberships)
	}
}

func TestInitializeResolvesBeneficiaryAndSubscribes(t *testing.T) {
	fa := &fakeAuth{session: testSession("id-1")}
	d := newTestSync(t, fa)
	d.fp.rows["id-1"] = beneficiaryProfile("id-1")

	d.s.Initialize(context.Background())

	snap := d.s.Snapshot()
	if snap.Profile == nil || snap.Profile.ID != "id-1" {
		t.Fatalf("expected resolved profile, got %+v", snap.Profile)
	}
	if snap.Subscription != Subscribed {
		t.Fatalf("expected Subscribed, got %s", snap.Subscription)
	}
	if d.stream.Subscribers() != 1 {
		t.Fatalf("expected exactly one live subscription, got %d", d.stream.Subscribers())
	}
	if len(snap.Organizations) != 1 {
		t.Fatalf("expected catalog to be loaded, got %v", snap.Organizations)
	}
	waitFor(t, func() bool {
		d.fd.mu.Lock()
		defer d.fd.mu.Unlock()
		return d.fd.calls == 1
	})
}

func TestResolveProfileWrongRoleForcesSignOut(t *testing.T) {
	fa := &fakeAuth{session: testSession("id-1")}
	d := newTestSync(t, fa)
	merchant := beneficiaryProfile("id-1")
	merchant.RoleName = "merchant"
	d.fp.rows["id-1"] = merchant

	d.s.Initialize(context.Background())

	if fa.calls() != 1 {
		t.Fatalf("expected forced sign-out, got %d calls", fa.calls())
	}
	snap := d.s.Snapshot()
	if snap.Profile != nil || snap.Session != nil {
		t.Fatalf("expected cleared state, got %+v", snap)
	}
	if snap.LoadingProfile {
		t.Fatal("loading must complete on the unauthorized path")
	}
}

func TestResolveProfileMissingRowForcesSignOut(t *testing.T) {
	fa := &fakeAuth{session: testSession("id-ghost")}
	d := newTestSync(t, fa)

	d.s.Initialize(context.Background())

	if fa.calls() != 1 {
		t.Fatalf("expected forced sign-out, got %d calls", fa.calls())
	}
	if snap := d.s.Snapshot(); snap.Profile != nil {
		t.Fatalf("expected no profile, got %+v", snap.Profile)
	}
}

func TestDeviceRegistrationFailureDoesNotFailAuth(t *testing.T) {
	fa := &fakeAuth{session: testSession("id-1")}
	d := newTestSync(t, fa)
	d.fp.rows["id-1"] = beneficiaryProfile("id-1")
	d.fd.err = fmt.Errorf("push gateway down")

	d.s.Initialize(context.Background())

	snap := d.s.Snapshot()
	if snap.Profile == nil {
		t.Fatal("profile resolution must survive device registration failure")
	}
	if fa.calls() != 0 {
		t.Fatal("device failure must not force a sign-out")
	}
}

func TestSessionRetrievalTimeoutFailsClosed(t *testing.T) {
	fa := &fakeAuth{session: testSession("id-1"), block: make(chan struct{})}
	d := newTestSync(t, fa)
	d.fp.rows["id-1"] = beneficiaryProfile("id-1")

	done := make(chan struct{})
	go func() {
		d.s.Initialize(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Initialize hung past its bounded wait")
	}

	snap := d.s.Snapshot()
	if snap.LoadingProfile {
		t.Fatal("loading flag stuck after timeout")
	}
	if snap.Session != nil || snap.Profile != nil {
		t.Fatalf("expected empty state after timeout, got %+v", snap)
	}
}

func TestStaleResolutionIsDiscarded(t *testing.T) {
	fa := &fakeAuth{session: testSession("id-old")}
	d := newTestSync(t, fa)
	d.fp.rows["id-old"] = beneficiaryProfile("id-old")
	d.fp.rows["id-new"] = beneficiaryProfile("id-new")

	gate := make(chan struct{})
	d.fp.mu.Lock()
	d.fp.gate = map[string]chan struct{}{"id-old": gate}
	d.fp.mu.Unlock()

	go d.s.Initialize(context.Background())

	// Let the listener land, then switch sessions while the first
	// resolution is still blocked on the gate.
	waitFor(t, func() bool {
		fa.mu.Lock()
		defer fa.mu.Unlock()
		return len(fa.listeners) == 1
	})
	fa.mu.Lock()
	fa.session = testSession("id-new")
	fa.mu.Unlock()
	fa.broadcast(auth.EventSignedIn, testSession("id-new"))

	waitFor(t, func() bool {
		snap := d.s.Snapshot()
		return snap.Profile != nil && snap.Profile.ID == "id-new"
	})

	close(gate) // stale resolution completes now; its result must be discarded

	time.Sleep(50 * time.Millisecond)
	if snap := d.s.Snapshot(); snap.Profile == nil || snap.Profile.ID != "id-new" {
		t.Fatalf("stale resolution overwrote fresh state: %+v", snap.Profile)
	}
}

func TestSignInVerifiesRoleBeforeReturning(t *testing.T) {
	fa := &fakeAuth{session: testSession("id-1")}
	d := newTestSync(t, fa)
	wrong := beneficiaryProfile("id-1")
	wrong.RoleName = "staff"
	d.fp.rows["id-1"] = wrong

	err := d.s.SignIn(context.Background(), "id-1@x.com", "secret1")
	if err != loyalty.ErrNotBeneficiary {
		t.Fatalf("expected ErrNotBeneficiary, got %v", err)
	}
	if fa.calls() == 0 {
		t.Fatal("expected forced sign-out after failed verification")
	}
}

func TestSignUpSucceedsBeforeProfileMaterializes(t *testing.T) {
	d := newTestSync(t, &fakeAuth{})
	err := d.s.SignUp(context.Background(), "a@x.com", "secret1", auth.ProfileSeed{FirstName: "A", LastName: "B"})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
}

func TestJoinOrganizationRequiresProfile(t *testing.T) {
	d := newTestSync(t, &fakeAuth{})
	d.s.Initialize(context.Background())
	if err := d.s.JoinOrganization(context.Background(), "org-1"); err != loyalty.ErrNotAuthenticated {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestJoinOrganizationDoubleSubmission(t *testing.T) {
	fa := &fakeAuth{session: testSession("id-1")}
	d := newTestSync(t, fa)
	d.fp.rows["id-1"] = beneficiaryProfile("id-1")
	d.s.Initialize(context.Background())

	if err := d.s.JoinOrganization(context.Background(), "org-1"); err != nil {
		t.Fatalf("first join: %v", err)
	}
	if err := d.s.JoinOrganization(context.Background(), "org-1"); err != loyalty.ErrAlreadyMember {
		t.Fatalf("second join: expected ErrAlreadyMember, got %v", err)
	}
	if n := d.fm.activeCount("id-1"); n != 1 {
		t.Fatalf("expected exactly one active row, got %d", n)
	}
	snap := d.s.Snapshot()
	if len(snap.Memberships) != 1 {
		t.Fatalf("expected membership list refreshed to one row, got %d", len(snap.Memberships))
	}
}

func TestRejoinPreservesCounters(t *testing.T) {
	fa := &fakeAuth{session: testSession("id-1")}
	d := newTestSync(t, fa)
	d.fp.rows["id-1"] = beneficiaryProfile("id-1")
	d.fm.put(loyalty.Membership{
		ID:                  "m-old",
		ProfileID:           "id-1",
		OrganizationID:      "org-1",
		AvailablePoints:     120,
		TotalPointsEarned:   500,
		TotalPointsRedeemed: 380,
		JoinedAt:            time.Now().Add(-24 * time.Hour),
		Active:              false,
	})
	d.s.Initialize(context.Background())

	if err := d.s.JoinOrganization(context.Background(), "org-1"); err != nil {
		t.Fatalf("rejoin: %v", err)
	}

	snap := d.s.Snapshot()
	if len(snap.Memberships) != 1 {
		t.Fatalf("expected one membership, got %d", len(snap.Memberships))
	}
	m := snap.Memberships[0]
	if m.ID != "m-old" {
		t.Fatalf("rejoin must reuse the historical row, got %s", m.ID)
	}
	if m.TotalPointsEarned != 500 || m.TotalPointsRedeemed != 380 {
		t.Fatalf("counters reset on reactivation: %+v", m)
	}
}

func TestSignOutClosesSubscriptionBeforeClearingState(t *testing.T) {
	fa := &fakeAuth{session: testSession("id-1")}
	d := newTestSync(t, fa)
	d.fp.rows["id-1"] = beneficiaryProfile("id-1")
	d.s.Initialize(context.Background())

	if d.stream.Subscribers() != 1 {
		t.Fatalf("expected a live subscription before sign-out")
	}

	fa.mu.Lock()
	fa.signOutCheck = func() {
		// Invoked at session invalidation time: the channel must already be
		// closed while local profile state is still present.
		if d.stream.Subscribers() != 0 {
			t.Error("subscription still live when session was invalidated")
		}
		if snap := d.s.Snapshot(); snap.Profile == nil {
			t.Error("state cleared before session invalidation")
		}
	}
	fa.mu.Unlock()

	if err := d.s.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut: %v", err)
	}

	snap := d.s.Snapshot()
	if snap.Session != nil || snap.Profile != nil || len(snap.Memberships) != 0 {
		t.Fatalf("expected cleared state after sign-out, got %+v", snap)
	}
	if snap.Subscription == Subscribed {
		t.Fatal("subscription state must not report Subscribed after sign-out")
	}
}

func TestUpdateEventPatchesOnlyCounters(t *testing.T) {
	fa := &fakeAuth{session: testSession("id-1")}
	d := newTestSync(t, fa)
	d.fp.rows["id-1"] = beneficiaryProfile("id-1")
	joined := time.Now().Add(-time.Hour).UTC()
	d.fm.put(loyalty.Membership{
		ID: "m-1", ProfileID: "id-1", OrganizationID: "org-1",
		AvailablePoints: 10, TotalPointsEarned: 10, JoinedAt: joined, Active: true,
	})
	d.fm.put(loyalty.Membership{
		ID: "m-2", ProfileID: "id-1", OrganizationID: "org-2",
		AvailablePoints: 7, TotalPointsEarned: 7, JoinedAt: joined.Add(time.Minute), Active: true,
	})
	d.s.Initialize(context.Background())

	d.stream.Publish(realtime.Event{
		Kind:      realtime.EventUpdate,
		ProfileID: "id-1",
		Membership: loyalty.Membership{
			ID: "m-1", ProfileID: "id-1", OrganizationID: "org-1",
			AvailablePoints: 60, TotalPointsEarned: 60, TotalPointsRedeemed: 0,
			JoinedAt: time.Now().UTC(), // non-counter fields must be ignored
			Active:   true,
		},
	})

	waitFor(t, func() bool {
		for _, m := range d.s.Snapshot().Memberships {
			if m.ID == "m-1" && m.AvailablePoints == 60 {
				return true
			}
		}
		return false
	})

	for _, m := range d.s.Snapshot().Memberships {
		switch m.ID {
		case "m-1":
			if !m.JoinedAt.Equal(joined) {
				t.Fatalf("non-counter field was overwritten: %v", m.JoinedAt)
			}
			if m.TotalPointsEarned != 60 {
				t.Fatalf("counter not patched: %+v", m)
			}
		case "m-2":
			if m.AvailablePoints != 7 || m.TotalPointsEarned != 7 {
				t.Fatalf("unrelated membership was touched: %+v", m)
			}
		}
	}
}

func TestInsertEventTriggersRefetch(t *testing.T) {
	fa := &fakeAuth{session: testSession("id-1")}
	d := newTestSync(t, fa)
	d.fp.rows["id-1"] = beneficiaryProfile("id-1")
	d.s.Initialize(context.Background())

	row := loyalty.Membership{
		ID: "m-9", ProfileID: "id-1", OrganizationID: "org-9",
		JoinedAt: time.Now().UTC(), Active: true,
	}
	d.fm.put(row)
	d.stream.Publish(realtime.Event{Kind: realtime.EventInsert, ProfileID: "id-1", Membership: row})

	waitFor(t, func() bool {
		snap := d.s.Snapshot()
		return len(snap.Memberships) == 1 && snap.Memberships[0].ID == "m-9"
	})
}

func TestDeleteEventTriggersRefetch(t *testing.T) {
	fa := &fakeAuth{session: testSession("id-1")}
	d := newTestSync(t, fa)
	d.fp.rows["id-1"] = beneficiaryProfile("id-1")
	row := loyalty.Membership{
		ID: "m-1", ProfileID: "id-1", OrganizationID: "org-1",
		JoinedAt: time.Now().UTC(), Active: true,
	}
	d.fm.put(row)
	d.s.Initialize(context.Background())

	waitFor(t, func() bool { return len(d.s.Snapshot().Memberships) == 1 })

	if err := d.fm.Deactivate(context.Background(), "m-1"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	row.Active = false
	d.stream.Publish(realtime.Event{Kind: realtime.EventDelete, ProfileID: "id-1", Membership: row})

	waitFor(t, func() bool { return len(d.s.Snapshot().Memberships) == 0 })
}

func TestRefreshOrganizationsWithoutProfileIsNoOp(t *testing.T) {
	d := newTestSync(t, &fakeAuth{})
	d.s.Initialize(context.Background())
	if err := d.s.RefreshOrganizations(context.Background()); err != nil {
		t.Fatalf("expected no-op without profile, got %v", err)
	}
}

func TestSubscriptionErrorStateOnChannelLoss(t *testing.T) {
	fa := &fakeAuth{session: testSession("id-1")}
	d := newTestSync(t, fa)
	d.fp.rows["id-1"] = beneficiaryProfile("id-1")
	d.s.Initialize(context.Background())

	// Closing the channel out from under the synchronizer simulates a
	// transport failure; the state machine must report Error, not Subscribed.
	d.stream.CloseAll()

	waitFor(t, func() bool { return d.s.Snapshot().Subscription == SubscriptionError })
}
