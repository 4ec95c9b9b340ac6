package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"puntosclub.org/internal/ids"
	"puntosclub.org/internal/loyalty"
	"puntosclub.org/internal/realtime"
)

// Store implements the loyalty store interfaces over PostgreSQL. Membership
// writes publish full-row change events into the realtime stream after the
// write commits, which is what lets subscribers patch counters in place.
type Store struct {
	db     *sql.DB
	stream *realtime.Stream
}

var (
	_ loyalty.ProfileStore      = (*Store)(nil)
	_ loyalty.MembershipStore   = (*Store)(nil)
	_ loyalty.OrganizationStore = (*Store)(nil)
	_ loyalty.DeviceStore       = (*Store)(nil)
)

func Open(dsn string, stream *realtime.Stream) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db, stream: stream}, nil
}

// NewStore wraps an existing handle (used by tests with sqlmock).
func NewStore(db *sql.DB, stream *realtime.Stream) *Store {
	return &Store{db: db, stream: stream}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Profiles -------------------------------------------------------------------

const profileColumns = `p.id, p.first_name, p.last_name, p.email, p.phone,
	p.points_balance, p.role_id, r.name, p.created_at, p.updated_at`

func (s *Store) FindWithRole(ctx context.Context, identityID string) (loyalty.Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+profileColumns+`
		from profiles p
		join roles r on r.id = p.role_id
		where p.id = $1
	`, identityID)
	return scanProfile(row)
}

func (s *Store) UpdateBalance(ctx context.Context, identityID string, delta int64) (loyalty.Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		update profiles p
		set points_balance = points_balance + $2, updated_at = now()
		from roles r
		where p.id = $1 and r.id = p.role_id
		returning `+profileColumns+`
	`, identityID, delta)
	return scanProfile(row)
}

func scanProfile(row *sql.Row) (loyalty.Profile, error) {
	var p loyalty.Profile
	var phone sql.NullString
	err := row.Scan(&p.ID, &p.FirstName, &p.LastName, &p.Email, &phone,
		&p.PointsBalance, &p.RoleID, &p.RoleName, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.Profile{}, loyalty.ErrNotFound
	}
	if err != nil {
		return loyalty.Profile{}, err
	}
	if phone.Valid {
		p.Phone = phone.String
	}
	return p, nil
}

// Memberships ----------------------------------------------------------------

const membershipColumns = `id, profile_id, organization_id, available_points,
	total_points_earned, total_points_redeemed, joined_at, active`

func (s *Store) ListActiveByProfile(ctx context.Context, profileID string) ([]loyalty.Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+membershipColumns+`
		from memberships
		where profile_id = $1 and active
		order by joined_at asc
	`, profileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []loyalty.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (s *Store) FindByProfileAndOrg(ctx context.Context, profileID, organizationID string) (loyalty.Membership, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+membershipColumns+`
		from memberships
		where profile_id = $1 and organization_id = $2
	`, profileID, organizationID)
	m, err := scanMembership(row)
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.Membership{}, loyalty.ErrNotFound
	}
	return m, err
}

func (s *Store) Insert(ctx context.Context, profileID, organizationID string) (loyalty.Membership, error) {
	row := s.db.QueryRowContext(ctx, `
		insert into memberships(id, profile_id, organization_id, available_points,
			total_points_earned, total_points_redeemed, active)
		values($1,$2,$3,0,0,0,true)
		returning `+membershipColumns+`
	`, ids.New(), profileID, organizationID)
	m, err := scanMembership(row)
	if err != nil {
		return loyalty.Membership{}, err
	}
	s.publish(realtime.EventInsert, m)
	return m, nil
}

func (s *Store) Reactivate(ctx context.Context, membershipID string) (loyalty.Membership, error) {
	row := s.db.QueryRowContext(ctx, `
		update memberships set active = true
		where id = $1
		returning `+membershipColumns+`
	`, membershipID)
	m, err := scanMembership(row)
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.Membership{}, loyalty.ErrNotFound
	}
	if err != nil {
		return loyalty.Membership{}, err
	}
	s.publish(realtime.EventInsert, m)
	return m, nil
}

func (s *Store) Deactivate(ctx context.Context, membershipID string) error {
	row := s.db.QueryRowContext(ctx, `
		update memberships set active = false
		where id = $1
		returning `+membershipColumns+`
	`, membershipID)
	m, err := scanMembership(row)
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.ErrNotFound
	}
	if err != nil {
		return err
	}
	s.publish(realtime.EventDelete, m)
	return nil
}

func (s *Store) ApplyPoints(ctx context.Context, membershipID string, earned, redeemed int64) (loyalty.Membership, error) {
	row := s.db.QueryRowContext(ctx, `
		update memberships
		set available_points = available_points + $2 - $3,
			total_points_earned = total_points_earned + $2,
			total_points_redeemed = total_points_redeemed + $3
		where id = $1 and active
		returning `+membershipColumns+`
	`, membershipID, earned, redeemed)
	m, err := scanMembership(row)
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.Membership{}, loyalty.ErrNotFound
	}
	if err != nil {
		return loyalty.Membership{}, err
	}
	s.publish(realtime.EventUpdate, m)
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMembership(row rowScanner) (loyalty.Membership, error) {
	var m loyalty.Membership
	err := row.Scan(&m.ID, &m.ProfileID, &m.OrganizationID, &m.AvailablePoints,
		&m.TotalPointsEarned, &m.TotalPointsRedeemed, &m.JoinedAt, &m.Active)
	return m, err
}

func (s *Store) publish(kind realtime.EventKind, m loyalty.Membership) {
	if s.stream == nil {
		return
	}
	s.stream.Publish(realtime.Event{
		Kind:       kind,
		ProfileID:  m.ProfileID,
		Membership: m,
	})
}

// Organizations --------------------------------------------------------------

func (s *Store) List(ctx context.Context) ([]loyalty.Organization, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, coalesce(legal_name,''), coalesce(tax_id,''), coalesce(logo_url,''), created_at
		from organizations
		order by name asc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []loyalty.Organization
	for rows.Next() {
		var org loyalty.Organization
		if err := rows.Scan(&org.ID, &org.Name, &org.LegalName, &org.TaxID, &org.LogoURL, &org.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, org)
	}
	return res, rows.Err()
}

// Devices --------------------------------------------------------------------

func (s *Store) Register(ctx context.Context, reg loyalty.DeviceRegistration) error {
	_, err := s.db.ExecContext(ctx, `
		insert into device_registrations(profile_id, token, platform)
		values($1,$2,$3)
		on conflict (profile_id, token) do update set platform = excluded.platform
	`, reg.ProfileID, reg.Token, reg.Platform)
	return err
}
