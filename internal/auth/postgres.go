package auth

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"puntosclub.org/internal/ids"
	"puntosclub.org/internal/loyalty"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Identities(context.Context) IdentityStore {
	return &identityStore{db: s.db}
}
func (s *PGStore) RefreshTokens(context.Context) RefreshTokenStore {
	return &refreshTokenStore{db: s.db}
}

// Identity store ------------------------------------------------------------
type identityStore struct{ db *sql.DB }

// Create inserts the identity and its profile row in one transaction. The
// profile gets the beneficiary role; this is the "backend trigger" of the
// managed platform made explicit.
func (s *identityStore) Create(ctx context.Context, identity *Identity, seed ProfileSeed) error {
	if identity.ID == "" {
		identity.ID = ids.New()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`insert into identities(id, email, password_hash, status) values($1,$2,$3,$4)`,
		identity.ID, identity.Email, identity.PasswordHash, identity.Status,
	); err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}

	var roleID string
	if err := tx.QueryRowContext(ctx,
		`select id from roles where name=$1`, loyalty.RoleBeneficiary,
	).Scan(&roleID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`insert into profiles(id, first_name, last_name, email, phone, points_balance, role_id)
		 values($1,$2,$3,$4,$5,0,$6)`,
		identity.ID, seed.FirstName, seed.LastName, identity.Email, seed.Phone, roleID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *identityStore) Find(ctx context.Context, id string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, email, password_hash, status, created_at, updated_at from identities where id=$1`, id)
	return scanIdentity(row)
}

func (s *identityStore) FindByEmail(ctx context.Context, email string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, email, password_hash, status, created_at, updated_at from identities where email=$1`, email)
	return scanIdentity(row)
}

func scanIdentity(row *sql.Row) (*Identity, error) {
	var identity Identity
	if err := row.Scan(&identity.ID, &identity.Email, &identity.PasswordHash,
		&identity.Status, &identity.CreatedAt, &identity.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &identity, nil
}

// Refresh token store -------------------------------------------------------
type refreshTokenStore struct{ db *sql.DB }

func (s *refreshTokenStore) Create(ctx context.Context, tok *RefreshToken) error {
	if tok.ID == "" {
		tok.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into refresh_tokens(id, identity_id, token_hash, expires_at) values($1,$2,$3,$4)`,
		tok.ID, tok.IdentityID, tok.TokenHash, tok.ExpiresAt,
	)
	return err
}

func (s *refreshTokenStore) Find(ctx context.Context, id string) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, identity_id, token_hash, expires_at, created_at, revoked from refresh_tokens where id=$1`, id)
	var tok RefreshToken
	if err := row.Scan(&tok.ID, &tok.IdentityID, &tok.TokenHash,
		&tok.ExpiresAt, &tok.CreatedAt, &tok.Revoked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &tok, nil
}

func (s *refreshTokenStore) MarkRevoked(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true where id=$1`, id)
	return err
}

func (s *refreshTokenStore) MarkRevokedByIdentity(ctx context.Context, identityID string) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true where identity_id=$1`, identityID)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
