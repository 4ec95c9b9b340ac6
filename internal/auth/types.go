package auth

import "time"

// Identity is the authenticated principal owned by the auth subsystem.
// Profile fields captured at sign-up travel as metadata so the store can
// materialize the domain profile in the same transaction.
type Identity struct {
	ID           string
	Email        string
	PasswordHash string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const (
	IdentityStatusActive   = "active"
	IdentityStatusDisabled = "disabled"
)

// ProfileSeed carries the sign-up metadata the store turns into a profile row.
type ProfileSeed struct {
	FirstName string
	LastName  string
	Phone     string
}

// Session is the credential pair bound to one identity. Consumers outside
// this package hold it read-only.
type Session struct {
	Identity         Identity
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Valid reports whether the access token is still within its lifetime.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && s.AccessToken != "" && now.Before(s.AccessExpiresAt)
}

// RefreshToken is a persisted, hashed refresh credential.
type RefreshToken struct {
	ID         string
	IdentityID string
	TokenHash  string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	Revoked    bool
}

// Auth state change events broadcast by the Client.
const (
	EventSignedIn       = "SIGNED_IN"
	EventTokenRefreshed = "TOKEN_REFRESHED"
	EventSignedOut      = "SIGNED_OUT"
)
