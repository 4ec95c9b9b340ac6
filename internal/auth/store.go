package auth

import "context"

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Identities(ctx context.Context) IdentityStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
}

// IdentityStore manages identities. Create materializes the domain profile
// row in the same transaction as the identity, so there is never a window
// where an identity exists without its profile.
type IdentityStore interface {
	Create(ctx context.Context, identity *Identity, seed ProfileSeed) error
	Find(ctx context.Context, id string) (*Identity, error)
	FindByEmail(ctx context.Context, email string) (*Identity, error)
}

// RefreshTokenStore manages refresh token lifecycle.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	Find(ctx context.Context, id string) (*RefreshToken, error)
	MarkRevoked(ctx context.Context, id string) error
	MarkRevokedByIdentity(ctx context.Context, identityID string) error
}
