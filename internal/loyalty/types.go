package loyalty

import (
	"errors"
	"time"
)

// RoleBeneficiary is the single role recognized by this client. A profile
// whose role resolves to anything else is not authorized here.
const RoleBeneficiary = "beneficiary"

// Profile is the domain user record, keyed by the auth identity id.
type Profile struct {
	ID            string    `json:"id"`
	FirstName     string    `json:"first_name"`
	LastName      string    `json:"last_name"`
	Email         string    `json:"email"`
	Phone         string    `json:"phone,omitempty"`
	PointsBalance int64     `json:"points_balance"`
	RoleID        string    `json:"role_id"`
	RoleName      string    `json:"role_name"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// IsBeneficiary reports whether the profile carries the recognized role.
func (p Profile) IsBeneficiary() bool { return p.RoleName == RoleBeneficiary }

// Membership ties one profile to one organization. Point counters are
// mutated by backend accrual/redemption; leaving is a soft delete (Active
// flips to false, the row and its counters are retained).
type Membership struct {
	ID                  string    `json:"id"`
	ProfileID           string    `json:"profile_id"`
	OrganizationID      string    `json:"organization_id"`
	AvailablePoints     int64     `json:"available_points"`
	TotalPointsEarned   int64     `json:"total_points_earned"`
	TotalPointsRedeemed int64     `json:"total_points_redeemed"`
	JoinedAt            time.Time `json:"joined_at"`
	Active              bool      `json:"active"`
}

// Organization is a merchant/tenant in the loyalty program. Read-only from
// the synchronizer's perspective.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	LegalName string    `json:"legal_name,omitempty"`
	TaxID     string    `json:"tax_id,omitempty"`
	LogoURL   string    `json:"logo_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DeviceRegistration records a push-notification token for a profile.
type DeviceRegistration struct {
	ProfileID    string    `json:"profile_id"`
	Token        string    `json:"token"`
	Platform     string    `json:"platform"`
	RegisteredAt time.Time `json:"registered_at"`
}

var (
	ErrNotFound         = errors.New("not found")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrAlreadyMember    = errors.New("already a member of this organization")
	ErrNotBeneficiary   = errors.New("account not valid for this client")
)
