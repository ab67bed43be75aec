package domain

import "time"

// BindStatus reflects whether a provider identity is linked to a
// platform account.
type BindStatus int

const (
	BindUnbound BindStatus = 0
	BindBound   BindStatus = 1
)

// ThirdPartyBinding links one provider's user id to a platform account.
// A row is created unbound on the first-ever callback for an unknown
// provider id and flips to bound only through the explicit bind flow.
type ThirdPartyBinding struct {
	ID             int64
	Provider       string
	ProviderUserID string
	UserUUID       string
	BindStatus     BindStatus
	Nickname       string
	AvatarURL      string
	Email          string
	AccessToken    string
	LastLoginAt    time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Bound reports whether the binding is attached to a live platform account.
func (b *ThirdPartyBinding) Bound() bool {
	return b != nil && b.BindStatus == BindBound && b.UserUUID != ""
}
