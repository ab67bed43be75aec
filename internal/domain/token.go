package domain

import "time"

// TokenStatus tracks the single-use lifecycle of a login token.
type TokenStatus string

const (
	TokenIssued   TokenStatus = "issued"
	TokenConsumed TokenStatus = "consumed"
)

// LoginToken represents one successful authentication pending exchange.
// CallbackURL and Permissions are snapshots taken at issuance; later
// changes to the application's configuration must not alter them.
type LoginToken struct {
	ID             int64
	Token          string
	UserUUID       string
	AppID          string
	Status         TokenStatus
	LoginMethod    string
	LoginIP        string
	ValidityPeriod int
	ExpiresAt      time.Time
	CallbackURL    string
	Permissions    []string
	ExtraInfo      string
	CreatedAt      time.Time
}

// Expired reports whether the token is past its expiry at the given time.
func (t *LoginToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// AccessGrant persists the refresh-token grant minted when a login token
// is exchanged.
type AccessGrant struct {
	ID           int64
	AppID        string
	OpenID       string
	UserUUID     string
	AccessToken  string
	RefreshToken string
	Permissions  []string
	ExpiresAt    time.Time
	Revoked      bool
	CreatedAt    time.Time
}

// SigningKey stores an HS256 signing secret. Scope is either an app_id
// (relying-app access tokens) or "platform" (broker session tokens).
type SigningKey struct {
	ID        int64
	Scope     string
	KID       string
	Secret    []byte
	Algorithm string
	IsActive  bool
	CreatedAt time.Time
	RotatedAt *time.Time
}

// PlatformKeyScope is the reserved signing-key scope for broker sessions.
const PlatformKeyScope = "platform"
