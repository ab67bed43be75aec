package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/valora-broker/internal/domain"
	"github.com/smallbiznis/valora-broker/internal/domain/oauth"
)

// ErrNotFound is returned by repositories when no row matched.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict is returned when an insert hits a uniqueness constraint.
var ErrConflict = errors.New("repository: conflict")

// AppRepository reads relying-application configuration rows.
type AppRepository interface {
	GetByAppID(ctx context.Context, appID string) (domain.Application, error)
	Create(ctx context.Context, app domain.Application) (domain.Application, error)
}

// UserRepository reads platform accounts from the user directory.
type UserRepository interface {
	GetByUUID(ctx context.Context, userUUID string) (domain.User, error)
	GetByAccount(ctx context.Context, account string) (domain.User, error)
}

// LoginTokenRepository persists login tokens. Consume must be a single
// conditional update so two concurrent exchanges cannot both win.
type LoginTokenRepository interface {
	Insert(ctx context.Context, token domain.LoginToken) (domain.LoginToken, error)
	// Consume atomically flips an issued, unexpired token to consumed and
	// returns it. ErrNotFound means no issued-and-live row matched;
	// callers classify why via Get.
	Consume(ctx context.Context, token string, now time.Time) (domain.LoginToken, error)
	Get(ctx context.Context, token string) (domain.LoginToken, error)
}

// OpenIDRepository persists per-(user, app) pseudonymous identifiers.
// Insert surfaces ErrConflict on the (user_uuid, app_id) uniqueness
// constraint so the service can refetch the winner.
type OpenIDRepository interface {
	Get(ctx context.Context, userUUID, appID string) (domain.OpenIDMapping, error)
	GetByOpenID(ctx context.Context, openID, appID string) (domain.OpenIDMapping, error)
	Insert(ctx context.Context, mapping domain.OpenIDMapping) (domain.OpenIDMapping, error)
	Update(ctx context.Context, openID, appID string, tags, groupName *string) error
}

// BindingRepository persists third-party identity bindings. Bind runs its
// exclusivity checks and the upsert inside one transaction.
type BindingRepository interface {
	GetByProviderUserID(ctx context.Context, provider, providerUserID string) (domain.ThirdPartyBinding, error)
	GetBoundByUser(ctx context.Context, provider, userUUID string) (domain.ThirdPartyBinding, error)
	// UpsertUnbound records or refreshes an unbound provider identity.
	UpsertUnbound(ctx context.Context, binding domain.ThirdPartyBinding) (domain.ThirdPartyBinding, error)
	// Bind links the provider identity to the user, failing with
	// domain.ErrAlreadyBound or domain.ErrUserHasBinding when the
	// exclusivity invariants would be violated.
	Bind(ctx context.Context, provider, providerUserID, userUUID string, profile oauth.Profile, accessToken string) error
	// RefreshLogin updates the profile snapshot and last login stamp.
	RefreshLogin(ctx context.Context, provider, providerUserID string, profile oauth.Profile, accessToken string, at time.Time) error
	// Unbind detaches the provider identity from its user. The row stays,
	// unbound, so a later callback still recognizes the identity.
	Unbind(ctx context.Context, provider, providerUserID string) error
}

// ProviderConfigRepository reads platform OAuth client registrations.
type ProviderConfigRepository interface {
	GetProvider(ctx context.Context, provider string) (oauth.ProviderConfig, error)
}

// AccessGrantRepository persists refresh-token grants minted at exchange.
type AccessGrantRepository interface {
	Create(ctx context.Context, grant domain.AccessGrant) (domain.AccessGrant, error)
	GetByRefreshToken(ctx context.Context, appID, refreshToken string) (domain.AccessGrant, error)
	RotateRefreshToken(ctx context.Context, grantID int64, refreshToken string, expiresAt time.Time) error
	Revoke(ctx context.Context, grantID int64) error
}

// KeyRepository stores signing keys per scope (app_id or "platform").
type KeyRepository interface {
	GetActiveKey(ctx context.Context, scope string) (domain.SigningKey, error)
	CreateKey(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error)
}

// StateStore persists short-lived OAuth flow state keyed by the state
// value. Consume must remove the entry in the same operation that reads
// it so a replayed state never resolves twice.
type StateStore interface {
	SaveState(ctx context.Context, state oauth.FlowState, ttl time.Duration) error
	ConsumeState(ctx context.Context, state string) (*oauth.FlowState, error)
}

// LoginCodeStore persists one-shot login verification codes.
type LoginCodeStore interface {
	SaveCode(ctx context.Context, target, codeHash string, ttl time.Duration) error
	ConsumeCode(ctx context.Context, target string) (string, error)
}
