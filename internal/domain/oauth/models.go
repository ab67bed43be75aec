package oauth

import "time"

// FlowMode disambiguates why a provider authorization was started.
type FlowMode string

const (
	ModeLogin FlowMode = "login"
	ModeBind  FlowMode = "bind"
	// ModePendingBind marks a one-shot ticket minted when a login-mode
	// callback hits an unbound provider identity. Redeeming it completes
	// the bind after the user authenticates with a platform account.
	ModePendingBind FlowMode = "pending_bind"
)

// ProviderConfig stores the platform's OAuth client registration for one
// social provider. The redirect URL is the broker's own callback, fixed
// per provider; relying-app callbacks never reach the provider.
type ProviderConfig struct {
	Provider     string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	ProfileURL   string
	Scopes       []string
	Enabled      bool
	Extra        map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// FlowState carries the full context needed to resume a flow after the
// provider redirect. It is keyed by the state value itself, not by a
// client session, so callbacks may land on any backend instance.
type FlowState struct {
	State       string   `json:"state"`
	Mode        FlowMode `json:"mode"`
	Provider    string   `json:"provider"`
	AppID       string   `json:"app_id,omitempty"`
	CallbackURL string   `json:"callback_url,omitempty"`
	Permissions string   `json:"permissions,omitempty"`
	StateCode   string   `json:"state_code,omitempty"`
	UserUUID    string   `json:"user_uuid,omitempty"`

	// ProviderUserID is set on pending-bind tickets only.
	ProviderUserID string `json:"provider_user_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TokenResponse models a provider token endpoint reply.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	TokenType    string
	Scope        string
	OpenID       string
	Raw          map[string]any
}

// Profile is the normalized identity a provider reports for its user.
type Profile struct {
	ProviderUserID string
	Nickname       string
	AvatarURL      string
	Email          string
	Raw            map[string]any
}
