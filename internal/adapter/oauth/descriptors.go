package oauth

import "strings"

// TokenAuthStyle selects how the profile endpoint receives the access token.
type TokenAuthStyle int

const (
	// AuthHeader sends "Authorization: Bearer <token>" (GitHub style).
	AuthHeader TokenAuthStyle = iota
	// AuthQuery sends access_token (plus identifiers) as query params
	// (Weibo/QQ/WeChat style).
	AuthQuery
)

// Descriptor captures the per-provider wire differences so every provider
// runs through one client and one bridge: field names for the provider's
// user id and profile data, plus how calls are authenticated. A provider
// is configuration plus this mapping, nothing more.
type Descriptor struct {
	Name string

	// ProfileAuth selects the token transport for the profile call.
	ProfileAuth TokenAuthStyle

	// TokenResponseIDField names a provider user id carried in the token
	// response itself (QQ/WeChat return openid there; empty otherwise).
	TokenResponseIDField string

	// ProfileIDFields are tried in order against the profile payload.
	ProfileIDFields []string
	NicknameFields  []string
	AvatarFields    []string
	EmailFields     []string

	// ProfileIDParam names the query parameter the profile endpoint wants
	// the provider user id echoed into (e.g. WeChat "openid"). Empty when
	// the endpoint identifies the user from the token alone.
	ProfileIDParam string

	// ExtraTokenParams are appended to the code-exchange request.
	ExtraTokenParams map[string]string
}

var descriptors = map[string]Descriptor{
	"github": {
		Name:            "github",
		ProfileAuth:     AuthHeader,
		ProfileIDFields: []string{"id"},
		NicknameFields:  []string{"name", "login"},
		AvatarFields:    []string{"avatar_url"},
		EmailFields:     []string{"email"},
	},
	"weibo": {
		Name:                 "weibo",
		ProfileAuth:          AuthQuery,
		TokenResponseIDField: "uid",
		ProfileIDFields:      []string{"idstr", "id"},
		NicknameFields:       []string{"screen_name", "name"},
		AvatarFields:         []string{"avatar_large", "profile_image_url"},
		EmailFields:          []string{"email"},
		ProfileIDParam:       "uid",
	},
	"qq": {
		Name:                 "qq",
		ProfileAuth:          AuthQuery,
		TokenResponseIDField: "openid",
		ProfileIDFields:      []string{"openid"},
		NicknameFields:       []string{"nickname"},
		AvatarFields:         []string{"figureurl_qq_2", "figureurl_qq_1"},
		ProfileIDParam:       "openid",
		ExtraTokenParams:     map[string]string{"fmt": "json"},
	},
	"wechat": {
		Name:                 "wechat",
		ProfileAuth:          AuthQuery,
		TokenResponseIDField: "openid",
		ProfileIDFields:      []string{"unionid", "openid"},
		NicknameFields:       []string{"nickname"},
		AvatarFields:         []string{"headimgurl"},
		ProfileIDParam:       "openid",
	},
}

// DescriptorFor returns the wire mapping for a provider name.
func DescriptorFor(provider string) (Descriptor, bool) {
	d, ok := descriptors[strings.ToLower(strings.TrimSpace(provider))]
	return d, ok
}

// Providers lists the provider names this build understands.
func Providers() []string {
	names := make([]string, 0, len(descriptors))
	for name := range descriptors {
		names = append(names, name)
	}
	return names
}
