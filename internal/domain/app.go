package domain

import "time"

// AppStatus is the lifecycle state of a relying application.
type AppStatus int

const (
	AppBanned        AppStatus = 0
	AppActive        AppStatus = 1
	AppPendingReview AppStatus = 2
)

// CallbackMode selects how strictly a requested callback URL is matched
// against the application's allow-list.
type CallbackMode string

const (
	CallbackStrict   CallbackMode = "strict"
	CallbackModerate CallbackMode = "moderate"
	CallbackLoose    CallbackMode = "loose"
)

// Feature names a per-application capability flag checked by the registry.
type Feature string

const (
	FeatureLogin      Feature = "login"
	FeatureRegister   Feature = "register"
	FeatureThirdParty Feature = "third_party_login"
)

// ProviderFeature derives the feature flag name for one social provider.
func ProviderFeature(provider string) Feature {
	return Feature(provider + "_login")
}

// Application is one relying tenant. Rows are never hard-deleted; tenants
// are switched off via Status.
type Application struct {
	ID                    int64
	AppID                 string
	SecretKey             string
	Name                  string
	Status                AppStatus
	CallbackURLs          []string
	CallbackMode          CallbackMode
	Permissions           []string
	EnableLogin           bool
	EnableRegister        bool
	EnableThirdPartyLogin bool
	Providers             map[string]bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// ProviderEnabled reports whether login through the named provider is
// switched on for this application.
func (a *Application) ProviderEnabled(provider string) bool {
	if a == nil || a.Providers == nil {
		return false
	}
	return a.Providers[provider]
}

// HasPermission reports whether the scope is granted to the application.
func (a *Application) HasPermission(scope string) bool {
	for _, granted := range a.Permissions {
		if granted == scope {
			return true
		}
	}
	return false
}
