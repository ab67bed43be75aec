package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAppNotFound signals an unknown app_id.
	ErrAppNotFound = errors.New("app: not found")
	// ErrAppBanned signals the application has been disabled by operators.
	ErrAppBanned = errors.New("app: banned")
	// ErrAppPendingReview signals the application has not been approved yet.
	ErrAppPendingReview = errors.New("app: pending review")

	// ErrAccountBanned signals the platform account is banned.
	ErrAccountBanned = errors.New("account: banned")
	// ErrAccountPending signals the platform account awaits review.
	ErrAccountPending = errors.New("account: pending review")
	// ErrAccountNotFound signals no directory row matched.
	ErrAccountNotFound = errors.New("account: not found")

	// ErrTokenNotFound signals the login token does not exist.
	ErrTokenNotFound = errors.New("login token: not found")
	// ErrTokenExpired signals the login token is past expiry.
	ErrTokenExpired = errors.New("login token: expired")
	// ErrTokenConsumed signals the login token was already exchanged.
	ErrTokenConsumed = errors.New("login token: already consumed")

	// ErrMappingNotFound signals no OpenID mapping for the lookup.
	ErrMappingNotFound = errors.New("openid: mapping not found")
	// ErrMappingDisabled signals the mapping exists but is switched off.
	ErrMappingDisabled = errors.New("openid: mapping disabled")

	// ErrAlreadyBound signals the provider identity belongs to another user.
	ErrAlreadyBound = errors.New("binding: provider identity bound to another user")
	// ErrUserHasBinding signals the user already holds a binding for the provider.
	ErrUserHasBinding = errors.New("binding: user already has a binding for this provider")
	// ErrBindingNotFound signals no binding row matched.
	ErrBindingNotFound = errors.New("binding: not found")
)

// FeatureDisabledError reports the earliest unmet feature flag so callers
// see the specific switch rather than a generic login failure.
type FeatureDisabledError struct {
	Feature Feature
}

func (e *FeatureDisabledError) Error() string {
	return fmt.Sprintf("app: feature %q disabled", string(e.Feature))
}

// CallbackNotAuthorizedError reports a callback URL rejected under the
// application's callback mode.
type CallbackNotAuthorizedError struct {
	Callback string
	Mode     CallbackMode
}

func (e *CallbackNotAuthorizedError) Error() string {
	return fmt.Sprintf("app: callback %q not authorized under %s matching", e.Callback, e.Mode)
}

// PermissionDeniedError names the requested scopes that exceed the grant.
type PermissionDeniedError struct {
	Denied []string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("app: scopes not authorized: %s", strings.Join(e.Denied, ", "))
}
