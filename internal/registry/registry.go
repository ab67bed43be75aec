package registry

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/smallbiznis/valora-broker/internal/domain"
	"github.com/smallbiznis/valora-broker/internal/repository"
)

// Registry validates relying-application requests against stored
// configuration. It is read-only and performs no logging; callers decide
// what to record about a rejection.
type Registry struct {
	apps repository.AppRepository
}

// New creates an application registry.
func New(apps repository.AppRepository) *Registry {
	return &Registry{apps: apps}
}

// Validate checks the application's existence, status, the feature flag
// required by the call path, the requested callback URL, and the
// requested permission scopes. It returns the application so callers can
// snapshot its configuration.
func (r *Registry) Validate(ctx context.Context, appID, callbackURL, permissions string, feature domain.Feature) (*domain.Application, error) {
	app, err := r.apps.GetByAppID(ctx, appID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.ErrAppNotFound
		}
		return nil, err
	}

	switch app.Status {
	case domain.AppActive:
	case domain.AppBanned:
		return nil, domain.ErrAppBanned
	case domain.AppPendingReview:
		return nil, domain.ErrAppPendingReview
	default:
		return nil, domain.ErrAppNotFound
	}

	if err := checkFeature(&app, feature); err != nil {
		return nil, err
	}

	if callbackURL != "" {
		if !callbackAllowed(&app, callbackURL) {
			return nil, &domain.CallbackNotAuthorizedError{Callback: callbackURL, Mode: app.CallbackMode}
		}
	}

	if denied := deniedScopes(&app, permissions); len(denied) > 0 {
		return nil, &domain.PermissionDeniedError{Denied: denied}
	}

	return &app, nil
}

// checkFeature reports the earliest unmet flag. Third-party login layers
// on top of plain login, and each provider has its own switch; a disabled
// provider flag must not be masked behind a generic login error.
func checkFeature(app *domain.Application, feature domain.Feature) error {
	switch feature {
	case "":
		return nil
	case domain.FeatureLogin:
		if !app.EnableLogin {
			return &domain.FeatureDisabledError{Feature: domain.FeatureLogin}
		}
	case domain.FeatureRegister:
		if !app.EnableRegister {
			return &domain.FeatureDisabledError{Feature: domain.FeatureRegister}
		}
	case domain.FeatureThirdParty:
		if !app.EnableLogin {
			return &domain.FeatureDisabledError{Feature: domain.FeatureLogin}
		}
		if !app.EnableThirdPartyLogin {
			return &domain.FeatureDisabledError{Feature: domain.FeatureThirdParty}
		}
	default:
		// Provider-specific flags, e.g. "github_login".
		if !app.EnableLogin {
			return &domain.FeatureDisabledError{Feature: domain.FeatureLogin}
		}
		if !app.EnableThirdPartyLogin {
			return &domain.FeatureDisabledError{Feature: domain.FeatureThirdParty}
		}
		provider := strings.TrimSuffix(string(feature), "_login")
		if !app.ProviderEnabled(provider) {
			return &domain.FeatureDisabledError{Feature: feature}
		}
	}
	return nil
}

func callbackAllowed(app *domain.Application, callback string) bool {
	requested, err := url.Parse(callback)
	if err != nil || requested.Host == "" {
		return false
	}

	for _, allowed := range app.CallbackURLs {
		switch app.CallbackMode {
		case domain.CallbackStrict:
			if callback == allowed {
				return true
			}
		case domain.CallbackModerate:
			if moderateMatch(requested, allowed) {
				return true
			}
		case domain.CallbackLoose:
			// Host-only matching, scheme and path unconstrained. Documented
			// behavior relied on by deployed applications.
			if entry, err := url.Parse(allowed); err == nil && strings.EqualFold(requested.Host, entry.Host) {
				return true
			}
		}
	}
	return false
}

func moderateMatch(requested *url.URL, allowed string) bool {
	entry, err := url.Parse(allowed)
	if err != nil {
		return false
	}
	if requested.Scheme != entry.Scheme || !strings.EqualFold(requested.Host, entry.Host) {
		return false
	}
	allowedPath := strings.TrimSuffix(entry.Path, "/")
	return strings.HasPrefix(requested.Path, allowedPath)
}

// deniedScopes returns requested − granted for a comma-separated request.
func deniedScopes(app *domain.Application, permissions string) []string {
	trimmed := strings.TrimSpace(permissions)
	if trimmed == "" {
		return nil
	}
	var denied []string
	for _, scope := range strings.Split(trimmed, ",") {
		scope = strings.TrimSpace(scope)
		if scope == "" {
			continue
		}
		if !app.HasPermission(scope) {
			denied = append(denied, scope)
		}
	}
	return denied
}

// SplitScopes normalizes a comma-separated permission list.
func SplitScopes(permissions string) []string {
	var scopes []string
	for _, scope := range strings.Split(permissions, ",") {
		scope = strings.TrimSpace(scope)
		if scope != "" {
			scopes = append(scopes, scope)
		}
	}
	return scopes
}
