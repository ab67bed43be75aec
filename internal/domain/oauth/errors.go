package oauth

import "errors"

var (
	// ErrProviderNotConfigured signals missing or disabled provider credentials.
	ErrProviderNotConfigured = errors.New("oauth: provider not configured")
	// ErrStateInvalid signals a missing, expired, or replayed state value.
	// Flows fail closed on it; there is no fallback mode.
	ErrStateInvalid = errors.New("oauth: state invalid or expired")
	// ErrProviderResponse signals an upstream error or malformed reply.
	ErrProviderResponse = errors.New("oauth: provider response invalid")
	// ErrSessionRequired signals a bind flow started without a logged-in user.
	ErrSessionRequired = errors.New("oauth: authenticated session required")
)
