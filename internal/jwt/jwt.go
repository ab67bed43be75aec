package jwt

import (
	"context"
	"fmt"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"

	"github.com/smallbiznis/valora-broker/internal/domain"
)

// Generator signs and validates the broker's JWTs: relying-app access
// tokens (scoped per app) and platform session tokens.
type Generator struct {
	keys       *KeyManager
	accessTTL  time.Duration
	sessionTTL time.Duration
}

// NewGenerator constructs a JWT generator.
func NewGenerator(manager *KeyManager, accessTTL, sessionTTL time.Duration) *Generator {
	return &Generator{keys: manager, accessTTL: accessTTL, sessionTTL: sessionTTL}
}

// AccessTokenClaims is the custom payload on relying-app access tokens.
// The relying application only ever sees the per-app openid, never the
// platform identity.
type AccessTokenClaims struct {
	AppID       string `json:"app_id"`
	OpenID      string `json:"openid"`
	Scope       string `json:"scope"`
	LoginMethod string `json:"login_method,omitempty"`
}

// SessionClaims is the custom payload on broker session tokens.
type SessionClaims struct {
	UserUUID string `json:"user_uuid"`
	Nickname string `json:"nickname,omitempty"`
}

// GenerateAccessToken produces a signed access token under the app's key.
func (g *Generator) GenerateAccessToken(ctx context.Context, appID, openID, scope, loginMethod, issuer string) (string, error) {
	key, err := g.keys.EnsureSigningKey(ctx, appID)
	if err != nil {
		return "", fmt.Errorf("ensure signing key: %w", err)
	}

	now := time.Now().UTC()
	std := gojwt.Claims{
		Subject:   openID,
		Audience:  gojwt.Audience{appID},
		Issuer:    issuer,
		IssuedAt:  gojwt.NewNumericDate(now),
		Expiry:    gojwt.NewNumericDate(now.Add(g.accessTTL)),
		NotBefore: gojwt.NewNumericDate(now),
	}
	custom := AccessTokenClaims{
		AppID:       appID,
		OpenID:      openID,
		Scope:       scope,
		LoginMethod: loginMethod,
	}

	return g.sign(key, std, custom)
}

// GenerateSessionToken produces a signed platform session token.
func (g *Generator) GenerateSessionToken(ctx context.Context, user domain.User, issuer string) (string, error) {
	key, err := g.keys.EnsureSigningKey(ctx, domain.PlatformKeyScope)
	if err != nil {
		return "", fmt.Errorf("ensure signing key: %w", err)
	}

	now := time.Now().UTC()
	std := gojwt.Claims{
		Subject:   user.UUID,
		Issuer:    issuer,
		IssuedAt:  gojwt.NewNumericDate(now),
		Expiry:    gojwt.NewNumericDate(now.Add(g.sessionTTL)),
		NotBefore: gojwt.NewNumericDate(now),
	}
	custom := SessionClaims{UserUUID: user.UUID, Nickname: user.Nickname}

	return g.sign(key, std, custom)
}

// ValidateSessionToken verifies a platform session token and returns the
// authenticated user uuid.
func (g *Generator) ValidateSessionToken(ctx context.Context, token, issuer string) (*SessionClaims, error) {
	key, err := g.keys.ActiveKey(ctx, domain.PlatformKeyScope)
	if err != nil {
		return nil, fmt.Errorf("load key: %w", err)
	}

	std, custom := gojwt.Claims{}, SessionClaims{}
	if err := g.verify(key, token, &std, &custom); err != nil {
		return nil, err
	}
	if err := std.Validate(gojwt.Expected{Issuer: issuer, Time: time.Now().UTC()}); err != nil {
		return nil, fmt.Errorf("validate claims: %w", err)
	}
	if custom.UserUUID == "" {
		custom.UserUUID = std.Subject
	}
	return &custom, nil
}

// ValidateAccessToken verifies a relying-app access token under the
// app's key.
func (g *Generator) ValidateAccessToken(ctx context.Context, appID, token, issuer string) (*gojwt.Claims, *AccessTokenClaims, error) {
	key, err := g.keys.ActiveKey(ctx, appID)
	if err != nil {
		return nil, nil, fmt.Errorf("load key: %w", err)
	}

	std, custom := gojwt.Claims{}, AccessTokenClaims{}
	if err := g.verify(key, token, &std, &custom); err != nil {
		return nil, nil, err
	}
	if err := std.Validate(gojwt.Expected{Issuer: issuer, Time: time.Now().UTC()}); err != nil {
		return nil, nil, fmt.Errorf("validate claims: %w", err)
	}
	return &std, &custom, nil
}

func (g *Generator) sign(key domain.SigningKey, std gojwt.Claims, custom any) (string, error) {
	signer, err := gojose.NewSigner(
		gojose.SigningKey{Algorithm: gojose.SignatureAlgorithm(key.Algorithm), Key: key.Secret},
		(&gojose.SignerOptions{}).WithType("JWT").WithHeader("kid", key.KID),
	)
	if err != nil {
		return "", fmt.Errorf("new signer: %w", err)
	}
	token, err := gojwt.Signed(signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize jwt: %w", err)
	}
	return token, nil
}

func (g *Generator) verify(key domain.SigningKey, token string, claims ...any) error {
	allowed := []gojose.SignatureAlgorithm{gojose.SignatureAlgorithm(key.Algorithm)}
	parsed, err := gojwt.ParseSigned(token, allowed)
	if err != nil {
		return fmt.Errorf("parse token: %w", err)
	}
	if err := parsed.Claims(key.Secret, claims...); err != nil {
		return fmt.Errorf("verify token: %w", err)
	}
	return nil
}
