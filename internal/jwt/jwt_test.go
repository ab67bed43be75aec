package jwt_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/valora-broker/internal/domain"
	"github.com/smallbiznis/valora-broker/internal/jwt"
	"github.com/smallbiznis/valora-broker/internal/repository"
)

type memoryKeyRepo struct {
	nextID int64
	keys   map[string]domain.SigningKey
}

func newMemoryKeyRepo() *memoryKeyRepo {
	return &memoryKeyRepo{keys: make(map[string]domain.SigningKey)}
}

func (m *memoryKeyRepo) GetActiveKey(ctx context.Context, scope string) (domain.SigningKey, error) {
	key, ok := m.keys[scope]
	if !ok {
		return domain.SigningKey{}, repository.ErrNotFound
	}
	return key, nil
}

func (m *memoryKeyRepo) CreateKey(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error) {
	m.nextID++
	key.ID = m.nextID
	m.keys[key.Scope] = key
	return key, nil
}

const issuer = "https://id.example.com"

func newGenerator() (*jwt.Generator, *memoryKeyRepo) {
	repo := newMemoryKeyRepo()
	return jwt.NewGenerator(jwt.NewKeyManager(repo), time.Hour, 12*time.Hour), repo
}

func TestAccessTokenRoundTrip(t *testing.T) {
	gen, repo := newGenerator()
	ctx := context.Background()

	token, err := gen.GenerateAccessToken(ctx, "app-1", "OPENID_ABC", "user.base,user.email", "password", issuer)
	require.NoError(t, err)

	// First use minted a per-app signing key.
	key, err := repo.GetActiveKey(ctx, "app-1")
	require.NoError(t, err)
	require.Equal(t, "HS256", key.Algorithm)
	require.NotEmpty(t, key.KID)

	std, custom, err := gen.ValidateAccessToken(ctx, "app-1", token, issuer)
	require.NoError(t, err)
	require.Equal(t, "OPENID_ABC", std.Subject)
	require.Equal(t, "app-1", custom.AppID)
	require.Equal(t, "OPENID_ABC", custom.OpenID)
	require.Equal(t, "user.base,user.email", custom.Scope)
	require.Equal(t, "password", custom.LoginMethod)
}

func TestAccessTokenKeysAreScopedPerApp(t *testing.T) {
	gen, _ := newGenerator()
	ctx := context.Background()

	token, err := gen.GenerateAccessToken(ctx, "app-1", "OPENID_ABC", "", "", issuer)
	require.NoError(t, err)
	_, err = gen.GenerateAccessToken(ctx, "app-2", "OPENID_DEF", "", "", issuer)
	require.NoError(t, err)

	_, _, err = gen.ValidateAccessToken(ctx, "app-2", token, issuer)
	require.Error(t, err)
}

func TestAccessTokenWrongIssuer(t *testing.T) {
	gen, _ := newGenerator()
	ctx := context.Background()

	token, err := gen.GenerateAccessToken(ctx, "app-1", "OPENID_ABC", "", "", issuer)
	require.NoError(t, err)

	_, _, err = gen.ValidateAccessToken(ctx, "app-1", token, "https://impostor.example.com")
	require.Error(t, err)
}

func TestAccessTokenTampering(t *testing.T) {
	gen, _ := newGenerator()
	ctx := context.Background()

	token, err := gen.GenerateAccessToken(ctx, "app-1", "OPENID_ABC", "", "", issuer)
	require.NoError(t, err)

	tampered := token[:len(token)-2] + "xx"
	_, _, err = gen.ValidateAccessToken(ctx, "app-1", tampered, issuer)
	require.Error(t, err)
}

func TestSessionTokenRoundTrip(t *testing.T) {
	gen, _ := newGenerator()
	ctx := context.Background()

	token, err := gen.GenerateSessionToken(ctx, domain.User{UUID: "user-1", Nickname: "Octo"}, issuer)
	require.NoError(t, err)

	claims, err := gen.ValidateSessionToken(ctx, token, issuer)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.UserUUID)
	require.Equal(t, "Octo", claims.Nickname)
}

func TestSessionTokenIsNotAnAccessToken(t *testing.T) {
	gen, _ := newGenerator()
	ctx := context.Background()

	session, err := gen.GenerateSessionToken(ctx, domain.User{UUID: "user-1"}, issuer)
	require.NoError(t, err)
	_, err = gen.GenerateAccessToken(ctx, "app-1", "OPENID_ABC", "", "", issuer)
	require.NoError(t, err)

	// Session tokens sign under the platform scope, not an app's key.
	_, _, err = gen.ValidateAccessToken(ctx, "app-1", session, issuer)
	require.Error(t, err)
}
