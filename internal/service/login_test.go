package service_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-broker/internal/config"
	"github.com/smallbiznis/valora-broker/internal/domain"
	"github.com/smallbiznis/valora-broker/internal/jwt"
	"github.com/smallbiznis/valora-broker/internal/logintoken"
	"github.com/smallbiznis/valora-broker/internal/openid"
	"github.com/smallbiznis/valora-broker/internal/password"
	"github.com/smallbiznis/valora-broker/internal/registry"
	"github.com/smallbiznis/valora-broker/internal/service"
)

type loginFixture struct {
	svc    *service.LoginService
	users  *memoryUserRepo
	codes  *memoryCodeStore
	tokens *memoryTokenRepo
	sender *recordingSender
	jwt    *jwt.Generator
	cfg    config.Config
}

func newLoginFixture(t *testing.T) *loginFixture {
	t.Helper()

	hash, err := password.Hash("hunter2!")
	require.NoError(t, err)

	apps := newMemoryAppRepo(domain.Application{
		AppID:        "app-1",
		SecretKey:    "sk-1",
		Status:       domain.AppActive,
		CallbackURLs: []string{"https://shop.example.com/auth"},
		CallbackMode: domain.CallbackModerate,
		Permissions:  []string{"user.base", "user.email"},
		EnableLogin:  true,
	})
	users := newMemoryUserRepo(domain.User{
		UUID:         "user-1",
		Username:     "octo",
		Email:        "octo@example.com",
		PasswordHash: hash,
		Nickname:     "Octo",
		Status:       domain.UserActive,
	})
	codes := newMemoryCodeStore()
	tokens := newMemoryTokenRepo()
	sender := &recordingSender{}
	logger := zap.NewNop()
	cfg := config.Config{
		ExternalBaseURL: "https://id.example.com",
		LoginTokenTTL:   15 * time.Minute,
		LoginCodeTTL:    5 * time.Minute,
		SessionTTL:      12 * time.Hour,
	}

	generator := jwt.NewGenerator(jwt.NewKeyManager(newMemoryKeyRepo()), time.Hour, cfg.SessionTTL)
	svc := service.NewLoginService(
		registry.New(apps),
		users,
		codes,
		openid.NewService(newMemoryOpenIDRepo(), logger),
		logintoken.NewIssuer(tokens, cfg.LoginTokenTTL, logger),
		generator,
		sender,
		cfg,
		logger,
	)
	return &loginFixture{svc: svc, users: users, codes: codes, tokens: tokens, sender: sender, jwt: generator, cfg: cfg}
}

func TestPasswordLogin(t *testing.T) {
	fx := newLoginFixture(t)
	ctx := context.Background()

	result, err := fx.svc.PasswordLogin(ctx, "app-1", "https://shop.example.com/auth", "user.base", "xyz", "octo", "hunter2!", "203.0.113.7")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(result.RedirectURL, "https://shop.example.com/auth?token="))
	require.Contains(t, result.RedirectURL, "&code=xyz")
	require.Equal(t, "user-1", result.UserUUID)
	require.Equal(t, "Octo", result.Nickname)

	claims, err := fx.jwt.ValidateSessionToken(ctx, result.SessionToken, fx.cfg.ExternalBaseURL)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.UserUUID)
}

func TestPasswordLoginWrongPassword(t *testing.T) {
	fx := newLoginFixture(t)

	_, err := fx.svc.PasswordLogin(context.Background(), "app-1", "https://shop.example.com/auth", "", "", "octo", "nope", "")
	var oauthErr *service.OAuthError
	require.ErrorAs(t, err, &oauthErr)
	require.Equal(t, "invalid_grant", oauthErr.Code)
	require.Zero(t, fx.tokens.count())
}

func TestPasswordLoginUnknownAccountIndistinguishable(t *testing.T) {
	fx := newLoginFixture(t)

	_, wrongPw := fx.svc.PasswordLogin(context.Background(), "app-1", "https://shop.example.com/auth", "", "", "octo", "nope", "")
	_, unknown := fx.svc.PasswordLogin(context.Background(), "app-1", "https://shop.example.com/auth", "", "", "nobody", "nope", "")
	require.Equal(t, wrongPw.Error(), unknown.Error())
}

func TestPasswordLoginRejectsUnknownCallback(t *testing.T) {
	fx := newLoginFixture(t)

	_, err := fx.svc.PasswordLogin(context.Background(), "app-1", "https://evil.example.com/auth", "", "", "octo", "hunter2!", "")
	var cbErr *domain.CallbackNotAuthorizedError
	require.ErrorAs(t, err, &cbErr)
	require.Zero(t, fx.tokens.count())
}

func TestPasswordLoginRejectsExcessScopes(t *testing.T) {
	fx := newLoginFixture(t)

	_, err := fx.svc.PasswordLogin(context.Background(), "app-1", "https://shop.example.com/auth", "user.base,user.phone", "", "octo", "hunter2!", "")
	var permErr *domain.PermissionDeniedError
	require.ErrorAs(t, err, &permErr)
	require.Equal(t, []string{"user.phone"}, permErr.Denied)
}

func TestCodeLoginRoundTrip(t *testing.T) {
	fx := newLoginFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.svc.RequestLoginCode(ctx, "octo@example.com"))
	require.Len(t, fx.sender.targets, 1)
	require.Equal(t, "octo@example.com", fx.sender.targets[0])
	require.Equal(t, "login_code", fx.sender.templates[0])

	code := fx.sender.variables[0]["code"]
	require.Len(t, code, 6)

	result, err := fx.svc.CodeLogin(ctx, "app-1", "https://shop.example.com/auth", "user.base", "", "octo@example.com", code, "203.0.113.7")
	require.NoError(t, err)
	require.Contains(t, result.RedirectURL, "token=")

	// Consumed on first use.
	_, err = fx.svc.CodeLogin(ctx, "app-1", "https://shop.example.com/auth", "user.base", "", "octo@example.com", code, "203.0.113.7")
	var oauthErr *service.OAuthError
	require.ErrorAs(t, err, &oauthErr)
	require.Equal(t, "invalid_grant", oauthErr.Code)
}

func TestCodeLoginWrongGuessBurnsCode(t *testing.T) {
	fx := newLoginFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.svc.RequestLoginCode(ctx, "octo@example.com"))
	code := fx.sender.variables[0]["code"]
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	_, err := fx.svc.CodeLogin(ctx, "app-1", "https://shop.example.com/auth", "", "", "octo@example.com", wrong, "")
	var oauthErr *service.OAuthError
	require.ErrorAs(t, err, &oauthErr)

	// The stored code was consumed by the wrong guess.
	_, err = fx.svc.CodeLogin(ctx, "app-1", "https://shop.example.com/auth", "", "", "octo@example.com", code, "")
	require.ErrorAs(t, err, &oauthErr)
}

func TestRequestLoginCodeHidesUnknownAccount(t *testing.T) {
	fx := newLoginFixture(t)

	require.NoError(t, fx.svc.RequestLoginCode(context.Background(), "nobody@example.com"))
	require.Empty(t, fx.sender.targets)
}

func TestLoginRejectsBannedAccount(t *testing.T) {
	fx := newLoginFixture(t)
	hash, err := password.Hash("hunter2!")
	require.NoError(t, err)
	fx.users.users["user-2"] = domain.User{
		UUID: "user-2", Username: "banned", PasswordHash: hash, Status: domain.UserBanned,
	}

	_, err = fx.svc.PasswordLogin(context.Background(), "app-1", "https://shop.example.com/auth", "", "", "banned", "hunter2!", "")
	require.ErrorIs(t, err, domain.ErrAccountBanned)
	require.Zero(t, fx.tokens.count())
}
