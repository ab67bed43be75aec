package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-broker/internal/config"
	"github.com/smallbiznis/valora-broker/internal/domain"
	"github.com/smallbiznis/valora-broker/internal/jwt"
	"github.com/smallbiznis/valora-broker/internal/logintoken"
	"github.com/smallbiznis/valora-broker/internal/openid"
	"github.com/smallbiznis/valora-broker/internal/registry"
	"github.com/smallbiznis/valora-broker/internal/repository"
)

// ExchangeService is the server-to-server surface relying applications
// call with their secret key: trading a login token for credentials,
// refreshing, and revoking grants.
type ExchangeService struct {
	apps    repository.AppRepository
	users   repository.UserRepository
	grants  repository.AccessGrantRepository
	issuer  *logintoken.Issuer
	openids *openid.Service
	jwt     *jwt.Generator
	cfg     config.Config
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewExchangeService wires dependencies.
func NewExchangeService(apps repository.AppRepository, users repository.UserRepository, grants repository.AccessGrantRepository, issuer *logintoken.Issuer, openids *openid.Service, generator *jwt.Generator, cfg config.Config, logger *zap.Logger) *ExchangeService {
	return &ExchangeService{
		apps:    apps,
		users:   users,
		grants:  grants,
		issuer:  issuer,
		openids: openids,
		jwt:     generator,
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer("github.com/smallbiznis/valora-broker/internal/service"),
		now:     time.Now,
	}
}

// Exchange redeems a single-use login token for an access token, a
// refresh grant and the user's openid. The token must have been issued to
// the calling application; consuming someone else's token burns it but
// yields nothing. The permissions field is optional: the snapshot taken
// at issuance governs the scope, and a request naming anything beyond it
// is refused (the token is still spent).
func (s *ExchangeService) Exchange(ctx context.Context, appID, secretKey, token, permissions string) (*TokenResponse, error) {
	ctx, span := s.startSpan(ctx, "ExchangeService.Exchange")
	defer span.End()

	if _, err := s.authenticateClient(ctx, appID, secretKey); err != nil {
		span.RecordError(err)
		return nil, err
	}

	lt, err := s.issuer.Consume(ctx, token)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if lt.AppID != appID {
		s.audit("exchange.app_mismatch", "app_id", appID, "token_app_id", lt.AppID)
		return nil, newOAuthError("invalid_grant", "Token was not issued to this client.", 400)
	}
	if err := scopesWithin(registry.SplitScopes(permissions), lt.Permissions); err != nil {
		s.audit("exchange.scope_exceeded", "app_id", appID)
		return nil, err
	}

	id, _, err := s.openids.GetOrCreate(ctx, lt.UserUUID, appID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	scope := strings.Join(lt.Permissions, ",")
	accessToken, err := s.jwt.GenerateAccessToken(ctx, appID, id, scope, lt.LoginMethod, s.cfg.ExternalBaseURL)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	refreshToken := s.newRefreshToken()
	now := s.now().UTC()
	if _, err := s.grants.Create(ctx, domain.AccessGrant{
		AppID:        appID,
		OpenID:       id,
		UserUUID:     lt.UserUUID,
		RefreshToken: refreshToken,
		Permissions:  append([]string{}, lt.Permissions...),
		ExpiresAt:    now.Add(s.cfg.RefreshTokenTTL),
		CreatedAt:    now,
	}); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("persist grant: %w", err)
	}

	s.audit("exchange.success", "app_id", appID, "login_method", lt.LoginMethod)
	return &TokenResponse{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		TokenType:        "Bearer",
		ExpiresIn:        int(s.cfg.AccessTokenTTL.Seconds()),
		RefreshExpiresIn: int(s.cfg.RefreshTokenTTL.Seconds()),
		OpenID:           id,
		Permissions:      scope,
	}, nil
}

// Refresh rotates a refresh grant and signs a fresh access token. The old
// refresh token stops working the moment the rotation lands.
func (s *ExchangeService) Refresh(ctx context.Context, appID, secretKey, refreshToken string) (*TokenResponse, error) {
	ctx, span := s.startSpan(ctx, "ExchangeService.Refresh")
	defer span.End()

	if _, err := s.authenticateClient(ctx, appID, secretKey); err != nil {
		span.RecordError(err)
		return nil, err
	}

	grant, err := s.grants.GetByRefreshToken(ctx, appID, refreshToken)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newOAuthError("invalid_grant", "Unknown refresh token.", 400)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("load grant: %w", err)
	}

	now := s.now().UTC()
	if grant.Revoked || now.After(grant.ExpiresAt) {
		return nil, newOAuthError("invalid_grant", "Refresh token is no longer valid.", 400)
	}

	scope := strings.Join(grant.Permissions, ",")
	accessToken, err := s.jwt.GenerateAccessToken(ctx, appID, grant.OpenID, scope, "refresh", s.cfg.ExternalBaseURL)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	rotated := s.newRefreshToken()
	if err := s.grants.RotateRefreshToken(ctx, grant.ID, rotated, now.Add(s.cfg.RefreshTokenTTL)); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("rotate grant: %w", err)
	}

	s.audit("exchange.refresh", "app_id", appID)
	return &TokenResponse{
		AccessToken:      accessToken,
		RefreshToken:     rotated,
		TokenType:        "Bearer",
		ExpiresIn:        int(s.cfg.AccessTokenTTL.Seconds()),
		RefreshExpiresIn: int(s.cfg.RefreshTokenTTL.Seconds()),
		OpenID:           grant.OpenID,
		Permissions:      scope,
	}, nil
}

// Revoke invalidates a refresh grant. Revoking an unknown token is not an
// error, matching RFC 7009.
func (s *ExchangeService) Revoke(ctx context.Context, appID, secretKey, refreshToken string) error {
	ctx, span := s.startSpan(ctx, "ExchangeService.Revoke")
	defer span.End()

	if _, err := s.authenticateClient(ctx, appID, secretKey); err != nil {
		span.RecordError(err)
		return err
	}

	grant, err := s.grants.GetByRefreshToken(ctx, appID, refreshToken)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		span.RecordError(err)
		return fmt.Errorf("load grant: %w", err)
	}
	if err := s.grants.Revoke(ctx, grant.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("revoke grant: %w", err)
	}
	s.audit("exchange.revoke", "app_id", appID)
	return nil
}

// UserInfo is what applications see of the user behind an openid: the
// per-app identifier plus profile fields released by the granted scopes.
type UserInfo struct {
	OpenID    string `json:"openid"`
	Nickname  string `json:"nickname,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// GetUserInfo validates an access token and returns the profile fields
// its scopes unlock. The platform user id never leaves the broker.
func (s *ExchangeService) GetUserInfo(ctx context.Context, appID, accessToken string) (*UserInfo, error) {
	ctx, span := s.startSpan(ctx, "ExchangeService.GetUserInfo")
	defer span.End()

	_, custom, err := s.jwt.ValidateAccessToken(ctx, appID, accessToken, s.cfg.ExternalBaseURL)
	if err != nil {
		span.RecordError(err)
		return nil, newOAuthError("invalid_token", "Access token could not be verified.", 401)
	}

	userUUID, err := s.openids.ResolveUser(ctx, custom.OpenID, appID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	user, err := s.users.GetByUUID(ctx, userUUID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.ErrAccountNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("load account: %w", err)
	}

	info := &UserInfo{OpenID: custom.OpenID}
	for _, scope := range strings.Split(custom.Scope, ",") {
		switch strings.TrimSpace(scope) {
		case "user.base":
			info.Nickname = user.Nickname
			info.AvatarURL = user.AvatarURL
		case "user.email":
			info.Email = user.Email
		case "user.phone":
			info.Phone = user.Phone
		}
	}
	return info, nil
}

// UpdateOpenID lets an application tag or group one of its own openid
// rows; the app_id scoping stops cross-application writes.
func (s *ExchangeService) UpdateOpenID(ctx context.Context, appID, secretKey, openID string, tags, groupName *string) error {
	ctx, span := s.startSpan(ctx, "ExchangeService.UpdateOpenID")
	defer span.End()

	if _, err := s.authenticateClient(ctx, appID, secretKey); err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.openids.Update(ctx, openID, appID, openid.UpdateParams{Tags: tags, GroupName: groupName}); err != nil {
		span.RecordError(err)
		return err
	}
	s.audit("openid.update", "app_id", appID)
	return nil
}

// scopesWithin rejects a requested scope list that exceeds the granted
// snapshot. An empty request means "everything the token carries".
func scopesWithin(requested, granted []string) error {
	if len(requested) == 0 {
		return nil
	}
	have := make(map[string]struct{}, len(granted))
	for _, p := range granted {
		have[p] = struct{}{}
	}
	for _, p := range requested {
		if _, ok := have[p]; !ok {
			return newOAuthError("invalid_scope", "Requested permissions exceed the token's grant.", 400)
		}
	}
	return nil
}

// authenticateClient verifies the app's secret in constant time. The
// error never distinguishes a missing app from a wrong secret.
func (s *ExchangeService) authenticateClient(ctx context.Context, appID, secretKey string) (*domain.Application, error) {
	invalid := newOAuthError("invalid_client", "Unknown client or wrong secret.", 401)

	app, err := s.apps.GetByAppID(ctx, appID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, invalid
		}
		return nil, fmt.Errorf("load application: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(app.SecretKey), []byte(secretKey)) != 1 {
		return nil, invalid
	}
	if app.Status != domain.AppActive {
		return nil, newOAuthError("invalid_client", "Client is not active.", 403)
	}
	return &app, nil
}

func (s *ExchangeService) newRefreshToken() string {
	n := s.cfg.RefreshTokenBytes
	if n < 32 {
		n = 32
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

func (s *ExchangeService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func (s *ExchangeService) audit(event string, attrs ...any) {
	logger := s.log()
	if logger == nil {
		return
	}
	fields := make([]zap.Field, 0, len(attrs)/2+2)
	fields = append(fields, zap.String("event", event), zap.Time("timestamp", time.Now().UTC()))
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, attrs[i+1]))
	}
	logger.Info("audit", fields...)
}

func (s *ExchangeService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
