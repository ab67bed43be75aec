package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-broker/internal/config"
	"github.com/smallbiznis/valora-broker/internal/domain"
	"github.com/smallbiznis/valora-broker/internal/jwt"
	"github.com/smallbiznis/valora-broker/internal/logintoken"
	"github.com/smallbiznis/valora-broker/internal/notify"
	"github.com/smallbiznis/valora-broker/internal/openid"
	pw "github.com/smallbiznis/valora-broker/internal/password"
	"github.com/smallbiznis/valora-broker/internal/registry"
	"github.com/smallbiznis/valora-broker/internal/repository"
)

const loginCodeDigits = 6

// LoginResult is a completed first-party authentication: a redirect back
// to the relying application plus a broker session for subsequent
// bind-management calls.
type LoginResult struct {
	RedirectURL  string
	SessionToken string
	UserUUID     string
	Nickname     string
	AvatarURL    string
}

// LoginService authenticates platform accounts with a password or a
// one-time code and turns success into a single-use login token.
type LoginService struct {
	registry *registry.Registry
	users    repository.UserRepository
	codes    repository.LoginCodeStore
	openids  *openid.Service
	issuer   *logintoken.Issuer
	jwt      *jwt.Generator
	sender   notify.Sender
	cfg      config.Config
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewLoginService wires dependencies.
func NewLoginService(reg *registry.Registry, users repository.UserRepository, codes repository.LoginCodeStore, openids *openid.Service, issuer *logintoken.Issuer, generator *jwt.Generator, sender notify.Sender, cfg config.Config, logger *zap.Logger) *LoginService {
	return &LoginService{
		registry: reg,
		users:    users,
		codes:    codes,
		openids:  openids,
		issuer:   issuer,
		jwt:      generator,
		sender:   sender,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("github.com/smallbiznis/valora-broker/internal/service"),
	}
}

// PasswordLogin authenticates with username/email/phone plus password on
// behalf of a relying application.
func (s *LoginService) PasswordLogin(ctx context.Context, appID, callbackURL, permissions, stateCode, account, password, loginIP string) (*LoginResult, error) {
	ctx, span := s.startSpan(ctx, "LoginService.PasswordLogin")
	defer span.End()

	if _, err := s.registry.Validate(ctx, appID, callbackURL, permissions, domain.FeatureLogin); err != nil {
		span.RecordError(err)
		return nil, err
	}

	user, err := s.lookupAccount(ctx, account)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	valid, err := pw.Verify(password, user.PasswordHash)
	if err != nil || !valid {
		s.audit("password.login.rejected", "app_id", appID)
		return nil, newOAuthError("invalid_grant", "Wrong account or password.", 400)
	}
	if err := accountUsable(user); err != nil {
		span.RecordError(err)
		return nil, err
	}

	result, err := s.completeLogin(ctx, user, appID, callbackURL, permissions, stateCode, "password", loginIP)
	if err == nil {
		s.audit("password.login.success", "app_id", appID, "user_uuid", user.UUID)
	} else {
		span.RecordError(err)
	}
	return result, err
}

// RequestLoginCode sends a one-time code to the account's address. The
// reply never reveals whether the account exists.
func (s *LoginService) RequestLoginCode(ctx context.Context, target string) error {
	ctx, span := s.startSpan(ctx, "LoginService.RequestLoginCode")
	defer span.End()

	normalized := strings.ToLower(strings.TrimSpace(target))
	if normalized == "" {
		return newOAuthError("invalid_request", "Account is required.", 400)
	}

	if _, err := s.users.GetByAccount(ctx, normalized); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.audit("code.request.unknown_account")
			return nil
		}
		span.RecordError(err)
		return fmt.Errorf("lookup account: %w", err)
	}

	code, err := newLoginCode()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("generate code: %w", err)
	}
	if err := s.codes.SaveCode(ctx, normalized, hashCode(code), s.cfg.LoginCodeTTL); err != nil {
		span.RecordError(err)
		return fmt.Errorf("save code: %w", err)
	}
	if err := s.sender.Send(ctx, normalized, "login_code", map[string]string{
		"code":    code,
		"minutes": fmt.Sprintf("%d", int(s.cfg.LoginCodeTTL.Minutes())),
	}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("send code: %w", err)
	}

	s.audit("code.request.sent")
	return nil
}

// CodeLogin authenticates with a previously requested one-time code. The
// code is consumed on first read, so a wrong guess burns it.
func (s *LoginService) CodeLogin(ctx context.Context, appID, callbackURL, permissions, stateCode, account, code, loginIP string) (*LoginResult, error) {
	ctx, span := s.startSpan(ctx, "LoginService.CodeLogin")
	defer span.End()

	if _, err := s.registry.Validate(ctx, appID, callbackURL, permissions, domain.FeatureLogin); err != nil {
		span.RecordError(err)
		return nil, err
	}

	normalized := strings.ToLower(strings.TrimSpace(account))
	stored, err := s.codes.ConsumeCode(ctx, normalized)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("consume code: %w", err)
	}
	if stored == "" || subtle.ConstantTimeCompare([]byte(stored), []byte(hashCode(code))) != 1 {
		s.audit("code.login.rejected", "app_id", appID)
		return nil, newOAuthError("invalid_grant", "Wrong or expired code.", 400)
	}

	user, err := s.lookupAccount(ctx, normalized)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := accountUsable(user); err != nil {
		span.RecordError(err)
		return nil, err
	}

	result, err := s.completeLogin(ctx, user, appID, callbackURL, permissions, stateCode, "code", loginIP)
	if err == nil {
		s.audit("code.login.success", "app_id", appID, "user_uuid", user.UUID)
	} else {
		span.RecordError(err)
	}
	return result, err
}

func (s *LoginService) completeLogin(ctx context.Context, user domain.User, appID, callbackURL, permissions, stateCode, method, loginIP string) (*LoginResult, error) {
	if _, _, err := s.openids.GetOrCreate(ctx, user.UUID, appID); err != nil {
		return nil, err
	}

	lt, err := s.issuer.Issue(ctx, logintoken.IssueInput{
		UserUUID:    user.UUID,
		AppID:       appID,
		LoginMethod: method,
		LoginIP:     loginIP,
		CallbackURL: callbackURL,
		Permissions: registry.SplitScopes(permissions),
	})
	if err != nil {
		return nil, err
	}

	session, err := s.jwt.GenerateSessionToken(ctx, user, s.cfg.ExternalBaseURL)
	if err != nil {
		return nil, fmt.Errorf("sign session token: %w", err)
	}

	return &LoginResult{
		RedirectURL:  logintoken.BuildRedirect(callbackURL, lt.Token, stateCode),
		SessionToken: session,
		UserUUID:     user.UUID,
		Nickname:     user.Nickname,
		AvatarURL:    user.AvatarURL,
	}, nil
}

func (s *LoginService) lookupAccount(ctx context.Context, account string) (domain.User, error) {
	normalized := strings.ToLower(strings.TrimSpace(account))
	user, err := s.users.GetByAccount(ctx, normalized)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.User{}, newOAuthError("invalid_grant", "Wrong account or password.", 400)
		}
		return domain.User{}, fmt.Errorf("lookup account: %w", err)
	}
	return user, nil
}

func newLoginCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < loginCodeDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", loginCodeDigits, n), nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(code)))
	return hex.EncodeToString(sum[:])
}

func (s *LoginService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func (s *LoginService) audit(event string, attrs ...any) {
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

func (s *LoginService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
