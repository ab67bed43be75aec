package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	oauthclient "github.com/smallbiznis/valora-broker/internal/adapter/oauth"
	"github.com/smallbiznis/valora-broker/internal/config"
	"github.com/smallbiznis/valora-broker/internal/domain"
	"github.com/smallbiznis/valora-broker/internal/domain/oauth"
	"github.com/smallbiznis/valora-broker/internal/logintoken"
	"github.com/smallbiznis/valora-broker/internal/openid"
	"github.com/smallbiznis/valora-broker/internal/registry"
	"github.com/smallbiznis/valora-broker/internal/repository"
)

// BindSecurityPath is where bind-mode flows land after success or failure.
const BindSecurityPath = "/account/security"

// CallbackOutcome is the terminal classification of a provider callback.
type CallbackOutcome string

const (
	// OutcomeLoggedIn: identity was bound, a login token was issued and the
	// caller should redirect to the relying application.
	OutcomeLoggedIn CallbackOutcome = "logged_in"
	// OutcomeNeedsBind: the provider identity is not linked to any platform
	// account; no token was issued.
	OutcomeNeedsBind CallbackOutcome = "needs_bind"
	// OutcomeBound: a bind-mode flow completed.
	OutcomeBound CallbackOutcome = "bound"
)

// CallbackResult is what a resolved provider callback produced.
type CallbackResult struct {
	Outcome     CallbackOutcome
	RedirectURL string

	// Populated for OutcomeNeedsBind so the frontend can show who the
	// provider says the visitor is and resume the bind later.
	Provider       string
	ProviderUserID string
	Nickname       string
	AvatarURL      string
	BindTicket     string
	// TicketTTL is the pending-bind ticket lifetime in seconds.
	TicketTTL int
}

// FlowError wraps a failure that happened after flow state was resolved,
// carrying enough context to send the user somewhere useful instead of a
// dead end. Login failures return to the login page with the original
// request parameters intact; bind failures return to account security.
type FlowError struct {
	Mode        oauth.FlowMode
	AppID       string
	CallbackURL string
	Permissions string
	StateCode   string
	Err         error
}

func (e *FlowError) Error() string { return e.Err.Error() }
func (e *FlowError) Unwrap() error { return e.Err }

// RecoveryURL is the path the user should be redirected to after the
// failure, without the error message itself (the handler appends it).
func (e *FlowError) RecoveryURL() string {
	if e.Mode == oauth.ModeBind || e.Mode == oauth.ModePendingBind {
		return BindSecurityPath
	}
	q := url.Values{}
	if e.AppID != "" {
		q.Set("app_id", e.AppID)
	}
	if e.CallbackURL != "" {
		q.Set("callback_url", e.CallbackURL)
	}
	if e.Permissions != "" {
		q.Set("permissions", e.Permissions)
	}
	if e.StateCode != "" {
		q.Set("state", e.StateCode)
	}
	if len(q) == 0 {
		return "/login"
	}
	return "/login?" + q.Encode()
}

// BridgeService runs the third-party OAuth flows: starting authorization
// against a provider, resolving its callback, and managing identity
// bindings. It delegates token issuance to the login token issuer and
// never creates platform accounts on its own.
type BridgeService struct {
	registry  *registry.Registry
	providers repository.ProviderConfigRepository
	bindings  repository.BindingRepository
	users     repository.UserRepository
	states    repository.StateStore
	openids   *openid.Service
	issuer    *logintoken.Issuer
	client    oauthclient.ProviderClient
	cfg       config.Config
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewBridgeService wires dependencies.
func NewBridgeService(
	reg *registry.Registry,
	providers repository.ProviderConfigRepository,
	bindings repository.BindingRepository,
	users repository.UserRepository,
	states repository.StateStore,
	openids *openid.Service,
	issuer *logintoken.Issuer,
	client oauthclient.ProviderClient,
	cfg config.Config,
	logger *zap.Logger,
) *BridgeService {
	return &BridgeService{
		registry:  reg,
		providers: providers,
		bindings:  bindings,
		users:     users,
		states:    states,
		openids:   openids,
		issuer:    issuer,
		client:    client,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("github.com/smallbiznis/valora-broker/internal/service"),
		now:       time.Now,
	}
}

// BeginAuthorization starts a login-mode provider flow on behalf of a
// relying application. The application, its provider feature flag, the
// callback URL and the requested permissions are all validated before
// anything leaves the broker; the returned URL points at the provider.
func (s *BridgeService) BeginAuthorization(ctx context.Context, provider, appID, callbackURL, permissions, stateCode string) (string, error) {
	ctx, span := s.startSpan(ctx, "BridgeService.BeginAuthorization")
	defer span.End()

	if _, err := s.registry.Validate(ctx, appID, callbackURL, permissions, domain.ProviderFeature(provider)); err != nil {
		span.RecordError(err)
		return "", err
	}

	cfg, err := s.providerConfig(ctx, provider)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	st := oauth.FlowState{
		State:       newStateValue(),
		Mode:        oauth.ModeLogin,
		Provider:    provider,
		AppID:       appID,
		CallbackURL: callbackURL,
		Permissions: permissions,
		StateCode:   stateCode,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.states.SaveState(ctx, st, s.cfg.OAuthStateTTL); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("save oauth state: %w", err)
	}

	s.audit("oauth.authorize.start", "provider", provider, "app_id", appID)
	return s.authorizeURL(cfg, st.State), nil
}

// BeginBinding starts a bind-mode provider flow for an authenticated
// platform user. No relying application is involved; success and failure
// both land on the account security page.
func (s *BridgeService) BeginBinding(ctx context.Context, provider, userUUID string) (string, error) {
	ctx, span := s.startSpan(ctx, "BridgeService.BeginBinding")
	defer span.End()

	if strings.TrimSpace(userUUID) == "" {
		return "", oauth.ErrSessionRequired
	}

	cfg, err := s.providerConfig(ctx, provider)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	st := oauth.FlowState{
		State:     newStateValue(),
		Mode:      oauth.ModeBind,
		Provider:  provider,
		UserUUID:  userUUID,
		CreatedAt: s.now().UTC(),
	}
	if err := s.states.SaveState(ctx, st, s.cfg.OAuthStateTTL); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("save oauth state: %w", err)
	}

	s.audit("oauth.bind.start", "provider", provider, "user_uuid", userUUID)
	return s.authorizeURL(cfg, st.State), nil
}

// HandleCallback resolves a provider redirect. The state is consumed
// before anything else happens, so a replayed callback fails closed even
// when the first attempt died halfway through.
func (s *BridgeService) HandleCallback(ctx context.Context, provider, code, state, loginIP string) (*CallbackResult, error) {
	ctx, span := s.startSpan(ctx, "BridgeService.HandleCallback")
	defer span.End()

	st, err := s.states.ConsumeState(ctx, state)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("consume oauth state: %w", err)
	}
	if st == nil || st.Provider != provider || st.Mode == oauth.ModePendingBind {
		s.audit("oauth.callback.state_rejected", "provider", provider)
		return nil, oauth.ErrStateInvalid
	}

	result, err := s.resolveCallback(ctx, st, code, loginIP)
	if err != nil {
		span.RecordError(err)
		return nil, &FlowError{
			Mode:        st.Mode,
			AppID:       st.AppID,
			CallbackURL: st.CallbackURL,
			Permissions: st.Permissions,
			StateCode:   st.StateCode,
			Err:         err,
		}
	}
	return result, nil
}

// HandleProviderDenial resolves a callback that carried an error instead
// of a code, as when the user refuses the consent screen. The state is
// consumed so it cannot be replayed with a real code later, and the
// returned FlowError carries the flow context for recovery routing.
func (s *BridgeService) HandleProviderDenial(ctx context.Context, provider, state, providerErr string) error {
	ctx, span := s.startSpan(ctx, "BridgeService.HandleProviderDenial")
	defer span.End()

	st, err := s.states.ConsumeState(ctx, state)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("consume oauth state: %w", err)
	}
	if st == nil || st.Provider != provider || st.Mode == oauth.ModePendingBind {
		s.audit("oauth.callback.state_rejected", "provider", provider)
		return oauth.ErrStateInvalid
	}

	if providerErr == "" {
		providerErr = "access_denied"
	}
	s.audit("oauth.callback.denied", "provider", provider, "error", providerErr)
	return &FlowError{
		Mode:        st.Mode,
		AppID:       st.AppID,
		CallbackURL: st.CallbackURL,
		Permissions: st.Permissions,
		StateCode:   st.StateCode,
		Err:         fmt.Errorf("%w: %s", oauth.ErrProviderResponse, providerErr),
	}
}

func (s *BridgeService) resolveCallback(ctx context.Context, st *oauth.FlowState, code, loginIP string) (*CallbackResult, error) {
	cfg, err := s.providerConfig(ctx, st.Provider)
	if err != nil {
		return nil, err
	}

	token, err := s.client.ExchangeCode(ctx, cfg, code, s.redirectURI(st.Provider))
	if err != nil {
		return nil, err
	}
	profile, err := s.client.FetchProfile(ctx, cfg, token)
	if err != nil {
		return nil, err
	}

	switch st.Mode {
	case oauth.ModeBind:
		return s.finishBind(ctx, st.Provider, st.UserUUID, *profile, token.AccessToken, "")
	default:
		return s.finishLogin(ctx, st, *profile, token.AccessToken, loginIP)
	}
}

// finishLogin handles a login-mode callback after the provider legs
// succeeded. A bound identity turns into a single-use login token for the
// relying application; an unbound one is recorded and answered with a
// pending-bind ticket. Accounts are never created here.
func (s *BridgeService) finishLogin(ctx context.Context, st *oauth.FlowState, profile oauth.Profile, accessToken, loginIP string) (*CallbackResult, error) {
	binding, err := s.bindings.GetByProviderUserID(ctx, st.Provider, profile.ProviderUserID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("lookup binding: %w", err)
	}
	if err != nil || !binding.Bound() {
		return s.recordUnbound(ctx, st, profile, accessToken)
	}

	now := s.now().UTC()
	if err := s.bindings.RefreshLogin(ctx, st.Provider, profile.ProviderUserID, profile, accessToken, now); err != nil {
		s.log().Warn("binding refresh failed",
			zap.String("provider", st.Provider),
			zap.Error(err),
		)
	}

	user, err := s.users.GetByUUID(ctx, binding.UserUUID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("load account: %w", err)
	}
	if err := accountUsable(user); err != nil {
		return nil, err
	}

	// Configuration may have changed while the user was at the provider;
	// re-check before anything is issued.
	if _, err := s.registry.Validate(ctx, st.AppID, st.CallbackURL, st.Permissions, domain.ProviderFeature(st.Provider)); err != nil {
		return nil, err
	}

	// Mint the mapping now so the first exchange does not race the first
	// profile call; exchange re-reads it idempotently.
	if _, _, err := s.openids.GetOrCreate(ctx, user.UUID, st.AppID); err != nil {
		return nil, err
	}

	lt, err := s.issuer.Issue(ctx, logintoken.IssueInput{
		UserUUID:    user.UUID,
		AppID:       st.AppID,
		LoginMethod: st.Provider,
		LoginIP:     loginIP,
		CallbackURL: st.CallbackURL,
		Permissions: registry.SplitScopes(st.Permissions),
	})
	if err != nil {
		return nil, err
	}

	s.audit("oauth.login.success",
		"provider", st.Provider,
		"app_id", st.AppID,
		"user_uuid", user.UUID,
	)
	return &CallbackResult{
		Outcome:     OutcomeLoggedIn,
		RedirectURL: logintoken.BuildRedirect(st.CallbackURL, lt.Token, st.StateCode),
	}, nil
}

// recordUnbound stores the provider identity as an unbound row and mints
// a one-shot ticket the user can redeem to complete the bind once they
// have authenticated with a platform account.
func (s *BridgeService) recordUnbound(ctx context.Context, st *oauth.FlowState, profile oauth.Profile, accessToken string) (*CallbackResult, error) {
	now := s.now().UTC()
	_, err := s.bindings.UpsertUnbound(ctx, domain.ThirdPartyBinding{
		Provider:       st.Provider,
		ProviderUserID: profile.ProviderUserID,
		BindStatus:     domain.BindUnbound,
		Nickname:       profile.Nickname,
		AvatarURL:      profile.AvatarURL,
		Email:          profile.Email,
		AccessToken:    accessToken,
		LastLoginAt:    now,
	})
	if err != nil {
		return nil, fmt.Errorf("record unbound identity: %w", err)
	}

	ticket := oauth.FlowState{
		State:          newStateValue(),
		Mode:           oauth.ModePendingBind,
		Provider:       st.Provider,
		AppID:          st.AppID,
		CallbackURL:    st.CallbackURL,
		Permissions:    st.Permissions,
		StateCode:      st.StateCode,
		ProviderUserID: profile.ProviderUserID,
		CreatedAt:      now,
	}
	if err := s.states.SaveState(ctx, ticket, s.cfg.OAuthStateTTL); err != nil {
		return nil, fmt.Errorf("save pending bind ticket: %w", err)
	}

	s.audit("oauth.login.needs_bind", "provider", st.Provider, "app_id", st.AppID)
	return &CallbackResult{
		Outcome:        OutcomeNeedsBind,
		Provider:       st.Provider,
		ProviderUserID: profile.ProviderUserID,
		Nickname:       profile.Nickname,
		AvatarURL:      profile.AvatarURL,
		BindTicket:     ticket.State,
		TicketTTL:      int(s.cfg.OAuthStateTTL.Seconds()),
	}, nil
}

// CompleteBind redeems a pending-bind ticket for an authenticated user.
// When the original flow carried relying-app context the bind rolls
// straight into a login token so the user lands back in the application.
func (s *BridgeService) CompleteBind(ctx context.Context, ticket, userUUID, loginIP string) (*CallbackResult, error) {
	ctx, span := s.startSpan(ctx, "BridgeService.CompleteBind")
	defer span.End()

	if strings.TrimSpace(userUUID) == "" {
		return nil, oauth.ErrSessionRequired
	}

	st, err := s.states.ConsumeState(ctx, ticket)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("consume pending bind ticket: %w", err)
	}
	if st == nil || st.Mode != oauth.ModePendingBind {
		return nil, oauth.ErrStateInvalid
	}

	existing, err := s.bindings.GetByProviderUserID(ctx, st.Provider, st.ProviderUserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.ErrBindingNotFound
		}
		return nil, fmt.Errorf("lookup binding: %w", err)
	}

	profile := oauth.Profile{
		ProviderUserID: existing.ProviderUserID,
		Nickname:       existing.Nickname,
		AvatarURL:      existing.AvatarURL,
		Email:          existing.Email,
	}
	result, err := s.finishBind(ctx, st.Provider, userUUID, profile, existing.AccessToken, loginIP)
	if err != nil {
		span.RecordError(err)
		return nil, &FlowError{
			Mode: oauth.ModePendingBind,
			Err:  err,
		}
	}

	if st.AppID == "" {
		return result, nil
	}

	// The user proved both identities; continue the interrupted login.
	login, err := s.finishLogin(ctx, st, profile, existing.AccessToken, loginIP)
	if err != nil {
		span.RecordError(err)
		return nil, &FlowError{
			Mode:        oauth.ModeLogin,
			AppID:       st.AppID,
			CallbackURL: st.CallbackURL,
			Permissions: st.Permissions,
			StateCode:   st.StateCode,
			Err:         err,
		}
	}
	return login, nil
}

// Unlink removes the caller's binding for one provider.
func (s *BridgeService) Unlink(ctx context.Context, provider, userUUID string) error {
	ctx, span := s.startSpan(ctx, "BridgeService.Unlink")
	defer span.End()

	if strings.TrimSpace(userUUID) == "" {
		return oauth.ErrSessionRequired
	}
	binding, err := s.bindings.GetBoundByUser(ctx, provider, userUUID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.ErrBindingNotFound
		}
		return fmt.Errorf("lookup binding: %w", err)
	}
	if err := s.bindings.Unbind(ctx, binding.Provider, binding.ProviderUserID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("unbind: %w", err)
	}
	s.audit("oauth.unbind", "provider", provider, "user_uuid", userUUID)
	return nil
}

func (s *BridgeService) finishBind(ctx context.Context, provider, userUUID string, profile oauth.Profile, accessToken, loginIP string) (*CallbackResult, error) {
	if _, err := s.users.GetByUUID(ctx, userUUID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("load account: %w", err)
	}

	if err := s.bindings.Bind(ctx, provider, profile.ProviderUserID, userUUID, profile, accessToken); err != nil {
		return nil, err
	}

	s.audit("oauth.bind.success", "provider", provider, "user_uuid", userUUID)
	return &CallbackResult{
		Outcome:     OutcomeBound,
		Provider:    provider,
		RedirectURL: BindSecurityPath,
	}, nil
}

func (s *BridgeService) providerConfig(ctx context.Context, provider string) (oauth.ProviderConfig, error) {
	cfg, err := s.providers.GetProvider(ctx, provider)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return oauth.ProviderConfig{}, fmt.Errorf("%w: %s", oauth.ErrProviderNotConfigured, provider)
		}
		return oauth.ProviderConfig{}, fmt.Errorf("load provider config: %w", err)
	}
	if !cfg.Enabled {
		return oauth.ProviderConfig{}, fmt.Errorf("%w: %s disabled", oauth.ErrProviderNotConfigured, provider)
	}
	return cfg, nil
}

// authorizeURL builds the provider authorization URL. The redirect always
// points at the broker's own callback; relying-app callbacks never reach
// the provider.
func (s *BridgeService) authorizeURL(cfg oauth.ProviderConfig, state string) string {
	q := url.Values{}
	q.Set("client_id", cfg.ClientID)
	q.Set("redirect_uri", s.redirectURI(cfg.Provider))
	q.Set("response_type", "code")
	q.Set("state", state)
	if len(cfg.Scopes) > 0 {
		q.Set("scope", strings.Join(cfg.Scopes, " "))
	}
	for k, v := range cfg.Extra {
		q.Set(k, v)
	}

	sep := "?"
	if strings.Contains(cfg.AuthURL, "?") {
		sep = "&"
	}
	return cfg.AuthURL + sep + q.Encode()
}

func (s *BridgeService) redirectURI(provider string) string {
	return s.cfg.ExternalBaseURL + "/oauth/" + provider + "/callback"
}

func accountUsable(user domain.User) error {
	switch user.Status {
	case domain.UserActive:
		return nil
	case domain.UserBanned:
		return domain.ErrAccountBanned
	case domain.UserPendingReview:
		return domain.ErrAccountPending
	default:
		return domain.ErrAccountNotFound
	}
}

func (s *BridgeService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func (s *BridgeService) audit(event string, attrs ...any) {
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

func (s *BridgeService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}

func newStateValue() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
