package handler

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-broker/internal/config"
	"github.com/smallbiznis/valora-broker/internal/domain"
	domainoauth "github.com/smallbiznis/valora-broker/internal/domain/oauth"
	"github.com/smallbiznis/valora-broker/internal/http/middleware"
	"github.com/smallbiznis/valora-broker/internal/registry"
	"github.com/smallbiznis/valora-broker/internal/service"
)

// BrokerHandler orchestrates the login, bridge, and exchange endpoints.
type BrokerHandler struct {
	Registry *registry.Registry
	Login    *service.LoginService
	Bridge   *service.BridgeService
	Exchange *service.ExchangeService
	Cfg      config.Config
}

// NewBrokerHandler creates the handler set.
func NewBrokerHandler(reg *registry.Registry, login *service.LoginService, bridge *service.BridgeService, exchange *service.ExchangeService, cfg config.Config) *BrokerHandler {
	return &BrokerHandler{Registry: reg, Login: login, Bridge: bridge, Exchange: exchange, Cfg: cfg}
}

// Authorize is the application entry point: it validates the request and
// forwards the user to the hosted login page with the parameters intact.
func (h *BrokerHandler) Authorize(c *gin.Context) {
	appID := strings.TrimSpace(c.Query("app_id"))
	callbackURL := strings.TrimSpace(c.Query("callback_url"))
	permissions := strings.TrimSpace(c.Query("permissions"))
	stateCode := strings.TrimSpace(c.Query("state"))

	if appID == "" || callbackURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "app_id and callback_url are required."})
		return
	}

	if _, err := h.Registry.Validate(c.Request.Context(), appID, callbackURL, permissions, domain.FeatureLogin); err != nil {
		h.respondServiceError(c, err)
		return
	}

	q := url.Values{}
	q.Set("app_id", appID)
	q.Set("callback_url", callbackURL)
	if permissions != "" {
		q.Set("permissions", permissions)
	}
	if stateCode != "" {
		q.Set("state", stateCode)
	}
	c.Redirect(http.StatusFound, "/login?"+q.Encode())
}

// PasswordLogin authenticates with account and password.
func (h *BrokerHandler) PasswordLogin(c *gin.Context) {
	var req struct {
		AppID       string `form:"app_id" json:"app_id" binding:"required"`
		CallbackURL string `form:"callback_url" json:"callback_url" binding:"required"`
		Permissions string `form:"permissions" json:"permissions"`
		State       string `form:"state" json:"state"`
		Account     string `form:"account" json:"account" binding:"required"`
		Password    string `form:"password" json:"password" binding:"required"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid login request."})
		return
	}

	result, err := h.Login.PasswordLogin(c.Request.Context(), req.AppID, req.CallbackURL, req.Permissions, req.State, req.Account, req.Password, c.ClientIP())
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.setSessionCookie(c, result.SessionToken)
	c.JSON(http.StatusOK, gin.H{
		"redirect_url": result.RedirectURL,
		"nickname":     result.Nickname,
		"avatar_url":   result.AvatarURL,
	})
}

// CodeRequest sends a one-time login code to the account's address.
func (h *BrokerHandler) CodeRequest(c *gin.Context) {
	var req struct {
		Account string `form:"account" json:"account" binding:"required"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "account is required."})
		return
	}
	if err := h.Login.RequestLoginCode(c.Request.Context(), req.Account); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

// CodeLogin authenticates with a previously requested one-time code.
func (h *BrokerHandler) CodeLogin(c *gin.Context) {
	var req struct {
		AppID       string `form:"app_id" json:"app_id" binding:"required"`
		CallbackURL string `form:"callback_url" json:"callback_url" binding:"required"`
		Permissions string `form:"permissions" json:"permissions"`
		State       string `form:"state" json:"state"`
		Account     string `form:"account" json:"account" binding:"required"`
		Code        string `form:"code" json:"code" binding:"required"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid login request."})
		return
	}

	result, err := h.Login.CodeLogin(c.Request.Context(), req.AppID, req.CallbackURL, req.Permissions, req.State, req.Account, req.Code, c.ClientIP())
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.setSessionCookie(c, result.SessionToken)
	c.JSON(http.StatusOK, gin.H{
		"redirect_url": result.RedirectURL,
		"nickname":     result.Nickname,
		"avatar_url":   result.AvatarURL,
	})
}

// OAuthStart begins a login-mode provider flow for an application.
func (h *BrokerHandler) OAuthStart(c *gin.Context) {
	provider := c.Param("provider")
	appID := strings.TrimSpace(c.Query("app_id"))
	callbackURL := strings.TrimSpace(c.Query("callback_url"))
	if appID == "" || callbackURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "app_id and callback_url are required."})
		return
	}

	authorizeURL, err := h.Bridge.BeginAuthorization(c.Request.Context(), provider, appID, callbackURL,
		strings.TrimSpace(c.Query("permissions")), strings.TrimSpace(c.Query("state")))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.Redirect(http.StatusFound, authorizeURL)
}

// OAuthBindStart begins a bind-mode provider flow for the signed-in user.
func (h *BrokerHandler) OAuthBindStart(c *gin.Context) {
	session, ok := middleware.GetSession(c)
	if !ok {
		h.respondServiceError(c, domainoauth.ErrSessionRequired)
		return
	}
	authorizeURL, err := h.Bridge.BeginBinding(c.Request.Context(), c.Param("provider"), session.UserUUID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.Redirect(http.StatusFound, authorizeURL)
}

// OAuthCallback resolves the provider redirect for both flow modes.
func (h *BrokerHandler) OAuthCallback(c *gin.Context) {
	provider := c.Param("provider")
	code := strings.TrimSpace(c.Query("code"))
	state := strings.TrimSpace(c.Query("state"))
	providerErr := strings.TrimSpace(c.Query("error"))

	// A denial still names the state; burn it and route to recovery.
	if state != "" && (providerErr != "" || code == "") {
		h.redirectFlowError(c, h.Bridge.HandleProviderDenial(c.Request.Context(), provider, state, providerErr))
		return
	}
	if code == "" || state == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "code and state are required."})
		return
	}

	result, err := h.Bridge.HandleCallback(c.Request.Context(), provider, code, state, c.ClientIP())
	if err != nil {
		h.redirectFlowError(c, err)
		return
	}
	h.respondCallbackResult(c, result)
}

// OAuthBindComplete redeems a pending-bind ticket for the signed-in user.
func (h *BrokerHandler) OAuthBindComplete(c *gin.Context) {
	session, ok := middleware.GetSession(c)
	if !ok {
		h.respondServiceError(c, domainoauth.ErrSessionRequired)
		return
	}
	var req struct {
		Ticket string `form:"ticket" json:"ticket" binding:"required"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "ticket is required."})
		return
	}

	result, err := h.Bridge.CompleteBind(c.Request.Context(), req.Ticket, session.UserUUID, c.ClientIP())
	if err != nil {
		h.respondServiceError(c, unwrapFlowError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"outcome":      string(result.Outcome),
		"redirect_url": result.RedirectURL,
	})
}

// OAuthUnbind detaches the provider identity from the signed-in user.
func (h *BrokerHandler) OAuthUnbind(c *gin.Context) {
	session, ok := middleware.GetSession(c)
	if !ok {
		h.respondServiceError(c, domainoauth.ErrSessionRequired)
		return
	}
	if err := h.Bridge.Unlink(c.Request.Context(), c.Param("provider"), session.UserUUID); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unbound"})
}

// ExchangeToken trades a single-use login token for credentials.
func (h *BrokerHandler) ExchangeToken(c *gin.Context) {
	var req struct {
		AppID       string `form:"app_id" json:"app_id" binding:"required"`
		SecretKey   string `form:"secret_key" json:"secret_key" binding:"required"`
		Token       string `form:"token" json:"token" binding:"required"`
		Permissions string `form:"permissions" json:"permissions"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "app_id, secret_key, and token are required."})
		return
	}

	resp, err := h.Exchange.Exchange(c.Request.Context(), req.AppID, req.SecretKey, req.Token, req.Permissions)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// RefreshToken rotates a refresh grant.
func (h *BrokerHandler) RefreshToken(c *gin.Context) {
	var req struct {
		AppID        string `form:"app_id" json:"app_id" binding:"required"`
		SecretKey    string `form:"secret_key" json:"secret_key" binding:"required"`
		RefreshToken string `form:"refresh_token" json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "app_id, secret_key, and refresh_token are required."})
		return
	}

	resp, err := h.Exchange.Refresh(c.Request.Context(), req.AppID, req.SecretKey, req.RefreshToken)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// RevokeToken invalidates a refresh grant per RFC 7009.
func (h *BrokerHandler) RevokeToken(c *gin.Context) {
	var req struct {
		AppID        string `form:"app_id" json:"app_id" binding:"required"`
		SecretKey    string `form:"secret_key" json:"secret_key" binding:"required"`
		RefreshToken string `form:"refresh_token" json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "app_id, secret_key, and refresh_token are required."})
		return
	}
	if err := h.Exchange.Revoke(c.Request.Context(), req.AppID, req.SecretKey, req.RefreshToken); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

// UserInfo returns the scope-filtered profile behind an access token.
func (h *BrokerHandler) UserInfo(c *gin.Context) {
	appID := strings.TrimSpace(c.Query("app_id"))
	authz := c.GetHeader("Authorization")
	parts := strings.SplitN(authz, " ", 2)
	if appID == "" || len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		c.Header("WWW-Authenticate", "Bearer")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "app_id and bearer token are required."})
		return
	}

	info, err := h.Exchange.GetUserInfo(c.Request.Context(), appID, strings.TrimSpace(parts[1]))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// UpdateOpenID lets an application tag or group one of its openid rows.
func (h *BrokerHandler) UpdateOpenID(c *gin.Context) {
	var req struct {
		AppID     string  `form:"app_id" json:"app_id" binding:"required"`
		SecretKey string  `form:"secret_key" json:"secret_key" binding:"required"`
		OpenID    string  `form:"openid" json:"openid" binding:"required"`
		Tags      *string `form:"tags" json:"tags"`
		GroupName *string `form:"group_name" json:"group_name"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "app_id, secret_key, and openid are required."})
		return
	}
	if err := h.Exchange.UpdateOpenID(c.Request.Context(), req.AppID, req.SecretKey, req.OpenID, req.Tags, req.GroupName); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (h *BrokerHandler) respondCallbackResult(c *gin.Context, result *service.CallbackResult) {
	switch result.Outcome {
	case service.OutcomeLoggedIn, service.OutcomeBound:
		c.Redirect(http.StatusFound, result.RedirectURL)
	case service.OutcomeNeedsBind:
		q := url.Values{}
		q.Set("provider", result.Provider)
		q.Set("ticket", result.BindTicket)
		if result.Nickname != "" {
			q.Set("nickname", result.Nickname)
		}
		if result.AvatarURL != "" {
			q.Set("avatar", result.AvatarURL)
		}
		c.Redirect(http.StatusFound, "/bind?"+q.Encode())
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Unexpected flow outcome."})
	}
}

// redirectFlowError sends the user to the mode's recovery destination
// with a machine-readable error code attached. Invalid state has no
// resolved flow context, so it falls back to the login page.
func (h *BrokerHandler) redirectFlowError(c *gin.Context, err error) {
	var flowErr *service.FlowError
	if errors.As(err, &flowErr) {
		dest := flowErr.RecoveryURL()
		sep := "?"
		if strings.Contains(dest, "?") {
			sep = "&"
		}
		zap.L().Warn("oauth flow failed", zap.String("mode", string(flowErr.Mode)), zap.Error(err))
		c.Redirect(http.StatusFound, dest+sep+"error="+errorCode(flowErr.Err))
		return
	}
	if errors.Is(err, domainoauth.ErrStateInvalid) {
		zap.L().Warn("oauth state rejected", zap.Error(err))
		c.Redirect(http.StatusFound, "/login?error=invalid_state")
		return
	}
	h.respondServiceError(c, err)
}

func (h *BrokerHandler) setSessionCookie(c *gin.Context, token string) {
	if token == "" {
		return
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  time.Now().Add(h.Cfg.SessionTTL),
		HttpOnly: true,
		Secure:   c.Request.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

func unwrapFlowError(err error) error {
	var flowErr *service.FlowError
	if errors.As(err, &flowErr) {
		return flowErr.Err
	}
	return err
}

// respondServiceError maps domain errors onto HTTP. Every rejection the
// services can produce lands here so the wire format stays uniform.
func (h *BrokerHandler) respondServiceError(c *gin.Context, err error) {
	logger := zap.L()

	var oauthErr *service.OAuthError
	if errors.As(err, &oauthErr) {
		logger.Warn("request rejected", zap.Error(err))
		c.JSON(oauthErr.Status, gin.H{"error": oauthErr.Code, "error_description": oauthErr.Description})
		return
	}

	var featureErr *domain.FeatureDisabledError
	var callbackErr *domain.CallbackNotAuthorizedError
	var permErr *domain.PermissionDeniedError

	switch {
	case errors.Is(err, domain.ErrAppNotFound):
		logger.Warn("unknown application", zap.Error(err))
		c.JSON(http.StatusNotFound, gin.H{"error": "invalid_app", "error_description": "Application not found."})
	case errors.Is(err, domain.ErrAppBanned):
		c.JSON(http.StatusForbidden, gin.H{"error": "app_banned", "error_description": "Application has been disabled."})
	case errors.Is(err, domain.ErrAppPendingReview):
		c.JSON(http.StatusForbidden, gin.H{"error": "app_pending_review", "error_description": "Application has not been approved yet."})
	case errors.As(err, &featureErr):
		c.JSON(http.StatusForbidden, gin.H{"error": "feature_disabled", "error_description": "Feature is not enabled for this application.", "feature": string(featureErr.Feature)})
	case errors.As(err, &callbackErr):
		c.JSON(http.StatusForbidden, gin.H{"error": "callback_not_authorized", "error_description": "Callback URL is not authorized for this application."})
	case errors.As(err, &permErr):
		c.JSON(http.StatusForbidden, gin.H{"error": "permission_denied", "error_description": "Requested permissions exceed the application's grant.", "denied": permErr.Denied})
	case errors.Is(err, domain.ErrAccountBanned):
		c.JSON(http.StatusForbidden, gin.H{"error": "account_banned", "error_description": "Account has been disabled."})
	case errors.Is(err, domain.ErrAccountPending):
		c.JSON(http.StatusForbidden, gin.H{"error": "account_pending_review", "error_description": "Account is pending review."})
	case errors.Is(err, domain.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found", "error_description": "Account not found."})
	case errors.Is(err, domain.ErrTokenNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "invalid_token", "error_description": "Login token not found."})
	case errors.Is(err, domain.ErrTokenExpired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "token_expired", "error_description": "Login token has expired."})
	case errors.Is(err, domain.ErrTokenConsumed):
		c.JSON(http.StatusBadRequest, gin.H{"error": "token_consumed", "error_description": "Login token was already exchanged."})
	case errors.Is(err, domain.ErrMappingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "openid_not_found", "error_description": "OpenID mapping not found."})
	case errors.Is(err, domain.ErrMappingDisabled):
		c.JSON(http.StatusForbidden, gin.H{"error": "openid_disabled", "error_description": "OpenID mapping is disabled."})
	case errors.Is(err, domain.ErrAlreadyBound):
		c.JSON(http.StatusConflict, gin.H{"error": "already_bound", "error_description": "Provider identity is bound to another account."})
	case errors.Is(err, domain.ErrUserHasBinding):
		c.JSON(http.StatusConflict, gin.H{"error": "user_has_binding", "error_description": "Account already has a binding for this provider."})
	case errors.Is(err, domain.ErrBindingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "binding_not_found", "error_description": "No binding for this provider."})
	case errors.Is(err, domainoauth.ErrProviderNotConfigured):
		logger.Warn("provider not configured", zap.Error(err))
		c.JSON(http.StatusNotFound, gin.H{"error": "provider_not_configured", "error_description": "OAuth provider is not configured."})
	case errors.Is(err, domainoauth.ErrStateInvalid):
		logger.Warn("invalid oauth state", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_state", "error_description": "OAuth state is invalid or was already used."})
	case errors.Is(err, domainoauth.ErrProviderResponse):
		logger.Warn("provider error", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "provider_error", "error_description": "The provider rejected the request."})
	case errors.Is(err, domainoauth.ErrSessionRequired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session_required", "error_description": "Sign in to the platform first."})
	default:
		logger.Error("service failure", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
	}
}

// errorCode is the redirect-safe form of respondServiceError: just the
// machine-readable code, never free text.
func errorCode(err error) string {
	var oauthErr *service.OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr.Code
	}
	var featureErr *domain.FeatureDisabledError
	var callbackErr *domain.CallbackNotAuthorizedError
	var permErr *domain.PermissionDeniedError
	switch {
	case errors.Is(err, domain.ErrAppNotFound):
		return "invalid_app"
	case errors.Is(err, domain.ErrAppBanned):
		return "app_banned"
	case errors.Is(err, domain.ErrAppPendingReview):
		return "app_pending_review"
	case errors.As(err, &featureErr):
		return "feature_disabled"
	case errors.As(err, &callbackErr):
		return "callback_not_authorized"
	case errors.As(err, &permErr):
		return "permission_denied"
	case errors.Is(err, domain.ErrAccountBanned):
		return "account_banned"
	case errors.Is(err, domain.ErrAccountPending):
		return "account_pending_review"
	case errors.Is(err, domain.ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, domain.ErrAlreadyBound):
		return "already_bound"
	case errors.Is(err, domain.ErrUserHasBinding):
		return "user_has_binding"
	case errors.Is(err, domainoauth.ErrProviderNotConfigured):
		return "provider_not_configured"
	case errors.Is(err, domainoauth.ErrStateInvalid):
		return "invalid_state"
	case errors.Is(err, domainoauth.ErrProviderResponse):
		return "provider_error"
	default:
		return "server_error"
	}
}
