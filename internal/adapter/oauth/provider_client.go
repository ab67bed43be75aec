package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	domainoauth "github.com/smallbiznis/valora-broker/internal/domain/oauth"
)

// ProviderClient encapsulates outbound HTTP calls to social providers.
// Failures are terminal for the flow: authorization codes are single-use
// upstream, so nothing here retries.
type ProviderClient interface {
	ExchangeCode(ctx context.Context, cfg domainoauth.ProviderConfig, code, redirectURI string) (*domainoauth.TokenResponse, error)
	FetchProfile(ctx context.Context, cfg domainoauth.ProviderConfig, token *domainoauth.TokenResponse) (*domainoauth.Profile, error)
}

// HTTPProviderClient is the default HTTP implementation, parametrized by
// the per-provider descriptor table.
type HTTPProviderClient struct {
	httpClient *http.Client
}

// NewHTTPProviderClient constructs the default ProviderClient.
func NewHTTPProviderClient(client *http.Client, timeout time.Duration) *HTTPProviderClient {
	if client == nil {
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPProviderClient{httpClient: client}
}

var _ ProviderClient = (*HTTPProviderClient)(nil)

// ExchangeCode swaps the authorization code for the provider's token.
func (c *HTTPProviderClient) ExchangeCode(ctx context.Context, cfg domainoauth.ProviderConfig, code, redirectURI string) (*domainoauth.TokenResponse, error) {
	if strings.TrimSpace(cfg.TokenURL) == "" {
		return nil, fmt.Errorf("%w: token url missing for %s", domainoauth.ErrProviderNotConfigured, cfg.Provider)
	}
	desc, ok := DescriptorFor(cfg.Provider)
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %s", domainoauth.ErrProviderNotConfigured, cfg.Provider)
	}

	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", redirectURI)
	data.Set("client_id", cfg.ClientID)
	data.Set("client_secret", cfg.ClientSecret)
	for k, v := range desc.ExtraTokenParams {
		data.Set(k, v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	raw, err := c.doJSON(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange %s: %w", cfg.Provider, err)
	}
	if errText := stringValue(raw["error"]); errText != "" {
		desc := stringValue(raw["error_description"])
		return nil, fmt.Errorf("%w: %s %s", domainoauth.ErrProviderResponse, errText, desc)
	}

	token := &domainoauth.TokenResponse{
		AccessToken:  stringValue(raw["access_token"]),
		RefreshToken: stringValue(raw["refresh_token"]),
		TokenType:    stringValue(raw["token_type"]),
		Scope:        stringValue(raw["scope"]),
		ExpiresIn:    int64Value(raw["expires_in"]),
		Raw:          raw,
	}
	if desc.TokenResponseIDField != "" {
		token.OpenID = stringValue(raw[desc.TokenResponseIDField])
	}
	if strings.TrimSpace(token.AccessToken) == "" {
		return nil, fmt.Errorf("%w: empty access token", domainoauth.ErrProviderResponse)
	}
	return token, nil
}

// FetchProfile loads and normalizes the provider's profile payload.
func (c *HTTPProviderClient) FetchProfile(ctx context.Context, cfg domainoauth.ProviderConfig, token *domainoauth.TokenResponse) (*domainoauth.Profile, error) {
	if strings.TrimSpace(cfg.ProfileURL) == "" {
		return nil, fmt.Errorf("%w: profile url missing for %s", domainoauth.ErrProviderNotConfigured, cfg.Provider)
	}
	desc, ok := DescriptorFor(cfg.Provider)
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %s", domainoauth.ErrProviderNotConfigured, cfg.Provider)
	}

	target, err := url.Parse(cfg.ProfileURL)
	if err != nil {
		return nil, fmt.Errorf("parse profile url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build profile request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	switch desc.ProfileAuth {
	case AuthHeader:
		req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	case AuthQuery:
		q := target.Query()
		q.Set("access_token", token.AccessToken)
		if desc.ProfileIDParam != "" && token.OpenID != "" {
			q.Set(desc.ProfileIDParam, token.OpenID)
		}
		target.RawQuery = q.Encode()
		req.URL = target
	}

	raw, err := c.doJSON(req)
	if err != nil {
		return nil, fmt.Errorf("fetch profile %s: %w", cfg.Provider, err)
	}

	profile := &domainoauth.Profile{
		ProviderUserID: firstString(raw, desc.ProfileIDFields),
		Nickname:       firstString(raw, desc.NicknameFields),
		AvatarURL:      firstString(raw, desc.AvatarFields),
		Email:          firstString(raw, desc.EmailFields),
		Raw:            raw,
	}
	if profile.ProviderUserID == "" {
		// QQ's profile payload omits the openid; the token leg carried it.
		profile.ProviderUserID = token.OpenID
	}
	if profile.ProviderUserID == "" {
		return nil, fmt.Errorf("%w: profile missing user id", domainoauth.ErrProviderResponse)
	}
	return profile, nil
}

func (c *HTTPProviderClient) doJSON(req *http.Request) (map[string]any, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status=%d", domainoauth.ErrProviderResponse, resp.StatusCode)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", domainoauth.ErrProviderResponse, err)
	}
	return raw, nil
}

func firstString(raw map[string]any, fields []string) string {
	for _, field := range fields {
		if v := stringValue(raw[field]); strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func stringValue(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case fmt.Stringer:
		return v.String()
	default:
		return ""
	}
}

func int64Value(input any) int64 {
	switch v := input.(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
