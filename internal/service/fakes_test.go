package service_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smallbiznis/valora-broker/internal/domain"
	"github.com/smallbiznis/valora-broker/internal/domain/oauth"
	"github.com/smallbiznis/valora-broker/internal/repository"
)

type memoryAppRepo struct {
	mu   sync.Mutex
	apps map[string]domain.Application
}

func newMemoryAppRepo(apps ...domain.Application) *memoryAppRepo {
	repo := &memoryAppRepo{apps: make(map[string]domain.Application)}
	for _, app := range apps {
		repo.apps[app.AppID] = app
	}
	return repo
}

func (m *memoryAppRepo) GetByAppID(ctx context.Context, appID string) (domain.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[appID]
	if !ok {
		return domain.Application{}, repository.ErrNotFound
	}
	return app, nil
}

func (m *memoryAppRepo) Create(ctx context.Context, app domain.Application) (domain.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apps[app.AppID]; ok {
		return domain.Application{}, repository.ErrConflict
	}
	app.ID = int64(len(m.apps) + 1)
	m.apps[app.AppID] = app
	return app, nil
}

type memoryUserRepo struct {
	mu    sync.Mutex
	users map[string]domain.User
}

func newMemoryUserRepo(users ...domain.User) *memoryUserRepo {
	repo := &memoryUserRepo{users: make(map[string]domain.User)}
	for _, user := range users {
		repo.users[user.UUID] = user
	}
	return repo
}

func (m *memoryUserRepo) GetByUUID(ctx context.Context, userUUID string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userUUID]
	if !ok {
		return domain.User{}, repository.ErrNotFound
	}
	return user, nil
}

func (m *memoryUserRepo) GetByAccount(ctx context.Context, account string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Username == account || user.Email == account || user.Phone == account {
			return user, nil
		}
	}
	return domain.User{}, repository.ErrNotFound
}

type memoryTokenRepo struct {
	mu     sync.Mutex
	nextID int64
	tokens map[string]domain.LoginToken
}

func newMemoryTokenRepo() *memoryTokenRepo {
	return &memoryTokenRepo{tokens: make(map[string]domain.LoginToken)}
}

func (m *memoryTokenRepo) Insert(ctx context.Context, token domain.LoginToken) (domain.LoginToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[token.Token]; ok {
		return domain.LoginToken{}, repository.ErrConflict
	}
	m.nextID++
	token.ID = m.nextID
	m.tokens[token.Token] = token
	return token, nil
}

func (m *memoryTokenRepo) Consume(ctx context.Context, token string, now time.Time) (domain.LoginToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.tokens[token]
	if !ok || stored.Status != domain.TokenIssued || !stored.ExpiresAt.After(now) {
		return domain.LoginToken{}, repository.ErrNotFound
	}
	stored.Status = domain.TokenConsumed
	m.tokens[token] = stored
	return stored, nil
}

func (m *memoryTokenRepo) Get(ctx context.Context, token string) (domain.LoginToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.tokens[token]
	if !ok {
		return domain.LoginToken{}, repository.ErrNotFound
	}
	return stored, nil
}

func (m *memoryTokenRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

type memoryOpenIDRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   map[string]domain.OpenIDMapping
}

func newMemoryOpenIDRepo() *memoryOpenIDRepo {
	return &memoryOpenIDRepo{rows: make(map[string]domain.OpenIDMapping)}
}

func openIDKey(userUUID, appID string) string {
	return userUUID + "|" + appID
}

func (m *memoryOpenIDRepo) Get(ctx context.Context, userUUID, appID string) (domain.OpenIDMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[openIDKey(userUUID, appID)]
	if !ok {
		return domain.OpenIDMapping{}, repository.ErrNotFound
	}
	return row, nil
}

func (m *memoryOpenIDRepo) GetByOpenID(ctx context.Context, openID, appID string) (domain.OpenIDMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.OpenID == openID && row.AppID == appID {
			return row, nil
		}
	}
	return domain.OpenIDMapping{}, repository.ErrNotFound
}

func (m *memoryOpenIDRepo) Insert(ctx context.Context, mapping domain.OpenIDMapping) (domain.OpenIDMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := openIDKey(mapping.UserUUID, mapping.AppID)
	if _, ok := m.rows[key]; ok {
		return domain.OpenIDMapping{}, repository.ErrConflict
	}
	m.nextID++
	mapping.ID = m.nextID
	m.rows[key] = mapping
	return mapping, nil
}

func (m *memoryOpenIDRepo) Update(ctx context.Context, openID, appID string, tags, groupName *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, row := range m.rows {
		if row.OpenID == openID && row.AppID == appID {
			if tags != nil {
				row.Tags = *tags
			}
			if groupName != nil {
				row.GroupName = *groupName
			}
			m.rows[key] = row
			return nil
		}
	}
	return repository.ErrNotFound
}

type memoryBindingRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   map[string]domain.ThirdPartyBinding
}

func newMemoryBindingRepo(bindings ...domain.ThirdPartyBinding) *memoryBindingRepo {
	repo := &memoryBindingRepo{rows: make(map[string]domain.ThirdPartyBinding)}
	for _, b := range bindings {
		repo.rows[bindingKey(b.Provider, b.ProviderUserID)] = b
	}
	return repo
}

func bindingKey(provider, providerUserID string) string {
	return provider + "|" + providerUserID
}

func (m *memoryBindingRepo) GetByProviderUserID(ctx context.Context, provider, providerUserID string) (domain.ThirdPartyBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[bindingKey(provider, providerUserID)]
	if !ok {
		return domain.ThirdPartyBinding{}, repository.ErrNotFound
	}
	return row, nil
}

func (m *memoryBindingRepo) GetBoundByUser(ctx context.Context, provider, userUUID string) (domain.ThirdPartyBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.Provider == provider && row.UserUUID == userUUID && row.BindStatus == domain.BindBound {
			return row, nil
		}
	}
	return domain.ThirdPartyBinding{}, repository.ErrNotFound
}

func (m *memoryBindingRepo) UpsertUnbound(ctx context.Context, binding domain.ThirdPartyBinding) (domain.ThirdPartyBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := bindingKey(binding.Provider, binding.ProviderUserID)
	if existing, ok := m.rows[key]; ok {
		if existing.BindStatus == domain.BindBound {
			return existing, nil
		}
		existing.Nickname = binding.Nickname
		existing.AvatarURL = binding.AvatarURL
		existing.Email = binding.Email
		existing.AccessToken = binding.AccessToken
		existing.LastLoginAt = binding.LastLoginAt
		m.rows[key] = existing
		return existing, nil
	}
	m.nextID++
	binding.ID = m.nextID
	binding.BindStatus = domain.BindUnbound
	m.rows[key] = binding
	return binding, nil
}

func (m *memoryBindingRepo) Bind(ctx context.Context, provider, providerUserID, userUUID string, profile oauth.Profile, accessToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := bindingKey(provider, providerUserID)
	existing, exists := m.rows[key]
	rebind := exists && existing.BindStatus == domain.BindBound
	if rebind && existing.UserUUID != userUUID {
		return domain.ErrAlreadyBound
	}
	if !rebind {
		for _, row := range m.rows {
			if row.Provider == provider && row.UserUUID == userUUID && row.BindStatus == domain.BindBound {
				return domain.ErrUserHasBinding
			}
		}
	}
	row := m.rows[key]
	if row.ID == 0 {
		m.nextID++
		row.ID = m.nextID
	}
	row.Provider = provider
	row.ProviderUserID = providerUserID
	row.UserUUID = userUUID
	row.BindStatus = domain.BindBound
	row.Nickname = profile.Nickname
	row.AvatarURL = profile.AvatarURL
	row.Email = profile.Email
	row.AccessToken = accessToken
	m.rows[key] = row
	return nil
}

func (m *memoryBindingRepo) RefreshLogin(ctx context.Context, provider, providerUserID string, profile oauth.Profile, accessToken string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := bindingKey(provider, providerUserID)
	row, ok := m.rows[key]
	if !ok {
		return repository.ErrNotFound
	}
	row.Nickname = profile.Nickname
	row.AvatarURL = profile.AvatarURL
	row.Email = profile.Email
	row.AccessToken = accessToken
	row.LastLoginAt = at
	m.rows[key] = row
	return nil
}

func (m *memoryBindingRepo) Unbind(ctx context.Context, provider, providerUserID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := bindingKey(provider, providerUserID)
	row, ok := m.rows[key]
	if !ok || row.BindStatus != domain.BindBound {
		return repository.ErrNotFound
	}
	row.UserUUID = ""
	row.BindStatus = domain.BindUnbound
	m.rows[key] = row
	return nil
}

type memoryProviderRepo struct {
	configs map[string]oauth.ProviderConfig
}

func newMemoryProviderRepo(configs ...oauth.ProviderConfig) *memoryProviderRepo {
	repo := &memoryProviderRepo{configs: make(map[string]oauth.ProviderConfig)}
	for _, cfg := range configs {
		repo.configs[cfg.Provider] = cfg
	}
	return repo
}

func (m *memoryProviderRepo) GetProvider(ctx context.Context, provider string) (oauth.ProviderConfig, error) {
	cfg, ok := m.configs[provider]
	if !ok {
		return oauth.ProviderConfig{}, repository.ErrNotFound
	}
	return cfg, nil
}

type memoryGrantRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]domain.AccessGrant
}

func newMemoryGrantRepo() *memoryGrantRepo {
	return &memoryGrantRepo{rows: make(map[int64]domain.AccessGrant)}
}

func (m *memoryGrantRepo) Create(ctx context.Context, grant domain.AccessGrant) (domain.AccessGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	grant.ID = m.nextID
	m.rows[grant.ID] = grant
	return grant, nil
}

func (m *memoryGrantRepo) GetByRefreshToken(ctx context.Context, appID, refreshToken string) (domain.AccessGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.AppID == appID && row.RefreshToken == refreshToken {
			return row, nil
		}
	}
	return domain.AccessGrant{}, repository.ErrNotFound
}

func (m *memoryGrantRepo) RotateRefreshToken(ctx context.Context, grantID int64, refreshToken string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[grantID]
	if !ok || row.Revoked {
		return repository.ErrNotFound
	}
	row.RefreshToken = refreshToken
	row.ExpiresAt = expiresAt
	m.rows[grantID] = row
	return nil
}

func (m *memoryGrantRepo) Revoke(ctx context.Context, grantID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[grantID]
	if !ok {
		return nil
	}
	row.Revoked = true
	m.rows[grantID] = row
	return nil
}

type memoryKeyRepo struct {
	mu     sync.Mutex
	nextID int64
	keys   map[string]domain.SigningKey
}

func newMemoryKeyRepo() *memoryKeyRepo {
	return &memoryKeyRepo{keys: make(map[string]domain.SigningKey)}
}

func (m *memoryKeyRepo) GetActiveKey(ctx context.Context, scope string) (domain.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[scope]
	if !ok {
		return domain.SigningKey{}, repository.ErrNotFound
	}
	return key, nil
}

func (m *memoryKeyRepo) CreateKey(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	key.ID = m.nextID
	m.keys[key.Scope] = key
	return key, nil
}

type memoryStateStore struct {
	mu     sync.Mutex
	states map[string]oauth.FlowState
}

func newMemoryStateStore() *memoryStateStore {
	return &memoryStateStore{states: make(map[string]oauth.FlowState)}
}

func (m *memoryStateStore) SaveState(ctx context.Context, state oauth.FlowState, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.State] = state
	return nil
}

func (m *memoryStateStore) ConsumeState(ctx context.Context, state string) (*oauth.FlowState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.states[state]
	if !ok {
		return nil, nil
	}
	delete(m.states, state)
	return &stored, nil
}

func (m *memoryStateStore) lastState() (oauth.FlowState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.states {
		return st, true
	}
	return oauth.FlowState{}, false
}

type memoryCodeStore struct {
	mu    sync.Mutex
	codes map[string]string
}

func newMemoryCodeStore() *memoryCodeStore {
	return &memoryCodeStore{codes: make(map[string]string)}
}

func (m *memoryCodeStore) SaveCode(ctx context.Context, target, codeHash string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[target] = codeHash
	return nil
}

func (m *memoryCodeStore) ConsumeCode(ctx context.Context, target string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash, ok := m.codes[target]
	if !ok {
		return "", nil
	}
	delete(m.codes, target)
	return hash, nil
}

type fakeProviderClient struct {
	token      *oauth.TokenResponse
	profile    *oauth.Profile
	exchanges  int
	exchangeFn func(code string) (*oauth.TokenResponse, error)
}

func (f *fakeProviderClient) ExchangeCode(ctx context.Context, cfg oauth.ProviderConfig, code, redirectURI string) (*oauth.TokenResponse, error) {
	f.exchanges++
	if f.exchangeFn != nil {
		return f.exchangeFn(code)
	}
	if f.token == nil {
		return nil, fmt.Errorf("no token configured")
	}
	return f.token, nil
}

func (f *fakeProviderClient) FetchProfile(ctx context.Context, cfg oauth.ProviderConfig, token *oauth.TokenResponse) (*oauth.Profile, error) {
	if f.profile == nil {
		return nil, fmt.Errorf("no profile configured")
	}
	return f.profile, nil
}

type recordingSender struct {
	mu        sync.Mutex
	targets   []string
	templates []string
	variables []map[string]string
}

func (s *recordingSender) Send(ctx context.Context, target, template string, variables map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, target)
	s.templates = append(s.templates, template)
	s.variables = append(s.variables, variables)
	return nil
}
