package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallbiznis/valora-broker/internal/domain"
	"github.com/smallbiznis/valora-broker/internal/domain/oauth"
)

// Compile-time interface assertions.
var (
	_ AppRepository            = (*PostgresAppRepo)(nil)
	_ UserRepository           = (*PostgresUserRepo)(nil)
	_ LoginTokenRepository     = (*PostgresLoginTokenRepo)(nil)
	_ OpenIDRepository         = (*PostgresOpenIDRepo)(nil)
	_ BindingRepository        = (*PostgresBindingRepo)(nil)
	_ ProviderConfigRepository = (*PostgresProviderConfigRepo)(nil)
	_ AccessGrantRepository    = (*PostgresGrantRepo)(nil)
	_ KeyRepository            = (*PostgresKeyRepo)(nil)
)

const uniqueViolation = "23505"

func translate(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// PostgresAppRepo implements AppRepository.
type PostgresAppRepo struct {
	db *pgxpool.Pool
}

func NewPostgresAppRepo(pool *pgxpool.Pool) *PostgresAppRepo {
	return &PostgresAppRepo{db: pool}
}

const appColumns = `id, app_id, secret_key, name, status, callback_urls, callback_mode, permissions,
enable_login, enable_register, enable_third_party_login, providers, created_at, updated_at`

const getAppSQL = `SELECT ` + appColumns + ` FROM applications WHERE app_id = $1`

func (r *PostgresAppRepo) GetByAppID(ctx context.Context, appID string) (domain.Application, error) {
	row := r.db.QueryRow(ctx, getAppSQL, appID)
	app, err := scanApp(row)
	if err != nil {
		return domain.Application{}, translate("get application", err)
	}
	return app, nil
}

const insertAppSQL = `INSERT INTO applications
(app_id, secret_key, name, status, callback_urls, callback_mode, permissions,
 enable_login, enable_register, enable_third_party_login, providers)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING ` + appColumns

func (r *PostgresAppRepo) Create(ctx context.Context, app domain.Application) (domain.Application, error) {
	row := r.db.QueryRow(ctx, insertAppSQL,
		app.AppID,
		app.SecretKey,
		app.Name,
		app.Status,
		app.CallbackURLs,
		app.CallbackMode,
		app.Permissions,
		app.EnableLogin,
		app.EnableRegister,
		app.EnableThirdPartyLogin,
		app.Providers,
	)
	created, err := scanApp(row)
	if err != nil {
		return domain.Application{}, translate("create application", err)
	}
	return created, nil
}

func scanApp(row pgx.Row) (domain.Application, error) {
	var app domain.Application
	err := row.Scan(
		&app.ID,
		&app.AppID,
		&app.SecretKey,
		&app.Name,
		&app.Status,
		&app.CallbackURLs,
		&app.CallbackMode,
		&app.Permissions,
		&app.EnableLogin,
		&app.EnableRegister,
		&app.EnableThirdPartyLogin,
		&app.Providers,
		&app.CreatedAt,
		&app.UpdatedAt,
	)
	return app, err
}

// PostgresUserRepo implements UserRepository against the platform user
// directory. The broker never writes these rows.
type PostgresUserRepo struct {
	db *pgxpool.Pool
}

func NewPostgresUserRepo(pool *pgxpool.Pool) *PostgresUserRepo {
	return &PostgresUserRepo{db: pool}
}

const userColumns = `id, uuid, username, email, phone, password_hash, nickname, avatar_url, status, created_at, updated_at`

const getUserByUUIDSQL = `SELECT ` + userColumns + ` FROM users WHERE uuid = $1`

func (r *PostgresUserRepo) GetByUUID(ctx context.Context, userUUID string) (domain.User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, getUserByUUIDSQL, userUUID))
	if err != nil {
		return domain.User{}, translate("get user", err)
	}
	return user, nil
}

const getUserByAccountSQL = `SELECT ` + userColumns + ` FROM users
WHERE username = $1 OR lower(email) = $1 OR phone = $1
LIMIT 1`

func (r *PostgresUserRepo) GetByAccount(ctx context.Context, account string) (domain.User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, getUserByAccountSQL, account))
	if err != nil {
		return domain.User{}, translate("get user by account", err)
	}
	return user, nil
}

func scanUser(row pgx.Row) (domain.User, error) {
	var u domain.User
	err := row.Scan(
		&u.ID,
		&u.UUID,
		&u.Username,
		&u.Email,
		&u.Phone,
		&u.PasswordHash,
		&u.Nickname,
		&u.AvatarURL,
		&u.Status,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	return u, err
}

// PostgresLoginTokenRepo implements LoginTokenRepository.
type PostgresLoginTokenRepo struct {
	db   *pgxpool.Pool
	node *snowflake.Node
}

func NewPostgresLoginTokenRepo(pool *pgxpool.Pool, node *snowflake.Node) *PostgresLoginTokenRepo {
	return &PostgresLoginTokenRepo{db: pool, node: node}
}

const tokenColumns = `id, token, user_uuid, app_id, status, login_method, login_ip, validity_period,
expires_at, callback_url, permissions, extra_info, created_at`

const insertTokenSQL = `INSERT INTO login_tokens
(id, token, user_uuid, app_id, status, login_method, login_ip, validity_period,
 expires_at, callback_url, permissions, extra_info, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING ` + tokenColumns

func (r *PostgresLoginTokenRepo) Insert(ctx context.Context, token domain.LoginToken) (domain.LoginToken, error) {
	row := r.db.QueryRow(ctx, insertTokenSQL,
		r.node.Generate().Int64(),
		token.Token,
		token.UserUUID,
		token.AppID,
		token.Status,
		token.LoginMethod,
		token.LoginIP,
		token.ValidityPeriod,
		token.ExpiresAt,
		token.CallbackURL,
		token.Permissions,
		token.ExtraInfo,
		token.CreatedAt,
	)
	created, err := scanToken(row)
	if err != nil {
		return domain.LoginToken{}, translate("insert login token", err)
	}
	return created, nil
}

// consumeTokenSQL is a single conditional update: only an issued,
// unexpired row flips. Two concurrent exchanges cannot both match.
const consumeTokenSQL = `UPDATE login_tokens
SET status = 'consumed'
WHERE token = $1 AND status = 'issued' AND expires_at > $2
RETURNING ` + tokenColumns

func (r *PostgresLoginTokenRepo) Consume(ctx context.Context, token string, now time.Time) (domain.LoginToken, error) {
	consumed, err := scanToken(r.db.QueryRow(ctx, consumeTokenSQL, token, now))
	if err != nil {
		return domain.LoginToken{}, translate("consume login token", err)
	}
	return consumed, nil
}

const getTokenSQL = `SELECT ` + tokenColumns + ` FROM login_tokens WHERE token = $1`

func (r *PostgresLoginTokenRepo) Get(ctx context.Context, token string) (domain.LoginToken, error) {
	found, err := scanToken(r.db.QueryRow(ctx, getTokenSQL, token))
	if err != nil {
		return domain.LoginToken{}, translate("get login token", err)
	}
	return found, nil
}

func scanToken(row pgx.Row) (domain.LoginToken, error) {
	var t domain.LoginToken
	err := row.Scan(
		&t.ID,
		&t.Token,
		&t.UserUUID,
		&t.AppID,
		&t.Status,
		&t.LoginMethod,
		&t.LoginIP,
		&t.ValidityPeriod,
		&t.ExpiresAt,
		&t.CallbackURL,
		&t.Permissions,
		&t.ExtraInfo,
		&t.CreatedAt,
	)
	return t, err
}

// PostgresOpenIDRepo implements OpenIDRepository. The unique index on
// (user_uuid, app_id) is what makes GetOrCreate race-safe upstream.
type PostgresOpenIDRepo struct {
	db   *pgxpool.Pool
	node *snowflake.Node
}

func NewPostgresOpenIDRepo(pool *pgxpool.Pool, node *snowflake.Node) *PostgresOpenIDRepo {
	return &PostgresOpenIDRepo{db: pool, node: node}
}

const mappingColumns = `id, openid, user_uuid, app_id, tags, group_name, status, created_at, updated_at`

const getMappingSQL = `SELECT ` + mappingColumns + ` FROM openid_mappings WHERE user_uuid = $1 AND app_id = $2`

func (r *PostgresOpenIDRepo) Get(ctx context.Context, userUUID, appID string) (domain.OpenIDMapping, error) {
	m, err := scanMapping(r.db.QueryRow(ctx, getMappingSQL, userUUID, appID))
	if err != nil {
		return domain.OpenIDMapping{}, translate("get openid mapping", err)
	}
	return m, nil
}

const getMappingByOpenIDSQL = `SELECT ` + mappingColumns + ` FROM openid_mappings WHERE openid = $1 AND app_id = $2`

func (r *PostgresOpenIDRepo) GetByOpenID(ctx context.Context, openID, appID string) (domain.OpenIDMapping, error) {
	m, err := scanMapping(r.db.QueryRow(ctx, getMappingByOpenIDSQL, openID, appID))
	if err != nil {
		return domain.OpenIDMapping{}, translate("get openid mapping by openid", err)
	}
	return m, nil
}

const insertMappingSQL = `INSERT INTO openid_mappings
(id, openid, user_uuid, app_id, tags, group_name, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING ` + mappingColumns

func (r *PostgresOpenIDRepo) Insert(ctx context.Context, mapping domain.OpenIDMapping) (domain.OpenIDMapping, error) {
	row := r.db.QueryRow(ctx, insertMappingSQL,
		r.node.Generate().Int64(),
		mapping.OpenID,
		mapping.UserUUID,
		mapping.AppID,
		mapping.Tags,
		mapping.GroupName,
		mapping.Status,
		mapping.CreatedAt,
	)
	created, err := scanMapping(row)
	if err != nil {
		return domain.OpenIDMapping{}, translate("insert openid mapping", err)
	}
	return created, nil
}

const updateMappingSQL = `UPDATE openid_mappings
SET tags = COALESCE($3, tags), group_name = COALESCE($4, group_name), updated_at = now()
WHERE openid = $1 AND app_id = $2`

func (r *PostgresOpenIDRepo) Update(ctx context.Context, openID, appID string, tags, groupName *string) error {
	tag, err := r.db.Exec(ctx, updateMappingSQL, openID, appID, tags, groupName)
	if err != nil {
		return translate("update openid mapping", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update openid mapping: %w", ErrNotFound)
	}
	return nil
}

func scanMapping(row pgx.Row) (domain.OpenIDMapping, error) {
	var m domain.OpenIDMapping
	err := row.Scan(
		&m.ID,
		&m.OpenID,
		&m.UserUUID,
		&m.AppID,
		&m.Tags,
		&m.GroupName,
		&m.Status,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	return m, err
}

// PostgresBindingRepo implements BindingRepository. Bind runs inside a
// transaction with row locks so the two exclusivity invariants hold under
// concurrent callbacks.
type PostgresBindingRepo struct {
	db   *pgxpool.Pool
	node *snowflake.Node
}

func NewPostgresBindingRepo(pool *pgxpool.Pool, node *snowflake.Node) *PostgresBindingRepo {
	return &PostgresBindingRepo{db: pool, node: node}
}

const bindingColumns = `id, provider, provider_user_id, user_uuid, bind_status, nickname, avatar_url,
email, access_token, last_login_at, created_at, updated_at`

const getBindingSQL = `SELECT ` + bindingColumns + ` FROM third_party_bindings
WHERE provider = $1 AND provider_user_id = $2`

func (r *PostgresBindingRepo) GetByProviderUserID(ctx context.Context, provider, providerUserID string) (domain.ThirdPartyBinding, error) {
	b, err := scanBinding(r.db.QueryRow(ctx, getBindingSQL, provider, providerUserID))
	if err != nil {
		return domain.ThirdPartyBinding{}, translate("get binding", err)
	}
	return b, nil
}

const getBoundByUserSQL = `SELECT ` + bindingColumns + ` FROM third_party_bindings
WHERE provider = $1 AND user_uuid = $2 AND bind_status = 1`

func (r *PostgresBindingRepo) GetBoundByUser(ctx context.Context, provider, userUUID string) (domain.ThirdPartyBinding, error) {
	b, err := scanBinding(r.db.QueryRow(ctx, getBoundByUserSQL, provider, userUUID))
	if err != nil {
		return domain.ThirdPartyBinding{}, translate("get bound binding", err)
	}
	return b, nil
}

const upsertUnboundSQL = `INSERT INTO third_party_bindings
(id, provider, provider_user_id, user_uuid, bind_status, nickname, avatar_url, email, access_token, last_login_at)
VALUES ($1, $2, $3, '', 0, $4, $5, $6, $7, $8)
ON CONFLICT (provider, provider_user_id) DO UPDATE
SET nickname = EXCLUDED.nickname,
    avatar_url = EXCLUDED.avatar_url,
    email = EXCLUDED.email,
    access_token = EXCLUDED.access_token,
    last_login_at = EXCLUDED.last_login_at,
    updated_at = now()
WHERE third_party_bindings.bind_status = 0
RETURNING ` + bindingColumns

func (r *PostgresBindingRepo) UpsertUnbound(ctx context.Context, binding domain.ThirdPartyBinding) (domain.ThirdPartyBinding, error) {
	row := r.db.QueryRow(ctx, upsertUnboundSQL,
		r.node.Generate().Int64(),
		binding.Provider,
		binding.ProviderUserID,
		binding.Nickname,
		binding.AvatarURL,
		binding.Email,
		binding.AccessToken,
		binding.LastLoginAt,
	)
	stored, err := scanBinding(row)
	if err != nil {
		// The conditional upsert returns no row when a bound row already
		// exists; surface it unchanged.
		if errors.Is(err, pgx.ErrNoRows) {
			return r.GetByProviderUserID(ctx, binding.Provider, binding.ProviderUserID)
		}
		return domain.ThirdPartyBinding{}, translate("upsert unbound binding", err)
	}
	return stored, nil
}

const lockBindingSQL = `SELECT user_uuid, bind_status FROM third_party_bindings
WHERE provider = $1 AND provider_user_id = $2 FOR UPDATE`

const lockUserBindingSQL = `SELECT 1 FROM third_party_bindings
WHERE provider = $1 AND user_uuid = $2 AND bind_status = 1 FOR UPDATE`

const bindUpdateSQL = `UPDATE third_party_bindings
SET user_uuid = $3, bind_status = 1, nickname = $4, avatar_url = $5, email = $6,
    access_token = $7, updated_at = now()
WHERE provider = $1 AND provider_user_id = $2`

const bindInsertSQL = `INSERT INTO third_party_bindings
(id, provider, provider_user_id, user_uuid, bind_status, nickname, avatar_url, email, access_token, last_login_at)
VALUES ($1, $2, $3, $4, 1, $5, $6, $7, $8, now())`

func (r *PostgresBindingRepo) Bind(ctx context.Context, provider, providerUserID, userUUID string, profile oauth.Profile, accessToken string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin bind: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		boundTo string
		status  int
		exists  = true
	)
	if err := tx.QueryRow(ctx, lockBindingSQL, provider, providerUserID).Scan(&boundTo, &status); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("lock binding: %w", err)
		}
		exists = false
	}
	rebind := exists && status == int(domain.BindBound)
	if rebind && boundTo != userUUID {
		return domain.ErrAlreadyBound
	}

	// On an idempotent re-bind the caller's bound row is this row, so the
	// per-user lock is skipped and the update refreshes the snapshot.
	if !rebind {
		var one int
		if err := tx.QueryRow(ctx, lockUserBindingSQL, provider, userUUID).Scan(&one); err == nil {
			return domain.ErrUserHasBinding
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("lock user binding: %w", err)
		}
	}

	if exists {
		if _, err := tx.Exec(ctx, bindUpdateSQL, provider, providerUserID, userUUID,
			profile.Nickname, profile.AvatarURL, profile.Email, accessToken); err != nil {
			return bindConflict("bind update", err)
		}
	} else {
		if _, err := tx.Exec(ctx, bindInsertSQL, r.node.Generate().Int64(), provider, providerUserID, userUUID,
			profile.Nickname, profile.AvatarURL, profile.Email, accessToken); err != nil {
			return bindConflict("bind insert", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return bindConflict("commit bind", err)
	}
	return nil
}

// bindConflict maps a violation of uq_bindings_user_provider to the
// domain error. The per-user FOR UPDATE lock matches nothing when the
// user has no bound row yet, so two concurrent first binds to different
// identities only collide on the partial unique index.
func bindConflict(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "uq_bindings_user_provider" {
		return domain.ErrUserHasBinding
	}
	return fmt.Errorf("%s: %w", op, err)
}

const refreshLoginSQL = `UPDATE third_party_bindings
SET nickname = $3, avatar_url = $4, email = $5, access_token = $6, last_login_at = $7, updated_at = now()
WHERE provider = $1 AND provider_user_id = $2`

func (r *PostgresBindingRepo) RefreshLogin(ctx context.Context, provider, providerUserID string, profile oauth.Profile, accessToken string, at time.Time) error {
	tag, err := r.db.Exec(ctx, refreshLoginSQL, provider, providerUserID,
		profile.Nickname, profile.AvatarURL, profile.Email, accessToken, at)
	if err != nil {
		return translate("refresh binding login", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("refresh binding login: %w", ErrNotFound)
	}
	return nil
}

const unbindSQL = `UPDATE third_party_bindings
SET user_uuid = '', bind_status = 0, updated_at = now()
WHERE provider = $1 AND provider_user_id = $2 AND bind_status = 1`

func (r *PostgresBindingRepo) Unbind(ctx context.Context, provider, providerUserID string) error {
	tag, err := r.db.Exec(ctx, unbindSQL, provider, providerUserID)
	if err != nil {
		return translate("unbind", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("unbind: %w", ErrNotFound)
	}
	return nil
}

func scanBinding(row pgx.Row) (domain.ThirdPartyBinding, error) {
	var b domain.ThirdPartyBinding
	err := row.Scan(
		&b.ID,
		&b.Provider,
		&b.ProviderUserID,
		&b.UserUUID,
		&b.BindStatus,
		&b.Nickname,
		&b.AvatarURL,
		&b.Email,
		&b.AccessToken,
		&b.LastLoginAt,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	return b, err
}

// PostgresProviderConfigRepo implements ProviderConfigRepository.
type PostgresProviderConfigRepo struct {
	db *pgxpool.Pool
}

func NewPostgresProviderConfigRepo(pool *pgxpool.Pool) *PostgresProviderConfigRepo {
	return &PostgresProviderConfigRepo{db: pool}
}

const getProviderSQL = `SELECT provider, client_id, client_secret, auth_url, token_url, profile_url,
scopes, enabled, extra, created_at, updated_at
FROM oauth_providers WHERE provider = $1`

func (r *PostgresProviderConfigRepo) GetProvider(ctx context.Context, provider string) (oauth.ProviderConfig, error) {
	var cfg oauth.ProviderConfig
	err := r.db.QueryRow(ctx, getProviderSQL, provider).Scan(
		&cfg.Provider,
		&cfg.ClientID,
		&cfg.ClientSecret,
		&cfg.AuthURL,
		&cfg.TokenURL,
		&cfg.ProfileURL,
		&cfg.Scopes,
		&cfg.Enabled,
		&cfg.Extra,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	)
	if err != nil {
		return oauth.ProviderConfig{}, translate("get provider config", err)
	}
	return cfg, nil
}

// PostgresGrantRepo implements AccessGrantRepository.
type PostgresGrantRepo struct {
	db   *pgxpool.Pool
	node *snowflake.Node
}

func NewPostgresGrantRepo(pool *pgxpool.Pool, node *snowflake.Node) *PostgresGrantRepo {
	return &PostgresGrantRepo{db: pool, node: node}
}

const grantColumns = `id, app_id, openid, user_uuid, refresh_token, permissions, expires_at, revoked, created_at`

const insertGrantSQL = `INSERT INTO access_grants
(id, app_id, openid, user_uuid, refresh_token, permissions, expires_at, revoked, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8)
RETURNING ` + grantColumns

func (r *PostgresGrantRepo) Create(ctx context.Context, grant domain.AccessGrant) (domain.AccessGrant, error) {
	row := r.db.QueryRow(ctx, insertGrantSQL,
		r.node.Generate().Int64(),
		grant.AppID,
		grant.OpenID,
		grant.UserUUID,
		grant.RefreshToken,
		grant.Permissions,
		grant.ExpiresAt,
		grant.CreatedAt,
	)
	created, err := scanGrant(row)
	if err != nil {
		return domain.AccessGrant{}, translate("create grant", err)
	}
	return created, nil
}

const getGrantSQL = `SELECT ` + grantColumns + ` FROM access_grants
WHERE app_id = $1 AND refresh_token = $2`

func (r *PostgresGrantRepo) GetByRefreshToken(ctx context.Context, appID, refreshToken string) (domain.AccessGrant, error) {
	grant, err := scanGrant(r.db.QueryRow(ctx, getGrantSQL, appID, refreshToken))
	if err != nil {
		return domain.AccessGrant{}, translate("get grant", err)
	}
	return grant, nil
}

const rotateGrantSQL = `UPDATE access_grants
SET refresh_token = $2, expires_at = $3
WHERE id = $1 AND revoked = false`

func (r *PostgresGrantRepo) RotateRefreshToken(ctx context.Context, grantID int64, refreshToken string, expiresAt time.Time) error {
	tag, err := r.db.Exec(ctx, rotateGrantSQL, grantID, refreshToken, expiresAt)
	if err != nil {
		return translate("rotate grant", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rotate grant: %w", ErrNotFound)
	}
	return nil
}

const revokeGrantSQL = `UPDATE access_grants SET revoked = true WHERE id = $1`

func (r *PostgresGrantRepo) Revoke(ctx context.Context, grantID int64) error {
	if _, err := r.db.Exec(ctx, revokeGrantSQL, grantID); err != nil {
		return translate("revoke grant", err)
	}
	return nil
}

func scanGrant(row pgx.Row) (domain.AccessGrant, error) {
	var g domain.AccessGrant
	err := row.Scan(
		&g.ID,
		&g.AppID,
		&g.OpenID,
		&g.UserUUID,
		&g.RefreshToken,
		&g.Permissions,
		&g.ExpiresAt,
		&g.Revoked,
		&g.CreatedAt,
	)
	return g, err
}

// PostgresKeyRepo stores signing keys per scope.
type PostgresKeyRepo struct {
	db *pgxpool.Pool
}

func NewPostgresKeyRepo(pool *pgxpool.Pool) *PostgresKeyRepo {
	return &PostgresKeyRepo{db: pool}
}

const keyColumns = `id, scope, kid, secret, algorithm, is_active, created_at, rotated_at`

const getActiveKeySQL = `SELECT ` + keyColumns + ` FROM signing_keys
WHERE scope = $1 AND is_active = true
ORDER BY created_at DESC LIMIT 1`

func (r *PostgresKeyRepo) GetActiveKey(ctx context.Context, scope string) (domain.SigningKey, error) {
	key, err := scanKey(r.db.QueryRow(ctx, getActiveKeySQL, scope))
	if err != nil {
		return domain.SigningKey{}, translate("get active key", err)
	}
	return key, nil
}

const insertKeySQL = `INSERT INTO signing_keys (scope, kid, secret, algorithm, is_active)
VALUES ($1, $2, $3, $4, $5)
RETURNING ` + keyColumns

func (r *PostgresKeyRepo) CreateKey(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error) {
	row := r.db.QueryRow(ctx, insertKeySQL, key.Scope, key.KID, key.Secret, key.Algorithm, key.IsActive)
	created, err := scanKey(row)
	if err != nil {
		return domain.SigningKey{}, translate("create key", err)
	}
	return created, nil
}

func scanKey(row pgx.Row) (domain.SigningKey, error) {
	var k domain.SigningKey
	err := row.Scan(
		&k.ID,
		&k.Scope,
		&k.KID,
		&k.Secret,
		&k.Algorithm,
		&k.IsActive,
		&k.CreatedAt,
		&k.RotatedAt,
	)
	return k, err
}
