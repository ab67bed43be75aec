package logintoken

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/valora-broker/internal/domain"
	"github.com/smallbiznis/valora-broker/internal/repository"
)

// DefaultValidity is the login token lifetime when none is configured.
const DefaultValidity = 900 * time.Second

// Issuer mints and consumes single-use login tokens. It is the single
// source of truth the exchange endpoint reads from.
type Issuer struct {
	tokens   repository.LoginTokenRepository
	validity time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewIssuer creates the issuer. A non-positive validity falls back to the
// 900 second default.
func NewIssuer(tokens repository.LoginTokenRepository, validity time.Duration, logger *zap.Logger) *Issuer {
	if validity <= 0 {
		validity = DefaultValidity
	}
	return &Issuer{tokens: tokens, validity: validity, logger: logger, now: time.Now}
}

// IssueInput carries everything recorded on a freshly minted token.
// CallbackURL and Permissions are snapshotted verbatim so configuration
// changes after issuance cannot redirect or widen an existing token.
type IssueInput struct {
	UserUUID    string
	AppID       string
	LoginMethod string
	LoginIP     string
	CallbackURL string
	Permissions []string
	ExtraInfo   string
}

// Issue persists a new token in issued state.
func (i *Issuer) Issue(ctx context.Context, in IssueInput) (*domain.LoginToken, error) {
	if in.UserUUID == "" || in.AppID == "" {
		return nil, fmt.Errorf("login token: user uuid and app id required")
	}

	now := i.now().UTC()
	token := domain.LoginToken{
		Token:          newTokenValue(now),
		UserUUID:       in.UserUUID,
		AppID:          in.AppID,
		Status:         domain.TokenIssued,
		LoginMethod:    in.LoginMethod,
		LoginIP:        in.LoginIP,
		ValidityPeriod: int(i.validity.Seconds()),
		ExpiresAt:      now.Add(i.validity),
		CallbackURL:    in.CallbackURL,
		Permissions:    append([]string{}, in.Permissions...),
		ExtraInfo:      in.ExtraInfo,
		CreatedAt:      now,
	}

	created, err := i.tokens.Insert(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("persist login token: %w", err)
	}

	i.log().Info("login token issued",
		zap.String("app_id", in.AppID),
		zap.String("login_method", in.LoginMethod),
		zap.String("login_ip", in.LoginIP),
	)
	return &created, nil
}

// Consume atomically redeems a token. Exactly one of two concurrent
// calls succeeds; the repository's conditional update enforces it. The
// failure reason is classified so callers can tell a dead token from a
// double submission.
func (i *Issuer) Consume(ctx context.Context, token string) (*domain.LoginToken, error) {
	if strings.TrimSpace(token) == "" {
		return nil, domain.ErrTokenNotFound
	}

	now := i.now().UTC()
	consumed, err := i.tokens.Consume(ctx, token, now)
	if err == nil {
		return &consumed, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("consume login token: %w", err)
	}

	stored, err := i.tokens.Get(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.ErrTokenNotFound
		}
		return nil, fmt.Errorf("inspect login token: %w", err)
	}
	if stored.Status == domain.TokenConsumed {
		return nil, domain.ErrTokenConsumed
	}
	if stored.Expired(now) {
		return nil, domain.ErrTokenExpired
	}
	// Conditional update missed but the row looks live; treat as a lost
	// race with a concurrent consumer.
	return nil, domain.ErrTokenConsumed
}

// BuildRedirect appends the token to the relying application's callback,
// carrying the opaque state_code through only when the original
// authorization request supplied one.
func BuildRedirect(callbackURL, token, stateCode string) string {
	sep := "?"
	if strings.Contains(callbackURL, "?") {
		sep = "&"
	}
	redirect := callbackURL + sep + "token=" + token
	if stateCode != "" {
		redirect += "&code=" + stateCode
	}
	return redirect
}

func (i *Issuer) log() *zap.Logger {
	if i != nil && i.logger != nil {
		return i.logger
	}
	return zap.L()
}

// newTokenValue produces an unguessable, time-prefixed opaque token. The
// format carries no meaning; only unpredictability matters.
func newTokenValue(now time.Time) string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return fmt.Sprintf("LT%X%s", now.Unix(), strings.ToUpper(hex.EncodeToString(buf)))
}
