package logintoken_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-broker/internal/domain"
	"github.com/smallbiznis/valora-broker/internal/logintoken"
	"github.com/smallbiznis/valora-broker/internal/repository"
)

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

func TestIssueSnapshotsInput(t *testing.T) {
	repo := newMemoryTokenRepo()
	issuer := logintoken.NewIssuer(repo, 15*time.Minute, zap.NewNop())

	permissions := []string{"user.base", "user.email"}
	lt, err := issuer.Issue(context.Background(), logintoken.IssueInput{
		UserUUID:    "user-1",
		AppID:       "app-1",
		LoginMethod: "password",
		LoginIP:     "203.0.113.7",
		CallbackURL: "https://shop.example.com/auth",
		Permissions: permissions,
	})
	require.NoError(t, err)
	require.NotEmpty(t, lt.Token)
	require.Equal(t, domain.TokenIssued, lt.Status)
	require.Equal(t, 900, lt.ValidityPeriod)

	// The token holds a copy; mutating the caller's slice changes nothing.
	permissions[0] = "user.everything"
	stored, err := repo.Get(context.Background(), lt.Token)
	require.NoError(t, err)
	require.Equal(t, []string{"user.base", "user.email"}, stored.Permissions)
	require.Equal(t, "https://shop.example.com/auth", stored.CallbackURL)
}

func TestIssueRequiresIdentity(t *testing.T) {
	issuer := logintoken.NewIssuer(newMemoryTokenRepo(), time.Minute, zap.NewNop())

	_, err := issuer.Issue(context.Background(), logintoken.IssueInput{AppID: "app-1"})
	require.Error(t, err)
	_, err = issuer.Issue(context.Background(), logintoken.IssueInput{UserUUID: "user-1"})
	require.Error(t, err)
}

func TestConsumeOnce(t *testing.T) {
	issuer := logintoken.NewIssuer(newMemoryTokenRepo(), time.Minute, zap.NewNop())
	ctx := context.Background()

	lt, err := issuer.Issue(ctx, logintoken.IssueInput{UserUUID: "user-1", AppID: "app-1"})
	require.NoError(t, err)

	consumed, err := issuer.Consume(ctx, lt.Token)
	require.NoError(t, err)
	require.Equal(t, "user-1", consumed.UserUUID)
	require.Equal(t, domain.TokenConsumed, consumed.Status)

	_, err = issuer.Consume(ctx, lt.Token)
	require.ErrorIs(t, err, domain.ErrTokenConsumed)
}

func TestConsumeConcurrentSingleWinner(t *testing.T) {
	issuer := logintoken.NewIssuer(newMemoryTokenRepo(), time.Minute, zap.NewNop())
	ctx := context.Background()

	lt, err := issuer.Issue(ctx, logintoken.IssueInput{UserUUID: "user-1", AppID: "app-1"})
	require.NoError(t, err)

	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = issuer.Consume(ctx, lt.Token)
		}(i)
	}
	wg.Wait()

	var won int
	for _, err := range errs {
		if err == nil {
			won++
		} else {
			require.ErrorIs(t, err, domain.ErrTokenConsumed)
		}
	}
	require.Equal(t, 1, won)
}

func TestConsumeClassifiesFailures(t *testing.T) {
	repo := newMemoryTokenRepo()
	issuer := logintoken.NewIssuer(repo, time.Minute, zap.NewNop())
	ctx := context.Background()

	_, err := issuer.Consume(ctx, "LT-missing")
	require.ErrorIs(t, err, domain.ErrTokenNotFound)

	_, err = issuer.Consume(ctx, "  ")
	require.ErrorIs(t, err, domain.ErrTokenNotFound)

	expired := domain.LoginToken{
		Token:     "LT-expired",
		UserUUID:  "user-1",
		AppID:     "app-1",
		Status:    domain.TokenIssued,
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
	}
	_, err = repo.Insert(ctx, expired)
	require.NoError(t, err)

	_, err = issuer.Consume(ctx, "LT-expired")
	require.ErrorIs(t, err, domain.ErrTokenExpired)
}

func TestBuildRedirect(t *testing.T) {
	require.Equal(t,
		"https://shop.example.com/auth?token=LT1",
		logintoken.BuildRedirect("https://shop.example.com/auth", "LT1", ""),
	)
	require.Equal(t,
		"https://shop.example.com/auth?token=LT1&code=xyz",
		logintoken.BuildRedirect("https://shop.example.com/auth", "LT1", "xyz"),
	)
	require.Equal(t,
		"https://shop.example.com/auth?next=%2Fcart&token=LT1",
		logintoken.BuildRedirect("https://shop.example.com/auth?next=%2Fcart", "LT1", ""),
	)
}
