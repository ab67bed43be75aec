package jwt

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/smallbiznis/valora-broker/internal/domain"
	"github.com/smallbiznis/valora-broker/internal/repository"
)

// KeyManager ensures every signing scope has an active key. Scopes are
// app_ids for relying-app access tokens and the reserved platform scope
// for broker session tokens.
type KeyManager struct {
	repo repository.KeyRepository
}

// NewKeyManager creates a KeyManager.
func NewKeyManager(repo repository.KeyRepository) *KeyManager {
	return &KeyManager{repo: repo}
}

// EnsureSigningKey returns the active key for the scope, creating one on
// first use.
func (m *KeyManager) EnsureSigningKey(ctx context.Context, scope string) (domain.SigningKey, error) {
	key, err := m.repo.GetActiveKey(ctx, scope)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return domain.SigningKey{}, fmt.Errorf("ensure signing key: %w", err)
	}

	secret := make([]byte, 64)
	if _, randErr := rand.Read(secret); randErr != nil {
		return domain.SigningKey{}, fmt.Errorf("generate secret: %w", randErr)
	}

	key = domain.SigningKey{
		Scope:     scope,
		KID:       uuid.NewString(),
		Secret:    secret,
		Algorithm: string(jose.HS256),
		IsActive:  true,
	}

	created, err := m.repo.CreateKey(ctx, key)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("persist signing key: %w", err)
	}
	return created, nil
}

// ActiveKey retrieves an existing signing key without creating one.
func (m *KeyManager) ActiveKey(ctx context.Context, scope string) (domain.SigningKey, error) {
	key, err := m.repo.GetActiveKey(ctx, scope)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("active key: %w", err)
	}
	return key, nil
}
