package openid

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/valora-broker/internal/domain"
	"github.com/smallbiznis/valora-broker/internal/repository"
)

// Prefix marks every identifier this service mints.
const Prefix = "OPENID_"

// 25 random bytes encode to 40 uppercase base32 characters.
const randomBytes = 25

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Service derives and persists per-(user, app) pseudonymous identifiers.
type Service struct {
	mappings repository.OpenIDRepository
	logger   *zap.Logger
}

// NewService creates the OpenID service.
func NewService(mappings repository.OpenIDRepository, logger *zap.Logger) *Service {
	return &Service{mappings: mappings, logger: logger}
}

// GetOrCreate returns the mapping for (userUUID, appID), minting one on
// first use. The uniqueness constraint at the storage layer is the source
// of truth: when a concurrent first-login wins the insert race, the loser
// refetches and returns the winner's identifier.
func (s *Service) GetOrCreate(ctx context.Context, userUUID, appID string) (string, bool, error) {
	if userUUID == "" || appID == "" {
		return "", false, fmt.Errorf("openid: user uuid and app id required")
	}

	existing, err := s.mappings.Get(ctx, userUUID, appID)
	if err == nil {
		return existing.OpenID, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return "", false, fmt.Errorf("lookup openid: %w", err)
	}

	mapping := domain.OpenIDMapping{
		OpenID:    newOpenID(),
		UserUUID:  userUUID,
		AppID:     appID,
		Status:    domain.MappingEnabled,
		CreatedAt: time.Now().UTC(),
	}

	created, err := s.mappings.Insert(ctx, mapping)
	if err == nil {
		s.log().Info("openid minted", zap.String("app_id", appID), zap.String("openid", created.OpenID))
		return created.OpenID, true, nil
	}
	if !errors.Is(err, repository.ErrConflict) {
		return "", false, fmt.Errorf("persist openid: %w", err)
	}

	// Lost the race; the winner's row is authoritative.
	winner, err := s.mappings.Get(ctx, userUUID, appID)
	if err != nil {
		return "", false, fmt.Errorf("refetch openid after conflict: %w", err)
	}
	return winner.OpenID, false, nil
}

// ResolveUser reverse-maps an openid to the platform identity. Disabled
// mappings resolve to an error so relying-app lookups stop working the
// moment an operator switches the row off.
func (s *Service) ResolveUser(ctx context.Context, openID, appID string) (string, error) {
	mapping, err := s.mappings.GetByOpenID(ctx, openID, appID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", domain.ErrMappingNotFound
		}
		return "", fmt.Errorf("resolve openid: %w", err)
	}
	if mapping.Status != domain.MappingEnabled {
		return "", domain.ErrMappingDisabled
	}
	return mapping.UserUUID, nil
}

// UpdateParams carries the optional mapping fields admin tooling may set.
type UpdateParams struct {
	Tags      *string
	GroupName *string
}

// Update applies a partial update; untouched fields keep their value.
func (s *Service) Update(ctx context.Context, openID, appID string, params UpdateParams) error {
	if params.Tags == nil && params.GroupName == nil {
		return fmt.Errorf("openid: no fields to update")
	}
	if err := s.mappings.Update(ctx, openID, appID, params.Tags, params.GroupName); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.ErrMappingNotFound
		}
		return fmt.Errorf("update openid: %w", err)
	}
	return nil
}

func (s *Service) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}

func newOpenID() string {
	buf := make([]byte, randomBytes)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	// Standard base32 alphabet is uppercase alphanumeric already.
	return Prefix + b32.EncodeToString(buf)
}
