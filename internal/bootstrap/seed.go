package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-broker/internal/config"
	"github.com/smallbiznis/valora-broker/internal/domain"
	"github.com/smallbiznis/valora-broker/internal/jwt"
	"github.com/smallbiznis/valora-broker/internal/repository"
)

// EnsureApplication seeds a relying application for dev/e2e if missing
// and makes sure signing keys exist for it and for the platform scope.
func EnsureApplication(lc fx.Lifecycle, cfg config.Config, apps repository.AppRepository, keys *jwt.KeyManager, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return ensureApplication(ctx, cfg, apps, keys, logger)
		},
	})
}

func ensureApplication(ctx context.Context, cfg config.Config, apps repository.AppRepository, keys *jwt.KeyManager, logger *zap.Logger) error {
	if _, err := keys.EnsureSigningKey(ctx, domain.PlatformKeyScope); err != nil {
		return fmt.Errorf("bootstrap platform key: %w", err)
	}

	appID := strings.TrimSpace(cfg.SeedAppID)
	if appID == "" {
		return nil
	}
	if strings.TrimSpace(cfg.SeedAppSecret) == "" || strings.TrimSpace(cfg.SeedAppCallback) == "" {
		return fmt.Errorf("seed application missing secret or callback config")
	}

	if _, err := apps.GetByAppID(ctx, appID); err == nil {
		return nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("bootstrap lookup application: %w", err)
	}

	app := domain.Application{
		AppID:                 appID,
		SecretKey:             cfg.SeedAppSecret,
		Name:                  "Development Application",
		Status:                domain.AppActive,
		CallbackURLs:          []string{cfg.SeedAppCallback},
		CallbackMode:          domain.CallbackModerate,
		Permissions:           []string{"user.base", "user.email"},
		EnableLogin:           true,
		EnableThirdPartyLogin: true,
		Providers:             map[string]bool{"github": true},
	}
	created, err := apps.Create(ctx, app)
	if err != nil {
		return fmt.Errorf("bootstrap create application: %w", err)
	}

	if _, err := keys.EnsureSigningKey(ctx, created.AppID); err != nil {
		return fmt.Errorf("bootstrap application key: %w", err)
	}

	if logger != nil {
		logger.Info("bootstrap application created",
			zap.String("app_id", created.AppID),
			zap.String("callback", cfg.SeedAppCallback),
		)
	}
	return nil
}
