package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/leozw/compliance-guardian/internal/db"
)

type SettingsStore interface {
	GetNotificationSettings(ctx context.Context, tenantID string) (*db.TenantNotificationSettings, error)
	GetWebhookSecret(ctx context.Context, tenantID string) (string, error)
}

// JSONCache is the part of Client the settings cache uses.
type JSONCache interface {
	SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	GetJSON(ctx context.Context, key string, dest interface{}) error
}

// SettingsCache is a cache-aside reader for tenant notification settings.
// Tenants without settings are cached too. The webhook secret never enters the
// cache; a hit re-reads it from the store. Cache errors fall back to the store.
type SettingsCache struct {
	cache  JSONCache
	store  SettingsStore
	ttl    time.Duration
	logger *zap.Logger
}

func NewSettingsCache(cache JSONCache, store SettingsStore, ttl time.Duration, logger *zap.Logger) *SettingsCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SettingsCache{cache: cache, store: store, ttl: ttl, logger: logger.Named("settings_cache")}
}

func settingsKey(tenantID string) string {
	return fmt.Sprintf("tenant:notification_settings:%s", tenantID)
}

type cachedSettings struct {
	Settings  *db.TenantNotificationSettings `json:"settings"`
	HasSecret bool                           `json:"has_secret"`
}

func (s *SettingsCache) GetNotificationSettings(ctx context.Context, tenantID string) (*db.TenantNotificationSettings, error) {
	key := settingsKey(tenantID)

	var cached cachedSettings
	err := s.cache.GetJSON(ctx, key, &cached)
	if err == nil {
		if cached.Settings != nil && cached.HasSecret {
			secret, err := s.store.GetWebhookSecret(ctx, tenantID)
			if err != nil {
				return nil, err
			}
			cached.Settings.WebhookSecret = secret
		}
		return cached.Settings, nil
	}
	if !errors.Is(err, redis.Nil) {
		s.logger.Warn("Settings cache read failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}

	settings, err := s.store.GetNotificationSettings(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	entry := cachedSettings{}
	if settings != nil {
		scrubbed := *settings
		scrubbed.WebhookSecret = ""
		entry = cachedSettings{Settings: &scrubbed, HasSecret: settings.WebhookSecret != ""}
	}
	if err := s.cache.SetJSON(ctx, key, entry, s.ttl); err != nil {
		s.logger.Warn("Settings cache write failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}
	return settings, nil
}
