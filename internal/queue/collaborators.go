package queue

import (
	"context"
	"time"

	"clinicq/queue-service/internal/models"
)

// Clock is the single time source for the engine. Injectable so tests stay
// deterministic and service-day boundaries follow clinic-local time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func SystemClock() Clock { return systemClock{} }

// SubscriptionChecker is the tenant/billing collaborator, queried on
// check-in and walk-in. The engine never reads subscription state itself.
type SubscriptionChecker interface {
	IsSubscriptionActive(ctx context.Context, tenantID string) (bool, error)
}

// AlwaysActive admits every tenant. Used in dev and tests where no billing
// service is wired.
type AlwaysActive struct{}

func (AlwaysActive) IsSubscriptionActive(ctx context.Context, tenantID string) (bool, error) {
	return true, nil
}

// SettingsProvider resolves a tenant's queue settings.
type SettingsProvider interface {
	TenantSettings(ctx context.Context, tenantID string) (models.TenantSettings, error)
}

// StaticSettings serves the same defaults to every tenant.
type StaticSettings struct {
	Defaults models.TenantSettings
}

func (s StaticSettings) TenantSettings(ctx context.Context, tenantID string) (models.TenantSettings, error) {
	settings := s.Defaults
	settings.TenantID = tenantID
	return settings.Normalize(), nil
}
