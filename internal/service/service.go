package service

import (
	"errors"
	"strings"
	"time"

	"p8fs-auth/internal/domain"
)

const (
	EventDevicePaired  = "device_paired"
	EventDeviceRevoked = "device_revoked"
)

// EventPublisher pushes device lifecycle events to a tenant's connected
// devices.
type EventPublisher interface {
	Publish(tenantID, event string, payload interface{})
}

type noopPublisher struct{}

func (noopPublisher) Publish(string, string, interface{}) {}

// Clock is swapped in tests.
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now().UTC()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func requireCaller(caller *domain.Caller) error {
	if caller == nil || caller.TenantID == "" || caller.DeviceID == "" {
		return domain.ErrUnauthorized
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
