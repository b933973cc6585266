package repository

import (
	"context"
	"fmt"
	"sort"

	"p8fs-auth/internal/domain"
)

type DeviceRepository interface {
	Create(ctx context.Context, device *domain.Device) error
	FindByID(ctx context.Context, deviceID string) (*domain.Device, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*domain.Device, error)
	Update(ctx context.Context, device *domain.Device) error
}

type deviceRepository struct {
	store DocumentStore
}

func NewDeviceRepository(store DocumentStore) DeviceRepository {
	return &deviceRepository{store: store}
}

func deviceDocID(id string) string {
	return fmt.Sprintf("device:%s", id)
}

func (r *deviceRepository) Create(ctx context.Context, device *domain.Device) error {
	device.DocType = docTypeDevice
	device.Rev = ""
	rev, err := r.store.Put(ctx, deviceDocID(device.ID), device)
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	device.Rev = rev
	return nil
}

func (r *deviceRepository) FindByID(ctx context.Context, deviceID string) (*domain.Device, error) {
	var device domain.Device
	if err := r.store.Get(ctx, deviceDocID(deviceID), &device); err != nil {
		return nil, fmt.Errorf("failed to find device: %w", err)
	}
	return &device, nil
}

func (r *deviceRepository) ListByTenant(ctx context.Context, tenantID string) ([]*domain.Device, error) {
	docs, err := r.store.Find(ctx, map[string]interface{}{
		"doc_type":  docTypeDevice,
		"tenant_id": tenantID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	devices := decodeAll[domain.Device](docs)
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].CreatedAt.Before(devices[j].CreatedAt)
	})
	return devices, nil
}

// Update writes device if its revision is current.
func (r *deviceRepository) Update(ctx context.Context, device *domain.Device) error {
	rev, err := r.store.Put(ctx, deviceDocID(device.ID), device)
	if err != nil {
		return fmt.Errorf("failed to update device: %w", err)
	}
	device.Rev = rev
	return nil
}
