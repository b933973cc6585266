package service

import (
	"context"
	"log"

	"p8fs-auth/internal/domain"
	"p8fs-auth/internal/repository"
)

type DeviceService struct {
	repo        repository.DeviceRepository
	refreshRepo repository.RefreshTokenRepository
	credentials *CredentialService
	events      EventPublisher
}

func NewDeviceService(repo repository.DeviceRepository, refreshRepo repository.RefreshTokenRepository, credentials *CredentialService, events EventPublisher) *DeviceService {
	if events == nil {
		events = noopPublisher{}
	}
	return &DeviceService{
		repo:        repo,
		refreshRepo: refreshRepo,
		credentials: credentials,
		events:      events,
	}
}

func (s *DeviceService) List(ctx context.Context, caller *domain.Caller) ([]*domain.DeviceResponse, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	devices, err := s.repo.ListByTenant(ctx, caller.TenantID)
	if err != nil {
		return nil, err
	}

	responses := make([]*domain.DeviceResponse, 0, len(devices))
	for _, d := range devices {
		responses = append(responses, d.ToResponse())
	}
	return responses, nil
}

// Revoke disables a device of the caller's tenant. Its refresh tokens and
// credential sessions go with it, and its access tokens stop authenticating.
func (s *DeviceService) Revoke(ctx context.Context, caller *domain.Caller, deviceID string) error {
	if err := requireCaller(caller); err != nil {
		return err
	}
	device, err := s.repo.FindByID(ctx, deviceID)
	if err != nil {
		if isNotFound(err) {
			return domain.ErrNotFound
		}
		return err
	}
	if device.TenantID != caller.TenantID {
		return domain.ErrNotFound
	}
	if device.IsRevoked {
		return nil
	}

	device.IsRevoked = true
	if err := s.repo.Update(ctx, device); err != nil {
		return err
	}
	if err := s.refreshRepo.RevokeDevice(ctx, device.ID); err != nil {
		return err
	}
	if err := s.credentials.RevokeDevice(ctx, device.ID); err != nil {
		return err
	}

	log.Printf("[Devices] Device %s revoked by device %s", device.ID, caller.DeviceID)
	s.events.Publish(device.TenantID, EventDeviceRevoked, domain.DeviceEvent{DeviceID: device.ID, Name: device.Name, Type: device.Type})
	if d, ok := s.events.(interface{ DisconnectDevice(tenantID, deviceID string) }); ok {
		d.DisconnectDevice(device.TenantID, device.ID)
	}
	return nil
}
