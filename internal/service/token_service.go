package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"p8fs-auth/internal/domain"
	"p8fs-auth/internal/repository"
	"p8fs-auth/pkg/jwt"
)

// TokenService issues access grants and rotates refresh tokens.
type TokenService struct {
	manager     *jwt.Manager
	refreshRepo repository.RefreshTokenRepository
	deviceRepo  repository.DeviceRepository
	accessTTL   time.Duration
	refreshTTL  time.Duration
}

func NewTokenService(manager *jwt.Manager, refreshRepo repository.RefreshTokenRepository, deviceRepo repository.DeviceRepository, accessTTL, refreshTTL time.Duration) *TokenService {
	return &TokenService{
		manager:     manager,
		refreshRepo: refreshRepo,
		deviceRepo:  deviceRepo,
		accessTTL:   accessTTL,
		refreshTTL:  refreshTTL,
	}
}

// Issue signs a token pair for id and records the refresh token.
func (s *TokenService) Issue(ctx context.Context, id jwt.Identity) (*domain.AccessGrant, error) {
	if id.Scope == "" {
		id.Scope = domain.DefaultScope
	}

	accessToken, accessClaims, err := s.manager.GenerateToken(id, jwt.TokenTypeAccess, s.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}
	refreshToken, refreshClaims, err := s.manager.GenerateToken(id, jwt.TokenTypeRefresh, s.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	record := &domain.RefreshRecord{
		ID:         refreshClaims.ID,
		TenantID:   id.TenantID,
		UserID:     id.UserID,
		DeviceID:   id.DeviceID,
		DeviceType: id.DeviceType,
		Scope:      id.Scope,
		Email:      id.Email,
		ExpiresAt:  refreshClaims.ExpiresAt.Time,
		CreatedAt:  refreshClaims.IssuedAt.Time,
	}
	if err := s.refreshRepo.Create(ctx, record); err != nil {
		return nil, err
	}

	return &domain.AccessGrant{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    domain.TokenType,
		TenantID:     id.TenantID,
		UserID:       id.UserID,
		DeviceID:     id.DeviceID,
		DeviceType:   id.DeviceType,
		Scope:        id.Scope,
		ExpiresIn:    int64(s.accessTTL.Seconds()),
		ExpiresAt:    accessClaims.ExpiresAt.Time,
	}, nil
}

// Refresh consumes refreshToken and issues a new pair. A refresh token works
// once; replays and tokens of revoked devices fail with ErrInvalidGrant.
func (s *TokenService) Refresh(ctx context.Context, refreshToken string) (*domain.AccessGrant, error) {
	claims, err := s.manager.ValidateToken(refreshToken, jwt.TokenTypeRefresh)
	if err != nil {
		return nil, domain.ErrInvalidGrant
	}

	record, err := s.refreshRepo.Consume(ctx, claims.ID)
	if err != nil {
		log.Printf("[Token] Refresh rejected for device %s: %v", claims.DeviceID, err)
		return nil, domain.ErrInvalidGrant
	}

	if _, err := s.activeDevice(ctx, record.TenantID, record.DeviceID); err != nil {
		return nil, domain.ErrInvalidGrant
	}

	return s.Issue(ctx, jwt.Identity{
		UserID:     record.UserID,
		TenantID:   record.TenantID,
		DeviceID:   record.DeviceID,
		DeviceType: record.DeviceType,
		Scope:      record.Scope,
		Email:      record.Email,
	})
}

// Authenticate validates an access token and checks that its device is
// still active.
func (s *TokenService) Authenticate(ctx context.Context, accessToken string) (*domain.Caller, error) {
	claims, err := s.manager.ValidateToken(accessToken, jwt.TokenTypeAccess)
	if err != nil {
		return nil, domain.ErrUnauthorized
	}
	if _, err := s.activeDevice(ctx, claims.TenantID, claims.DeviceID); err != nil {
		return nil, err
	}
	return &domain.Caller{
		UserID:     claims.UserID(),
		TenantID:   claims.TenantID,
		DeviceID:   claims.DeviceID,
		DeviceType: claims.DeviceType,
		Scope:      claims.Scope,
		Email:      claims.Email,
	}, nil
}

func (s *TokenService) activeDevice(ctx context.Context, tenantID, deviceID string) (*domain.Device, error) {
	device, err := s.deviceRepo.FindByID(ctx, deviceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrUnauthorized
		}
		return nil, err
	}
	if device.IsRevoked || device.TenantID != tenantID {
		return nil, domain.ErrUnauthorized
	}
	return device, nil
}

func (s *TokenService) JWK() map[string]string {
	return s.manager.JWK()
}
