package service

import (
	"context"
	"crypto/subtle"
	"log"
	"time"

	"p8fs-auth/internal/domain"
	"p8fs-auth/internal/repository"
	"p8fs-auth/pkg/derive"

	"github.com/google/uuid"
)

const DefaultCredentialSessionTTL = 12 * time.Hour

var DefaultPermissions = []string{"read", "write", "list", "delete"}

type CredentialConfig struct {
	SessionTTL  time.Duration
	Endpoint    string
	Region      string
	Permissions []string
}

// CacheInvalidator drops cached validations for an access key.
type CacheInvalidator interface {
	Invalidate(accessKeyID string)
}

// CredentialService hands out storage credentials derived from a credential
// session. Sessions are stored; secrets are recomputed on every call.
type CredentialService struct {
	sessionRepo repository.CredentialSessionRepository
	deriver     *derive.Deriver
	invalidator CacheInvalidator
	cfg         CredentialConfig
	now         Clock
}

func NewCredentialService(sessionRepo repository.CredentialSessionRepository, deriver *derive.Deriver, cfg CredentialConfig) *CredentialService {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultCredentialSessionTTL
	}
	if len(cfg.Permissions) == 0 {
		cfg.Permissions = DefaultPermissions
	}
	return &CredentialService{
		sessionRepo: sessionRepo,
		deriver:     deriver,
		cfg:         cfg,
		now:         systemClock,
	}
}

// SetInvalidator wires the validator cache that must forget deleted
// sessions.
func (s *CredentialService) SetInvalidator(inv CacheInvalidator) {
	s.invalidator = inv
}

// GetS3Credentials reuses the caller's active s3 session or opens a new one,
// and derives credentials for it.
func (s *CredentialService) GetS3Credentials(ctx context.Context, caller *domain.Caller) (*domain.DerivedCredential, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}

	now := s.now()
	session, err := s.sessionRepo.FindActive(ctx, caller.TenantID, caller.DeviceID, domain.PurposeS3, now)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	if session == nil {
		session, err = s.openSession(ctx, caller, domain.PurposeS3, now)
		if err != nil {
			return nil, err
		}
	}
	return s.DeriveCredentials(session, caller)
}

// DeriveCredentials recomputes the credentials for session. It writes
// nothing.
func (s *CredentialService) DeriveCredentials(session *domain.CredentialSession, caller *domain.Caller) (*domain.DerivedCredential, error) {
	if caller == nil || caller.TenantID != session.TenantID {
		return nil, domain.ErrUnauthorized
	}
	material, err := s.material(session)
	if err != nil {
		return nil, err
	}
	return &domain.DerivedCredential{
		AccessKeyID:     material.AccessKeyID,
		SecretAccessKey: material.SecretAccessKey,
		SessionToken:    session.ID,
		Bucket:          session.TenantID,
		Endpoint:        s.cfg.Endpoint,
		Region:          s.cfg.Region,
		Expiration:      session.ExpiresAt,
	}, nil
}

// DeleteSession ends a credential session of the caller's tenant. Already
// derived keys stop validating once the validator cache forgets them.
func (s *CredentialService) DeleteSession(ctx context.Context, caller *domain.Caller, sessionID string) error {
	if err := requireCaller(caller); err != nil {
		return err
	}
	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		if isNotFound(err) {
			return domain.ErrNotFound
		}
		return err
	}
	if session.TenantID != caller.TenantID {
		return domain.ErrNotFound
	}
	return s.deleteSession(ctx, session)
}

// RevokeDevice deletes every credential session of a device.
func (s *CredentialService) RevokeDevice(ctx context.Context, deviceID string) error {
	sessions, err := s.sessionRepo.ListByDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	for _, session := range sessions {
		if err := s.deleteSession(ctx, session); err != nil && !isNotFound(err) {
			return err
		}
	}
	return nil
}

// lookupByAccessKey resolves an access key to its session and the material
// derived for it, rejecting expired sessions.
func (s *CredentialService) lookupByAccessKey(ctx context.Context, accessKeyID string) (*domain.CredentialSession, derive.Material, error) {
	session, err := s.sessionRepo.FindByAccessKeyID(ctx, accessKeyID)
	if err != nil {
		return nil, derive.Material{}, err
	}
	material, err := s.material(session)
	if err != nil {
		return nil, derive.Material{}, err
	}
	if subtle.ConstantTimeCompare([]byte(material.AccessKeyID), []byte(accessKeyID)) != 1 {
		return nil, derive.Material{}, domain.ErrUnauthorized
	}
	return session, material, nil
}

func (s *CredentialService) material(session *domain.CredentialSession) (derive.Material, error) {
	if session.IsExpired(s.now()) {
		return derive.Material{}, domain.ErrSessionExpired
	}
	return s.deriver.Derive(derive.Context{
		SessionID: session.ID,
		TenantID:  session.TenantID,
		DeviceID:  session.DeviceID,
		Purpose:   session.Purpose,
	})
}

func (s *CredentialService) openSession(ctx context.Context, caller *domain.Caller, purpose string, now time.Time) (*domain.CredentialSession, error) {
	session := &domain.CredentialSession{
		ID:          uuid.New().String(),
		TenantID:    caller.TenantID,
		DeviceID:    caller.DeviceID,
		Purpose:     purpose,
		Permissions: append([]string(nil), s.cfg.Permissions...),
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.SessionTTL),
	}
	material, err := s.material(session)
	if err != nil {
		return nil, err
	}
	session.AccessKeyID = material.AccessKeyID

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, err
	}
	log.Printf("[Credentials] Opened %s session %s for device %s", purpose, session.ID, caller.DeviceID)
	return session, nil
}

func (s *CredentialService) deleteSession(ctx context.Context, session *domain.CredentialSession) error {
	if err := s.sessionRepo.Delete(ctx, session); err != nil {
		return err
	}
	if s.invalidator != nil {
		s.invalidator.Invalidate(session.AccessKeyID)
	}
	log.Printf("[Credentials] Deleted credential session %s", session.ID)
	return nil
}
