package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"p8fs-auth/internal/domain"
	"p8fs-auth/internal/mailer"
	"p8fs-auth/internal/repository"
	"p8fs-auth/internal/storage"
	"p8fs-auth/pkg/hash"
	"p8fs-auth/pkg/identity"
	"p8fs-auth/pkg/jwt"

	"github.com/google/uuid"
)

const (
	DefaultCodeTTL     = 10 * time.Minute
	DefaultMaxAttempts = 5
	codeDigits         = 6
)

type RegistrationConfig struct {
	CodeTTL     time.Duration
	MaxAttempts int
}

// RegistrationService turns an email plus a device public key into a
// tenant-bound device. Completion needs both the emailed code and a
// signature by the registered key.
type RegistrationService struct {
	tenantRepo  repository.TenantRepository
	deviceRepo  repository.DeviceRepository
	pendingRepo repository.RegistrationRepository
	tokens      *TokenService
	sender      mailer.Sender
	provisioner storage.Provisioner
	hasher      *hash.Hasher
	cfg         RegistrationConfig
	now         Clock
}

func NewRegistrationService(
	tenantRepo repository.TenantRepository,
	deviceRepo repository.DeviceRepository,
	pendingRepo repository.RegistrationRepository,
	tokens *TokenService,
	sender mailer.Sender,
	provisioner storage.Provisioner,
	hasher *hash.Hasher,
	cfg RegistrationConfig,
) *RegistrationService {
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = DefaultCodeTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &RegistrationService{
		tenantRepo:  tenantRepo,
		deviceRepo:  deviceRepo,
		pendingRepo: pendingRepo,
		tokens:      tokens,
		sender:      sender,
		provisioner: provisioner,
		hasher:      hasher,
		cfg:         cfg,
		now:         systemClock,
	}
}

func (s *RegistrationService) Register(ctx context.Context, req *domain.RegisterRequest) (*domain.RegisterResponse, error) {
	email := normalizeEmail(req.Email)
	publicKey, err := identity.ParsePublicKey(req.PublicKey)
	if err != nil {
		return nil, domain.ErrInvalidKey
	}
	encodedKey := identity.EncodePublicKey(publicKey)

	now := s.now()
	existing, err := s.pendingRepo.Find(ctx, domain.PendingPurposeRegister, email)
	if err != nil && !isNotFound(err) {
		return nil, err
	}

	pending := &domain.PendingRegistration{
		ID:         uuid.New().String(),
		Purpose:    domain.PendingPurposeRegister,
		Email:      email,
		PublicKey:  encodedKey,
		DeviceInfo: req.DeviceInfo,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.CodeTTL),
	}
	// One live code per email, whichever key asks. Its attempt counter is
	// the email's lockout until it expires.
	if existing != nil {
		if !existing.IsExpired(now) {
			return nil, domain.ErrDuplicatePending
		}
		pending.Rev = existing.Rev
	}

	if err := s.issueCode(ctx, pending, mailer.PurposeRegistration); err != nil {
		return nil, err
	}

	log.Printf("[Registration] Pending registration %s created for %s", pending.ID, mailer.MaskEmail(email))
	return &domain.RegisterResponse{
		RegistrationID: pending.ID,
		Message:        "Verification code sent to email",
		ExpiresIn:      int64(s.cfg.CodeTTL.Seconds()),
	}, nil
}

// Verify completes a registration. Unknown, expired, wrong-code and
// wrong-signature failures are distinguishable here for tests; the handler
// folds them into one response.
func (s *RegistrationService) Verify(ctx context.Context, req *domain.VerifyRequest) (*domain.AccessGrant, error) {
	email := normalizeEmail(req.Email)
	pending, err := s.checkCode(ctx, domain.PendingPurposeRegister, email, req.Code)
	if err != nil {
		return nil, err
	}

	publicKey, err := identity.ParsePublicKey(pending.PublicKey)
	if err != nil {
		return nil, domain.ErrInvalidKey
	}
	signature, err := identity.ParseSignature(req.Signature)
	if err != nil || !identity.Verify([]byte(req.Challenge), signature, publicKey) {
		s.recordFailure(ctx, pending)
		return nil, domain.ErrInvalidSignature
	}

	if err := s.pendingRepo.Consume(ctx, pending); err != nil {
		if errors.Is(err, domain.ErrConflict) || isNotFound(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}

	return s.completeRegistration(ctx, email, pending.PublicKey, pending.DeviceInfo)
}

// DevRegister binds a device without the email round trip. It is only
// reachable behind the development token.
func (s *RegistrationService) DevRegister(ctx context.Context, req *domain.RegisterRequest) (*domain.AccessGrant, error) {
	publicKey, err := identity.ParsePublicKey(req.PublicKey)
	if err != nil {
		return nil, domain.ErrInvalidKey
	}
	log.Printf("[Registration] Development registration for %s", mailer.MaskEmail(normalizeEmail(req.Email)))
	return s.completeRegistration(ctx, normalizeEmail(req.Email), identity.EncodePublicKey(publicKey), req.DeviceInfo)
}

// StartEmailAdd sends a code proving control of another email for the
// caller's tenant.
func (s *RegistrationService) StartEmailAdd(ctx context.Context, caller *domain.Caller, req *domain.AddEmailRequest) (*domain.RegisterResponse, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	email := normalizeEmail(req.Email)

	owner, err := s.tenantRepo.FindByEmail(ctx, email)
	switch {
	case err == nil && owner.ID != caller.TenantID:
		return nil, domain.ErrUnauthorized
	case err == nil:
		return nil, domain.ErrDuplicatePending
	case !isNotFound(err):
		return nil, err
	}

	now := s.now()
	pending := &domain.PendingRegistration{
		ID:        uuid.New().String(),
		Purpose:   domain.PendingPurposeAddEmail,
		Email:     email,
		TenantID:  caller.TenantID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.CodeTTL),
	}
	existing, err := s.pendingRepo.Find(ctx, domain.PendingPurposeAddEmail, email)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	if existing != nil {
		if !existing.IsExpired(now) {
			if existing.TenantID != caller.TenantID {
				return nil, domain.ErrDuplicatePending
			}
			if existing.Attempts >= s.cfg.MaxAttempts {
				return nil, domain.ErrLockedOut
			}
			pending.Attempts = existing.Attempts
		}
		pending.Rev = existing.Rev
	}

	if err := s.issueCode(ctx, pending, mailer.PurposeAddEmail); err != nil {
		return nil, err
	}
	return &domain.RegisterResponse{
		RegistrationID: pending.ID,
		Message:        "Verification code sent to email",
		ExpiresIn:      int64(s.cfg.CodeTTL.Seconds()),
	}, nil
}

func (s *RegistrationService) VerifyEmailAdd(ctx context.Context, caller *domain.Caller, req *domain.VerifyEmailRequest) (*domain.Tenant, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	email := normalizeEmail(req.Email)

	pending, err := s.pendingRepo.Find(ctx, domain.PendingPurposeAddEmail, email)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if pending.TenantID != caller.TenantID {
		return nil, domain.ErrNotFound
	}

	pending, err = s.checkCode(ctx, domain.PendingPurposeAddEmail, email, req.Code)
	if err != nil {
		return nil, err
	}
	if err := s.pendingRepo.Consume(ctx, pending); err != nil {
		if errors.Is(err, domain.ErrConflict) || isNotFound(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}

	if err := s.tenantRepo.AddEmail(ctx, caller.TenantID, email); err != nil {
		return nil, err
	}
	return s.tenantRepo.FindByID(ctx, caller.TenantID)
}

// RotateKey rebinds the caller's device to a new public key. The request is
// signed by the new key over the device ID.
func (s *RegistrationService) RotateKey(ctx context.Context, caller *domain.Caller, req *domain.RotateKeyRequest) (*domain.Device, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	publicKey, err := identity.ParsePublicKey(req.PublicKey)
	if err != nil {
		return nil, domain.ErrInvalidKey
	}
	signature, err := identity.ParseSignature(req.Signature)
	if err != nil || !identity.Verify([]byte(caller.DeviceID), signature, publicKey) {
		return nil, domain.ErrInvalidSignature
	}

	device, err := s.deviceRepo.FindByID(ctx, caller.DeviceID)
	if err != nil {
		return nil, err
	}
	if device.TenantID != caller.TenantID || device.IsRevoked {
		return nil, domain.ErrUnauthorized
	}

	device.PublicKey = identity.EncodePublicKey(publicKey)
	device.LastActive = s.now()
	if err := s.deviceRepo.Update(ctx, device); err != nil {
		return nil, err
	}
	log.Printf("[Registration] Rotated public key for device %s", device.ID)
	return device, nil
}

func (s *RegistrationService) issueCode(ctx context.Context, pending *domain.PendingRegistration, purpose string) error {
	code, err := hash.GenerateNumericCode(codeDigits)
	if err != nil {
		return err
	}
	codeHash, err := s.hasher.Hash(code)
	if err != nil {
		return err
	}
	pending.CodeHash = codeHash

	if err := s.pendingRepo.Save(ctx, pending); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return domain.ErrDuplicatePending
		}
		return err
	}

	if err := s.sender.SendCode(ctx, pending.Email, code, purpose); err != nil {
		if cerr := s.pendingRepo.Consume(ctx, pending); cerr != nil {
			log.Printf("[Registration] Failed to discard unsent code for %s: %v", mailer.MaskEmail(pending.Email), cerr)
		}
		return fmt.Errorf("failed to send verification code: %w", err)
	}
	return nil
}

// checkCode loads the pending entry and compares code, counting failures
// toward the lockout.
func (s *RegistrationService) checkCode(ctx context.Context, purpose, email, code string) (*domain.PendingRegistration, error) {
	pending, err := s.pendingRepo.Find(ctx, purpose, email)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if pending.IsExpired(s.now()) {
		return nil, domain.ErrExpired
	}
	if pending.Attempts >= s.cfg.MaxAttempts {
		return nil, domain.ErrLockedOut
	}

	if err := s.hasher.Compare(pending.CodeHash, code); err != nil {
		if s.recordFailure(ctx, pending) >= s.cfg.MaxAttempts {
			return nil, domain.ErrLockedOut
		}
		return nil, domain.ErrInvalidCode
	}
	return pending, nil
}

// recordFailure increments the attempt counter with CAS retries and returns
// the new count.
func (s *RegistrationService) recordFailure(ctx context.Context, pending *domain.PendingRegistration) int {
	for i := 0; i < 3; i++ {
		pending.Attempts++
		err := s.pendingRepo.Save(ctx, pending)
		if err == nil {
			return pending.Attempts
		}
		if !errors.Is(err, domain.ErrConflict) {
			log.Printf("[Registration] Failed to record attempt: %v", err)
			return pending.Attempts
		}
		fresh, err := s.pendingRepo.Find(ctx, pending.Purpose, pending.Email)
		if err != nil {
			return s.cfg.MaxAttempts
		}
		*pending = *fresh
	}
	return pending.Attempts
}

func (s *RegistrationService) completeRegistration(ctx context.Context, email, publicKey string, info domain.DeviceInfo) (*domain.AccessGrant, error) {
	tenant, err := s.ensureTenant(ctx, email)
	if err != nil {
		return nil, err
	}

	now := s.now()
	device := &domain.Device{
		ID:         uuid.New().String(),
		TenantID:   tenant.ID,
		UserID:     tenant.UserID,
		Name:       info.DeviceName,
		Type:       domain.NormalizeDeviceType(info.DeviceType),
		Platform:   info.Platform,
		Model:      info.Model,
		AppVersion: info.AppVersion,
		PublicKey:  publicKey,
		LastActive: now,
		CreatedAt:  now,
	}
	if device.Name == "" {
		device.Name = "Mobile device"
	}
	if err := s.deviceRepo.Create(ctx, device); err != nil {
		return nil, err
	}

	log.Printf("[Registration] Device %s bound to tenant %s", device.ID, tenant.ID)
	return s.tokens.Issue(ctx, jwt.Identity{
		UserID:     tenant.UserID,
		TenantID:   tenant.ID,
		DeviceID:   device.ID,
		DeviceType: device.Type,
		Scope:      domain.DefaultScope,
		Email:      email,
	})
}

func (s *RegistrationService) ensureTenant(ctx context.Context, email string) (*domain.Tenant, error) {
	tenantID, err := newTenantID()
	if err != nil {
		return nil, err
	}
	now := s.now()
	tenant, created, err := s.tenantRepo.CreateIfAbsent(ctx, &domain.Tenant{
		ID:           tenantID,
		UserID:       "user-" + uuid.New().String(),
		PrimaryEmail: email,
		Emails:       []string{email},
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return nil, err
	}

	if created {
		log.Printf("[Registration] Created tenant %s", tenant.ID)
		if err := s.provisioner.EnsureBucket(ctx, tenant.BucketName()); err != nil {
			log.Printf("[Registration] Bucket provisioning for tenant %s failed: %v", tenant.ID, err)
		}
	}
	return tenant, nil
}

func newTenantID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate tenant id: %w", err)
	}
	return "tenant-" + hex.EncodeToString(b), nil
}
