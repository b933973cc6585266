package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/url"
	"regexp"
	"strings"
	"time"

	"p8fs-auth/internal/domain"
	"p8fs-auth/internal/repository"
	"p8fs-auth/pkg/hash"
	"p8fs-auth/pkg/identity"
	"p8fs-auth/pkg/jwt"

	"github.com/google/uuid"
)

const (
	DefaultDeviceSessionTTL = 600 * time.Second
	DefaultPollInterval     = 5 * time.Second
	DefaultAPIKeyTTL        = 15 * time.Minute

	APIKeyPrefix = "p8fs-akey-"

	// userCodeAlphabet omits 0, 1, I and O. Eight characters give 40 bits.
	userCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	userCodeLength   = 8

	maxDecisionRetries = 3
)

// pairedDeviceNamespace scopes device IDs derived from device code hashes.
var pairedDeviceNamespace = uuid.MustParse("6f1c2b8e-3d4a-5e6f-9a0b-1c2d3e4f5a6b")

var apiKeyPattern = regexp.MustCompile(`^p8fs-akey-[0-9a-f]{32}$`)

type PairingConfig struct {
	SessionTTL      time.Duration
	PollInterval    time.Duration
	APIKeyTTL       time.Duration
	APIKeyEnabled   bool
	VerificationURI string
}

// PairingService runs the device authorization grant that hands an
// approving device's identity to a new desktop or CLI device.
type PairingService struct {
	sessionRepo repository.DeviceSessionRepository
	apiKeyRepo  repository.APIKeyRepository
	deviceRepo  repository.DeviceRepository
	tokens      *TokenService
	events      EventPublisher
	cfg         PairingConfig
	now         Clock
}

func NewPairingService(
	sessionRepo repository.DeviceSessionRepository,
	apiKeyRepo repository.APIKeyRepository,
	deviceRepo repository.DeviceRepository,
	tokens *TokenService,
	events EventPublisher,
	cfg PairingConfig,
) *PairingService {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultDeviceSessionTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.APIKeyTTL <= 0 {
		cfg.APIKeyTTL = DefaultAPIKeyTTL
	}
	if events == nil {
		events = noopPublisher{}
	}
	return &PairingService{
		sessionRepo: sessionRepo,
		apiKeyRepo:  apiKeyRepo,
		deviceRepo:  deviceRepo,
		tokens:      tokens,
		events:      events,
		cfg:         cfg,
		now:         systemClock,
	}
}

// NormalizeUserCode upper-cases a user code and strips separators.
func NormalizeUserCode(code string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(code) {
		if r == '-' || r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// FormatUserCode renders a normalized code as XXXX-XXXX.
func FormatUserCode(code string) string {
	if len(code) != userCodeLength {
		return code
	}
	return code[:4] + "-" + code[4:]
}

func (s *PairingService) CreateDeviceSession(ctx context.Context, req *domain.DeviceCodeRequest) (*domain.DeviceCodeResponse, error) {
	deviceCode, err := randomToken(32)
	if err != nil {
		return nil, err
	}

	var userCode string
	for i := 0; ; i++ {
		userCode, err = generateUserCode()
		if err != nil {
			return nil, err
		}
		taken, err := s.userCodeInUse(ctx, userCode)
		if err != nil {
			return nil, err
		}
		if !taken {
			break
		}
		if i == 4 {
			return nil, errors.New("failed to allocate a unique user code")
		}
	}

	scope := strings.TrimSpace(req.Scope)
	if scope == "" {
		scope = domain.DefaultScope
	}

	now := s.now()
	session := &domain.DeviceAuthSession{
		DeviceCodeHash:    hash.Fingerprint(deviceCode),
		ApprovalChallenge: domain.ApprovalChallenge(deviceCode),
		UserCode:          userCode,
		ClientID:          req.ClientID,
		RequestedScope:    scope,
		Metadata: domain.DeviceMetadata{
			Name:     req.DeviceName,
			Type:     domain.NormalizeDeviceType(req.DeviceType),
			Platform: req.Platform,
		},
		Status:       domain.DeviceSessionPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.cfg.SessionTTL),
		PollInterval: int(s.cfg.PollInterval.Seconds()),
	}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, err
	}

	formatted := FormatUserCode(userCode)
	log.Printf("[Pairing] Device session %s created for client %s", formatted, req.ClientID)
	return &domain.DeviceCodeResponse{
		DeviceCode:              deviceCode,
		UserCode:                formatted,
		VerificationURI:         s.cfg.VerificationURI,
		VerificationURIComplete: s.cfg.VerificationURI + "?user_code=" + url.QueryEscape(formatted),
		ExpiresIn:               int64(s.cfg.SessionTTL.Seconds()),
		Interval:                session.PollInterval,
	}, nil
}

func (s *PairingService) GetSessionDetails(ctx context.Context, userCode string, caller *domain.Caller) (*domain.DeviceSessionDetails, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	session, err := s.liveSession(ctx, userCode)
	if err != nil {
		return nil, err
	}
	return &domain.DeviceSessionDetails{
		UserCode:          FormatUserCode(session.UserCode),
		ClientID:          session.ClientID,
		Scope:             session.RequestedScope,
		Device:            session.Metadata,
		Status:            session.Status,
		ApprovalChallenge: session.ApprovalChallenge,
		CreatedAt:         session.CreatedAt,
		ExpiresIn:         int64(session.ExpiresAt.Sub(s.now()).Seconds()),
	}, nil
}

// Approve checks that signature is the approving device's signature over the
// session's approval challenge, then transfers the caller's tenant and user
// to the session.
func (s *PairingService) Approve(ctx context.Context, userCode, signature, encryptedMetadata string, caller *domain.Caller) error {
	if err := requireCaller(caller); err != nil {
		return err
	}
	approver, err := s.approverDevice(ctx, caller.TenantID, caller.DeviceID)
	if err != nil {
		return err
	}
	session, err := s.pendingSession(ctx, userCode)
	if err != nil {
		return err
	}

	publicKey, err := identity.ParsePublicKey(approver.PublicKey)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	sig, err := identity.ParseSignature(signature)
	if err != nil || !identity.Verify([]byte(session.ApprovalChallenge), sig, publicKey) {
		return domain.ErrInvalidSignature
	}

	return s.approve(ctx, session, jwt.Identity{
		UserID:   caller.UserID,
		TenantID: caller.TenantID,
		Email:    caller.Email,
	}, approver.ID, encryptedMetadata)
}

// ApproveWithAPIKey approves with a key minted earlier by CreateAPIKey. The
// key is consumed whether or not the approval then succeeds.
func (s *PairingService) ApproveWithAPIKey(ctx context.Context, userCode, apiKey string) error {
	if !s.cfg.APIKeyEnabled {
		return domain.ErrAPIKeyDisabled
	}
	if !apiKeyPattern.MatchString(apiKey) {
		return domain.ErrUnauthorized
	}
	session, err := s.pendingSession(ctx, userCode)
	if err != nil {
		return err
	}

	key, err := s.apiKeyRepo.Consume(ctx, hash.Fingerprint(apiKey), s.now())
	if err != nil {
		return domain.ErrUnauthorized
	}
	if key.UserCode != session.UserCode {
		return domain.ErrUnauthorized
	}
	approver, err := s.approverDevice(ctx, key.TenantID, key.DeviceID)
	if err != nil {
		return err
	}

	return s.approve(ctx, session, jwt.Identity{
		UserID:   key.UserID,
		TenantID: key.TenantID,
		Email:    key.Email,
	}, approver.ID, "")
}

// CreateAPIKey mints a single-use key that approves one session on the
// caller's behalf.
func (s *PairingService) CreateAPIKey(ctx context.Context, userCode string, caller *domain.Caller) (*domain.APIKeyResponse, error) {
	if !s.cfg.APIKeyEnabled {
		return nil, domain.ErrAPIKeyDisabled
	}
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if _, err := s.approverDevice(ctx, caller.TenantID, caller.DeviceID); err != nil {
		return nil, err
	}
	session, err := s.pendingSession(ctx, userCode)
	if err != nil {
		return nil, err
	}

	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate api key: %w", err)
	}
	apiKey := APIKeyPrefix + hex.EncodeToString(b)

	now := s.now()
	if err := s.apiKeyRepo.Create(ctx, &domain.APIKey{
		KeyHash:   hash.Fingerprint(apiKey),
		UserCode:  session.UserCode,
		TenantID:  caller.TenantID,
		UserID:    caller.UserID,
		Email:     caller.Email,
		DeviceID:  caller.DeviceID,
		Scope:     session.RequestedScope,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.APIKeyTTL),
	}); err != nil {
		return nil, err
	}

	log.Printf("[Pairing] API key issued by device %s for session %s", caller.DeviceID, FormatUserCode(session.UserCode))
	return &domain.APIKeyResponse{
		APIKey:    apiKey,
		ExpiresIn: int64(s.cfg.APIKeyTTL.Seconds()),
	}, nil
}

func (s *PairingService) Deny(ctx context.Context, userCode string, caller *domain.Caller) error {
	if err := requireCaller(caller); err != nil {
		return err
	}
	if _, err := s.approverDevice(ctx, caller.TenantID, caller.DeviceID); err != nil {
		return err
	}
	session, err := s.pendingSession(ctx, userCode)
	if err != nil {
		return err
	}
	if err := s.decide(ctx, session, domain.DeviceSessionDenied, nil); err != nil {
		return err
	}
	log.Printf("[Pairing] Device session %s denied by device %s", FormatUserCode(session.UserCode), caller.DeviceID)
	return nil
}

// PollToken is the token endpoint of the grant. An approved session is
// exchanged exactly once: the approved -> consumed CAS picks one winner
// among concurrent pollers and the rest get ErrInvalidGrant. The device and
// tokens are prepared before the CAS, so a failure there leaves the session
// approved and the next poll retries.
func (s *PairingService) PollToken(ctx context.Context, deviceCode, clientID string) (*domain.AccessGrant, error) {
	codeHash := hash.Fingerprint(deviceCode)
	session, err := s.sessionRepo.FindByDeviceCodeHash(ctx, codeHash)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrInvalidGrant
		}
		return nil, err
	}
	if clientID != "" && session.ClientID != clientID {
		return nil, domain.ErrInvalidClient
	}

	now := s.now()
	switch session.Status {
	case domain.DeviceSessionPending:
		if session.IsExpired(now) {
			s.expire(ctx, session)
			return nil, domain.ErrExpiredToken
		}
		return nil, s.recordPoll(ctx, session, now)
	case domain.DeviceSessionDenied:
		return nil, domain.ErrAccessDenied
	case domain.DeviceSessionExpired:
		return nil, domain.ErrExpiredToken
	case domain.DeviceSessionConsumed:
		return nil, domain.ErrInvalidGrant
	case domain.DeviceSessionApproved:
	default:
		return nil, domain.ErrInvalidGrant
	}

	if session.IsExpired(now) {
		return nil, domain.ErrExpiredToken
	}

	device, err := s.pairedDevice(ctx, session, now)
	if err != nil {
		return nil, err
	}

	grant, err := s.tokens.Issue(ctx, jwt.Identity{
		UserID:     session.UserID,
		TenantID:   session.TenantID,
		DeviceID:   device.ID,
		DeviceType: device.Type,
		Scope:      session.Scope,
		Email:      session.Email,
	})
	if err != nil {
		return nil, err
	}
	grant.EncryptedMetadata = session.EncryptedMetadata

	session.ConsumedAt = &now
	session.IssuedDeviceID = device.ID
	if err := s.sessionRepo.Transition(ctx, session, domain.DeviceSessionConsumed); err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrInvalidState) {
			return nil, domain.ErrInvalidGrant
		}
		return nil, err
	}

	log.Printf("[Pairing] Device %s paired to tenant %s", device.ID, device.TenantID)
	s.events.Publish(device.TenantID, EventDevicePaired, domain.DeviceEvent{
		DeviceID:   device.ID,
		Name:       device.Name,
		Type:       device.Type,
		Platform:   device.Platform,
		ApprovedBy: session.ApprovedBy,
	})
	return grant, nil
}

// recordPoll stores the poll time on a pending session and answers
// ErrSlowDown, growing the session's interval, when the device polls faster
// than allowed. Two polls racing on the same session count as too fast.
func (s *PairingService) recordPoll(ctx context.Context, session *domain.DeviceAuthSession, now time.Time) error {
	tooSoon := session.PolledTooSoon(now)
	if tooSoon {
		session.PollInterval += domain.SlowDownStep
	}
	session.LastPolledAt = &now

	if err := s.sessionRepo.RecordPoll(ctx, session); err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrInvalidState) {
			return domain.ErrSlowDown
		}
		return err
	}
	if tooSoon {
		return domain.ErrSlowDown
	}
	return domain.ErrAuthorizationPending
}

// pairedDevice creates the device record for an approved session. Its ID is
// derived from the session, so a retried or concurrent poll finds the same
// record instead of creating another.
func (s *PairingService) pairedDevice(ctx context.Context, session *domain.DeviceAuthSession, now time.Time) (*domain.Device, error) {
	device := &domain.Device{
		ID:         uuid.NewSHA1(pairedDeviceNamespace, []byte(session.DeviceCodeHash)).String(),
		TenantID:   session.TenantID,
		UserID:     session.UserID,
		Name:       session.Metadata.Name,
		Type:       domain.NormalizeDeviceType(session.Metadata.Type),
		Platform:   session.Metadata.Platform,
		PairedBy:   session.ApprovedBy,
		LastActive: now,
		CreatedAt:  now,
	}
	if device.Name == "" {
		device.Name = session.ClientID
	}

	err := s.deviceRepo.Create(ctx, device)
	if err == nil {
		return device, nil
	}
	if !errors.Is(err, domain.ErrConflict) {
		return nil, err
	}

	existing, err := s.deviceRepo.FindByID(ctx, device.ID)
	if err != nil {
		return nil, err
	}
	if existing.TenantID != session.TenantID || existing.IsRevoked {
		return nil, domain.ErrInvalidGrant
	}
	return existing, nil
}

func (s *PairingService) approve(ctx context.Context, session *domain.DeviceAuthSession, approver jwt.Identity, approvedBy, encryptedMetadata string) error {
	now := s.now()
	err := s.decide(ctx, session, domain.DeviceSessionApproved, func(session *domain.DeviceAuthSession) {
		session.TenantID = approver.TenantID
		session.UserID = approver.UserID
		session.Email = approver.Email
		session.Scope = session.RequestedScope
		session.ApprovedBy = approvedBy
		session.ApprovedAt = &now
		session.EncryptedMetadata = encryptedMetadata
	})
	if err != nil {
		return err
	}
	log.Printf("[Pairing] Device session %s approved by device %s", FormatUserCode(session.UserCode), approvedBy)
	return nil
}

// liveSession resolves a user code to a session that has not timed out.
// Unknown and timed-out codes are both ErrNotFound.
func (s *PairingService) liveSession(ctx context.Context, userCode string) (*domain.DeviceAuthSession, error) {
	session, err := s.sessionRepo.FindByUserCode(ctx, NormalizeUserCode(userCode))
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if session.Status == domain.DeviceSessionExpired {
		return nil, domain.ErrNotFound
	}
	if session.Status == domain.DeviceSessionPending && session.IsExpired(s.now()) {
		s.expire(ctx, session)
		return nil, domain.ErrNotFound
	}
	return session, nil
}

// pendingSession is liveSession restricted to sessions still awaiting a
// decision.
func (s *PairingService) pendingSession(ctx context.Context, userCode string) (*domain.DeviceAuthSession, error) {
	session, err := s.sessionRepo.FindByUserCode(ctx, NormalizeUserCode(userCode))
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	switch {
	case session.Status == domain.DeviceSessionExpired:
		return nil, domain.ErrExpired
	case session.Status != domain.DeviceSessionPending:
		return nil, domain.ErrAlreadyDecided
	case session.IsExpired(s.now()):
		s.expire(ctx, session)
		return nil, domain.ErrExpired
	}
	return session, nil
}

func (s *PairingService) approverDevice(ctx context.Context, tenantID, deviceID string) (*domain.Device, error) {
	device, err := s.deviceRepo.FindByID(ctx, deviceID)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrUnauthorized
		}
		return nil, err
	}
	if device.IsRevoked || device.TenantID != tenantID {
		return nil, domain.ErrUnauthorized
	}
	return device, nil
}

func (s *PairingService) userCodeInUse(ctx context.Context, userCode string) (bool, error) {
	session, err := s.sessionRepo.FindByUserCode(ctx, userCode)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return !session.Status.IsTerminal() && !session.IsExpired(s.now()), nil
}

func (s *PairingService) expire(ctx context.Context, session *domain.DeviceAuthSession) {
	if err := s.sessionRepo.Transition(ctx, session, domain.DeviceSessionExpired); err != nil &&
		!errors.Is(err, domain.ErrConflict) {
		log.Printf("[Pairing] Failed to expire session %s: %v", FormatUserCode(session.UserCode), err)
	}
}

// decide moves a pending session to next. A CAS lost to poll bookkeeping
// is retried against the fresh document; a lost race against another
// decision is ErrAlreadyDecided.
func (s *PairingService) decide(ctx context.Context, session *domain.DeviceAuthSession, next domain.DeviceSessionStatus, apply func(*domain.DeviceAuthSession)) error {
	for attempt := 0; ; attempt++ {
		if apply != nil {
			apply(session)
		}
		err := s.sessionRepo.Transition(ctx, session, next)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrConflict) || attempt >= maxDecisionRetries {
			return decisionError(err)
		}

		fresh, err := s.sessionRepo.FindByDeviceCodeHash(ctx, session.DeviceCodeHash)
		if err != nil {
			return err
		}
		if fresh.Status != domain.DeviceSessionPending {
			return domain.ErrAlreadyDecided
		}
		if fresh.IsExpired(s.now()) {
			return domain.ErrExpired
		}
		*session = *fresh
	}
}

// decisionError maps a failed pending -> decision transition. Losing the
// CAS means another decision landed first.
func decisionError(err error) error {
	if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrInvalidState) {
		return domain.ErrAlreadyDecided
	}
	return err
}

func generateUserCode() (string, error) {
	b := make([]byte, userCodeLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate user code: %w", err)
	}
	out := make([]byte, userCodeLength)
	for i, v := range b {
		out[i] = userCodeAlphabet[int(v)%len(userCodeAlphabet)]
	}
	return string(out), nil
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate device code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
