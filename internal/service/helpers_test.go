package service

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"p8fs-auth/internal/domain"
	"p8fs-auth/internal/mailer"
	"p8fs-auth/internal/repository"
	"p8fs-auth/pkg/derive"
	"p8fs-auth/pkg/hash"
	"p8fs-auth/pkg/identity"
	"p8fs-auth/pkg/jwt"

	"golang.org/x/crypto/bcrypt"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordedEvent struct {
	tenantID string
	event    string
	payload  interface{}
}

type recordingPublisher struct {
	mu           sync.Mutex
	events       []recordedEvent
	disconnected []string
}

func (p *recordingPublisher) Publish(tenantID, event string, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{tenantID, event, payload})
}

func (p *recordingPublisher) DisconnectDevice(tenantID, deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnected = append(p.disconnected, deviceID)
}

func (p *recordingPublisher) count(event string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.event == event {
			n++
		}
	}
	return n
}

type countingProvisioner struct {
	mu      sync.Mutex
	buckets []string
}

func (p *countingProvisioner) EnsureBucket(ctx context.Context, bucket string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buckets = append(p.buckets, bucket)
	return nil
}

type testEnv struct {
	repos        *repository.Repositories
	outbox       *mailer.Outbox
	clock        *fakeClock
	events       *recordingPublisher
	provisioner  *countingProvisioner
	tokens       *TokenService
	registration *RegistrationService
	pairing      *PairingService
	credentials  *CredentialService
	validator    *WebhookValidator
	devices      *DeviceService
}

var testRootKey = []byte("0123456789abcdef0123456789abcdef")

func newTestEnv(t testing.TB) *testEnv {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	deriver, err := derive.New(testRootKey)
	if err != nil {
		t.Fatalf("derive.New() error = %v", err)
	}

	env := &testEnv{
		repos:       repository.New(repository.NewMemoryStore()),
		outbox:      mailer.NewOutbox(),
		clock:       newFakeClock(),
		events:      &recordingPublisher{},
		provisioner: &countingProvisioner{},
	}

	env.tokens = NewTokenService(jwt.NewManager(priv, "p8fs", "p8fs-api"),
		env.repos.RefreshTokens, env.repos.Devices, 15*time.Minute, 30*24*time.Hour)

	env.registration = NewRegistrationService(env.repos.Tenants, env.repos.Devices, env.repos.Registrations,
		env.tokens, env.outbox, env.provisioner, hash.NewHasher(bcrypt.MinCost), RegistrationConfig{})
	env.registration.now = env.clock.Now

	env.pairing = NewPairingService(env.repos.DeviceSessions, env.repos.APIKeys, env.repos.Devices,
		env.tokens, env.events, PairingConfig{APIKeyEnabled: true, VerificationURI: "https://auth.example.com/oauth/device"})
	env.pairing.now = env.clock.Now

	env.credentials = NewCredentialService(env.repos.CredentialSessions, deriver, CredentialConfig{
		Endpoint: "https://s3.example.com",
		Region:   "us-east-1",
	})
	env.credentials.now = env.clock.Now

	env.validator = NewWebhookValidator(env.credentials, ValidatorConfig{Region: "us-east-1"})
	env.validator.now = env.clock.Now

	env.devices = NewDeviceService(env.repos.Devices, env.repos.RefreshTokens, env.credentials, env.events)
	return env
}

// registerMobile runs register and verify for email with a fresh identity.
func (e *testEnv) registerMobile(t testing.TB, email string) (*identity.DeviceIdentity, *domain.AccessGrant) {
	t.Helper()
	ctx := context.Background()

	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := e.registration.Register(ctx, &domain.RegisterRequest{
		Email:      email,
		PublicKey:  id.PublicKeyBase64(),
		DeviceInfo: domain.DeviceInfo{DeviceName: "Phone", DeviceType: "mobile", Platform: "ios"},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	challenge := "verify-" + e.clock.Now().Format(time.RFC3339Nano)
	grant, err := e.registration.Verify(ctx, &domain.VerifyRequest{
		Email:     email,
		Code:      e.outbox.Code(strings.ToLower(email)),
		Challenge: challenge,
		Signature: id.SignBase64([]byte(challenge)),
	})
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	return id, grant
}

func callerOf(g *domain.AccessGrant) *domain.Caller {
	return &domain.Caller{
		UserID:     g.UserID,
		TenantID:   g.TenantID,
		DeviceID:   g.DeviceID,
		DeviceType: g.DeviceType,
		Scope:      g.Scope,
	}
}
