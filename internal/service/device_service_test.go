package service

import (
	"context"
	"errors"
	"testing"

	"p8fs-auth/internal/domain"
)

func TestDeviceService_List(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, phone := env.registerMobile(t, "a@x.com")
	_, tablet := env.registerMobile(t, "a@x.com")
	_, stranger := env.registerMobile(t, "b@x.com")

	devices, err := env.devices.List(ctx, callerOf(phone))
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("List() returned %d devices, want 2", len(devices))
	}
	for _, d := range devices {
		if d.ID != phone.DeviceID && d.ID != tablet.DeviceID {
			t.Errorf("List() returned unexpected device %s", d.ID)
		}
		if d.ID == stranger.DeviceID {
			t.Errorf("List() leaked device %s of another tenant", d.ID)
		}
	}

	if _, err := env.devices.List(ctx, nil); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("List(nil) error = %v, want ErrUnauthorized", err)
	}
}

func TestDeviceService_Revoke(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, admin := env.registerMobile(t, "a@x.com")
	_, lost := env.registerMobile(t, "a@x.com")
	_, stranger := env.registerMobile(t, "b@x.com")

	if _, err := env.credentials.GetS3Credentials(ctx, callerOf(lost)); err != nil {
		t.Fatalf("GetS3Credentials() error = %v", err)
	}

	if err := env.devices.Revoke(ctx, callerOf(stranger), lost.DeviceID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Revoke() by another tenant error = %v, want ErrNotFound", err)
	}
	if err := env.devices.Revoke(ctx, callerOf(admin), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Revoke(missing) error = %v, want ErrNotFound", err)
	}

	if err := env.devices.Revoke(ctx, callerOf(admin), lost.DeviceID); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if err := env.devices.Revoke(ctx, callerOf(admin), lost.DeviceID); err != nil {
		t.Errorf("Revoke() twice error = %v", err)
	}

	if _, err := env.tokens.Authenticate(ctx, lost.AccessToken); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("Authenticate() revoked device error = %v, want ErrUnauthorized", err)
	}
	if _, err := env.tokens.Refresh(ctx, lost.RefreshToken); !errors.Is(err, domain.ErrInvalidGrant) {
		t.Errorf("Refresh() revoked device error = %v, want ErrInvalidGrant", err)
	}
	sessions, _ := env.repos.CredentialSessions.ListByDevice(ctx, lost.DeviceID)
	if len(sessions) != 0 {
		t.Errorf("revoked device kept %d credential sessions", len(sessions))
	}

	if _, err := env.tokens.Authenticate(ctx, admin.AccessToken); err != nil {
		t.Errorf("Authenticate() other device error = %v", err)
	}
	if env.events.count(EventDeviceRevoked) != 1 {
		t.Errorf("device_revoked events = %d, want 1", env.events.count(EventDeviceRevoked))
	}
	if len(env.events.disconnected) != 1 || env.events.disconnected[0] != lost.DeviceID {
		t.Errorf("disconnected = %v", env.events.disconnected)
	}
}
