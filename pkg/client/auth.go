package client

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"p8fs-auth/pkg/identity"
)

type DeviceInfo struct {
	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type"`
	Platform   string `json:"platform,omitempty"`
	OSVersion  string `json:"os_version,omitempty"`
	Model      string `json:"model,omitempty"`
	AppVersion string `json:"app_version,omitempty"`
}

type RegisterResponse struct {
	RegistrationID string `json:"registration_id"`
	Message        string `json:"message"`
	ExpiresIn      int64  `json:"expires_in"`
}

// Grant is the token pair issued to this device.
type Grant struct {
	AccessToken       string    `json:"access_token"`
	RefreshToken      string    `json:"refresh_token"`
	TokenType         string    `json:"token_type"`
	TenantID          string    `json:"tenant_id"`
	UserID            string    `json:"user_id"`
	DeviceID          string    `json:"device_id"`
	DeviceType        string    `json:"device_type"`
	Scope             string    `json:"scope"`
	ExpiresIn         int64     `json:"expires_in"`
	ExpiresAt         time.Time `json:"expires_at"`
	EncryptedMetadata string    `json:"encrypted_metadata,omitempty"`
}

type Device struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Platform   string    `json:"platform"`
	LastActive time.Time `json:"last_active"`
	CreatedAt  time.Time `json:"created_at"`
	IsRevoked  bool      `json:"is_revoked"`
}

// Register starts mobile registration. The server emails a 6-digit code.
func (c *Client) Register(ctx context.Context, rc RequestContext, email string, id *identity.DeviceIdentity, info DeviceInfo) (*RegisterResponse, error) {
	var out RegisterResponse
	err := c.doAPI(ctx, rc, http.MethodPost, "/api/v1/auth/register", map[string]interface{}{
		"email":       email,
		"public_key":  id.PublicKeyBase64(),
		"device_info": info,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	return &out, nil
}

// Verify completes registration with the emailed code and a signature over
// a fresh client-chosen challenge.
func (c *Client) Verify(ctx context.Context, rc RequestContext, email, code string, id *identity.DeviceIdentity) (*Grant, error) {
	challenge, err := c.newChallenge()
	if err != nil {
		return nil, err
	}

	var out Grant
	err = c.doAPI(ctx, rc, http.MethodPost, "/api/v1/auth/verify", map[string]string{
		"email":     email,
		"code":      code,
		"challenge": challenge,
		"signature": id.SignBase64([]byte(challenge)),
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	return &out, nil
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Grant, error) {
	var out Grant
	err := c.doAPI(ctx, RequestContext{}, http.MethodPost, "/api/v1/auth/refresh", map[string]string{
		"refresh_token": refreshToken,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}
	return &out, nil
}

// RotateKey rebinds the calling device to next. The proof is next's
// signature over the device id.
func (c *Client) RotateKey(ctx context.Context, rc RequestContext, next *identity.DeviceIdentity) (*Device, error) {
	if rc.DeviceID == "" {
		return nil, fmt.Errorf("rotate key: request context has no device id")
	}
	var out Device
	err := c.doAPI(ctx, rc, http.MethodPost, "/api/v1/auth/keys/rotate", map[string]string{
		"public_key": next.PublicKeyBase64(),
		"signature":  next.SignBase64([]byte(rc.DeviceID)),
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("rotate key: %w", err)
	}
	return &out, nil
}

func (c *Client) Devices(ctx context.Context, rc RequestContext) ([]Device, error) {
	var out []Device
	if err := c.doAPI(ctx, rc, http.MethodGet, "/api/v1/devices", nil, &out); err != nil {
		return nil, fmt.Errorf("devices: %w", err)
	}
	return out, nil
}

func (c *Client) newChallenge() (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return fmt.Sprintf("p8fs-verify:%d:%s", c.now().UnixMilli(), hex.EncodeToString(nonce)), nil
}
