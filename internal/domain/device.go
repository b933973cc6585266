package domain

import (
	"strings"
	"time"
)

const (
	DeviceTypeMobile  = "mobile"
	DeviceTypeDesktop = "desktop"
)

// NormalizeDeviceType maps client-declared types onto mobile or desktop.
func NormalizeDeviceType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "mobile", "phone", "ios", "android", "tablet":
		return DeviceTypeMobile
	}
	return DeviceTypeDesktop
}

type Device struct {
	ID         string    `json:"id"`
	Rev        string    `json:"_rev,omitempty"`
	DocType    string    `json:"doc_type"`
	TenantID   string    `json:"tenant_id"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Platform   string    `json:"platform"`
	Model      string    `json:"model,omitempty"`
	AppVersion string    `json:"app_version"`
	PublicKey  string    `json:"public_key,omitempty"`
	PairedBy   string    `json:"paired_by,omitempty"`
	LastActive time.Time `json:"last_active"`
	CreatedAt  time.Time `json:"created_at"`
	IsRevoked  bool      `json:"is_revoked"`
}

// DeviceInfo is what a client declares about itself at registration.
type DeviceInfo struct {
	DeviceName string `json:"device_name" validate:"max=100"`
	DeviceType string `json:"device_type" validate:"max=32"`
	Platform   string `json:"platform,omitempty" validate:"max=64"`
	OSVersion  string `json:"os_version,omitempty" validate:"max=64"`
	Model      string `json:"model,omitempty" validate:"max=100"`
	AppVersion string `json:"app_version,omitempty" validate:"max=32"`
}

type DeviceResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Platform   string    `json:"platform"`
	LastActive time.Time `json:"last_active"`
	CreatedAt  time.Time `json:"created_at"`
	IsRevoked  bool      `json:"is_revoked"`
}

func (d *Device) ToResponse() *DeviceResponse {
	return &DeviceResponse{
		ID:         d.ID,
		Name:       d.Name,
		Type:       d.Type,
		Platform:   d.Platform,
		LastActive: d.LastActive,
		CreatedAt:  d.CreatedAt,
		IsRevoked:  d.IsRevoked,
	}
}

// DeviceEvent is pushed to a tenant's connected devices when one of its
// devices is paired or revoked.
type DeviceEvent struct {
	DeviceID   string `json:"device_id"`
	Name       string `json:"name,omitempty"`
	Type       string `json:"type,omitempty"`
	Platform   string `json:"platform,omitempty"`
	ApprovedBy string `json:"approved_by,omitempty"`
}

type RotateKeyRequest struct {
	PublicKey string `json:"public_key" validate:"required"`
	Signature string `json:"signature" validate:"required"`
}
