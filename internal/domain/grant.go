package domain

import "time"

// AccessGrant is the token pair issued to one device of one tenant.
type AccessGrant struct {
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

// Caller is the authenticated identity behind a request, taken from a
// validated access token.
type Caller struct {
	UserID     string
	TenantID   string
	DeviceID   string
	DeviceType string
	Scope      string
	Email      string
}

// RefreshRecord tracks one issued refresh token by jti so rotation can
// consume it exactly once.
type RefreshRecord struct {
	ID         string    `json:"id"`
	Rev        string    `json:"_rev,omitempty"`
	DocType    string    `json:"doc_type"`
	TenantID   string    `json:"tenant_id"`
	UserID     string    `json:"user_id"`
	DeviceID   string    `json:"device_id"`
	DeviceType string    `json:"device_type"`
	Scope      string    `json:"scope"`
	Email      string    `json:"email,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
	Consumed   bool      `json:"consumed"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

const (
	DefaultScope = "read write"
	TokenType    = "Bearer"
)
