package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

type DeviceSessionStatus string

const (
	DeviceSessionPending  DeviceSessionStatus = "pending"
	DeviceSessionApproved DeviceSessionStatus = "approved"
	DeviceSessionDenied   DeviceSessionStatus = "denied"
	DeviceSessionExpired  DeviceSessionStatus = "expired"
	DeviceSessionConsumed DeviceSessionStatus = "consumed"
)

func (s DeviceSessionStatus) IsTerminal() bool {
	switch s {
	case DeviceSessionDenied, DeviceSessionExpired, DeviceSessionConsumed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the device grant
// state machine.
func CanTransition(from, to DeviceSessionStatus) bool {
	switch from {
	case DeviceSessionPending:
		return to == DeviceSessionApproved || to == DeviceSessionDenied || to == DeviceSessionExpired
	case DeviceSessionApproved:
		return to == DeviceSessionConsumed
	}
	return false
}

type DeviceMetadata struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Platform string `json:"platform"`
}

// DeviceAuthSession is the state of one device authorization grant. The
// device code is held only as DeviceCodeHash; the plain value goes to the
// requesting device once.
type DeviceAuthSession struct {
	ID                string              `json:"id"`
	Rev               string              `json:"_rev,omitempty"`
	DocType           string              `json:"doc_type"`
	DeviceCodeHash    string              `json:"device_code_hash"`
	ApprovalChallenge string              `json:"approval_challenge"`
	UserCode          string              `json:"user_code"`
	ClientID          string              `json:"client_id"`
	RequestedScope    string              `json:"requested_scope"`
	Metadata          DeviceMetadata      `json:"device_metadata"`
	Status            DeviceSessionStatus `json:"status"`
	CreatedAt         time.Time           `json:"created_at"`
	ExpiresAt         time.Time           `json:"expires_at"`
	PollInterval      int                 `json:"poll_interval"`
	LastPolledAt      *time.Time          `json:"last_polled_at,omitempty"`

	// Filled on approval: the approver's identity is transferred to the
	// requesting device.
	TenantID          string     `json:"tenant_id,omitempty"`
	UserID            string     `json:"user_id,omitempty"`
	Email             string     `json:"email,omitempty"`
	Scope             string     `json:"scope,omitempty"`
	ApprovedBy        string     `json:"approved_by,omitempty"`
	ApprovedAt        *time.Time `json:"approved_at,omitempty"`
	EncryptedMetadata string     `json:"encrypted_metadata,omitempty"`
	ConsumedAt        *time.Time `json:"consumed_at,omitempty"`
	IssuedDeviceID    string     `json:"issued_device_id,omitempty"`
}

func (s *DeviceAuthSession) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// SlowDownStep is added to a session's poll interval each time its device
// polls too fast.
const SlowDownStep = 5

// PolledTooSoon reports whether a poll at now comes before the session's
// interval has elapsed since the previous poll.
func (s *DeviceAuthSession) PolledTooSoon(now time.Time) bool {
	if s.LastPolledAt == nil {
		return false
	}
	return now.Sub(*s.LastPolledAt) < time.Duration(s.PollInterval)*time.Second
}

// ApprovalChallenge is the message an approving device signs for a session:
// the hex SHA-256 of the device code. It binds the approval to the device
// code without revealing it.
func ApprovalChallenge(deviceCode string) string {
	sum := sha256.Sum256([]byte(deviceCode))
	return hex.EncodeToString(sum[:])
}

type DeviceCodeRequest struct {
	ClientID   string `validate:"required,max=128"`
	Scope      string `validate:"max=256"`
	DeviceName string `validate:"max=100"`
	DeviceType string `validate:"max=32"`
	Platform   string `validate:"max=64"`
}

type DeviceCodeResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int    `json:"interval"`
}

type DeviceSessionDetails struct {
	UserCode          string              `json:"user_code"`
	ClientID          string              `json:"client_id"`
	Scope             string              `json:"scope"`
	Device            DeviceMetadata      `json:"device"`
	Status            DeviceSessionStatus `json:"status"`
	ApprovalChallenge string              `json:"approval_challenge"`
	CreatedAt         time.Time           `json:"created_at"`
	ExpiresIn         int64               `json:"expires_in"`
}

// APIKey is a short-lived, single-use substitute for an approval signature.
type APIKey struct {
	ID        string    `json:"id"`
	Rev       string    `json:"_rev,omitempty"`
	DocType   string    `json:"doc_type"`
	KeyHash   string    `json:"key_hash"`
	UserCode  string    `json:"user_code"`
	TenantID  string    `json:"tenant_id"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email,omitempty"`
	DeviceID  string    `json:"device_id"`
	Scope     string    `json:"scope"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
}

type APIKeyResponse struct {
	APIKey    string `json:"api_key"`
	ExpiresIn int64  `json:"expires_in"`
}
