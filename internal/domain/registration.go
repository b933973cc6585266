package domain

import "time"

const (
	PendingPurposeRegister = "register"
	PendingPurposeAddEmail = "add_email"
)

// PendingRegistration is created by register and consumed exactly once by a
// successful verify. The code itself is never stored, only its hash.
type PendingRegistration struct {
	ID         string     `json:"id"`
	Rev        string     `json:"_rev,omitempty"`
	DocType    string     `json:"doc_type"`
	Purpose    string     `json:"purpose"`
	Email      string     `json:"email"`
	TenantID   string     `json:"tenant_id,omitempty"`
	PublicKey  string     `json:"public_key,omitempty"`
	DeviceInfo DeviceInfo `json:"device_info"`
	CodeHash   string     `json:"code_hash"`
	Attempts   int        `json:"attempts"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
}

func (p *PendingRegistration) IsExpired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

type RegisterRequest struct {
	Email      string     `json:"email" validate:"required,email"`
	PublicKey  string     `json:"public_key" validate:"required"`
	DeviceInfo DeviceInfo `json:"device_info"`
}

type RegisterResponse struct {
	RegistrationID string `json:"registration_id"`
	Message        string `json:"message"`
	ExpiresIn      int64  `json:"expires_in"`
}

// VerifyRequest completes registration. Challenge is chosen by the client;
// Signature is the base64 Ed25519 signature of the challenge bytes.
type VerifyRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Code      string `json:"code" validate:"required,len=6,numeric"`
	Challenge string `json:"challenge" validate:"required,max=1024"`
	Signature string `json:"signature" validate:"required"`
}

type AddEmailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type VerifyEmailRequest struct {
	Email string `json:"email" validate:"required,email"`
	Code  string `json:"code" validate:"required,len=6,numeric"`
}
