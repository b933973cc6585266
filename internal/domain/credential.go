package domain

import "time"

const PurposeS3 = "s3"

// CredentialSession names a derivation context. It holds no secret; deleting
// it stops further derivation and validation under its ID.
type CredentialSession struct {
	ID          string    `json:"id"`
	Rev         string    `json:"_rev,omitempty"`
	DocType     string    `json:"doc_type"`
	TenantID    string    `json:"tenant_id"`
	DeviceID    string    `json:"device_id"`
	Purpose     string    `json:"purpose"`
	AccessKeyID string    `json:"access_key_id"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (s *CredentialSession) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// DerivedCredential is recomputed on demand and never persisted.
type DerivedCredential struct {
	AccessKeyID     string    `json:"access_key_id"`
	SecretAccessKey string    `json:"secret_access_key"`
	SessionToken    string    `json:"session_token"`
	Bucket          string    `json:"bucket"`
	Endpoint        string    `json:"endpoint"`
	Region          string    `json:"region"`
	Expiration      time.Time `json:"expiration"`
}

// ValidationRequest is what the storage gateway posts for each request it
// wants authorized.
type ValidationRequest struct {
	AccessKeyID   string            `json:"access_key_id"`
	Signature     string            `json:"signature"`
	StringToSign  string            `json:"string_to_sign,omitempty"`
	Authorization string            `json:"authorization,omitempty"`
	SignedHeaders []string          `json:"signed_headers,omitempty"`
	Method        string            `json:"method"`
	URI           string            `json:"uri"`
	Query         string            `json:"query,omitempty"`
	Headers       map[string]string `json:"headers"`
}

// ValidationResult is the only thing the gateway learns. Invalid results
// carry no reason.
type ValidationResult struct {
	Valid        bool     `json:"valid"`
	TenantID     string   `json:"tenant_id,omitempty"`
	BucketPrefix string   `json:"bucket_prefix,omitempty"`
	Permissions  []string `json:"permissions,omitempty"`
}
