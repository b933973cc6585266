package domain

import "time"

// Tenant is the identity created by the first verified registration for an
// email. It owns the storage bucket named after its ID.
type Tenant struct {
	ID           string    `json:"id"`
	Rev          string    `json:"_rev,omitempty"`
	DocType      string    `json:"doc_type"`
	UserID       string    `json:"user_id"`
	PrimaryEmail string    `json:"primary_email"`
	Emails       []string  `json:"emails"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (t *Tenant) HasEmail(email string) bool {
	for _, e := range t.Emails {
		if e == email {
			return true
		}
	}
	return false
}

// BucketName is the tenant's storage bucket.
func (t *Tenant) BucketName() string {
	return t.ID
}
