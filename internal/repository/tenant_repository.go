package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"p8fs-auth/internal/domain"
	"p8fs-auth/pkg/hash"
)

const (
	docTypeTenant      = "tenant"
	docTypeEmailClaim  = "email_claim"
	docTypeDevice      = "device"
	docTypePending     = "pending_registration"
	docTypeSession     = "device_session"
	docTypeAPIKey      = "api_key"
	docTypeRefresh     = "refresh_token"
	docTypeCredSession = "credential_session"
)

type TenantRepository interface {
	// CreateIfAbsent stores tenant unless its primary email is already
	// claimed, in which case the owning tenant is returned with created=false.
	CreateIfAbsent(ctx context.Context, tenant *domain.Tenant) (*domain.Tenant, bool, error)
	FindByID(ctx context.Context, id string) (*domain.Tenant, error)
	FindByEmail(ctx context.Context, email string) (*domain.Tenant, error)
	AddEmail(ctx context.Context, tenantID, email string) error
}

// emailClaim binds one email to one tenant. Its document id is derived from
// the email, so CouchDB rejects a second claim.
type emailClaim struct {
	Rev      string `json:"_rev,omitempty"`
	DocType  string `json:"doc_type"`
	TenantID string `json:"tenant_id"`
}

type tenantRepository struct {
	store DocumentStore
}

func NewTenantRepository(store DocumentStore) TenantRepository {
	return &tenantRepository{store: store}
}

func tenantDocID(id string) string {
	return fmt.Sprintf("tenant:%s", id)
}

func emailClaimDocID(email string) string {
	return fmt.Sprintf("email:%s", hash.Fingerprint(email))
}

func (r *tenantRepository) CreateIfAbsent(ctx context.Context, tenant *domain.Tenant) (*domain.Tenant, bool, error) {
	claim := emailClaim{DocType: docTypeEmailClaim, TenantID: tenant.ID}
	_, err := r.store.Put(ctx, emailClaimDocID(tenant.PrimaryEmail), claim)
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		return nil, false, fmt.Errorf("failed to claim email: %w", err)
	}

	if err != nil {
		var existing emailClaim
		if err := r.store.Get(ctx, emailClaimDocID(tenant.PrimaryEmail), &existing); err != nil {
			return nil, false, fmt.Errorf("failed to read email claim: %w", err)
		}
		found, err := r.FindByID(ctx, existing.TenantID)
		if err == nil {
			return found, false, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, false, err
		}
		// The claim outlived a failed tenant write; finish it under the
		// claimed ID.
		tenant.ID = existing.TenantID
	}

	tenant.DocType = docTypeTenant
	rev, err := r.store.Put(ctx, tenantDocID(tenant.ID), tenant)
	if errors.Is(err, domain.ErrConflict) {
		found, err := r.FindByID(ctx, tenant.ID)
		if err != nil {
			return nil, false, err
		}
		return found, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create tenant: %w", err)
	}
	tenant.Rev = rev
	return tenant, true, nil
}

func (r *tenantRepository) FindByID(ctx context.Context, id string) (*domain.Tenant, error) {
	var tenant domain.Tenant
	if err := r.store.Get(ctx, tenantDocID(id), &tenant); err != nil {
		return nil, fmt.Errorf("failed to find tenant: %w", err)
	}
	return &tenant, nil
}

func (r *tenantRepository) FindByEmail(ctx context.Context, email string) (*domain.Tenant, error) {
	var claim emailClaim
	if err := r.store.Get(ctx, emailClaimDocID(email), &claim); err != nil {
		return nil, fmt.Errorf("failed to find tenant by email: %w", err)
	}
	return r.FindByID(ctx, claim.TenantID)
}

func (r *tenantRepository) AddEmail(ctx context.Context, tenantID, email string) error {
	claim := emailClaim{DocType: docTypeEmailClaim, TenantID: tenantID}
	if _, err := r.store.Put(ctx, emailClaimDocID(email), claim); err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			return fmt.Errorf("failed to claim email: %w", err)
		}
		var existing emailClaim
		if err := r.store.Get(ctx, emailClaimDocID(email), &existing); err != nil {
			return fmt.Errorf("failed to read email claim: %w", err)
		}
		if existing.TenantID != tenantID {
			return domain.ErrUnauthorized
		}
	}

	tenant, err := r.FindByID(ctx, tenantID)
	if err != nil {
		return err
	}
	if tenant.HasEmail(email) {
		return nil
	}
	tenant.Emails = append(tenant.Emails, email)
	tenant.UpdatedAt = time.Now().UTC()
	rev, err := r.store.Put(ctx, tenantDocID(tenant.ID), tenant)
	if err != nil {
		return fmt.Errorf("failed to update tenant emails: %w", err)
	}
	tenant.Rev = rev
	return nil
}
