package repository

import (
	"context"
	"fmt"

	"p8fs-auth/internal/domain"
	"p8fs-auth/pkg/hash"
)

// RegistrationRepository holds pending verifications, at most one per
// (purpose, email).
type RegistrationRepository interface {
	Find(ctx context.Context, purpose, email string) (*domain.PendingRegistration, error)
	// Save creates pending, or replaces the current one when pending.Rev
	// carries its revision.
	Save(ctx context.Context, pending *domain.PendingRegistration) error
	// Consume deletes pending if it is unchanged since it was read. Exactly
	// one of several concurrent callers succeeds.
	Consume(ctx context.Context, pending *domain.PendingRegistration) error
}

type registrationRepository struct {
	store DocumentStore
}

func NewRegistrationRepository(store DocumentStore) RegistrationRepository {
	return &registrationRepository{store: store}
}

func pendingDocID(purpose, email string) string {
	return fmt.Sprintf("pending:%s:%s", purpose, hash.Fingerprint(email))
}

func (r *registrationRepository) Find(ctx context.Context, purpose, email string) (*domain.PendingRegistration, error) {
	var pending domain.PendingRegistration
	if err := r.store.Get(ctx, pendingDocID(purpose, email), &pending); err != nil {
		return nil, fmt.Errorf("failed to find pending registration: %w", err)
	}
	return &pending, nil
}

func (r *registrationRepository) Save(ctx context.Context, pending *domain.PendingRegistration) error {
	pending.DocType = docTypePending
	rev, err := r.store.Put(ctx, pendingDocID(pending.Purpose, pending.Email), pending)
	if err != nil {
		return fmt.Errorf("failed to save pending registration: %w", err)
	}
	pending.Rev = rev
	return nil
}

func (r *registrationRepository) Consume(ctx context.Context, pending *domain.PendingRegistration) error {
	if err := r.store.Delete(ctx, pendingDocID(pending.Purpose, pending.Email), pending.Rev); err != nil {
		return fmt.Errorf("failed to consume pending registration: %w", err)
	}
	return nil
}
