package repository

import (
	"context"
	"fmt"

	"p8fs-auth/internal/domain"
)

type RefreshTokenRepository interface {
	Create(ctx context.Context, record *domain.RefreshRecord) error
	// Consume flips the record for jti to consumed. Reuse of a consumed
	// record, or losing a concurrent rotation, is domain.ErrInvalidGrant.
	Consume(ctx context.Context, jti string) (*domain.RefreshRecord, error)
	RevokeDevice(ctx context.Context, deviceID string) error
}

type refreshTokenRepository struct {
	store DocumentStore
}

func NewRefreshTokenRepository(store DocumentStore) RefreshTokenRepository {
	return &refreshTokenRepository{store: store}
}

func refreshDocID(jti string) string {
	return fmt.Sprintf("refresh:%s", jti)
}

func (r *refreshTokenRepository) Create(ctx context.Context, record *domain.RefreshRecord) error {
	record.DocType = docTypeRefresh
	rev, err := r.store.Put(ctx, refreshDocID(record.ID), record)
	if err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	record.Rev = rev
	return nil
}

func (r *refreshTokenRepository) Consume(ctx context.Context, jti string) (*domain.RefreshRecord, error) {
	var record domain.RefreshRecord
	if err := r.store.Get(ctx, refreshDocID(jti), &record); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidGrant, err)
	}
	if record.Consumed {
		return nil, domain.ErrInvalidGrant
	}

	record.Consumed = true
	rev, err := r.store.Put(ctx, refreshDocID(jti), &record)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidGrant, err)
	}
	record.Rev = rev
	return &record, nil
}

// RevokeDevice consumes every outstanding refresh token of a device.
func (r *refreshTokenRepository) RevokeDevice(ctx context.Context, deviceID string) error {
	docs, err := r.store.Find(ctx, map[string]interface{}{
		"doc_type":  docTypeRefresh,
		"device_id": deviceID,
		"consumed":  false,
	})
	if err != nil {
		return fmt.Errorf("failed to list refresh tokens: %w", err)
	}
	for _, record := range decodeAll[domain.RefreshRecord](docs) {
		record.Consumed = true
		if _, err := r.store.Put(ctx, refreshDocID(record.ID), record); err != nil {
			return fmt.Errorf("failed to revoke refresh token: %w", err)
		}
	}
	return nil
}
