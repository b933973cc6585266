package repository

import (
	"context"
	"fmt"
	"time"

	"p8fs-auth/internal/domain"
)

type APIKeyRepository interface {
	Create(ctx context.Context, key *domain.APIKey) error
	// Consume marks the key used and returns it. A key that is unknown,
	// expired or already used yields domain.ErrNotFound; losing a
	// concurrent redemption yields domain.ErrConflict.
	Consume(ctx context.Context, keyHash string, now time.Time) (*domain.APIKey, error)
}

type apiKeyRepository struct {
	store DocumentStore
}

func NewAPIKeyRepository(store DocumentStore) APIKeyRepository {
	return &apiKeyRepository{store: store}
}

func apiKeyDocID(keyHash string) string {
	return fmt.Sprintf("api_key:%s", keyHash)
}

func (r *apiKeyRepository) Create(ctx context.Context, key *domain.APIKey) error {
	key.DocType = docTypeAPIKey
	key.ID = key.KeyHash
	rev, err := r.store.Put(ctx, apiKeyDocID(key.KeyHash), key)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	key.Rev = rev
	return nil
}

func (r *apiKeyRepository) Consume(ctx context.Context, keyHash string, now time.Time) (*domain.APIKey, error) {
	var key domain.APIKey
	if err := r.store.Get(ctx, apiKeyDocID(keyHash), &key); err != nil {
		return nil, fmt.Errorf("failed to find api key: %w", err)
	}
	if key.Used || !now.Before(key.ExpiresAt) {
		return nil, fmt.Errorf("api key unusable: %w", domain.ErrNotFound)
	}

	key.Used = true
	rev, err := r.store.Put(ctx, apiKeyDocID(keyHash), &key)
	if err != nil {
		return nil, fmt.Errorf("failed to consume api key: %w", err)
	}
	key.Rev = rev
	return &key, nil
}
