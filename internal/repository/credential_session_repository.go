package repository

import (
	"context"
	"fmt"
	"time"

	"p8fs-auth/internal/domain"
)

type CredentialSessionRepository interface {
	Create(ctx context.Context, session *domain.CredentialSession) error
	FindByID(ctx context.Context, id string) (*domain.CredentialSession, error)
	FindByAccessKeyID(ctx context.Context, accessKeyID string) (*domain.CredentialSession, error)
	// FindActive returns the newest unexpired session for the triple.
	FindActive(ctx context.Context, tenantID, deviceID, purpose string, now time.Time) (*domain.CredentialSession, error)
	ListByDevice(ctx context.Context, deviceID string) ([]*domain.CredentialSession, error)
	Delete(ctx context.Context, session *domain.CredentialSession) error
}

type credentialSessionRepository struct {
	store DocumentStore
}

func NewCredentialSessionRepository(store DocumentStore) CredentialSessionRepository {
	return &credentialSessionRepository{store: store}
}

func credSessionDocID(id string) string {
	return fmt.Sprintf("credential_session:%s", id)
}

func (r *credentialSessionRepository) Create(ctx context.Context, session *domain.CredentialSession) error {
	session.DocType = docTypeCredSession
	rev, err := r.store.Put(ctx, credSessionDocID(session.ID), session)
	if err != nil {
		return fmt.Errorf("failed to create credential session: %w", err)
	}
	session.Rev = rev
	return nil
}

func (r *credentialSessionRepository) FindByID(ctx context.Context, id string) (*domain.CredentialSession, error) {
	var session domain.CredentialSession
	if err := r.store.Get(ctx, credSessionDocID(id), &session); err != nil {
		return nil, fmt.Errorf("failed to find credential session: %w", err)
	}
	return &session, nil
}

func (r *credentialSessionRepository) FindByAccessKeyID(ctx context.Context, accessKeyID string) (*domain.CredentialSession, error) {
	docs, err := r.store.Find(ctx, map[string]interface{}{
		"doc_type":      docTypeCredSession,
		"access_key_id": accessKeyID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query credential session: %w", err)
	}
	sessions := decodeAll[domain.CredentialSession](docs)
	if len(sessions) == 0 {
		return nil, fmt.Errorf("failed to find credential session: %w", domain.ErrNotFound)
	}
	return sessions[0], nil
}

func (r *credentialSessionRepository) FindActive(ctx context.Context, tenantID, deviceID, purpose string, now time.Time) (*domain.CredentialSession, error) {
	docs, err := r.store.Find(ctx, map[string]interface{}{
		"doc_type":  docTypeCredSession,
		"tenant_id": tenantID,
		"device_id": deviceID,
		"purpose":   purpose,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query credential session: %w", err)
	}

	var newest *domain.CredentialSession
	for _, s := range decodeAll[domain.CredentialSession](docs) {
		if s.IsExpired(now) {
			continue
		}
		if newest == nil || s.CreatedAt.After(newest.CreatedAt) {
			newest = s
		}
	}
	if newest == nil {
		return nil, fmt.Errorf("no active credential session: %w", domain.ErrNotFound)
	}
	return newest, nil
}

func (r *credentialSessionRepository) ListByDevice(ctx context.Context, deviceID string) ([]*domain.CredentialSession, error) {
	docs, err := r.store.Find(ctx, map[string]interface{}{
		"doc_type":  docTypeCredSession,
		"device_id": deviceID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list credential sessions: %w", err)
	}
	return decodeAll[domain.CredentialSession](docs), nil
}

func (r *credentialSessionRepository) Delete(ctx context.Context, session *domain.CredentialSession) error {
	if err := r.store.Delete(ctx, credSessionDocID(session.ID), session.Rev); err != nil {
		return fmt.Errorf("failed to delete credential session: %w", err)
	}
	return nil
}
