package repository

import (
	"context"
	"fmt"

	"p8fs-auth/internal/domain"
)

type DeviceSessionRepository interface {
	Create(ctx context.Context, session *domain.DeviceAuthSession) error
	FindByDeviceCodeHash(ctx context.Context, deviceCodeHash string) (*domain.DeviceAuthSession, error)
	// FindByUserCode returns the most recent session for a normalized user
	// code.
	FindByUserCode(ctx context.Context, userCode string) (*domain.DeviceAuthSession, error)
	// Transition moves session from its current status to next. It fails
	// with domain.ErrInvalidState for an illegal edge and domain.ErrConflict
	// when another writer changed the session after it was read.
	Transition(ctx context.Context, session *domain.DeviceAuthSession, next domain.DeviceSessionStatus) error
	// RecordPoll writes the poll bookkeeping of a pending session. It fails
	// with domain.ErrConflict when another writer changed the session first.
	RecordPoll(ctx context.Context, session *domain.DeviceAuthSession) error
}

type deviceSessionRepository struct {
	store DocumentStore
}

func NewDeviceSessionRepository(store DocumentStore) DeviceSessionRepository {
	return &deviceSessionRepository{store: store}
}

func sessionDocID(deviceCodeHash string) string {
	return fmt.Sprintf("device_session:%s", deviceCodeHash)
}

func (r *deviceSessionRepository) Create(ctx context.Context, session *domain.DeviceAuthSession) error {
	session.DocType = docTypeSession
	session.ID = session.DeviceCodeHash
	session.Rev = ""
	rev, err := r.store.Put(ctx, sessionDocID(session.DeviceCodeHash), session)
	if err != nil {
		return fmt.Errorf("failed to create device session: %w", err)
	}
	session.Rev = rev
	return nil
}

func (r *deviceSessionRepository) FindByDeviceCodeHash(ctx context.Context, deviceCodeHash string) (*domain.DeviceAuthSession, error) {
	var session domain.DeviceAuthSession
	if err := r.store.Get(ctx, sessionDocID(deviceCodeHash), &session); err != nil {
		return nil, fmt.Errorf("failed to find device session: %w", err)
	}
	return &session, nil
}

func (r *deviceSessionRepository) FindByUserCode(ctx context.Context, userCode string) (*domain.DeviceAuthSession, error) {
	docs, err := r.store.Find(ctx, map[string]interface{}{
		"doc_type":  docTypeSession,
		"user_code": userCode,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query device session: %w", err)
	}

	var latest *domain.DeviceAuthSession
	for _, s := range decodeAll[domain.DeviceAuthSession](docs) {
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("failed to find device session: %w", domain.ErrNotFound)
	}
	return latest, nil
}

func (r *deviceSessionRepository) Transition(ctx context.Context, session *domain.DeviceAuthSession, next domain.DeviceSessionStatus) error {
	if !domain.CanTransition(session.Status, next) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidState, session.Status, next)
	}

	prev := session.Status
	session.Status = next
	rev, err := r.store.Put(ctx, sessionDocID(session.DeviceCodeHash), session)
	if err != nil {
		session.Status = prev
		return fmt.Errorf("failed to transition device session: %w", err)
	}
	session.Rev = rev
	return nil
}

func (r *deviceSessionRepository) RecordPoll(ctx context.Context, session *domain.DeviceAuthSession) error {
	if session.Status != domain.DeviceSessionPending {
		return fmt.Errorf("%w: poll recorded on %s session", domain.ErrInvalidState, session.Status)
	}
	rev, err := r.store.Put(ctx, sessionDocID(session.DeviceCodeHash), session)
	if err != nil {
		return fmt.Errorf("failed to record device session poll: %w", err)
	}
	session.Rev = rev
	return nil
}
