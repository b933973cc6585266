// Package keystore is the client-side secure storage capability: store and
// retrieve opaque bytes under a name, optionally gated by local user presence.
// Platform backends (Keychain, Keystore) implement KeyStore outside this repo;
// MemoryStore and FileStore cover tests and desktop/CLI use.
package keystore

import (
	"context"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("keystore: entry not found")

type KeyStore interface {
	Store(ctx context.Context, key string, value []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// PresenceGate confirms that the local user is present, e.g. by a passphrase
// prompt or a biometric check.
type PresenceGate interface {
	Confirm(ctx context.Context, reason string) error
}

type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]byte)}
}

func (s *MemoryStore) Store(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// GatedStore asks its gate before every Load of a gated key. Keys not listed
// in Gated pass straight through.
type GatedStore struct {
	Inner KeyStore
	Gate  PresenceGate
	Gated map[string]bool
}

func NewGatedStore(inner KeyStore, gate PresenceGate, gatedKeys ...string) *GatedStore {
	gated := make(map[string]bool, len(gatedKeys))
	for _, k := range gatedKeys {
		gated[k] = true
	}
	return &GatedStore{Inner: inner, Gate: gate, Gated: gated}
}

func (s *GatedStore) Store(ctx context.Context, key string, value []byte) error {
	return s.Inner.Store(ctx, key, value)
}

func (s *GatedStore) Load(ctx context.Context, key string) ([]byte, error) {
	if s.Gated[key] {
		if err := s.Gate.Confirm(ctx, "access "+key); err != nil {
			return nil, err
		}
	}
	return s.Inner.Load(ctx, key)
}

func (s *GatedStore) Delete(ctx context.Context, key string) error {
	return s.Inner.Delete(ctx, key)
}
