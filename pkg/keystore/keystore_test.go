package keystore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type countingGate struct {
	calls int
	err   error
}

func (g *countingGate) Confirm(ctx context.Context, reason string) error {
	g.calls++
	return g.err
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load() error = %v, want ErrNotFound", err)
	}

	value := []byte("secret")
	if err := s.Store(ctx, "k", value); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	value[0] = 'X'

	got, err := s.Load(ctx, "k")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if string(got) != "secret" {
		t.Errorf("Load() = %q, stored value was aliased", got)
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Load(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load() after Delete error = %v, want ErrNotFound", err)
	}
}

func TestGatedStore(t *testing.T) {
	ctx := context.Background()
	gate := &countingGate{}
	s := NewGatedStore(NewMemoryStore(), gate, "private")

	s.Store(ctx, "private", []byte("a"))
	s.Store(ctx, "public", []byte("b"))

	if _, err := s.Load(ctx, "public"); err != nil {
		t.Fatalf("Load(public) error = %v", err)
	}
	if gate.calls != 0 {
		t.Errorf("gate called %d times for ungated key", gate.calls)
	}

	if _, err := s.Load(ctx, "private"); err != nil {
		t.Fatalf("Load(private) error = %v", err)
	}
	if gate.calls != 1 {
		t.Errorf("gate calls = %d, want 1", gate.calls)
	}

	gate.err = errors.New("user cancelled")
	if _, err := s.Load(ctx, "private"); err == nil {
		t.Error("Load(private) expected gate error")
	}
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keys", "store.age")

	s, err := NewFileStore(path, "correct horse", 10)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}

	if _, err := s.Load(ctx, "seed"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load() on empty store error = %v, want ErrNotFound", err)
	}

	seed := bytes.Repeat([]byte{7}, 32)
	if err := s.Store(ctx, "seed", seed); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if bytes.Contains(raw, seed) {
		t.Error("keystore file contains plaintext seed")
	}

	reopened, _ := NewFileStore(path, "correct horse", 10)
	got, err := reopened.Load(ctx, "seed")
	if err != nil {
		t.Fatalf("Load() after reopen error = %v", err)
	}
	if !bytes.Equal(got, seed) {
		t.Errorf("Load() = %x, want %x", got, seed)
	}

	wrong, _ := NewFileStore(path, "wrong passphrase", 10)
	if _, err := wrong.Load(ctx, "seed"); err == nil {
		t.Error("Load() with wrong passphrase expected error")
	}

	if err := s.Delete(ctx, "seed"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Load(ctx, "seed"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load() after Delete error = %v, want ErrNotFound", err)
	}
}

func TestNewFileStoreRequiresPassphrase(t *testing.T) {
	if _, err := NewFileStore(filepath.Join(t.TempDir(), "x"), "", 0); err == nil {
		t.Error("NewFileStore() expected error for empty passphrase")
	}
}
