package keystore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"filippo.io/age"
	"github.com/fxamacker/cbor/v2"
)

// FileStore keeps all entries in one file, CBOR-encoded and sealed with an age
// scrypt passphrase. Every mutation rewrites the file atomically.
type FileStore struct {
	path       string
	passphrase string
	workFactor int

	mu sync.Mutex
}

type fileContents struct {
	Version int               `cbor:"1,keyasint"`
	Entries map[string][]byte `cbor:"2,keyasint"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("keystore: CBOR encoder initialization failed: " + err.Error())
	}
}

// NewFileStore opens (lazily) the keystore at path. workFactor is the scrypt
// log2 cost; zero selects age's default.
func NewFileStore(path, passphrase string, workFactor int) (*FileStore, error) {
	if passphrase == "" {
		return nil, errors.New("keystore: passphrase is required")
	}
	return &FileStore{path: path, passphrase: passphrase, workFactor: workFactor}, nil
}

func (s *FileStore) Store(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	contents, err := s.read()
	if err != nil {
		return err
	}
	contents.Entries[key] = append([]byte(nil), value...)
	return s.write(contents)
}

func (s *FileStore) Load(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	contents, err := s.read()
	if err != nil {
		return nil, err
	}
	v, ok := contents.Entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	contents, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := contents.Entries[key]; !ok {
		return nil
	}
	delete(contents.Entries, key)
	return s.write(contents)
}

func (s *FileStore) read() (*fileContents, error) {
	sealed, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &fileContents{Version: 1, Entries: make(map[string][]byte)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: reading %s: %w", s.path, err)
	}

	identity, err := age.NewScryptIdentity(s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("keystore: creating scrypt identity: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(sealed), identity)
	if err != nil {
		return nil, fmt.Errorf("keystore: decrypting %s: %w", s.path, err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("keystore: reading plaintext: %w", err)
	}

	var contents fileContents
	if err := cbor.Unmarshal(plaintext, &contents); err != nil {
		return nil, fmt.Errorf("keystore: decoding entries: %w", err)
	}
	if contents.Entries == nil {
		contents.Entries = make(map[string][]byte)
	}
	return &contents, nil
}

func (s *FileStore) write(contents *fileContents) error {
	plaintext, err := encMode.Marshal(contents)
	if err != nil {
		return fmt.Errorf("keystore: encoding entries: %w", err)
	}

	recipient, err := age.NewScryptRecipient(s.passphrase)
	if err != nil {
		return fmt.Errorf("keystore: creating scrypt recipient: %w", err)
	}
	if s.workFactor > 0 {
		recipient.SetWorkFactor(s.workFactor)
	}

	var sealed bytes.Buffer
	writer, err := age.Encrypt(&sealed, recipient)
	if err != nil {
		return fmt.Errorf("keystore: creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return fmt.Errorf("keystore: writing plaintext: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("keystore: finalizing encryption: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("keystore: creating directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".keystore-*")
	if err != nil {
		return fmt.Errorf("keystore: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(sealed.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("keystore: writing temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("keystore: chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("keystore: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("keystore: replacing %s: %w", s.path, err)
	}
	return nil
}
