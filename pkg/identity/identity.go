// Package identity holds the Ed25519 keypair that roots a device's identity.
// The private key never leaves the owning process; only the public key is
// exported, as raw 32 bytes or standard base64.
package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"p8fs-auth/pkg/keystore"
)

// KeystoreKey is the keystore entry holding the 32-byte private seed.
const KeystoreKey = "device_identity.seed"

var (
	ErrInvalidKey       = errors.New("invalid ed25519 public key")
	ErrInvalidSignature = errors.New("invalid ed25519 signature encoding")
)

type DeviceIdentity struct {
	publicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
}

// Generate creates a fresh keypair. An error here means the entropy source
// failed and should not be retried.
func Generate() (*DeviceIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}
	return &DeviceIdentity{publicKey: pub, privateKey: priv}, nil
}

// FromSeed rebuilds an identity from its 32-byte private seed.
func FromSeed(seed []byte) (*DeviceIdentity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &DeviceIdentity{
		publicKey:  priv.Public().(ed25519.PublicKey),
		privateKey: priv,
	}, nil
}

// Sign returns the 64-byte signature of message. Ed25519 is deterministic, so
// the same key and message always produce the same signature.
func (d *DeviceIdentity) Sign(message []byte) []byte {
	return ed25519.Sign(d.privateKey, message)
}

// SignBase64 signs message and encodes the signature with standard base64.
func (d *DeviceIdentity) SignBase64(message []byte) string {
	return base64.StdEncoding.EncodeToString(d.Sign(message))
}

func (d *DeviceIdentity) PublicKey() ed25519.PublicKey {
	out := make(ed25519.PublicKey, len(d.publicKey))
	copy(out, d.publicKey)
	return out
}

func (d *DeviceIdentity) PublicKeyBase64() string {
	return EncodePublicKey(d.publicKey)
}

// EncodePublicKey is the canonical text form of a public key: standard
// padded base64.
func EncodePublicKey(publicKey ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(publicKey)
}

// Verify reports whether signature is a valid signature of message by publicKey.
func Verify(message, signature []byte, publicKey ed25519.PublicKey) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, message, signature)
}

// ParsePublicKey decodes a base64 (standard or URL-safe) public key and checks
// that it is a usable 32-byte Ed25519 point.
func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := DecodeBase64(encoded)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, ErrInvalidKey
	}
	allZero := true
	for _, b := range raw {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return nil, ErrInvalidKey
	}
	return ed25519.PublicKey(raw), nil
}

// ParseSignature decodes a base64 signature and checks its length.
func ParseSignature(encoded string) ([]byte, error) {
	raw, err := DecodeBase64(encoded)
	if err != nil || len(raw) != ed25519.SignatureSize {
		return nil, ErrInvalidSignature
	}
	return raw, nil
}

// DecodeBase64 accepts padded or unpadded, standard or URL-safe base64.
func DecodeBase64(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if raw, err := enc.DecodeString(encoded); err == nil {
			return raw, nil
		}
	}
	return nil, errors.New("invalid base64")
}

// LoadOrCreate returns the identity persisted in ks, generating and storing a
// new one on first run.
func LoadOrCreate(ctx context.Context, ks keystore.KeyStore) (*DeviceIdentity, error) {
	seed, err := ks.Load(ctx, KeystoreKey)
	if err == nil {
		return FromSeed(seed)
	}
	if !errors.Is(err, keystore.ErrNotFound) {
		return nil, fmt.Errorf("failed to load device identity: %w", err)
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := ks.Store(ctx, KeystoreKey, id.privateKey.Seed()); err != nil {
		return nil, fmt.Errorf("failed to persist device identity: %w", err)
	}
	return id, nil
}

// Load returns the persisted identity or keystore.ErrNotFound.
func Load(ctx context.Context, ks keystore.KeyStore) (*DeviceIdentity, error) {
	seed, err := ks.Load(ctx, KeystoreKey)
	if err != nil {
		return nil, err
	}
	return FromSeed(seed)
}

// Rotate generates a replacement keypair without persisting it. The caller
// re-registers the new public key and calls Commit once the server accepts it.
func Rotate() (*DeviceIdentity, error) {
	return Generate()
}

// Commit overwrites the persisted identity with d.
func (d *DeviceIdentity) Commit(ctx context.Context, ks keystore.KeyStore) error {
	if err := ks.Store(ctx, KeystoreKey, d.privateKey.Seed()); err != nil {
		return fmt.Errorf("failed to persist device identity: %w", err)
	}
	return nil
}
