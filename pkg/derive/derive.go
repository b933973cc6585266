// Package derive computes storage credentials from a session context with
// HKDF-SHA256. Derivation is pure: the same root key and context always yield
// the same credentials, so an issuer and a validator agree without exchanging
// secrets, and nothing derived here is ever persisted.
package derive

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// AccessKeyPrefix marks access keys minted by this scheme.
	AccessKeyPrefix = "P8FS"

	// MinRootKeySize is the smallest accepted server root key.
	MinRootKeySize = 32

	materialSize   = 64
	accessKeyBytes = 8
	secretOffset   = 16
	secretBytes    = 30
)

var (
	salt       = []byte("p8fs/credential-derivation/v1")
	infoDomain = []byte("p8fs-credential")
)

var ErrRootKeyTooShort = fmt.Errorf("root key must be at least %d bytes", MinRootKeySize)

// Context names what credentials are for. It carries no secret material.
type Context struct {
	SessionID string
	TenantID  string
	DeviceID  string
	Purpose   string
}

type Material struct {
	AccessKeyID     string
	SecretAccessKey string
}

type Deriver struct {
	rootKey []byte
}

func New(rootKey []byte) (*Deriver, error) {
	if len(rootKey) < MinRootKeySize {
		return nil, ErrRootKeyTooShort
	}
	return &Deriver{rootKey: append([]byte(nil), rootKey...)}, nil
}

// Derive returns the access key id and secret for c.
func (d *Deriver) Derive(c Context) (Material, error) {
	if c.SessionID == "" || c.TenantID == "" || c.DeviceID == "" || c.Purpose == "" {
		return Material{}, errors.New("derivation context is incomplete")
	}

	out := make([]byte, materialSize)
	r := hkdf.New(sha256.New, d.rootKey, salt, Info(c))
	if _, err := io.ReadFull(r, out); err != nil {
		return Material{}, fmt.Errorf("hkdf expand: %w", err)
	}

	return Material{
		AccessKeyID:     AccessKeyPrefix + strings.ToUpper(hex.EncodeToString(out[:accessKeyBytes])),
		SecretAccessKey: base64.StdEncoding.EncodeToString(out[secretOffset : secretOffset+secretBytes]),
	}, nil
}

// Info builds the HKDF info parameter. Every field is length-prefixed so no
// two distinct contexts share an encoding.
func Info(c Context) []byte {
	fields := []string{c.SessionID, c.TenantID, c.DeviceID, c.Purpose}

	size := len(infoDomain)
	for _, f := range fields {
		size += 4 + len(f)
	}
	info := make([]byte, 0, size)
	info = append(info, infoDomain...)
	for _, f := range fields {
		info = binary.BigEndian.AppendUint32(info, uint32(len(f)))
		info = append(info, f...)
	}
	return info
}

// IsAccessKeyID reports whether s has the shape of an access key from Derive.
func IsAccessKeyID(s string) bool {
	if len(s) != len(AccessKeyPrefix)+2*accessKeyBytes || !strings.HasPrefix(s, AccessKeyPrefix) {
		return false
	}
	for _, r := range s[len(AccessKeyPrefix):] {
		if !(r >= '0' && r <= '9' || r >= 'A' && r <= 'F') {
			return false
		}
	}
	return true
}
