// Package jwt issues and validates the bearer tokens handed to devices.
// Tokens are EdDSA-signed JWTs behind a readable prefix (p8fs_at_, p8fs_rt_);
// validation accepts EdDSA only, so a token re-signed with HS256 using the
// public key as an HMAC secret is rejected.
package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	AccessTokenPrefix  = "p8fs_at_"
	RefreshTokenPrefix = "p8fs_rt_"

	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	TenantID   string `json:"tenant_id"`
	DeviceID   string `json:"device_id"`
	DeviceType string `json:"device_type"`
	Scope      string `json:"scope"`
	Email      string `json:"email,omitempty"`
	TokenType  string `json:"token_type"`
	jwt.RegisteredClaims
}

// UserID is the subject the token was issued to.
func (c *Claims) UserID() string {
	return c.Subject
}

// Identity is what a token asserts about its bearer.
type Identity struct {
	UserID     string
	TenantID   string
	DeviceID   string
	DeviceType string
	Scope      string
	Email      string
}

type Manager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	issuer     string
	audience   string
}

func NewManager(privateKey ed25519.PrivateKey, issuer, audience string) *Manager {
	return &Manager{
		privateKey: privateKey,
		publicKey:  privateKey.Public().(ed25519.PublicKey),
		issuer:     issuer,
		audience:   audience,
	}
}

// GenerateToken signs a token of tokenType for id and returns it with its
// prefix attached, along with the claims that were signed.
func (m *Manager) GenerateToken(id Identity, tokenType string, expiration time.Duration) (string, *Claims, error) {
	prefix, err := prefixFor(tokenType)
	if err != nil {
		return "", nil, err
	}

	jti, err := generateJTI()
	if err != nil {
		return "", nil, err
	}

	now := time.Now().UTC()
	claims := &Claims{
		TenantID:   id.TenantID,
		DeviceID:   id.DeviceID,
		DeviceType: id.DeviceType,
		Scope:      id.Scope,
		Email:      id.Email,
		TokenType:  tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   id.UserID,
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{m.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return prefix + signed, claims, nil
}

// ValidateToken checks prefix, algorithm, signature, expiry, issuer, audience
// and token type.
func (m *Manager) ValidateToken(tokenString, tokenType string) (*Claims, error) {
	prefix, err := prefixFor(tokenType)
	if err != nil {
		return nil, err
	}
	raw, ok := strings.CutPrefix(tokenString, prefix)
	if !ok || raw == "" {
		return nil, ErrInvalidToken
	}

	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.publicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != tokenType {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (m *Manager) PublicKey() ed25519.PublicKey {
	return m.publicKey
}

// JWK renders the verification key as an OKP JSON Web Key.
func (m *Manager) JWK() map[string]string {
	return map[string]string{
		"kty": "OKP",
		"crv": "Ed25519",
		"alg": jwt.SigningMethodEdDSA.Alg(),
		"use": "sig",
		"x":   base64.RawURLEncoding.EncodeToString(m.publicKey),
	}
}

// ParsePrivateKey reads an Ed25519 PKCS#8 PEM key given inline or as a path.
func ParsePrivateKey(pemOrPath string) (ed25519.PrivateKey, error) {
	s := strings.TrimSpace(pemOrPath)
	if s == "" {
		return nil, errors.New("empty private key")
	}

	pemBytes := []byte(s)
	if !strings.HasPrefix(s, "-----BEGIN") {
		data, err := os.ReadFile(s)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		pemBytes = data
	}

	key, err := jwt.ParseEdPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not ed25519")
	}
	return priv, nil
}

// Redact returns a loggable fingerprint of a bearer token.
func Redact(token string) string {
	for _, prefix := range []string{AccessTokenPrefix, RefreshTokenPrefix} {
		if rest, ok := strings.CutPrefix(token, prefix); ok {
			if len(rest) > 8 {
				rest = rest[:8]
			}
			return prefix + rest + "..."
		}
	}
	return "[redacted]"
}

func prefixFor(tokenType string) (string, error) {
	switch tokenType {
	case TokenTypeAccess:
		return AccessTokenPrefix, nil
	case TokenTypeRefresh:
		return RefreshTokenPrefix, nil
	}
	return "", fmt.Errorf("unknown token type %q", tokenType)
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
