package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"p8fs-auth/pkg/client"
	"p8fs-auth/pkg/identity"
	"p8fs-auth/pkg/keystore"

	"github.com/spf13/pflag"
)

const grantKey = "p8fs.grant"

// environment is the state shared by every subcommand: where the server is
// and how to open the local keystore.
type environment struct {
	server       string
	keystorePath string
	deviceName   string
	platform     string

	store keystore.KeyStore
	api   *client.Client

	// Per-command flags, registered by parseCommandFlags.
	email       string
	code        string
	deviceType  string
	clientID    string
	userCode    string
	apiKey      string
	metadata    string
	issueAPIKey bool
	deny        bool
	yes         bool
}

func (e *environment) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&e.server, "server", envOr("P8FS_SERVER", "http://localhost:8080"), "auth server base URL")
	fs.StringVar(&e.keystorePath, "keystore", envOr("P8FS_KEYSTORE", defaultKeystorePath()), "encrypted keystore file")
	hostname, _ := os.Hostname()
	fs.StringVar(&e.deviceName, "name", hostname, "device name shown to other devices")
	fs.StringVar(&e.platform, "platform", runtime.GOOS, "device platform")
	fs.BoolP("help", "h", false, "show help")
}

func (e *environment) client() *client.Client {
	if e.api == nil {
		e.api = client.New(e.server)
	}
	return e.api
}

// keystore opens the encrypted keystore, asking for the passphrase once.
func (e *environment) keystore() (keystore.KeyStore, error) {
	if e.store != nil {
		return e.store, nil
	}
	passphrase, err := readPassphrase()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(e.keystorePath), 0o700); err != nil {
		return nil, fmt.Errorf("creating keystore directory: %w", err)
	}
	fs, err := keystore.NewFileStore(e.keystorePath, passphrase, 0)
	if err != nil {
		return nil, err
	}
	e.store = fs
	return e.store, nil
}

// signingIdentity loads the device key behind a presence confirmation.
func (e *environment) signingIdentity(ctx context.Context, skipConfirm bool) (*identity.DeviceIdentity, error) {
	ks, err := e.keystore()
	if err != nil {
		return nil, err
	}
	var gate keystore.PresenceGate = terminalGate{}
	if skipConfirm {
		gate = allowGate{}
	}
	id, err := identity.Load(ctx, keystore.NewGatedStore(ks, gate, identity.KeystoreKey))
	if errors.Is(err, keystore.ErrNotFound) {
		return nil, errors.New("no device identity; run 'p8fs-device init' first")
	}
	return id, err
}

func (e *environment) loadGrant(ctx context.Context) (*client.Grant, error) {
	ks, err := e.keystore()
	if err != nil {
		return nil, err
	}
	raw, err := ks.Load(ctx, grantKey)
	if errors.Is(err, keystore.ErrNotFound) {
		return nil, errors.New("this device is not signed in; run 'verify' or 'login' first")
	}
	if err != nil {
		return nil, err
	}
	var g client.Grant
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("stored grant is corrupt: %w", err)
	}
	return &g, nil
}

func (e *environment) saveGrant(ctx context.Context, g *client.Grant) error {
	ks, err := e.keystore()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(g)
	if err != nil {
		return err
	}
	return ks.Store(ctx, grantKey, raw)
}

// session returns a request context with a live access token, refreshing
// and persisting the grant when the access token has expired.
func (e *environment) session(ctx context.Context) (client.RequestContext, error) {
	g, err := e.loadGrant(ctx)
	if err != nil {
		return client.RequestContext{}, err
	}
	if !g.ExpiresAt.IsZero() && time.Now().After(g.ExpiresAt.Add(-30*time.Second)) {
		next, err := e.client().Refresh(ctx, g.RefreshToken)
		if err != nil {
			return client.RequestContext{}, err
		}
		if next.EncryptedMetadata == "" {
			next.EncryptedMetadata = g.EncryptedMetadata
		}
		if err := e.saveGrant(ctx, next); err != nil {
			return client.RequestContext{}, err
		}
		g = next
	}
	return e.baseContext().WithGrant(g), nil
}

func (e *environment) baseContext() client.RequestContext {
	return client.RequestContext{
		DeviceName: e.deviceName,
		DeviceType: e.deviceType,
		Platform:   e.platform,
	}
}

func defaultKeystorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".p8fs/keystore.age"
	}
	return filepath.Join(home, ".p8fs", "keystore.age")
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
