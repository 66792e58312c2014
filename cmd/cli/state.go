package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	u "github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/viewkeys/internal/crypto/clientcrypto"
	"github.com/and161185/viewkeys/internal/keyring"
)

// ---- local device state ----

// state is what the CLI remembers between runs.
type state struct {
	PartyID     string    `json:"party_id,omitempty"`
	Salt        []byte    `json:"salt,omitempty"`
	SecretRef   string    `json:"secret_ref,omitempty"`
	AccessToken string    `json:"access_token,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// exchangeKey is one version of this device's exchange private key. Old
// versions are kept so packages wrapped before a key change still open.
type exchangeKey struct {
	Version int64  `json:"version"`
	Private []byte `json:"private"`
}

func defaultCfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "viewkeys")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "viewkeys")
}

func (a *app) statePath() string    { return filepath.Join(a.dir, "state.json") }
func (a *app) exchangePath() string { return filepath.Join(a.dir, "exchange.json") }
func (a *app) devicePath() string   { return filepath.Join(a.dir, "device.key") }
func (a *app) keyringPath() string  { return filepath.Join(a.dir, "keyring") }

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// loadState returns the saved state, or an empty one before the first enroll.
func (a *app) loadState() (state, error) {
	var s state
	b, err := os.ReadFile(a.statePath())
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("parse %s: %w", a.statePath(), err)
	}
	return s, nil
}

func (a *app) saveState(s state) error { return writeJSON(a.statePath(), s) }

func (s state) party() (u.UUID, error) {
	if s.PartyID == "" {
		return u.Nil, errors.New("no party on this device (run enroll, or pass --party)")
	}
	return u.FromString(s.PartyID)
}

func (s state) token(now time.Time) (string, error) {
	if s.AccessToken == "" || now.After(s.ExpiresAt) {
		return "", errors.New("no valid token (unlock or login required)")
	}
	return s.AccessToken, nil
}

func (s state) secretRef() (string, error) {
	if s.SecretRef == "" {
		return "", errors.New("root is not unlocked on the daemon (run unlock)")
	}
	return s.SecretRef, nil
}

// ---- exchange keys ----

// loadExchangeKeys returns the stored keys, newest first.
func (a *app) loadExchangeKeys() ([]exchangeKey, error) {
	b, err := os.ReadFile(a.exchangePath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, errors.New("no exchange key on this device (run enroll or publish-key)")
	}
	if err != nil {
		return nil, err
	}
	var keys []exchangeKey
	if err := json.Unmarshal(b, &keys); err != nil {
		return nil, fmt.Errorf("parse %s: %w", a.exchangePath(), err)
	}
	return keys, nil
}

// addExchangeKey records priv as the newest version.
func (a *app) addExchangeKey(version int64, priv []byte) error {
	keys, err := a.loadExchangeKeys()
	if err != nil {
		keys = nil
	}
	keys = append([]exchangeKey{{Version: version, Private: priv}}, keys...)
	return writeJSON(a.exchangePath(), keys)
}

func (k exchangeKey) pair() (clientcrypto.KeyPair, error) { return clientcrypto.KeyPairFromSeed(k.Private) }

// ---- device keyring ----

// deviceKey seals view-keys at rest. It is created on first use.
func (a *app) deviceKey() ([]byte, error) {
	b, err := os.ReadFile(a.devicePath())
	if err == nil && len(b) == clientcrypto.KeyLen {
		return b, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	k, err := clientcrypto.Rand(clientcrypto.KeyLen)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(a.dir, 0o700); err != nil {
		return nil, err
	}
	return k, os.WriteFile(a.devicePath(), k, 0o600)
}

func (a *app) openKeyring() (*keyring.Keyring, error) {
	return keyring.Open(a.keyringPath(), a.log.Named("keyring"))
}

// withKeyring runs fn with the device key and an open keyring.
func (a *app) withKeyring(fn func(dk []byte, kr *keyring.Keyring) error) error {
	dk, err := a.deviceKey()
	if err != nil {
		return err
	}
	kr, err := a.openKeyring()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := kr.Close(); cerr != nil {
			a.log.Warn("keyring close", zap.Error(cerr))
		}
	}()
	return fn(dk, kr)
}
