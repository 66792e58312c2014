// Package keyhierarchy derives every key an owner uses from a single root
// secret and tracks which version of each key type is current.
//
// Derivation is HKDF-SHA256 with a fixed salt and the context string
// "viewkeys/<type>/v<version>". It is deterministic and performs no I/O, so
// the same root always reproduces the same sub-keys; recovery and rotation
// verification depend on that.
package keyhierarchy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	pkgcrypto "github.com/and161185/viewkeys/internal/crypto"
	"github.com/and161185/viewkeys/internal/crypto/clientcrypto"
	"github.com/and161185/viewkeys/internal/errs"
	"github.com/and161185/viewkeys/internal/model"
	"github.com/and161185/viewkeys/internal/repository"
)

var hkdfSalt = []byte("viewkeys/hkdf-salt/v1")

// DerivedKey is a sub-key together with the context it was derived for.
type DerivedKey struct {
	Type    model.KeyType
	Version int64
	Context string
	Key     []byte
}

// Context returns the HKDF info string for a key type and version.
func Context(t model.KeyType, version int64) string {
	return fmt.Sprintf("viewkeys/%s/v%d", t, version)
}

// Derive expands root into the sub-key for (t, version).
func Derive(root []byte, t model.KeyType, version int64) (DerivedKey, error) {
	if len(root) != pkgcrypto.RootSecretLen {
		return DerivedKey{}, fmt.Errorf("%w: root secret must be %d bytes", errs.ErrDerivation, pkgcrypto.RootSecretLen)
	}
	if !t.Valid() {
		return DerivedKey{}, fmt.Errorf("%w: unknown key type %q", errs.ErrDerivation, t)
	}
	if version < 1 {
		return DerivedKey{}, fmt.Errorf("%w: version %d", errs.ErrDerivation, version)
	}
	info := Context(t, version)
	key, err := clientcrypto.Expand(root, hkdfSalt, []byte(info), clientcrypto.KeyLen)
	if err != nil {
		return DerivedKey{}, fmt.Errorf("%w: %v", errs.ErrDerivation, err)
	}
	return DerivedKey{Type: t, Version: version, Context: info, Key: key}, nil
}

// Exchange derives the X25519 key pair a party receives view-keys with.
func Exchange(root []byte, version int64) (clientcrypto.KeyPair, error) {
	dk, err := Derive(root, model.KeyTypeExchange, version)
	if err != nil {
		return clientcrypto.KeyPair{}, err
	}
	kp, err := clientcrypto.KeyPairFromSeed(dk.Key)
	if err != nil {
		return clientcrypto.KeyPair{}, fmt.Errorf("%w: %v", errs.ErrDerivation, err)
	}
	return kp, nil
}

// Manager pairs pure derivation with the versioned DerivedKeyRecord sequence.
type Manager struct {
	records repository.KeyRecordRepository
	log     *zap.Logger
	now     func() time.Time
}

// NewManager constructs a Manager. A nil logger disables logging.
func NewManager(records repository.KeyRecordRepository, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{records: records, log: log, now: time.Now}
}

// Bootstrap makes sure version 1 of every key type is recorded for the owner.
// It is safe to call repeatedly.
func (m *Manager) Bootstrap(ctx context.Context, ownerID uuid.UUID) error {
	if ownerID == uuid.Nil {
		return fmt.Errorf("%w: empty owner id", errs.ErrInvalidArgument)
	}
	for _, t := range []model.KeyType{model.KeyTypeData, model.KeyTypeSharing, model.KeyTypeSync, model.KeyTypeExchange} {
		if _, err := m.records.Current(ctx, ownerID, t); err == nil {
			continue
		} else if !errors.Is(err, errs.ErrNotFound) {
			return err
		}
		rec := model.DerivedKeyRecord{
			OwnerID:           ownerID,
			KeyType:           t,
			Version:           1,
			DerivationContext: Context(t, 1),
			Status:            model.KeyRecordActive,
			CreatedAt:         m.now().UTC(),
		}
		if err := m.records.Append(ctx, rec); err != nil && !errors.Is(err, errs.ErrAlreadyExists) {
			return err
		}
		m.log.Info("key record bootstrapped", zap.String("owner", ownerID.String()), zap.String("type", string(t)))
	}
	return nil
}

// Current returns the active record for a key type.
func (m *Manager) Current(ctx context.Context, ownerID uuid.UUID, t model.KeyType) (model.DerivedKeyRecord, error) {
	return m.records.Current(ctx, ownerID, t)
}

// DeriveCurrent derives the currently active version of t for the owner.
func (m *Manager) DeriveCurrent(ctx context.Context, root []byte, ownerID uuid.UUID, t model.KeyType) (DerivedKey, error) {
	rec, err := m.records.Current(ctx, ownerID, t)
	if err != nil {
		return DerivedKey{}, err
	}
	return Derive(root, t, rec.Version)
}

// NextRecord returns the record a rotation of t would commit.
func (m *Manager) NextRecord(cur model.DerivedKeyRecord) model.DerivedKeyRecord {
	v := cur.Version + 1
	return model.DerivedKeyRecord{
		OwnerID:           cur.OwnerID,
		KeyType:           cur.KeyType,
		Version:           v,
		DerivationContext: Context(cur.KeyType, v),
		Status:            model.KeyRecordActive,
		CreatedAt:         m.now().UTC(),
	}
}
