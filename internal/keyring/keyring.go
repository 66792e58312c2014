// Package keyring is the device-local store an owner or grantee CLI keeps
// next to its passphrase: the owner profile (salt and root verifier), the
// DerivedKeyRecord sequence, and view-keys received from grants. View-keys
// are sealed under a caller-supplied device key before they reach disk.
//
// Key layout (binary-safe, prefix-scannable):
//
//	owner/<owner>                       JSON OwnerProfile
//	rec/<owner>/<type>/<version:%020d>  JSON DerivedKeyRecord
//	vk/<grant>                          sealed view-key
package keyring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/viewkeys/internal/crypto/clientcrypto"
	"github.com/and161185/viewkeys/internal/errs"
	"github.com/and161185/viewkeys/internal/model"
	"github.com/and161185/viewkeys/internal/repository"
)

var (
	_ repository.KeyRecordRepository = (*Keyring)(nil)
	_ repository.OwnerRepository     = (*Keyring)(nil)
)

// Keyring wraps a badger database.
type Keyring struct {
	db *badger.DB
}

// Open opens (or creates) a keyring in dir. An empty dir opens an in-memory
// keyring. Badger's own logging goes to log at warning level and above; a nil
// logger silences it.
func Open(dir string, log *zap.Logger) (*Keyring, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if log != nil {
		opts = opts.WithLogger(badgerLogger{log.WithOptions(zap.IncreaseLevel(zap.WarnLevel)).Sugar()})
	}
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	return &Keyring{db: db}, nil
}

// badgerLogger adapts a zap sugared logger to badger.Logger, which names its
// warning method Warningf.
type badgerLogger struct{ *zap.SugaredLogger }

func (l badgerLogger) Warningf(format string, args ...any) { l.Warnf(format, args...) }

// Close flushes and closes the database.
func (k *Keyring) Close() error { return k.db.Close() }

func ownerKey(id uuid.UUID) []byte { return []byte("owner/" + id.String()) }

func recPrefix(owner uuid.UUID, t model.KeyType) []byte {
	return []byte("rec/" + owner.String() + "/" + string(t) + "/")
}

func recKey(rec model.DerivedKeyRecord) []byte {
	return append(recPrefix(rec.OwnerID, rec.KeyType), fmt.Sprintf("%020d", rec.Version)...)
}

func vkKey(grantID uuid.UUID) []byte { return []byte("vk/" + grantID.String()) }

func (k *Keyring) getJSON(key []byte, v any) error {
	return k.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return errs.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, v) })
	})
}

// putNew writes v under key unless the key already exists.
func (k *Keyring) putNew(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return k.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return errs.ErrAlreadyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
}

// CreateOwner stores the owner profile once.
func (k *Keyring) CreateOwner(_ context.Context, p model.OwnerProfile) error {
	return k.putNew(ownerKey(p.OwnerID), p)
}

// GetOwner loads the owner profile.
func (k *Keyring) GetOwner(_ context.Context, ownerID uuid.UUID) (*model.OwnerProfile, error) {
	var p model.OwnerProfile
	if err := k.getJSON(ownerKey(ownerID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Append stores a key record; an existing (owner, type, version) is refused.
// Appending an active record supersedes the previously active one.
func (k *Keyring) Append(_ context.Context, rec model.DerivedKeyRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return k.db.Update(func(txn *badger.Txn) error {
		key := recKey(rec)
		if _, err := txn.Get(key); err == nil {
			return errs.ErrAlreadyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if rec.Status == model.KeyRecordActive {
			if err := supersede(txn, recPrefix(rec.OwnerID, rec.KeyType)); err != nil {
				return err
			}
		}
		return txn.Set(key, data)
	})
}

func supersede(txn *badger.Txn, prefix []byte) error {
	recs, err := scan(txn, prefix)
	if err != nil {
		return err
	}
	for _, r := range recs {
		if r.Status != model.KeyRecordActive {
			continue
		}
		r.Status = model.KeyRecordSuperseded
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if err := txn.Set(recKey(r), data); err != nil {
			return err
		}
	}
	return nil
}

func scan(txn *badger.Txn, prefix []byte) ([]model.DerivedKeyRecord, error) {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var out []model.DerivedKeyRecord
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var r model.DerivedKeyRecord
		if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &r) }); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Current returns the highest active version.
func (k *Keyring) Current(ctx context.Context, ownerID uuid.UUID, t model.KeyType) (model.DerivedKeyRecord, error) {
	recs, err := k.List(ctx, ownerID, t)
	if err != nil {
		return model.DerivedKeyRecord{}, err
	}
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Status == model.KeyRecordActive {
			return recs[i], nil
		}
	}
	return model.DerivedKeyRecord{}, errs.ErrNotFound
}

// List returns all versions ascending; the zero-padded version keeps badger's
// byte order equal to numeric order.
func (k *Keyring) List(_ context.Context, ownerID uuid.UUID, t model.KeyType) ([]model.DerivedKeyRecord, error) {
	var out []model.DerivedKeyRecord
	err := k.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = scan(txn, recPrefix(ownerID, t))
		return err
	})
	return out, err
}

// PutViewKey seals a received view-key under deviceKey and stores it.
func (k *Keyring) PutViewKey(deviceKey []byte, grantID uuid.UUID, viewKey []byte) error {
	sealed, err := clientcrypto.Seal(deviceKey, grantID.Bytes(), viewKey)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrEncryption, err)
	}
	return k.db.Update(func(txn *badger.Txn) error {
		return txn.Set(vkKey(grantID), sealed)
	})
}

// ViewKey loads and opens a stored view-key.
func (k *Keyring) ViewKey(deviceKey []byte, grantID uuid.UUID) ([]byte, error) {
	var sealed []byte
	err := k.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(vkKey(grantID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return errs.ErrNotFound
		}
		if err != nil {
			return err
		}
		sealed, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	vk, err := clientcrypto.Open(deviceKey, grantID.Bytes(), sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrEncryption, err)
	}
	return vk, nil
}

// ForgetViewKey drops a stored view-key, e.g. after the grant was revoked.
func (k *Keyring) ForgetViewKey(grantID uuid.UUID) error {
	return k.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(vkKey(grantID))
	})
}
