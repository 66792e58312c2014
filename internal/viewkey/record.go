package viewkey

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/viewkeys/internal/crypto/clientcrypto"
	"github.com/and161185/viewkeys/internal/errs"
	"github.com/and161185/viewkeys/internal/model"
)

// SharedRecord is a record payload sealed for one grant. The owner keeps its
// own data-key copy; this is the second, sharing-key copy.
type SharedRecord struct {
	RecordID   uuid.UUID
	DataClass  model.DataClass
	RecordTime *time.Time
	GrantID    uuid.UUID
	Ciphertext []byte
}

// RecordKey derives the per-record key from a view-key.
func RecordKey(viewKey []byte, class model.DataClass, recordID uuid.UUID) ([]byte, error) {
	if len(viewKey) != clientcrypto.KeyLen {
		return nil, fmt.Errorf("%w: view-key must be %d bytes", errs.ErrDerivation, clientcrypto.KeyLen)
	}
	k, err := clientcrypto.Expand(viewKey, nil, []byte("record:"+string(class)+":"+recordID.String()), clientcrypto.KeyLen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDerivation, err)
	}
	return k, nil
}

func recordAAD(g model.AccessGrant, class model.DataClass, recordID uuid.UUID) []byte {
	out := make([]byte, 0, 48+len(class)+len(g.ScopeHash))
	out = append(out, g.OwnerID.Bytes()...)
	out = append(out, g.ID.Bytes()...)
	out = append(out, recordID.Bytes()...)
	out = append(out, class...)
	out = append(out, g.ScopeHash...)
	return out
}

// ShareRecord seals plaintext for grant g. Records outside the grant scope are
// refused, so no copy openable by the grantee ever exists for them.
func ShareRecord(viewKey []byte, g model.AccessGrant, recordID uuid.UUID, class model.DataClass, recordTime *time.Time, plaintext []byte) (SharedRecord, error) {
	if !g.Scope.HasClass(class) || !g.Scope.TimeRange.Covers(recordTime) {
		return SharedRecord{}, errs.ErrScopeViolation
	}
	k, err := RecordKey(viewKey, class, recordID)
	if err != nil {
		return SharedRecord{}, err
	}
	ct, err := clientcrypto.Seal(k, recordAAD(g, class, recordID), plaintext)
	if err != nil {
		return SharedRecord{}, fmt.Errorf("%w: %v", errs.ErrEncryption, err)
	}
	return SharedRecord{RecordID: recordID, DataClass: class, RecordTime: recordTime, GrantID: g.ID, Ciphertext: ct}, nil
}

// OpenRecord decrypts a shared record with the grantee's view-key. A record
// shared under another grant, another class or another scope fails
// authentication.
func OpenRecord(viewKey []byte, g model.AccessGrant, rec SharedRecord) ([]byte, error) {
	k, err := RecordKey(viewKey, rec.DataClass, rec.RecordID)
	if err != nil {
		return nil, err
	}
	pt, err := clientcrypto.Open(k, recordAAD(g, rec.DataClass, rec.RecordID), rec.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrEncryption, err)
	}
	return pt, nil
}
