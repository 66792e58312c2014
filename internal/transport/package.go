// Package transport packs grants into opaque envelopes for the sync layer and
// unpacks them on the grantee device.
//
// The envelope is a protobuf message written field by field with protowire:
//
//	1  version            varint
//	2  grant_id           bytes(16)
//	3  owner_id           bytes(16)
//	4  issuer_id          bytes(16)
//	5  grantee_id         bytes(16)
//	6  parent_grant_id    bytes(16), optional
//	7  depth              varint
//	8  key_version        varint
//	9  scope              message Scope
//	10 scope_hash         bytes
//	11 encrypted_view_key bytes
//	12 issued_at          varint, unix nanoseconds
//	13 expires_at         varint, unix nanoseconds, optional
//
//	Scope: 1 permission (repeated string), 2 data_class (repeated string),
//	       3 from (varint, optional), 4 to (varint, optional)
//
// Unknown fields are skipped so newer senders stay readable.
package transport

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/and161185/viewkeys/internal/errs"
	"github.com/and161185/viewkeys/internal/model"
)

// PackageVersion is the envelope format version written by Pack.
const PackageVersion = 1

// ErrMalformedPackage reports an envelope that cannot be decoded or fails
// its integrity checks.
var ErrMalformedPackage = errors.New("malformed grant package")

const (
	fVersion protowire.Number = iota + 1
	fGrantID
	fOwnerID
	fIssuerID
	fGranteeID
	fParentID
	fDepth
	fKeyVersion
	fScope
	fScopeHash
	fEncryptedViewKey
	fIssuedAt
	fExpiresAt
)

const (
	fPermission protowire.Number = iota + 1
	fDataClass
	fFrom
	fTo
)

// Pack encodes the deliverable part of g. Status and revocation fields stay
// behind; the grantee learns about those through polling.
func Pack(g model.AccessGrant) ([]byte, error) {
	if g.ID == uuid.Nil || len(g.EncryptedViewKey) == 0 {
		return nil, fmt.Errorf("%w: grant has no id or key material", errs.ErrInvalidArgument)
	}
	var b []byte
	b = protowire.AppendTag(b, fVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, PackageVersion)
	b = appendUUID(b, fGrantID, g.ID)
	b = appendUUID(b, fOwnerID, g.OwnerID)
	b = appendUUID(b, fIssuerID, g.IssuerID)
	b = appendUUID(b, fGranteeID, g.GranteeID)
	if g.ParentGrantID != nil {
		b = appendUUID(b, fParentID, *g.ParentGrantID)
	}
	b = protowire.AppendTag(b, fDepth, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(g.Depth))
	b = protowire.AppendTag(b, fKeyVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(g.KeyVersion))
	b = protowire.AppendTag(b, fScope, protowire.BytesType)
	b = protowire.AppendBytes(b, packScope(g.Scope))
	b = protowire.AppendTag(b, fScopeHash, protowire.BytesType)
	b = protowire.AppendBytes(b, g.ScopeHash)
	b = protowire.AppendTag(b, fEncryptedViewKey, protowire.BytesType)
	b = protowire.AppendBytes(b, g.EncryptedViewKey)
	b = appendTime(b, fIssuedAt, g.IssuedAt)
	if g.ExpiresAt != nil {
		b = appendTime(b, fExpiresAt, *g.ExpiresAt)
	}
	return b, nil
}

func appendUUID(b []byte, n protowire.Number, id uuid.UUID) []byte {
	b = protowire.AppendTag(b, n, protowire.BytesType)
	return protowire.AppendBytes(b, id.Bytes())
}

func appendTime(b []byte, n protowire.Number, t time.Time) []byte {
	b = protowire.AppendTag(b, n, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(t.UnixNano()))
}

func packScope(s model.Scope) []byte {
	var b []byte
	for _, p := range s.Permissions {
		b = protowire.AppendTag(b, fPermission, protowire.BytesType)
		b = protowire.AppendString(b, string(p))
	}
	for _, c := range s.DataClasses {
		b = protowire.AppendTag(b, fDataClass, protowire.BytesType)
		b = protowire.AppendString(b, string(c))
	}
	if s.TimeRange.From != nil {
		b = appendTime(b, fFrom, *s.TimeRange.From)
	}
	if s.TimeRange.To != nil {
		b = appendTime(b, fTo, *s.TimeRange.To)
	}
	return b
}

// Unpack decodes an envelope and checks that the carried scope hashes to the
// carried scope hash. The result has status active; the registry stays the
// authority on validity.
func Unpack(b []byte) (model.AccessGrant, error) {
	var (
		g        model.AccessGrant
		version  uint64
		seen     = map[protowire.Number]bool{}
		scopeRaw []byte
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return model.AccessGrant{}, malformed("tag", protowire.ParseError(n))
		}
		b = b[n:]
		seen[num] = true

		switch {
		case typ == protowire.VarintType && (num == fVersion || num == fDepth || num == fKeyVersion || num == fIssuedAt || num == fExpiresAt):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return model.AccessGrant{}, malformed("varint", protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fVersion:
				version = v
			case fDepth:
				g.Depth = int(v)
			case fKeyVersion:
				g.KeyVersion = int64(v)
			case fIssuedAt:
				g.IssuedAt = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			case fExpiresAt:
				t := time.Unix(0, protowire.DecodeZigZag(v)).UTC()
				g.ExpiresAt = &t
			}
		case typ == protowire.BytesType && num >= fGrantID && num <= fEncryptedViewKey:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return model.AccessGrant{}, malformed("bytes", protowire.ParseError(n))
			}
			b = b[n:]
			if err := setBytes(&g, num, v, &scopeRaw); err != nil {
				return model.AccessGrant{}, err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return model.AccessGrant{}, malformed("field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if version != PackageVersion {
		return model.AccessGrant{}, fmt.Errorf("%w: unsupported version %d", ErrMalformedPackage, version)
	}
	for _, f := range []protowire.Number{fGrantID, fOwnerID, fIssuerID, fGranteeID, fScope, fScopeHash, fEncryptedViewKey, fIssuedAt} {
		if !seen[f] {
			return model.AccessGrant{}, fmt.Errorf("%w: missing field %d", ErrMalformedPackage, f)
		}
	}
	scope, err := unpackScope(scopeRaw)
	if err != nil {
		return model.AccessGrant{}, err
	}
	g.Scope = scope
	if !bytes.Equal(scope.Hash(), g.ScopeHash) {
		return model.AccessGrant{}, fmt.Errorf("%w: scope hash mismatch", ErrMalformedPackage)
	}
	if (g.ParentGrantID == nil) != (g.Depth == 0) {
		return model.AccessGrant{}, fmt.Errorf("%w: depth %d inconsistent with parent", ErrMalformedPackage, g.Depth)
	}
	g.Status = model.GrantActive
	return g, nil
}

func setBytes(g *model.AccessGrant, num protowire.Number, v []byte, scopeRaw *[]byte) error {
	switch num {
	case fScope:
		*scopeRaw = append([]byte(nil), v...)
		return nil
	case fScopeHash:
		g.ScopeHash = append([]byte(nil), v...)
		return nil
	case fEncryptedViewKey:
		g.EncryptedViewKey = append([]byte(nil), v...)
		return nil
	}
	id, err := uuid.FromBytes(v)
	if err != nil {
		return malformed("uuid", err)
	}
	switch num {
	case fGrantID:
		g.ID = id
	case fOwnerID:
		g.OwnerID = id
	case fIssuerID:
		g.IssuerID = id
	case fGranteeID:
		g.GranteeID = id
	case fParentID:
		g.ParentGrantID = &id
	}
	return nil
}

func unpackScope(b []byte) (model.Scope, error) {
	var (
		perms   []model.Permission
		classes []model.DataClass
		tr      model.TimeRange
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return model.Scope{}, malformed("scope tag", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case typ == protowire.BytesType && (num == fPermission || num == fDataClass):
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return model.Scope{}, malformed("scope string", protowire.ParseError(n))
			}
			b = b[n:]
			if num == fPermission {
				perms = append(perms, model.Permission(s))
			} else {
				classes = append(classes, model.DataClass(s))
			}
		case typ == protowire.VarintType && (num == fFrom || num == fTo):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return model.Scope{}, malformed("scope bound", protowire.ParseError(n))
			}
			b = b[n:]
			t := time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			if num == fFrom {
				tr.From = &t
			} else {
				tr.To = &t
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return model.Scope{}, malformed("scope field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	s := model.NewScope(perms, classes, tr)
	if err := s.Validate(); err != nil {
		return model.Scope{}, fmt.Errorf("%w: %v", ErrMalformedPackage, err)
	}
	return s, nil
}

func malformed(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformedPackage, what, err)
}
