package model

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"slices"
	"time"

	"github.com/and161185/viewkeys/internal/errs"
)

// Permission is an action a grant authorizes.
type Permission string

const (
	PermView     Permission = "view"
	PermExport   Permission = "export"
	PermAnnotate Permission = "annotate"
)

// AllPermissions is the owner's effective permission set.
var AllPermissions = []Permission{PermAnnotate, PermExport, PermView}

// DataClass is a class of business records a grant can cover.
type DataClass string

const (
	ClassReports        DataClass = "reports"
	ClassTransactions   DataClass = "transactions"
	ClassInvoices       DataClass = "invoices"
	ClassBills          DataClass = "bills"
	ClassJournalEntries DataClass = "journal_entries"
	ClassTax            DataClass = "tax"
	ClassDocuments      DataClass = "documents"
)

// AllDataClasses is the owner's effective data-class set.
var AllDataClasses = []DataClass{
	ClassBills, ClassDocuments, ClassInvoices, ClassJournalEntries,
	ClassReports, ClassTax, ClassTransactions,
}

// TimeRange bounds record dates. A nil bound is open.
type TimeRange struct {
	From *time.Time // inclusive
	To   *time.Time // exclusive
}

// Scope is the immutable policy attached to a grant.
// Permissions and DataClasses are kept sorted and deduplicated.
type Scope struct {
	Permissions []Permission
	DataClasses []DataClass
	TimeRange   TimeRange
}

// OwnerScope is everything an owner may share.
func OwnerScope() Scope {
	return NewScope(AllPermissions, AllDataClasses, TimeRange{})
}

// NewScope builds a normalized scope.
func NewScope(perms []Permission, classes []DataClass, tr TimeRange) Scope {
	p := slices.Clone(perms)
	slices.Sort(p)
	c := slices.Clone(classes)
	slices.Sort(c)
	return Scope{
		Permissions: slices.Compact(p),
		DataClasses: slices.Compact(c),
		TimeRange:   tr,
	}
}

// Validate checks that the scope is non-empty and uses known values.
func (s Scope) Validate() error {
	if len(s.Permissions) == 0 || len(s.DataClasses) == 0 {
		return fmt.Errorf("%w: scope: empty permissions or data classes", errs.ErrInvalidArgument)
	}
	for _, p := range s.Permissions {
		if !slices.Contains(AllPermissions, p) {
			return fmt.Errorf("%w: scope: unknown permission %q", errs.ErrInvalidArgument, p)
		}
	}
	for _, c := range s.DataClasses {
		if !slices.Contains(AllDataClasses, c) {
			return fmt.Errorf("%w: scope: unknown data class %q", errs.ErrInvalidArgument, c)
		}
	}
	if s.TimeRange.From != nil && s.TimeRange.To != nil && !s.TimeRange.From.Before(*s.TimeRange.To) {
		return fmt.Errorf("%w: scope: empty time range", errs.ErrInvalidArgument)
	}
	return nil
}

// HasPermission reports whether p is granted.
func (s Scope) HasPermission(p Permission) bool { return slices.Contains(s.Permissions, p) }

// HasClass reports whether c is covered.
func (s Scope) HasClass(c DataClass) bool { return slices.Contains(s.DataClasses, c) }

// Covers reports whether a record dated at t falls inside the time range.
// An undated record is only covered by an unbounded range.
func (r TimeRange) Covers(t *time.Time) bool {
	if r.From == nil && r.To == nil {
		return true
	}
	if t == nil {
		return false
	}
	if r.From != nil && t.Before(*r.From) {
		return false
	}
	if r.To != nil && !t.Before(*r.To) {
		return false
	}
	return true
}

// within reports whether r lies inside parent.
func (r TimeRange) within(parent TimeRange) bool {
	if parent.From != nil && (r.From == nil || r.From.Before(*parent.From)) {
		return false
	}
	if parent.To != nil && (r.To == nil || r.To.After(*parent.To)) {
		return false
	}
	return true
}

// Allows reports whether the scope authorizes item.
func (s Scope) Allows(item AccessItem) bool {
	return s.HasPermission(item.Permission) &&
		s.HasClass(item.DataClass) &&
		s.TimeRange.Covers(item.RecordTime)
}

// SubsetOf reports whether every permission, class and date in s is also in parent.
func (s Scope) SubsetOf(parent Scope) bool {
	for _, p := range s.Permissions {
		if !parent.HasPermission(p) {
			return false
		}
	}
	for _, c := range s.DataClasses {
		if !parent.HasClass(c) {
			return false
		}
	}
	return s.TimeRange.within(parent.TimeRange)
}

// Hash returns SHA-256 over a canonical encoding of the normalized scope.
func (s Scope) Hash() []byte {
	n := NewScope(s.Permissions, s.DataClasses, s.TimeRange)
	h := sha256.New()
	h.Write([]byte("scope/v1"))
	for _, p := range n.Permissions {
		writeField(h, []byte(p))
	}
	h.Write([]byte{0xff})
	for _, c := range n.DataClasses {
		writeField(h, []byte(c))
	}
	h.Write([]byte{0xff})
	writeBound(h, n.TimeRange.From)
	writeBound(h, n.TimeRange.To)
	return h.Sum(nil)
}

type byteWriter interface{ Write(p []byte) (int, error) }

func writeField(w byteWriter, b []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	_, _ = w.Write(l[:])
	_, _ = w.Write(b)
}

func writeBound(w byteWriter, t *time.Time) {
	if t == nil {
		_, _ = w.Write([]byte{0})
		return
	}
	var v [9]byte
	v[0] = 1
	binary.BigEndian.PutUint64(v[1:], uint64(t.UTC().UnixNano()))
	_, _ = w.Write(v[:])
}
