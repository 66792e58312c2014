package api

import (
	"fmt"
	"time"

	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/encoding/proto"
	"google.golang.org/grpc/mem"
	"google.golang.org/protobuf/encoding/protowire"
)

// wireMessage is implemented by every message of the Sharing service. The
// field layout is documented in proto/viewkeys/v1/sharing.proto.
type wireMessage interface {
	appendWire(b []byte) []byte
	setField(f field) error
}

// codec takes over the default "proto" content-subtype. Messages of this
// package are written with protowire; anything else (health, reflection)
// goes to the codec it replaced.
type codec struct {
	fallback encoding.CodecV2
}

func (c codec) Marshal(v any) (mem.BufferSlice, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return c.fallback.Marshal(v)
	}
	return mem.BufferSlice{mem.SliceBuffer(m.appendWire(nil))}, nil
}

func (c codec) Unmarshal(data mem.BufferSlice, v any) error {
	m, ok := v.(wireMessage)
	if !ok {
		return c.fallback.Unmarshal(data, v)
	}
	return decode(data.Materialize(), m)
}

func (codec) Name() string { return proto.Name }

func init() {
	encoding.RegisterCodecV2(codec{fallback: encoding.GetCodecV2(proto.Name)})
}

// field is one decoded key/value pair. Varints land in v, length-delimited
// values in b.
type field struct {
	num protowire.Number
	v   uint64
	b   []byte
}

// decode reads b into m. Unknown fields and wire types m does not use are
// skipped.
func decode(b []byte, m wireMessage) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("api: tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		f := field{num: num}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("api: field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return fmt.Errorf("api: field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := m.setField(f); err != nil {
			return fmt.Errorf("api: field %d: %w", num, err)
		}
	}
	return nil
}

func (f field) str() string              { return string(f.b) }
func (f field) raw() []byte              { return append([]byte(nil), f.b...) }
func (f field) int64() int64             { return int64(f.v) }
func (f field) int() int                 { return int(int64(f.v)) }
func (f field) flag() bool               { return f.v != 0 }
func (f field) into(m wireMessage) error { return decode(f.b, m) }

// Times are sint64 unix nanoseconds, as in grant packages.
func (f field) time() time.Time { return time.Unix(0, protowire.DecodeZigZag(f.v)).UTC() }

func (f field) timePtr() *time.Time {
	t := f.time()
	return &t
}

func appendString(b []byte, n protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, n, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendStrings(b []byte, n protowire.Number, ss []string) []byte {
	for _, s := range ss {
		b = protowire.AppendTag(b, n, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	return b
}

func appendBytes(b []byte, n protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, n, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendInt(b []byte, n protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, n, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendBool(b []byte, n protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, n, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendTime(b []byte, n protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, n, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(t.UnixNano()))
}

func appendTimePtr(b []byte, n protowire.Number, t *time.Time) []byte {
	if t == nil {
		return b
	}
	return appendTime(b, n, *t)
}

func appendMessage(b []byte, n protowire.Number, m wireMessage) []byte {
	b = protowire.AppendTag(b, n, protowire.BytesType)
	return protowire.AppendBytes(b, m.appendWire(nil))
}
