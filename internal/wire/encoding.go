package wire

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message is implemented by every type carried on the Arbiter service
type Message interface {
	Marshal() ([]byte, error)
	Unmarshal(data []byte) error
}

// encoder appends protobuf wire-format fields. Zero values are omitted.
type encoder struct {
	b []byte
}

func (e *encoder) string(num protowire.Number, v string) {
	if v == "" {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, v)
}

func (e *encoder) uint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, v)
}

func (e *encoder) int(num protowire.Number, v int64) {
	e.uint(num, uint64(v))
}

func (e *encoder) bool(num protowire.Number, v bool) {
	if v {
		e.uint(num, 1)
	}
}

func (e *encoder) time(num protowire.Number, t time.Time) {
	if t.IsZero() {
		return
	}
	e.int(num, t.UnixMilli())
}

func (e *encoder) enum(num protowire.Number, table []string, v string) {
	e.uint(num, enumNumber(table, v))
}

// message writes a nested message; nested messages are always written so an
// all-zero value still round-trips as present.
func (e *encoder) message(num protowire.Number, body []byte) {
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, body)
}

// field is one decoded key/value pair
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

func (f field) str() string { return string(f.bytes) }
func (f field) i64() int64 { return int64(f.varint) }
func (f field) boolean() bool { return f.varint != 0 }
func (f field) millis() time.Time {
	if f.varint == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(f.varint)).UTC()
}

// walk visits every varint and length-delimited field in b. Fields of other
// wire types are skipped so newer senders stay readable.
func walk(b []byte, visit func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("decode tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("decode field %d: %w", num, protowire.ParseError(n))
			}
			f.varint = v
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("decode field %d: %w", num, protowire.ParseError(n))
			}
			f.bytes = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		if err := visit(f); err != nil {
			return err
		}
	}
	return nil
}

// Enum tables: index is the wire number, 0 is reserved for "unspecified".
var (
	kindEnum         = []string{"", "remove", "replace", "add"}
	decisionEnum     = []string{"", "approve", "deny", "defer"}
	operationEnum    = []string{"", "pending", "approved", "denied", "in_progress", "completed", "failed", "cancelled"}
	diskStateEnum    = []string{"", "healthy", "suspect", "failed", "pending_removal", "removed", "error", "replacing"}
	roleEnum         = []string{"", "data", "journal"}
	outcomeEnum      = []string{"", "in_progress", "completed", "failed"}
	overrideEnum     = []string{"", "force_approve", "force_deny"}
	resolveEnum      = []string{"", "reset", "replaced"}
	decidedByEnum    = []string{"", "auto", "operator"}
	ticketStatusEnum = []string{"", "open", "closed"}
)

func enumNumber(table []string, v string) uint64 {
	for i, name := range table {
		if name == v {
			return uint64(i)
		}
	}
	return 0
}

// enumValue maps a wire number back to its name. Unknown numbers decode as
// the empty (invalid) value and are rejected by request validation.
func enumValue(table []string, n uint64) string {
	if n >= uint64(len(table)) {
		return ""
	}
	return table[n]
}
