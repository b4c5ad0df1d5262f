// Package envelope implements the wire wrapper carried by every message on
// the bus: an opaque payload plus the timestamp at which the publisher
// enclosed it. The format is a small protobuf message encoded and decoded
// directly with protowire, so no generated code is needed.
package envelope

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Envelope field numbers. EnclosedAt and SourceTimestamp are
// google.protobuf.Timestamp submessages, Payload is raw bytes.
const (
	fieldEnclosedAt      = 1
	fieldPayload         = 2
	fieldSourceTimestamp = 3
)

// Envelope is the decoded form of the wire wrapper. SourceTimestamp is the
// zero time when the publisher did not set one.
type Envelope struct {
	EnclosedAt      time.Time
	SourceTimestamp time.Time
	Payload         []byte
}

// DecodeError reports a malformed envelope. It is always recoverable: the
// caller should drop the sample and continue.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("envelope: %s", e.Reason)
}

// Enclose wraps payload in an encoded Envelope. A zero enclosedAt means
// "now".
func Enclose(payload []byte, enclosedAt time.Time) []byte {
	if enclosedAt.IsZero() {
		enclosedAt = time.Now()
	}
	var b []byte
	b = protowire.AppendTag(b, fieldEnclosedAt, protowire.BytesType)
	b = protowire.AppendBytes(b, appendTimestamp(nil, enclosedAt))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	return b
}

// Uncover decodes an encoded Envelope. The returned receivedAt is the
// caller's current time; it is not part of the wire format.
func Uncover(raw []byte) (receivedAt time.Time, env *Envelope, err error) {
	receivedAt = time.Now()
	env = &Envelope{}
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return receivedAt, nil, &DecodeError{Reason: "truncated field tag"}
		}
		raw = raw[n:]
		switch {
		case num == fieldEnclosedAt && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return receivedAt, nil, &DecodeError{Reason: "truncated enclosed_at"}
			}
			ts, derr := consumeTimestamp(v)
			if derr != nil {
				return receivedAt, nil, derr
			}
			env.EnclosedAt = ts
			raw = raw[n:]
		case num == fieldSourceTimestamp && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return receivedAt, nil, &DecodeError{Reason: "truncated source_timestamp"}
			}
			ts, derr := consumeTimestamp(v)
			if derr != nil {
				return receivedAt, nil, derr
			}
			env.SourceTimestamp = ts
			raw = raw[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return receivedAt, nil, &DecodeError{Reason: "truncated payload"}
			}
			// Copy: raw may be a transport-owned buffer.
			env.Payload = append([]byte(nil), v...)
			raw = raw[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, raw)
			if n < 0 {
				return receivedAt, nil, &DecodeError{Reason: fmt.Sprintf("malformed field %d", num)}
			}
			raw = raw[n:]
		}
	}
	if env.EnclosedAt.IsZero() {
		return receivedAt, nil, &DecodeError{Reason: "missing enclosed_at"}
	}
	return receivedAt, env, nil
}

// appendTimestamp encodes t as a google.protobuf.Timestamp submessage.
func appendTimestamp(b []byte, t time.Time) []byte {
	secs := t.Unix()
	nanos := int64(t.Nanosecond())
	if secs != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(secs))
	}
	if nanos != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(nanos))
	}
	return b
}

func consumeTimestamp(raw []byte) (time.Time, *DecodeError) {
	var secs, nanos int64
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return time.Time{}, &DecodeError{Reason: "truncated timestamp"}
		}
		raw = raw[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return time.Time{}, &DecodeError{Reason: "truncated timestamp seconds"}
			}
			secs = int64(v)
			raw = raw[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return time.Time{}, &DecodeError{Reason: "truncated timestamp nanos"}
			}
			nanos = int64(v)
			raw = raw[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, raw)
			if n < 0 {
				return time.Time{}, &DecodeError{Reason: "malformed timestamp field"}
			}
			raw = raw[n:]
		}
	}
	return time.Unix(secs, nanos), nil
}
