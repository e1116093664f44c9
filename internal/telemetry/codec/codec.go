// Package codec implements the binary metric payload encoding used by the
// TELEMETRY path (spec.md §4.2): a length-prefixed, schema-tagged wire
// format rather than a manually byte-stepped ad-hoc parser (spec.md §9
// explicitly rules out the latter). Grounded on the teacher's
// internal/protocols data model (Tag/DataType) for the datatype set, and on
// internal/protocols/modbus_fuzz_test.go for this package's fuzz-test style.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Datatype tags a Metric's value slot. The numeric values are the wire tag
// and must never be renumbered once shipped (spec.md §4.2 "schema-tagged").
type Datatype byte

const (
	Int8 Datatype = iota + 1
	Int16
	Int32
	Int64
	UInt8
	UInt16
	UInt32
	UInt64
	Float32
	Float64
	Boolean
	String
	Bytes
	Unknown Datatype = 0xFF // sentinel for tags this decoder does not recognize
)

// Metric is one typed, named, timestamped value in a Payload. Exactly one
// value slot is populated, selected by Datatype; Opaque carries the raw
// encoded bytes when Datatype is Unknown (spec.md §4.2 tolerate-unknown-tag
// rule).
type Metric struct {
	Name      string
	Datatype  Datatype
	Timestamp int64 // ms

	IntValue    int64
	UintValue   uint64
	FloatValue  float64
	BoolValue   bool
	StringValue string
	BytesValue  []byte

	Opaque []byte // populated only when Datatype == Unknown
}

// Payload is the decoded transport envelope (spec.md §3 "Payload").
type Payload struct {
	Timestamp int64 // ms, payload-level
	Seq       byte  // 0..255
	UUID      string
	Metrics   []Metric
}

// ErrTruncated is returned when the input ends before a declared length.
var ErrTruncated = errors.New("codec: truncated payload")

// ErrMalformed is returned when a length prefix or structural invariant is
// violated.
var ErrMalformed = errors.New("codec: malformed payload")

// Encode serializes p. Seq is emitted exactly as given, never modified
// (spec.md §4.2). Metric order is preserved.
func Encode(p Payload) []byte {
	buf := make([]byte, 0, 64+len(p.Metrics)*32)

	buf = appendUint64(buf, uint64(p.Timestamp))
	buf = append(buf, p.Seq)
	buf = appendLenPrefixedString(buf, p.UUID)
	buf = appendUint32(buf, uint32(len(p.Metrics)))

	for _, m := range p.Metrics {
		buf = encodeMetric(buf, m)
	}
	return buf
}

func encodeMetric(buf []byte, m Metric) []byte {
	buf = appendLenPrefixedString(buf, m.Name)
	buf = append(buf, byte(m.Datatype))
	buf = appendUint64(buf, uint64(m.Timestamp))

	var value []byte
	switch m.Datatype {
	case Int8:
		value = []byte{byte(int8(m.IntValue))}
	case Int16:
		value = put16(uint16(int16(m.IntValue)))
	case Int32:
		value = put32(uint32(int32(m.IntValue)))
	case Int64:
		value = put64(uint64(m.IntValue))
	case UInt8:
		value = []byte{byte(m.UintValue)}
	case UInt16:
		value = put16(uint16(m.UintValue))
	case UInt32:
		value = put32(uint32(m.UintValue))
	case UInt64:
		value = put64(m.UintValue)
	case Float32:
		value = put32(math.Float32bits(float32(m.FloatValue)))
	case Float64:
		value = put64(math.Float64bits(m.FloatValue))
	case Boolean:
		b := byte(0)
		if m.BoolValue {
			b = 1
		}
		value = []byte{b}
	case String:
		value = []byte(m.StringValue)
	case Bytes:
		value = m.BytesValue
	default:
		value = m.Opaque
	}

	buf = appendUint32(buf, uint32(len(value)))
	buf = append(buf, value...)
	return buf
}

// Decode reads a single Payload from data. Unknown datatype tags never
// abort decoding: the metric is recorded with Datatype=Unknown and its raw
// value bytes preserved in Opaque (spec.md §4.2).
func Decode(data []byte) (Payload, error) {
	r := &reader{buf: data}

	ts, err := r.uint64()
	if err != nil {
		return Payload{}, err
	}
	seq, err := r.byte()
	if err != nil {
		return Payload{}, err
	}
	uuid, err := r.lenPrefixedString()
	if err != nil {
		return Payload{}, err
	}
	count, err := r.uint32()
	if err != nil {
		return Payload{}, err
	}

	p := Payload{Timestamp: int64(ts), Seq: seq, UUID: uuid, Metrics: make([]Metric, 0, count)}

	for i := uint32(0); i < count; i++ {
		m, err := decodeMetric(r)
		if err != nil {
			return Payload{}, err
		}
		p.Metrics = append(p.Metrics, m)
	}

	return p, nil
}

func decodeMetric(r *reader) (Metric, error) {
	name, err := r.lenPrefixedString()
	if err != nil {
		return Metric{}, err
	}
	tagByte, err := r.byte()
	if err != nil {
		return Metric{}, err
	}
	ts, err := r.uint64()
	if err != nil {
		return Metric{}, err
	}
	valueLen, err := r.uint32()
	if err != nil {
		return Metric{}, err
	}
	value, err := r.bytes(int(valueLen))
	if err != nil {
		return Metric{}, err
	}

	m := Metric{Name: name, Timestamp: int64(ts)}
	tag := Datatype(tagByte)

	switch tag {
	case Int8:
		if len(value) != 1 {
			return Metric{}, fmt.Errorf("%w: int8 metric %q", ErrMalformed, name)
		}
		m.Datatype, m.IntValue = Int8, int64(int8(value[0]))
	case Int16:
		if len(value) != 2 {
			return Metric{}, fmt.Errorf("%w: int16 metric %q", ErrMalformed, name)
		}
		m.Datatype, m.IntValue = Int16, int64(int16(binary.BigEndian.Uint16(value)))
	case Int32:
		if len(value) != 4 {
			return Metric{}, fmt.Errorf("%w: int32 metric %q", ErrMalformed, name)
		}
		m.Datatype, m.IntValue = Int32, int64(int32(binary.BigEndian.Uint32(value)))
	case Int64:
		if len(value) != 8 {
			return Metric{}, fmt.Errorf("%w: int64 metric %q", ErrMalformed, name)
		}
		m.Datatype, m.IntValue = Int64, int64(binary.BigEndian.Uint64(value))
	case UInt8:
		if len(value) != 1 {
			return Metric{}, fmt.Errorf("%w: uint8 metric %q", ErrMalformed, name)
		}
		m.Datatype, m.UintValue = UInt8, uint64(value[0])
	case UInt16:
		if len(value) != 2 {
			return Metric{}, fmt.Errorf("%w: uint16 metric %q", ErrMalformed, name)
		}
		m.Datatype, m.UintValue = UInt16, uint64(binary.BigEndian.Uint16(value))
	case UInt32:
		if len(value) != 4 {
			return Metric{}, fmt.Errorf("%w: uint32 metric %q", ErrMalformed, name)
		}
		m.Datatype, m.UintValue = UInt32, uint64(binary.BigEndian.Uint32(value))
	case UInt64:
		if len(value) != 8 {
			return Metric{}, fmt.Errorf("%w: uint64 metric %q", ErrMalformed, name)
		}
		m.Datatype, m.UintValue = UInt64, binary.BigEndian.Uint64(value)
	case Float32:
		if len(value) != 4 {
			return Metric{}, fmt.Errorf("%w: float32 metric %q", ErrMalformed, name)
		}
		m.Datatype, m.FloatValue = Float32, float64(math.Float32frombits(binary.BigEndian.Uint32(value)))
	case Float64:
		if len(value) != 8 {
			return Metric{}, fmt.Errorf("%w: float64 metric %q", ErrMalformed, name)
		}
		m.Datatype, m.FloatValue = Float64, math.Float64frombits(binary.BigEndian.Uint64(value))
	case Boolean:
		if len(value) != 1 {
			return Metric{}, fmt.Errorf("%w: bool metric %q", ErrMalformed, name)
		}
		m.Datatype, m.BoolValue = Boolean, value[0] != 0
	case String:
		m.Datatype, m.StringValue = String, string(value)
	case Bytes:
		m.Datatype, m.BytesValue = Bytes, value
	default:
		// unrecognized tag: never fabricate a value, never abort the payload
		m.Datatype = Unknown
		m.Opaque = value
	}

	return m, nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) byte() (byte, error) {
	if r.pos+1 > len(r.buf) {
		return 0, ErrTruncated
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, ErrTruncated
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) uint64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *reader) lenPrefixedString() (string, error) {
	n, err := r.uint32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendLenPrefixedString(buf []byte, s string) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func put16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func put32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func put64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
