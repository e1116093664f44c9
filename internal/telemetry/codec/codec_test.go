package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func samplePayload() Payload {
	return Payload{
		Timestamp: 1700000000000,
		Seq:       7,
		UUID:      "device-uuid-1",
		Metrics: []Metric{
			{Name: "temp/c", Datatype: Float64, Timestamp: 1700000000001, FloatValue: 21.5},
			{Name: "status/ok", Datatype: Boolean, Timestamp: 1700000000002, BoolValue: true},
			{Name: "counter", Datatype: UInt32, Timestamp: 1700000000003, UintValue: 42},
			{Name: "label", Datatype: String, Timestamp: 1700000000004, StringValue: "ready"},
			{Name: "raw", Datatype: Bytes, Timestamp: 1700000000005, BytesValue: []byte{1, 2, 3}},
			{Name: "delta", Datatype: Int16, Timestamp: 1700000000006, IntValue: -17},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := samplePayload()
	decoded, err := Decode(Encode(p))
	assert.NoError(t, err)
	assert.Equal(t, p, decoded)
}

func TestEncodeDoesNotMutateSeq(t *testing.T) {
	p := samplePayload()
	p.Seq = 255
	decoded, err := Decode(Encode(p))
	assert.NoError(t, err)
	assert.Equal(t, byte(255), decoded.Seq)
}

func TestDecodePreservesMetricOrder(t *testing.T) {
	p := samplePayload()
	decoded, err := Decode(Encode(p))
	assert.NoError(t, err)
	for i, m := range p.Metrics {
		assert.Equal(t, m.Name, decoded.Metrics[i].Name)
	}
}

func TestDecodeUnknownDatatypeIsOpaqueNotFabricated(t *testing.T) {
	p := Payload{
		Timestamp: 1,
		Seq:       0,
		Metrics: []Metric{
			{Name: "future/metric", Datatype: Datatype(200), Timestamp: 2, Opaque: []byte{0xDE, 0xAD}},
		},
	}
	decoded, err := Decode(Encode(p))
	assert.NoError(t, err)
	assert.Len(t, decoded.Metrics, 1)
	assert.Equal(t, Unknown, decoded.Metrics[0].Datatype)
	assert.Equal(t, []byte{0xDE, 0xAD}, decoded.Metrics[0].Opaque)
}

func TestDecodeTruncatedPayloadErrors(t *testing.T) {
	full := Encode(samplePayload())
	_, err := Decode(full[:len(full)-2])
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeWrongLengthValueForTypeErrors(t *testing.T) {
	// hand-built payload: header (timestamp, seq, empty uuid, metric count=1)
	// followed by one metric tagged Int32 but carrying only a 2-byte value.
	var buf []byte
	buf = appendUint64(buf, 1)             // payload timestamp
	buf = append(buf, 0)                   // seq
	buf = appendLenPrefixedString(buf, "") // uuid
	buf = appendUint32(buf, 1)             // metric count

	buf = appendLenPrefixedString(buf, "bad") // metric name
	buf = append(buf, byte(Int32))            // datatype tag
	buf = appendUint64(buf, 1)                // metric timestamp
	buf = appendUint32(buf, 2)                // value length: wrong for Int32
	buf = append(buf, 0, 0)                   // 2-byte value

	_, err := Decode(buf)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeEmptyPayloadErrors(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrTruncated)
}

// FuzzDecode ensures decoding never panics on arbitrary input and that
// decoder output round-trips through the encoder, seeded from real encoder
// output per the corpus-seeding style used for protocol fuzz tests.
func FuzzDecode(f *testing.F) {
	f.Add(Encode(samplePayload()))
	f.Add([]byte{})
	f.Add([]byte{0, 0, 0, 0, 0, 0, 0, 1})

	f.Fuzz(func(t *testing.T, data []byte) {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("Decode panicked on input %v: %v", data, r)
			}
		}()

		p, err := Decode(data)
		if err != nil {
			return
		}

		reencoded := Encode(p)
		redecoded, err := Decode(reencoded)
		if err != nil {
			t.Fatalf("re-decode of accepted payload failed: %v", err)
		}
		if len(redecoded.Metrics) != len(p.Metrics) {
			t.Fatalf("metric count changed across round-trip: %d vs %d", len(p.Metrics), len(redecoded.Metrics))
		}
	})
}
