package message

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
	"google.golang.org/protobuf/encoding/protowire"
)

// maxBundleLength caps the declared uncompressed size of a bundle
const maxBundleLength = 64 << 20

// BundleEvent is one record holding a status and metrics for a single check
// and timestamp. The payload is decoded on first use.
type BundleEvent struct {
	id     Identity
	digest Digest

	Target    string
	Module    string
	Name      string
	Version   int // 1 compressed, 2 raw
	RawLength int

	encoded  string
	contents *bundleContents
}

type bundleContents struct {
	once     sync.Once
	payload  []byte
	items    []Event
	period   uint32
	timeout  uint32
	metadata map[string]string
	err      error
}

// NewBundleEvent builds a bundle envelope around a base64 payload. For
// version 1 the payload is zlib compressed and rawLength is the expected
// size after inflation.
func NewBundleEvent(id Identity, version int, target, module, name string, rawLength int, encoded string) *BundleEvent {
	kind := KindBundleV2
	if version == 1 {
		kind = KindBundleV1
	}
	return &BundleEvent{
		id: id.withCheck(target, module, name),
		digest: computeDigest(string(kind), id.Remote, formatMillis(id.Timestamp), id.UUID,
			target, module, name, formatInt(int64(rawLength)), encoded),
		Target:    target,
		Module:    module,
		Name:      name,
		Version:   version,
		RawLength: rawLength,
		encoded:   encoded,
		contents:  &bundleContents{},
	}
}

func (b *BundleEvent) Kind() Kind {
	if b.Version == 1 {
		return KindBundleV1
	}
	return KindBundleV2
}
func (b *BundleEvent) Identity() Identity { return b.id }
func (b *BundleEvent) Digest() Digest     { return b.digest }
func (*BundleEvent) isEvent()             {}

// Payload returns the decoded protobuf bytes, empty when decoding failed.
func (b *BundleEvent) Payload() []byte {
	b.decode()
	return b.contents.payload
}

// Constituents returns the status (if any) followed by the metrics, each
// carrying the envelope's identity.
func (b *BundleEvent) Constituents() []Event {
	b.decode()
	return b.contents.items
}

// Err returns the protobuf decode error, if the payload was malformed.
// A payload that could not be inflated is empty, not an error.
func (b *BundleEvent) Err() error {
	b.decode()
	return b.contents.err
}

// Period returns the check period in milliseconds carried by the bundle
func (b *BundleEvent) Period() uint32 {
	b.decode()
	return b.contents.period
}

// Timeout returns the check timeout in milliseconds carried by the bundle
func (b *BundleEvent) Timeout() uint32 {
	b.decode()
	return b.contents.timeout
}

// Metadata returns the bundle's key/value metadata
func (b *BundleEvent) Metadata() map[string]string {
	b.decode()
	return b.contents.metadata
}

func (b *BundleEvent) decode() {
	c := b.contents
	c.once.Do(func() {
		c.payload = decodeBundlePayload(b.Version, b.RawLength, b.encoded)
		if len(c.payload) == 0 {
			return
		}
		pb, err := parseBundle(c.payload)
		if err != nil {
			c.err = err
			return
		}
		c.period = pb.period
		c.timeout = pb.timeout
		if len(pb.metadata) > 0 {
			c.metadata = make(map[string]string, len(pb.metadata))
			for _, kv := range pb.metadata {
				c.metadata[kv.key] = kv.value
			}
		}
		c.items = pb.constituents(b.id)
	})
}

// decodeBundlePayload unwraps base64 and, for version 1, inflates to exactly
// rawLength bytes. Any failure returns nil.
func decodeBundlePayload(version, rawLength int, encoded string) []byte {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil
	}
	if version != 1 {
		return data
	}
	if rawLength <= 0 || rawLength > maxBundleLength {
		return nil
	}

	var r io.Reader
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		// some agents emit raw deflate without the zlib header
		fr := flate.NewReader(bytes.NewReader(data))
		defer fr.Close()
		r = fr
	} else {
		defer zr.Close()
		r = zr
	}

	out := make([]byte, rawLength)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil
	}
	var extra [1]byte
	if _, err := io.ReadFull(r, extra[:]); err != io.EOF {
		return nil
	}
	return out
}

type statusPB struct {
	available int32
	state     int32
	duration  int32
	status    string
}

type metricPB struct {
	name       string
	metricType int32

	valueDbl  float64
	valueI64  int64
	valueUI64 uint64
	valueI32  int32
	valueUI32 uint32
	valueStr  string

	// presence bits by field number
	has uint16
}

type metadataPB struct {
	key   string
	value string
}

type bundlePB struct {
	status   *statusPB
	metrics  []metricPB
	metadata []metadataPB
	period   uint32
	timeout  uint32
}

func (pb bundlePB) constituents(id Identity) []Event {
	items := make([]Event, 0, len(pb.metrics)+1)
	if s := pb.status; s != nil {
		items = append(items, NewStatusEvent(id,
			string(rune(s.state)), string(rune(s.available)), int64(s.duration), s.status))
	}
	for _, m := range pb.metrics {
		items = append(items, NewMetricEvent(id, m.name, m.value()))
	}
	return items
}

func (m metricPB) value() MetricValue {
	t := MetricType(byte(m.metricType))
	present := func(field int) bool { return m.has&(1<<field) != 0 }
	switch t {
	case MetricInt32:
		if present(6) {
			return Int64Value(t, int64(m.valueI32))
		}
	case MetricUint32:
		if present(7) {
			return Uint64Value(t, uint64(m.valueUI32))
		}
	case MetricInt64:
		if present(4) {
			return Int64Value(t, m.valueI64)
		}
	case MetricUint64:
		if present(5) {
			return Uint64Value(t, m.valueUI64)
		}
	case MetricDouble:
		if present(3) {
			return DoubleValue(m.valueDbl)
		}
	case MetricString:
		// an absent string field reads as empty, not null
		return StringValue(m.valueStr)
	}
	return NullOf(t)
}

func parseBundle(b []byte) (bundlePB, error) {
	var pb bundlePB
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			s, err := parseStatus(v)
			if err != nil {
				return err
			}
			pb.status = &s
		case num == 2 && typ == protowire.BytesType:
			m, err := parseMetric(v)
			if err != nil {
				return err
			}
			pb.metrics = append(pb.metrics, m)
		case num == 3 && typ == protowire.BytesType:
			kv, err := parseMetadata(v)
			if err != nil {
				return err
			}
			pb.metadata = append(pb.metadata, kv)
		case num == 4 && typ == protowire.VarintType:
			pb.period = uint32(x)
		case num == 5 && typ == protowire.VarintType:
			pb.timeout = uint32(x)
		}
		return nil
	})
	return pb, err
}

func parseStatus(b []byte) (statusPB, error) {
	var s statusPB
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == 1 && typ == protowire.VarintType:
			s.available = int32(x)
		case num == 2 && typ == protowire.VarintType:
			s.state = int32(x)
		case num == 3 && typ == protowire.VarintType:
			s.duration = int32(x)
		case num == 4 && typ == protowire.BytesType:
			s.status = string(v)
		}
		return nil
	})
	return s, err
}

func parseMetric(b []byte) (metricPB, error) {
	var m metricPB
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			m.name = string(v)
		case num == 2 && typ == protowire.VarintType:
			m.metricType = int32(x)
		case num == 3 && typ == protowire.Fixed64Type:
			m.valueDbl = math.Float64frombits(x)
		case num == 4 && typ == protowire.VarintType:
			m.valueI64 = int64(x)
		case num == 5 && typ == protowire.VarintType:
			m.valueUI64 = x
		case num == 6 && typ == protowire.VarintType:
			m.valueI32 = int32(x)
		case num == 7 && typ == protowire.VarintType:
			m.valueUI32 = uint32(x)
		case num == 8 && typ == protowire.BytesType:
			m.valueStr = string(v)
		default:
			return nil
		}
		m.has |= 1 << uint(num)
		return nil
	})
	return m, err
}

func parseMetadata(b []byte) (metadataPB, error) {
	var kv metadataPB
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case 1:
			kv.key = string(v)
		case 2:
			kv.value = string(v)
		}
		return nil
	})
	return kv, err
}

// walkFields iterates the top-level fields of a protobuf message. Length
// delimited values arrive in v, varint and fixed values in x. Unknown wire
// types are skipped.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("bundle tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		var (
			v []byte
			x uint64
		)
		switch typ {
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			x, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			var x32 uint32
			x32, n = protowire.ConsumeFixed32(b)
			x = uint64(x32)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("bundle field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}
