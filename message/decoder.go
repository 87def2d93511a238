package message

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/c360/stratcon/errors"
)

// Constructor builds a message from the fields of one record. fields[0] is
// the prefix and len(fields) equals the registered count.
type Constructor func(fields []string) (Message, error)

type decoderEntry struct {
	fields int
	build  Constructor // nil for ignored prefixes
}

// Decoder turns wire records into messages using a prefix table. The table
// is filled by NewDecoder and Register; a Decoder is safe for concurrent
// Decode calls once registration is done.
type Decoder struct {
	table map[string]decoderEntry
}

// NewDecoder returns a decoder with every known record type registered
func NewDecoder() *Decoder {
	d := &Decoder{table: make(map[string]decoderEntry)}
	d.Register(string(KindCheck), 7, buildCheck)
	d.Register(string(KindStatus), 8, buildStatus)
	d.Register(string(KindMetric), 7, buildMetric)
	d.Register(string(KindTransformedMetric), 8, buildTransformedMetric)
	d.Register(string(KindBundleV1), 9, buildBundle(1))
	d.Register(string(KindBundleV2), 9, buildBundle(2))
	d.Register(string(KindStatementInstall), 4, buildStatementInstall)
	d.Register(string(KindQueryInstall), 5, buildQueryInstall)
	d.Register(string(KindQueryStop), 3, buildQueryStop)
	d.Ignore("n")
	return d
}

// Register adds or replaces the constructor for prefix. fields counts every
// tab-separated field including the prefix itself.
func (d *Decoder) Register(prefix string, fields int, build Constructor) {
	d.table[prefix] = decoderEntry{fields: fields, build: build}
}

// Ignore marks prefix as known but uninteresting
func (d *Decoder) Ignore(prefix string) {
	d.table[prefix] = decoderEntry{}
}

// Decode parses a single record. Unknown and ignored prefixes, and lines
// without a tab, return (nil, nil).
func (d *Decoder) Decode(line string) (Message, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")

	tab := strings.IndexByte(line, '\t')
	if tab < 0 {
		return nil, nil
	}
	entry, ok := d.table[line[:tab]]
	if !ok || entry.build == nil {
		return nil, nil
	}

	fields := strings.SplitN(line, "\t", entry.fields)
	if len(fields) != entry.fields {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s record has %d of %d", errors.ErrFieldCount, line[:tab], len(fields), entry.fields),
			"Decoder", "Decode", "split record")
	}

	msg, err := entry.build(fields)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Decoder", "Decode", "build "+line[:tab]+" record")
	}
	return msg, nil
}

// LineError is a decode failure for one line of a batch
type LineError struct {
	Line int // 1-based
	Err  error
}

func (e *LineError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }

func (e *LineError) Unwrap() error { return e.Err }

// DecodeBatch decodes newline-delimited records. Every line is decoded on
// its own; failures are returned alongside the messages that did decode.
func (d *Decoder) DecodeBatch(data []byte) ([]Message, []error) {
	var (
		msgs []Message
		errs []error
	)
	for i, raw := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		msg, err := d.Decode(string(raw))
		if err != nil {
			errs = append(errs, &LineError{Line: i + 1, Err: err})
			continue
		}
		if msg != nil {
			msgs = append(msgs, msg)
		}
	}
	return msgs, errs
}

var defaultDecoder = NewDecoder()

// Decode parses one record with the default decoder
func Decode(line string) (Message, error) { return defaultDecoder.Decode(line) }

// DecodeBatch parses newline-delimited records with the default decoder
func DecodeBatch(data []byte) ([]Message, []error) { return defaultDecoder.DecodeBatch(data) }

// eventIdentity parses the remote/timestamp/extid triple at fields[1:4].
func eventIdentity(fields []string) (Identity, error) {
	ts, err := ParseTimestamp(fields[2])
	if err != nil {
		return Identity{}, err
	}
	return newIdentity(fields[1], ts, ParseExtendedID(fields[3])), nil
}

func buildCheck(f []string) (Message, error) {
	id, err := eventIdentity(f)
	if err != nil {
		return nil, err
	}
	return NewCheckEvent(id, f[4], f[5], f[6]), nil
}

func buildStatus(f []string) (Message, error) {
	id, err := eventIdentity(f)
	if err != nil {
		return nil, err
	}
	duration, err := strconv.ParseInt(f[6], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: duration %q", errors.ErrInvalidData, f[6])
	}
	return NewStatusEvent(id, f[4], f[5], duration, f[7]), nil
}

func metricType(code string) (MetricType, error) {
	if len(code) != 1 {
		return 0, fmt.Errorf("%w: metric type %q", errors.ErrInvalidData, code)
	}
	return MetricType(code[0]), nil
}

func buildMetric(f []string) (Message, error) {
	id, err := eventIdentity(f)
	if err != nil {
		return nil, err
	}
	t, err := metricType(f[5])
	if err != nil {
		return nil, err
	}
	return NewMetricEvent(id, f[4], ParseMetricValue(t, f[6])), nil
}

func buildTransformedMetric(f []string) (Message, error) {
	id, err := eventIdentity(f)
	if err != nil {
		return nil, err
	}
	t, err := metricType(f[5])
	if err != nil {
		return nil, err
	}
	order, err := strconv.ParseInt(f[7], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: ordering id %q", errors.ErrInvalidData, f[7])
	}
	return NewTransformedMetricEvent(id, f[4], ParseMetricValue(t, f[6]), order), nil
}

func buildBundle(version int) Constructor {
	return func(f []string) (Message, error) {
		id, err := eventIdentity(f)
		if err != nil {
			return nil, err
		}
		rawLen, err := strconv.Atoi(f[7])
		if err != nil {
			return nil, fmt.Errorf("%w: raw length %q", errors.ErrInvalidData, f[7])
		}
		return NewBundleEvent(id, version, f[4], f[5], f[6], rawLen, f[8]), nil
	}
}

func buildStatementInstall(f []string) (Message, error) {
	return StatementInstall{Remote: f[1], ID: f[2], Query: f[3]}, nil
}

func buildQueryInstall(f []string) (Message, error) {
	return QueryInstall{Remote: f[1], ID: f[2], Name: f[3], Query: f[4]}, nil
}

func buildQueryStop(f []string) (Message, error) {
	return QueryStop{Remote: f[1], ID: f[2]}, nil
}
