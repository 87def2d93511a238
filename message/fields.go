package message

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/c360/stratcon/errors"
)

// uuidLength is the length of the textual UUID at the end of an extended id
const uuidLength = 36

// ParseTimestamp converts "seconds[.fraction]" to integer milliseconds.
// The fraction is read as milliseconds: digits past the third are dropped and
// shorter fractions are right-padded, so "1300000000.123456" and
// "1300000000.123" both give 1300000000123. No floating point is involved.
func ParseTimestamp(s string) (int64, error) {
	secs, frac, hasFrac := s, "", false
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		secs, frac, hasFrac = s[:i], s[i+1:], true
	}

	sec, err := strconv.ParseInt(secs, 10, 64)
	if err != nil || sec < 0 {
		return 0, fmt.Errorf("%w: %q", errors.ErrInvalidTimestamp, s)
	}
	ms := sec * 1000
	if !hasFrac || frac == "" {
		return ms, nil
	}

	for i := 0; i < len(frac); i++ {
		if frac[i] < '0' || frac[i] > '9' {
			return 0, fmt.Errorf("%w: %q", errors.ErrInvalidTimestamp, s)
		}
	}
	if len(frac) > 3 {
		frac = frac[:3]
	}
	for len(frac) < 3 {
		frac += "0"
	}
	f, _ := strconv.ParseInt(frac, 10, 64)
	return ms + f, nil
}

// FormatTimestamp renders milliseconds in the agent's "seconds.mmm" form
func FormatTimestamp(ms int64) string {
	return fmt.Sprintf("%d.%03d", ms/1000, ms%1000)
}

func formatMillis(ms int64) string { return strconv.FormatInt(ms, 10) }

func formatInt(v int64) string { return strconv.FormatInt(v, 10) }

// ExtendedID is the decoded form of the composite check identity
// target`module`name`uuid.
type ExtendedID struct {
	Target string
	Module string
	Name   string
	UUID   string
}

// ParseExtendedID splits an extended id. A value of 36 characters or fewer
// is a bare UUID and leaves target, module and name empty.
func ParseExtendedID(s string) ExtendedID {
	if len(s) <= uuidLength {
		return ExtendedID{UUID: s}
	}
	ext := ExtendedID{UUID: s[len(s)-uuidLength:]}
	parts := strings.SplitN(s[:len(s)-uuidLength-1], "`", 3)
	ext.Target = parts[0]
	if len(parts) > 1 {
		ext.Module = parts[1]
	}
	if len(parts) > 2 {
		ext.Name = parts[2]
	}
	return ext
}

// String renders the extended id in wire form
func (e ExtendedID) String() string {
	if e.Target == "" && e.Module == "" && e.Name == "" {
		return e.UUID
	}
	return e.Target + "`" + e.Module + "`" + e.Name + "`" + e.UUID
}

// Digest identifies an event by the bytes of its fields
type Digest [32]byte

// String returns the hex form
func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// IsZero reports whether the digest was never computed
func (d Digest) IsZero() bool { return d == Digest{} }

// computeDigest hashes the non-empty parts, each followed by a tab.
func computeDigest(parts ...string) Digest {
	h := blake3.New()
	for _, p := range parts {
		if p == "" {
			continue
		}
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{'\t'})
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}
