package outcome

import (
	"bytes"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrTooLong is returned when an outcome does not fit into a bytes32 slot.
var ErrTooLong = errors.New("outcome: string longer than 32 bytes")

// ToBytes32 encodes s as UTF-8 right-padded with zero bytes, the layout the
// pool contract stores at creation time.
func ToBytes32(s string) ([32]byte, error) {
	var out [32]byte
	if len(s) > len(out) {
		return out, fmt.Errorf("%w: %q (%d bytes)", ErrTooLong, s, len(s))
	}
	copy(out[:], s)
	return out, nil
}

// FromBytes32 decodes a right-padded bytes32 value back into a string.
func FromBytes32(b [32]byte) string {
	trimmed := bytes.TrimRight(b[:], "\x00")
	if !utf8.Valid(trimmed) {
		return string(bytes.ToValidUTF8(trimmed, nil))
	}
	return string(trimmed)
}

// IsZero reports whether b is the all-zero refund marker.
func IsZero(b [32]byte) bool {
	return b == [32]byte{}
}
