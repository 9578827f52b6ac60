package enocean

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Address is a 4-byte EnOcean device or sender identifier.
type Address [4]byte

// ParseAddress parses "05:12:34:56" (any case) or "05123456".
func ParseAddress(s string) (Address, error) {
	var a Address

	clean := strings.ReplaceAll(strings.TrimSpace(s), ":", "")
	if len(clean) != 8 {
		return a, errors.Errorf("%q is not a valid EnOcean address", s)
	}

	b, err := hex.DecodeString(clean)
	if err != nil {
		return a, errors.Wrapf(err, "%q is not a valid EnOcean address", s)
	}
	copy(a[:], b)

	return a, nil
}

// AddressFromUint32 splits v big-endian into an Address.
func AddressFromUint32(v uint32) Address {
	var a Address
	binary.BigEndian.PutUint32(a[:], v)
	return a
}

func (a Address) Uint32() uint32 {
	return binary.BigEndian.Uint32(a[:])
}

// WithOffset returns a+offset modulo 2^32. It is used to derive a distinct
// virtual sender per actuator from the gateway base ID.
func (a Address) WithOffset(offset uint32) Address {
	return AddressFromUint32(a.Uint32() + offset)
}

// SafeKey is the lower-case hex form without separators, usable in maps and MQTT topics.
func (a Address) SafeKey() string {
	return hex.EncodeToString(a[:])
}

func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3])
}
