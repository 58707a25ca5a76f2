package mesh

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// MACSize is the length in bytes of an 802.11 hardware address.
const MACSize = 6

// MAC is a hardware address, the only naming layer the mesh protocol has.
type MAC [MACSize]byte

// BroadcastMAC is the all-ones address used to address every peer at once.
var BroadcastMAC = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// IsBroadcast reports whether m is the broadcast address.
func (m MAC) IsBroadcast() bool {
	return m == BroadcastMAC
}

// String formats m as colon-separated hex, e.g. "aa:bb:cc:dd:ee:ff".
func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// bucket returns the hash-table bucket m falls into: CRC8(MAC) & (TableSize-1).
func (m MAC) bucket() int {
	return int(CRC8(m[:], 0xff)) & TableMask
}

// ErrInvalidMAC indicates a string did not parse as a colon-separated
// six-byte hardware address.
var ErrInvalidMAC = errors.New("mesh: invalid MAC address")

// ParseMAC parses s, formatted like MAC.String ("aa:bb:cc:dd:ee:ff"), into
// a MAC.
func ParseMAC(s string) (MAC, error) {
	parts := strings.Split(s, ":")
	if len(parts) != MACSize {
		return MAC{}, ErrInvalidMAC
	}
	var m MAC
	for i, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil || len(b) != 1 {
			return MAC{}, fmt.Errorf("%w: %q", ErrInvalidMAC, s)
		}
		m[i] = b[0]
	}
	return m, nil
}
