package crypto

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/opd-ai/obvcore/encoder"
)

// UIDSize is the length of every UID in bytes.
const UIDSize = 32

// UID identifies devices, protocol instances and other engine objects.
type UID [UIDSize]byte

// ZeroUID is never generated by GenerateUID.
var ZeroUID UID

// GenerateUID draws a fresh UID from prng.
func GenerateUID(prng PRNG) (UID, error) {
	b, err := RandomBytes(prng, UIDSize)
	if err != nil {
		return UID{}, err
	}
	var u UID
	copy(u[:], b)
	if u == ZeroUID {
		return GenerateUID(prng)
	}
	return u, nil
}

// UIDFromBytes converts a 32 byte slice into a UID.
func UIDFromBytes(b []byte) (UID, error) {
	var u UID
	if len(b) != UIDSize {
		return u, fmt.Errorf("invalid UID length %d", len(b))
	}
	copy(u[:], b)
	return u, nil
}

// String returns the full hex form.
func (u UID) String() string { return hex.EncodeToString(u[:]) }

// Short returns an eight character prefix for log fields.
func (u UID) Short() string { return hex.EncodeToString(u[:4]) }

// Less orders UIDs bytewise.
func (u UID) Less(other UID) bool { return bytes.Compare(u[:], other[:]) < 0 }

// Encode implements encoder.Encodable.
func (u UID) Encode() encoder.Encoded { return encoder.EncodeBytes(u[:]) }

// DecodeUID decodes a UID encoded as a 32 byte string.
func DecodeUID(e encoder.Encoded) (UID, error) {
	b, err := encoder.DecodeFixedBytes(e, UIDSize)
	if err != nil {
		return UID{}, err
	}
	var u UID
	copy(u[:], b)
	return u, nil
}
