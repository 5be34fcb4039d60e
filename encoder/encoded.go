package encoder

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
)

// ByteID identifies the type of an encoded value.
type ByteID byte

const (
	ByteIDBytes          ByteID = 0x00
	ByteIDInt            ByteID = 0x01
	ByteIDBool           ByteID = 0x02
	ByteIDList           ByteID = 0x03
	ByteIDDictionary     ByteID = 0x04
	ByteIDUnsignedBigInt ByteID = 0x80
	ByteIDSymmetricKey   ByteID = 0x90
	ByteIDPublicKey      ByteID = 0x91
	ByteIDPrivateKey     ByteID = 0x92
)

// HeaderLength is the size of the byte id plus the length prefix.
const HeaderLength = 5

// ErrDecoding is wrapped by every decoding failure of this package.
var ErrDecoding = errors.New("decoding failed")

func (id ByteID) known() bool {
	switch id {
	case ByteIDBytes, ByteIDInt, ByteIDBool, ByteIDList, ByteIDDictionary,
		ByteIDUnsignedBigInt, ByteIDSymmetricKey, ByteIDPublicKey, ByteIDPrivateKey:
		return true
	}
	return false
}

// String returns a readable name for logs.
func (id ByteID) String() string {
	switch id {
	case ByteIDBytes:
		return "bytes"
	case ByteIDInt:
		return "int"
	case ByteIDBool:
		return "bool"
	case ByteIDList:
		return "list"
	case ByteIDDictionary:
		return "dictionary"
	case ByteIDUnsignedBigInt:
		return "unsigned-big-int"
	case ByteIDSymmetricKey:
		return "symmetric-key"
	case ByteIDPublicKey:
		return "public-key"
	case ByteIDPrivateKey:
		return "private-key"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(id))
	}
}

// Encoded is a single well-formed encoded value. The zero value is invalid
// and is reported by IsZero.
type Encoded struct {
	raw []byte
}

// Encodable is implemented by every type that has a canonical encoding.
type Encodable interface {
	Encode() Encoded
}

func newEncoded(id ByteID, inner []byte) Encoded {
	if uint64(len(inner)) > math.MaxUint32 {
		panic("encoder: inner value exceeds 4 GiB")
	}
	raw := make([]byte, HeaderLength+len(inner))
	raw[0] = byte(id)
	binary.BigEndian.PutUint32(raw[1:HeaderLength], uint32(len(inner)))
	copy(raw[HeaderLength:], inner)
	return Encoded{raw: raw}
}

// Parse validates raw as exactly one encoded value. Truncated buffers and
// buffers with trailing bytes are rejected.
func Parse(raw []byte) (Encoded, error) {
	n, err := elementLength(raw)
	if err != nil {
		return Encoded{}, err
	}
	if n != len(raw) {
		return Encoded{}, fmt.Errorf("%w: %d trailing bytes", ErrDecoding, len(raw)-n)
	}
	return Encoded{raw: append([]byte(nil), raw...)}, nil
}

// ParsePadded parses an encoded value followed by zero padding.
func ParsePadded(raw []byte) (Encoded, error) {
	n, err := elementLength(raw)
	if err != nil {
		return Encoded{}, err
	}
	for _, b := range raw[n:] {
		if b != 0 {
			return Encoded{}, fmt.Errorf("%w: non-zero padding", ErrDecoding)
		}
	}
	return Encoded{raw: append([]byte(nil), raw[:n]...)}, nil
}

// elementLength returns the total length of the element at the start of raw.
func elementLength(raw []byte) (int, error) {
	if len(raw) < HeaderLength {
		return 0, fmt.Errorf("%w: truncated header (%d bytes)", ErrDecoding, len(raw))
	}
	id := ByteID(raw[0])
	if !id.known() {
		return 0, fmt.Errorf("%w: unknown byte id 0x%02x", ErrDecoding, raw[0])
	}
	inner := uint64(binary.BigEndian.Uint32(raw[1:HeaderLength]))
	if uint64(len(raw)-HeaderLength) < inner {
		return 0, fmt.Errorf("%w: truncated %s (want %d inner bytes, have %d)",
			ErrDecoding, id, inner, len(raw)-HeaderLength)
	}
	return HeaderLength + int(inner), nil
}

// ByteID returns the type identifier of e.
func (e Encoded) ByteID() ByteID {
	if len(e.raw) == 0 {
		return 0
	}
	return ByteID(e.raw[0])
}

// Inner returns the value bytes without the header. The slice must not be modified.
func (e Encoded) Inner() []byte {
	if len(e.raw) < HeaderLength {
		return nil
	}
	return e.raw[HeaderLength:]
}

// Raw returns a copy of the full encoding.
func (e Encoded) Raw() []byte {
	return append([]byte(nil), e.raw...)
}

// Len returns the length of the full encoding.
func (e Encoded) Len() int { return len(e.raw) }

// IsZero reports whether e was never assigned.
func (e Encoded) IsZero() bool { return len(e.raw) == 0 }

// Equal reports whether both encodings are byte-identical.
func (e Encoded) Equal(other Encoded) bool { return bytes.Equal(e.raw, other.raw) }

// String returns a short hex preview.
func (e Encoded) String() string {
	const preview = 16
	if len(e.raw) <= preview {
		return hex.EncodeToString(e.raw)
	}
	return fmt.Sprintf("%s...(%d bytes)", hex.EncodeToString(e.raw[:preview]), len(e.raw))
}

func (e Encoded) expect(id ByteID) error {
	if e.IsZero() {
		return fmt.Errorf("%w: empty encoding", ErrDecoding)
	}
	if e.ByteID() != id {
		return fmt.Errorf("%w: expected %s, got %s", ErrDecoding, id, e.ByteID())
	}
	return nil
}
