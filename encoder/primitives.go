package encoder

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"
)

// EncodeBytes encodes an arbitrary byte string.
func EncodeBytes(b []byte) Encoded { return newEncoded(ByteIDBytes, b) }

// DecodeBytes returns a copy of the byte string held by e.
func DecodeBytes(e Encoded) ([]byte, error) {
	if err := e.expect(ByteIDBytes); err != nil {
		return nil, err
	}
	return append([]byte{}, e.Inner()...), nil
}

// DecodeFixedBytes decodes a byte string that must have exactly n bytes.
func DecodeFixedBytes(e Encoded, n int) ([]byte, error) {
	b, err := DecodeBytes(e)
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrDecoding, n, len(b))
	}
	return b, nil
}

// EncodeString encodes s as its UTF-8 bytes.
func EncodeString(s string) Encoded { return EncodeBytes([]byte(s)) }

// DecodeString decodes a byte string as UTF-8 text.
func DecodeString(e Encoded) (string, error) {
	b, err := DecodeBytes(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EncodeInt encodes v as 8 big-endian bytes.
func EncodeInt(v int64) Encoded {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return newEncoded(ByteIDInt, buf[:])
}

// DecodeInt decodes an int.
func DecodeInt(e Encoded) (int64, error) {
	if err := e.expect(ByteIDInt); err != nil {
		return 0, err
	}
	if len(e.Inner()) != 8 {
		return 0, fmt.Errorf("%w: int must be 8 bytes, got %d", ErrDecoding, len(e.Inner()))
	}
	return int64(binary.BigEndian.Uint64(e.Inner())), nil
}

// EncodeBool encodes a boolean as a single 0x00 or 0x01 byte.
func EncodeBool(v bool) Encoded {
	if v {
		return newEncoded(ByteIDBool, []byte{0x01})
	}
	return newEncoded(ByteIDBool, []byte{0x00})
}

// DecodeBool decodes a boolean.
func DecodeBool(e Encoded) (bool, error) {
	if err := e.expect(ByteIDBool); err != nil {
		return false, err
	}
	inner := e.Inner()
	if len(inner) != 1 || inner[0] > 1 {
		return false, fmt.Errorf("%w: malformed bool", ErrDecoding)
	}
	return inner[0] == 0x01, nil
}

// EncodeList encodes the items in order.
func EncodeList(items ...Encoded) Encoded {
	size := 0
	for _, it := range items {
		size += it.Len()
	}
	inner := make([]byte, 0, size)
	for _, it := range items {
		inner = append(inner, it.raw...)
	}
	return newEncoded(ByteIDList, inner)
}

// DecodeList splits a list into its elements.
func DecodeList(e Encoded) ([]Encoded, error) {
	if err := e.expect(ByteIDList); err != nil {
		return nil, err
	}
	return splitElements(e.Inner())
}

// DecodeListN decodes a list that must contain exactly n elements.
func DecodeListN(e Encoded, n int) ([]Encoded, error) {
	items, err := DecodeList(e)
	if err != nil {
		return nil, err
	}
	if len(items) != n {
		return nil, fmt.Errorf("%w: expected %d list elements, got %d", ErrDecoding, n, len(items))
	}
	return items, nil
}

func splitElements(inner []byte) ([]Encoded, error) {
	items := []Encoded{}
	for off := 0; off < len(inner); {
		n, err := elementLength(inner[off:])
		if err != nil {
			return nil, fmt.Errorf("element at offset %d: %w", off, err)
		}
		items = append(items, Encoded{raw: append([]byte(nil), inner[off:off+n]...)})
		off += n
	}
	return items, nil
}

// EncodeDictionary encodes a map with byte-string keys. Keys are written in
// sorted order so equal maps have equal encodings.
func EncodeDictionary(m map[string]Encoded) Encoded {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	items := make([]Encoded, 0, 2*len(keys))
	for _, k := range keys {
		items = append(items, EncodeString(k), m[k])
	}
	l := EncodeList(items...)
	return newEncoded(ByteIDDictionary, l.Inner())
}

// DecodeDictionary decodes a dictionary. Duplicate keys are rejected.
func DecodeDictionary(e Encoded) (map[string]Encoded, error) {
	if err := e.expect(ByteIDDictionary); err != nil {
		return nil, err
	}
	items, err := splitElements(e.Inner())
	if err != nil {
		return nil, err
	}
	if len(items)%2 != 0 {
		return nil, fmt.Errorf("%w: dictionary has a dangling key", ErrDecoding)
	}
	m := make(map[string]Encoded, len(items)/2)
	for i := 0; i < len(items); i += 2 {
		k, err := DecodeString(items[i])
		if err != nil {
			return nil, fmt.Errorf("dictionary key: %w", err)
		}
		if _, dup := m[k]; dup {
			return nil, fmt.Errorf("%w: duplicate dictionary key %q", ErrDecoding, k)
		}
		m[k] = items[i+1]
	}
	return m, nil
}

// EncodeBigUInt encodes a non-negative integer using its minimal big-endian bytes.
func EncodeBigUInt(n *big.Int) (Encoded, error) {
	if n == nil || n.Sign() < 0 {
		return Encoded{}, fmt.Errorf("cannot encode negative or nil big integer")
	}
	return newEncoded(ByteIDUnsignedBigInt, n.Bytes()), nil
}

// EncodeBigUIntWithLength encodes n left-padded to exactly length bytes.
func EncodeBigUIntWithLength(n *big.Int, length int) (Encoded, error) {
	if n == nil || n.Sign() < 0 {
		return Encoded{}, fmt.Errorf("cannot encode negative or nil big integer")
	}
	b := n.Bytes()
	if len(b) > length {
		return Encoded{}, fmt.Errorf("big integer needs %d bytes, exceeds length %d", len(b), length)
	}
	inner := make([]byte, length)
	copy(inner[length-len(b):], b)
	return newEncoded(ByteIDUnsignedBigInt, inner), nil
}

// DecodeBigUInt decodes an unsigned big integer.
func DecodeBigUInt(e Encoded) (*big.Int, error) {
	if err := e.expect(ByteIDUnsignedBigInt); err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(e.Inner()), nil
}

// EncodeKey encodes key material of the given kind (ByteIDSymmetricKey,
// ByteIDPublicKey or ByteIDPrivateKey) prefixed by its implementation byte.
func EncodeKey(kind ByteID, impl byte, material []byte) Encoded {
	inner := make([]byte, 1+len(material))
	inner[0] = impl
	copy(inner[1:], material)
	return newEncoded(kind, inner)
}

// DecodeKey returns the implementation byte and a copy of the key material.
func DecodeKey(e Encoded, kind ByteID) (byte, []byte, error) {
	if err := e.expect(kind); err != nil {
		return 0, nil, err
	}
	inner := e.Inner()
	if len(inner) < 1 {
		return 0, nil, fmt.Errorf("%w: key without implementation byte", ErrDecoding)
	}
	return inner[0], append([]byte(nil), inner[1:]...), nil
}
